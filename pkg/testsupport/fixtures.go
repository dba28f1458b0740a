package testsupport

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// LoadFixture loads test data from a fixture file.
// The path is relative to the test package directory.
func LoadFixture(t *testing.T, path string) []byte {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to load fixture from %s: %v", path, err)
	}

	return data
}

// LoadFixtureJSON loads JSON test data from a fixture file and unmarshals it.
func LoadFixtureJSON(t *testing.T, path string, dest any) {
	t.Helper()

	data := LoadFixture(t, path)
	if err := json.Unmarshal(data, dest); err != nil {
		t.Fatalf("failed to unmarshal JSON fixture from %s: %v", path, err)
	}
}

// LoadResponse loads a scripted FakePool response from a JSON fixture:
//
//	{"columns": [["id", "name"]], "sets": [[[1, "a"], [2, "b"]]], "affected": 0}
//
// JSON numbers arrive as float64; the fake cursor converts them on Scan.
func LoadResponse(t *testing.T, path string) Response {
	t.Helper()

	var resp Response
	LoadFixtureJSON(t, path, &resp)
	if len(resp.Sets) == 0 {
		t.Fatalf("fixture %s has no result sets", path)
	}
	return resp
}

// FixturePath constructs a path to a fixture file relative to the testdata directory.
func FixturePath(filename string) string {
	return filepath.Join("testdata", filename)
}
