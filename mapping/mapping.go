// Package mapping defines the contract between the execution engine and the
// per-type functions that turn cursor rows into records and record collections
// into tabular parameters.
//
// Mapping functions are usually generated. The engine only invokes them; it
// never inspects how they were produced. Rows are addressed strictly by
// ordinal, there is no name based lookup.
//
//	mapping.RegisterRow(reg, func(r mapping.Row) (Order, error) {
//		var o Order
//		err := r.Scan(&o.ID, &o.Customer, &o.Total)
//		return o, err
//	})
package mapping

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Row is a forward-only, ordinal-addressed view over the current row of a
// cursor. A Row must not be retained after the mapping function returns.
type Row interface {
	Scan(dest ...any) error
}

// RowFunc turns one cursor row into a T.
type RowFunc[T any] func(Row) (T, error)

// TableFunc turns a collection of T into a tabular parameter.
type TableFunc[T any] func(items []T) (Table, error)

// Column describes one column of a tabular parameter.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Table is a named, typed, multi-row structure bound as a single parameter.
type Table struct {
	Name    string
	Columns []Column
	Rows    [][]any
}

// Validate checks that the table has columns and that every row matches
// the column count.
func (t Table) Validate() error {
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %q has no columns", t.Name)
	}
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("table %q row %d has %d values, expected %d", t.Name, i, len(row), len(t.Columns))
		}
	}
	return nil
}

// MarshalJSON encodes the table as an array of column keyed objects, the shape
// expected by jsonb_to_recordset and json_each style table expansion.
func (t Table) MarshalJSON() ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	records := make([]map[string]any, len(t.Rows))
	for i, row := range t.Rows {
		rec := make(map[string]any, len(t.Columns))
		for j, col := range t.Columns {
			rec[col.Name] = row[j]
		}
		records[i] = rec
	}
	return json.Marshal(records)
}

// Value implements driver.Valuer so a Table can be bound as one structured
// parameter by database/sql and pgx drivers.
func (t Table) Value() (driver.Value, error) {
	data, err := t.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

var _ driver.Valuer = Table{}
