package cache

import (
	"fmt"
	"strings"
	"time"
)

// Tier names one of the cache backing strategies.
type Tier int

const (
	// InMemory is a process-local cache whose entries expire after a TTL.
	InMemory Tier = iota + 1
	// Frozen is a process-local immutable snapshot, rebuilt on every write.
	Frozen
	// Distributed is a network cache shared across processes.
	Distributed
)

var tierNames = map[Tier]string{
	InMemory:    "memory",
	Frozen:      "frozen",
	Distributed: "distributed",
}

// Tiers lists every known tier in declaration order.
func Tiers() []Tier {
	return []Tier{InMemory, Frozen, Distributed}
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := tierNames[t]
	return ok
}

// ParseTier resolves a tier from its name. Matching is case-insensitive.
func ParseTier(name string) (Tier, error) {
	needle := strings.ToLower(strings.TrimSpace(name))
	for tier, n := range tierNames {
		if n == needle {
			return tier, nil
		}
	}
	return 0, fmt.Errorf("unknown cache tier %q", name)
}

// Directive tells the execution engine where to look for, and store, the
// result of a call.
//
// TTL semantics differ per tier: the in-memory tier always expires entries
// (zero means the tier default), the distributed tier passes it to the remote
// store as an advisory expiration (zero means none), the frozen tier ignores it.
type Directive struct {
	Tier Tier
	Key  string
	TTL  time.Duration
}

func (d Directive) String() string {
	return d.Tier.String() + ":" + d.Key
}
