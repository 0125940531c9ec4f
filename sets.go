package statsdaemon

import (
	"sort"
)

// Set is used for storing the distinct values seen for a set key.
type Set map[string]struct{}

// NewSet initialises a new empty set.
func NewSet() Set {
	return make(Set)
}

// Add inserts value, it is a no-op if the value is already present.
func (s Set) Add(value string) {
	s[value] = struct{}{}
}

// Len returns the cardinality of the set.
func (s Set) Len() int {
	return len(s)
}

// Values returns the members of the set in sorted order.
func (s Set) Values() []string {
	values := make([]string, 0, len(s))
	for v := range s {
		values = append(values, v)
	}
	sort.Strings(values)
	return values
}

// Copy returns a deep copy of the set.
func (s Set) Copy() Set {
	c := make(Set, len(s))
	for v := range s {
		c[v] = struct{}{}
	}
	return c
}
