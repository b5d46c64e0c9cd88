package nodeflow

import (
	"fmt"
	"sort"
)

// Context maps variable names to JSON-compatible values. It is threaded
// through a run and only ever grows.
type Context map[string]any

// Clone returns a shallow copy. A nil Context clones to an empty one.
func (c Context) Clone() Context {
	out := make(Context, len(c)+1)
	for k, v := range c {
		out[k] = v
	}
	return out
}

// With returns a copy of c with key set to value. c is not modified.
func (c Context) With(key string, value any) Context {
	out := c.Clone()
	out[key] = value
	return out
}

// Keys returns the top-level keys in sorted order.
func (c Context) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CheckAppendOnly verifies that after contains every key of before and at
// most one additional key, which must equal variableName when non-empty.
// An empty variableName means no key may be added.
func CheckAppendOnly(before, after Context, variableName string) error {
	for k := range before {
		if _, ok := after[k]; !ok {
			return NonRetriable(fmt.Errorf("context key %q was removed", k))
		}
	}
	var added []string
	for k := range after {
		if _, ok := before[k]; !ok {
			added = append(added, k)
		}
	}
	sort.Strings(added)
	switch {
	case variableName == "" && len(added) == 0:
		return nil
	case variableName == "":
		return NonRetriable(fmt.Errorf("node added unexpected context keys %v", added))
	case len(added) == 1 && added[0] == variableName:
		return nil
	case len(added) == 0:
		if _, ok := before[variableName]; ok {
			return NonRetriable(fmt.Errorf("variable %q already exists in context", variableName))
		}
		return NonRetriable(fmt.Errorf("node did not set variable %q", variableName))
	default:
		return NonRetriable(fmt.Errorf("node added context keys %v, want only %q", added, variableName))
	}
}
