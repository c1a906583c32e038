package weights

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Schema lists the parameter names and shapes an architecture expects.
type Schema map[string][]int

// Bytes returns the float32 footprint of a parameter set matching s.
func (s Schema) Bytes() int64 {
	var n int64
	for _, shape := range s {
		elems := int64(1)
		for _, d := range shape {
			elems *= int64(d)
		}
		n += elems * 4
	}
	return n
}

// MismatchError describes how a parameter set differs from a schema.
type MismatchError struct {
	Missing []string
	Extra   []string
	Shape   []string
}

func (e *MismatchError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+summarize(e.Missing))
	}
	if len(e.Extra) > 0 {
		parts = append(parts, "unexpected "+summarize(e.Extra))
	}
	if len(e.Shape) > 0 {
		parts = append(parts, "wrong shape "+summarize(e.Shape))
	}
	return "weights: parameter mismatch: " + strings.Join(parts, "; ")
}

func summarize(keys []string) string {
	const limit = 5
	if len(keys) <= limit {
		return strings.Join(keys, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(keys[:limit], ", "), len(keys)-limit)
}

// Match requires set to contain exactly the parameters of s with the same
// shapes. It returns a *MismatchError otherwise.
func (s Schema) Match(set ParamSet) error {
	e := &MismatchError{}
	for name, shape := range s {
		t, ok := set[name]
		if !ok {
			e.Missing = append(e.Missing, name)
			continue
		}
		if !slices.Equal(t.Shape, shape) {
			e.Shape = append(e.Shape, fmt.Sprintf("%s %v (want %v)", name, t.Shape, shape))
		}
	}
	for name := range set {
		if _, ok := s[name]; !ok {
			e.Extra = append(e.Extra, name)
		}
	}

	if len(e.Missing) == 0 && len(e.Extra) == 0 && len(e.Shape) == 0 {
		return nil
	}
	sort.Strings(e.Missing)
	sort.Strings(e.Extra)
	sort.Strings(e.Shape)
	return e
}
