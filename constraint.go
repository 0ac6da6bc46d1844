package talos

import "fmt"

// Bounds is an optional [min, max] range for one writable parameter.
// A nil bound is unbounded on that side.
type Bounds struct {
	Min *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty" json:"max,omitempty"`
}

// Contains reports whether v is within the bounds, absent sides treated
// as infinite.
func (b Bounds) Contains(v float64) bool {
	if b.Min != nil && v < *b.Min {
		return false
	}
	if b.Max != nil && v > *b.Max {
		return false
	}
	return true
}

// ConstraintPolicy maps parameter names to write bounds. It is resolved at
// startup by a 3-level merge: global defaults, model defaults, instance
// overrides.
type ConstraintPolicy map[string]Bounds

// Allow reports whether writing value to param is within policy. Parameters
// without an entry are unconstrained.
func (p ConstraintPolicy) Allow(param string, value float64) error {
	b, ok := p[param]
	if !ok {
		return nil
	}
	if !b.Contains(value) {
		return fmt.Errorf("constraint violation: %s=%v outside %s", param, value, b)
	}
	return nil
}

// Merge returns a copy of p with entries from override replacing or adding
// to it. The receiver is not modified.
func (p ConstraintPolicy) Merge(override ConstraintPolicy) ConstraintPolicy {
	out := make(ConstraintPolicy, len(p)+len(override))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func (b Bounds) String() string {
	lo, hi := "-inf", "+inf"
	if b.Min != nil {
		lo = fmt.Sprintf("%v", *b.Min)
	}
	if b.Max != nil {
		hi = fmt.Sprintf("%v", *b.Max)
	}
	return fmt.Sprintf("[%s, %s]", lo, hi)
}
