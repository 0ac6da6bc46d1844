// Package condition implements the composite boolean conditions shared by
// alerts and controls: AND/OR/NOT trees over threshold, difference, and
// time-elapsed leaves, with hysteresis and debounce on the numeric leaves.
package condition

import (
	"fmt"
	"strings"
)

// Op is a comparison operator.
type Op string

const (
	OpGT      Op = "gt"
	OpLT      Op = "lt"
	OpGE      Op = "ge"
	OpLE      Op = "le"
	OpEQ      Op = "eq"
	OpNE      Op = "ne"
	OpBetween Op = "between"
)

// Valid reports whether o is a known operator.
func (o Op) Valid() bool {
	switch o {
	case OpGT, OpLT, OpGE, OpLE, OpEQ, OpNE, OpBetween:
		return true
	}
	return false
}

// ThresholdLeaf compares one snapshot parameter against a threshold or a
// [min, max] pair (for between).
type ThresholdLeaf struct {
	Source      string   `yaml:"source"`
	Op          Op       `yaml:"op"`
	Threshold   *float64 `yaml:"threshold,omitempty"`
	Min         *float64 `yaml:"min,omitempty"`
	Max         *float64 `yaml:"max,omitempty"`
	Hysteresis  float64  `yaml:"hysteresis,omitempty"`
	DebounceSec float64  `yaml:"debounce_sec,omitempty"`
	Tolerance   float64  `yaml:"comparison_tolerance,omitempty"` // eq only
}

// DifferenceLeaf compares v1 - v2 (optionally |v1 - v2|) of two parameters.
type DifferenceLeaf struct {
	Sources     []string `yaml:"sources"`
	Op          Op       `yaml:"op"`
	Threshold   *float64 `yaml:"threshold,omitempty"`
	Min         *float64 `yaml:"min,omitempty"`
	Max         *float64 `yaml:"max,omitempty"`
	Abs         bool     `yaml:"abs,omitempty"`
	Hysteresis  float64  `yaml:"hysteresis,omitempty"`
	DebounceSec float64  `yaml:"debounce_sec,omitempty"`
	Tolerance   float64  `yaml:"comparison_tolerance,omitempty"`
}

// TimeElapsedLeaf is true when at least IntervalHours passed since the
// rule's last recorded execution. Stateful across restarts.
type TimeElapsedLeaf struct {
	IntervalHours float64 `yaml:"interval_hours"`
}

// Node is one vertex of a composite condition: either a group (exactly one
// of All/Any/Not) or a leaf (exactly one leaf type), never both.
type Node struct {
	All []*Node `yaml:"all,omitempty"`
	Any []*Node `yaml:"any,omitempty"`
	Not *Node   `yaml:"not,omitempty"`

	Threshold   *ThresholdLeaf   `yaml:"threshold,omitempty"`
	Difference  *DifferenceLeaf  `yaml:"difference,omitempty"`
	TimeElapsed *TimeElapsedLeaf `yaml:"time_elapsed,omitempty"`

	// id is the stable leaf identity assigned by Validate; debounce and
	// hysteresis state is keyed by it. Reloading rules re-validates and
	// thereby discards old state.
	id string
}

const (
	maxDepth  = 15
	maxFanout = 20
)

// Validate checks shape, depth, fan-out, and cycles, and assigns stable
// ids to every node. It must be called before Evaluate.
func (n *Node) Validate() error {
	if n == nil {
		return fmt.Errorf("empty condition")
	}
	visited := make(map[*Node]bool)
	return n.validate("n", 1, visited)
}

func (n *Node) validate(id string, depth int, visited map[*Node]bool) error {
	if depth > maxDepth {
		return fmt.Errorf("condition deeper than %d levels", maxDepth)
	}
	if visited[n] {
		return fmt.Errorf("condition contains a cycle at %s", id)
	}
	visited[n] = true
	n.id = id

	groups := 0
	if len(n.All) > 0 {
		groups++
	}
	if len(n.Any) > 0 {
		groups++
	}
	if n.Not != nil {
		groups++
	}
	leaves := 0
	if n.Threshold != nil {
		leaves++
	}
	if n.Difference != nil {
		leaves++
	}
	if n.TimeElapsed != nil {
		leaves++
	}

	switch {
	case groups == 0 && leaves == 0:
		return fmt.Errorf("node %s: neither group nor leaf", id)
	case groups+leaves > 1:
		return fmt.Errorf("node %s: must be exactly one of all/any/not or one leaf", id)
	}

	if len(n.All) > maxFanout || len(n.Any) > maxFanout {
		return fmt.Errorf("node %s: fan-out above %d", id, maxFanout)
	}

	for i, child := range n.All {
		if err := child.validate(fmt.Sprintf("%s.all%d", id, i), depth+1, visited); err != nil {
			return err
		}
	}
	for i, child := range n.Any {
		if err := child.validate(fmt.Sprintf("%s.any%d", id, i), depth+1, visited); err != nil {
			return err
		}
	}
	if n.Not != nil {
		if err := n.Not.validate(id+".not", depth+1, visited); err != nil {
			return err
		}
	}

	if n.Threshold != nil {
		return n.Threshold.validate(id)
	}
	if n.Difference != nil {
		return n.Difference.validate(id)
	}
	return nil
}

func (l *ThresholdLeaf) validate(id string) error {
	if l.Source == "" {
		return fmt.Errorf("node %s: threshold leaf without source", id)
	}
	return validateOperands(id, l.Op, l.Threshold, l.Min, l.Max)
}

func (l *DifferenceLeaf) validate(id string) error {
	if len(l.Sources) != 2 {
		return fmt.Errorf("node %s: difference leaf needs exactly 2 sources", id)
	}
	return validateOperands(id, l.Op, l.Threshold, l.Min, l.Max)
}

func validateOperands(id string, op Op, threshold, min, max *float64) error {
	if !op.Valid() {
		return fmt.Errorf("node %s: unknown operator %q", id, op)
	}
	if op == OpBetween {
		if min == nil || max == nil {
			return fmt.Errorf("node %s: between requires min and max", id)
		}
		if *min > *max {
			return fmt.Errorf("node %s: between min above max", id)
		}
		return nil
	}
	if threshold == nil {
		return fmt.Errorf("node %s: operator %s requires threshold", id, op)
	}
	return nil
}

// Reason renders the structure as a human string for action reasons, e.g.
// "(threshold(X gt 30) AND NOT(difference([A,B] gt 4)))".
func (n *Node) Reason() string {
	switch {
	case len(n.All) > 0:
		return "(" + joinReasons(n.All, " AND ") + ")"
	case len(n.Any) > 0:
		return "(" + joinReasons(n.Any, " OR ") + ")"
	case n.Not != nil:
		return "NOT" + n.Not.Reason()
	case n.Threshold != nil:
		l := n.Threshold
		return fmt.Sprintf("(threshold(%s %s %s))", l.Source, l.Op, operandString(l.Op, l.Threshold, l.Min, l.Max))
	case n.Difference != nil:
		l := n.Difference
		return fmt.Sprintf("(difference([%s,%s] %s %s))", l.Sources[0], l.Sources[1], l.Op, operandString(l.Op, l.Threshold, l.Min, l.Max))
	case n.TimeElapsed != nil:
		return fmt.Sprintf("(time_elapsed(%.2gh))", n.TimeElapsed.IntervalHours)
	default:
		return "(invalid)"
	}
}

func joinReasons(nodes []*Node, sep string) string {
	parts := make([]string, len(nodes))
	for i, child := range nodes {
		parts[i] = child.Reason()
	}
	return strings.Join(parts, sep)
}

func operandString(op Op, threshold, min, max *float64) string {
	if op == OpBetween {
		return fmt.Sprintf("[%v, %v]", *min, *max)
	}
	return fmt.Sprintf("%v", *threshold)
}
