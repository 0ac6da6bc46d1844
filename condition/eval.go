package condition

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"talos"
)

// HistoryStore persists time-elapsed execution records so intervals are
// respected across restarts.
type HistoryStore interface {
	LastExecution(ruleCode string) (time.Time, bool, error)
	RecordExecution(ruleCode string, at time.Time) error
}

type leafState struct {
	lastOutput   bool
	pendingSince time.Time // zero when no debounce window is open
}

// Evaluator evaluates composite conditions against snapshots. Per-leaf
// hysteresis/debounce state is keyed by (ruleCode, leaf id); building a
// fresh Evaluator discards all leaf state.
type Evaluator struct {
	history HistoryStore
	clock   func() time.Time

	mu     sync.Mutex
	leaves map[string]*leafState
}

// NewEvaluator creates an evaluator. history may be nil when no rule uses
// time_elapsed leaves; clock may be nil.
func NewEvaluator(history HistoryStore, clock func() time.Time) *Evaluator {
	if clock == nil {
		clock = time.Now
	}
	return &Evaluator{
		history: history,
		clock:   clock,
		leaves:  make(map[string]*leafState),
	}
}

// Evaluate returns the boolean result of node against snap. The node must
// have passed Validate.
func (e *Evaluator) Evaluate(ruleCode string, node *Node, snap talos.Snapshot) bool {
	switch {
	case len(node.All) > 0:
		for _, child := range node.All {
			if !e.Evaluate(ruleCode, child, snap) {
				return false
			}
		}
		return true
	case len(node.Any) > 0:
		for _, child := range node.Any {
			if e.Evaluate(ruleCode, child, snap) {
				return true
			}
		}
		return false
	case node.Not != nil:
		return !e.Evaluate(ruleCode, node.Not, snap)
	case node.Threshold != nil:
		l := node.Threshold
		v, ok := sourceValue(snap, l.Source)
		if !ok {
			return false
		}
		raw := func(prev bool) bool {
			return compare(v, l.Op, l.Threshold, l.Min, l.Max, l.Tolerance, hyst(prev, l.Hysteresis))
		}
		return e.leafOutput(ruleCode, node.id, raw, l.DebounceSec)
	case node.Difference != nil:
		l := node.Difference
		v1, ok1 := sourceValue(snap, l.Sources[0])
		v2, ok2 := sourceValue(snap, l.Sources[1])
		if !ok1 || !ok2 {
			return false
		}
		d := v1 - v2
		if l.Abs {
			d = math.Abs(d)
		}
		raw := func(prev bool) bool {
			return compare(d, l.Op, l.Threshold, l.Min, l.Max, l.Tolerance, hyst(prev, l.Hysteresis))
		}
		return e.leafOutput(ruleCode, node.id, raw, l.DebounceSec)
	case node.TimeElapsed != nil:
		return e.timeElapsed(ruleCode, node.TimeElapsed)
	default:
		return false
	}
}

// sourceValue fetches a parameter; missing, sentinel, or NaN values fail
// the leaf rather than erroring.
func sourceValue(snap talos.Snapshot, name string) (float64, bool) {
	v, ok := snap.Values[name]
	if !ok || math.IsNaN(v) || v == talos.Sentinel {
		return 0, false
	}
	return v, true
}

func hyst(prevTrue bool, h float64) float64 {
	if prevTrue {
		return h
	}
	return 0
}

// Compare applies op without hysteresis. The legacy alert path uses it for
// aggregated values.
func Compare(v float64, op Op, threshold, min, max *float64, tolerance float64) bool {
	return compare(v, op, threshold, min, max, tolerance, 0)
}

// compare applies op with the threshold widened by h (non-zero only when
// the leaf's previous output was true).
func compare(v float64, op Op, threshold, min, max *float64, tolerance, h float64) bool {
	switch op {
	case OpGT:
		return v > *threshold-h
	case OpGE:
		return v >= *threshold-h
	case OpLT:
		return v < *threshold+h
	case OpLE:
		return v <= *threshold+h
	case OpEQ:
		return math.Abs(v-*threshold) <= tolerance+h
	case OpNE:
		return math.Abs(v-*threshold) > tolerance
	case OpBetween:
		return v >= *min-h && v <= *max+h
	default:
		return false
	}
}

// leafOutput applies hysteresis (through raw's prev argument) and debounce.
// A debounced leaf must stay raw-true continuously for debounceSec before
// reporting true; any break resets the window.
func (e *Evaluator) leafOutput(ruleCode, leafID string, raw func(prev bool) bool, debounceSec float64) bool {
	key := ruleCode + "/" + leafID
	now := e.clock()

	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.leaves[key]
	if !ok {
		st = &leafState{}
		e.leaves[key] = st
	}

	r := raw(st.lastOutput)
	if !r {
		st.lastOutput = false
		st.pendingSince = time.Time{}
		return false
	}
	if debounceSec <= 0 || st.lastOutput {
		st.lastOutput = true
		st.pendingSince = time.Time{}
		return true
	}
	if st.pendingSince.IsZero() {
		st.pendingSince = now
		return false
	}
	if now.Sub(st.pendingSince) >= time.Duration(debounceSec*float64(time.Second)) {
		st.lastOutput = true
		st.pendingSince = time.Time{}
		return true
	}
	return false
}

// timeElapsed is true on first evaluation and then whenever IntervalHours
// have passed since the recorded execution; each true records now.
func (e *Evaluator) timeElapsed(ruleCode string, l *TimeElapsedLeaf) bool {
	if l.IntervalHours <= 0 {
		return false
	}
	if e.history == nil {
		slog.Warn("time_elapsed leaf without history store", "rule", ruleCode)
		return false
	}
	now := e.clock()
	last, ok, err := e.history.LastExecution(ruleCode)
	if err != nil {
		slog.Warn("execution history read failed", "rule", ruleCode, "err", err)
		return false
	}
	if ok && now.Sub(last) < time.Duration(l.IntervalHours*float64(time.Hour)) {
		return false
	}
	if err := e.history.RecordExecution(ruleCode, now); err != nil {
		slog.Warn("execution history write failed", "rule", ruleCode, "err", err)
	}
	return true
}
