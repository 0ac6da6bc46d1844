package control

import (
	"context"
	"sort"

	"talos"
	"talos/condition"
	"talos/internal/pubsub"
)

// Evaluator matches control rules against snapshots and emits the
// transformed actions.
type Evaluator struct {
	rules map[string][]*Rule // deviceID -> rules, stable order
	eval  *condition.Evaluator
}

// NewEvaluator builds an evaluator. rules is keyed by device id.
func NewEvaluator(rules map[string][]*Rule, eval *condition.Evaluator) *Evaluator {
	return &Evaluator{rules: rules, eval: eval}
}

// Actions evaluates every rule of the snapshot's device and returns the
// actions to execute, ordered by rule priority ascending. When a blocking
// rule matches, only the highest-priority blocking rule's actions survive.
func (e *Evaluator) Actions(snap talos.Snapshot) []talos.ControlAction {
	matched := make([]*Rule, 0, 2)
	for _, rule := range e.rules[snap.DeviceID] {
		if e.eval.Evaluate(rule.Code, rule.Composite, snap) {
			matched = append(matched, rule)
		}
	}
	if len(matched) == 0 {
		return nil
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority < matched[j].Priority
	})
	for _, rule := range matched {
		if rule.Blocking {
			matched = []*Rule{rule}
			break
		}
	}

	var actions []talos.ControlAction
	for _, rule := range matched {
		for _, a := range rule.Actions {
			out, keep := rule.Transform(a, snap)
			if keep {
				actions = append(actions, out)
			}
		}
	}
	return actions
}

// Runner consumes device snapshots and publishes resulting actions to the
// CONTROL topic.
type Runner struct {
	bus  *pubsub.Bus
	eval *Evaluator
}

// NewRunner wires the control evaluation loop.
func NewRunner(bus *pubsub.Bus, eval *Evaluator) *Runner {
	return &Runner{bus: bus, eval: eval}
}

// Run blocks until ctx is done or the bus shuts down.
func (r *Runner) Run(ctx context.Context) error {
	sub := r.bus.Subscribe(talos.TopicDeviceSnapshot)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C:
			if !ok {
				return nil
			}
			snap, ok := msg.(talos.Snapshot)
			if !ok {
				continue
			}
			for _, action := range r.eval.Actions(snap) {
				r.bus.Publish(talos.TopicControl, action)
			}
		}
	}
}
