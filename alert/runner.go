package alert

import (
	"context"
	"log/slog"

	"talos"
	"talos/condition"
	"talos/internal/pubsub"
)

// Runner consumes device snapshots, advances the state machine for every
// rule of the device, and publishes notify-transitions to ALERT_WARNING.
type Runner struct {
	bus     *pubsub.Bus
	rules   map[string][]*Rule // deviceID -> rules
	eval    *condition.Evaluator
	manager *Manager
}

// NewRunner wires the evaluator loop. rules is keyed by device id.
func NewRunner(bus *pubsub.Bus, rules map[string][]*Rule, eval *condition.Evaluator, manager *Manager) *Runner {
	return &Runner{bus: bus, rules: rules, eval: eval, manager: manager}
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
			r.handle(snap)
		}
	}
}

func (r *Runner) handle(snap talos.Snapshot) {
	for _, rule := range r.rules[snap.DeviceID] {
		triggered, value := rule.Evaluate(r.eval, snap)
		event, notify := r.manager.Apply(snap.DeviceID, rule, triggered, value)
		if notify {
			r.bus.Publish(talos.TopicAlertWarning, event)
		}
	}
}

// Dispatcher consumes ALERT_WARNING and hands events to the router.
type Dispatcher struct {
	bus    *pubsub.Bus
	router *Router
}

// NewDispatcher wires the notification loop.
func NewDispatcher(bus *pubsub.Bus, router *Router) *Dispatcher {
	return &Dispatcher{bus: bus, router: router}
}

// Run blocks until ctx is done or the bus shuts down.
func (d *Dispatcher) Run(ctx context.Context) error {
	sub := d.bus.Subscribe(talos.TopicAlertWarning)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C:
			if !ok {
				return nil
			}
			event, ok := msg.(talos.AlertEvent)
			if !ok {
				continue
			}
			if err := d.router.Dispatch(ctx, event); err != nil {
				slog.Warn("alert dispatch failed",
					"device", event.DeviceID, "code", event.Code, "err", err)
			}
		}
	}
}
