package control

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"talos"
	"talos/device"
	"talos/health"
	"talos/internal/metrics"
	"talos/internal/pubsub"
)

// defaultTargets maps action types with an implied target parameter.
var defaultTargets = map[talos.ControlActionType]string{
	talos.ActionSetFrequency:    "RW_HZ",
	talos.ActionAdjustFrequency: "RW_HZ",
	talos.ActionWriteDO:         "RW_DO",
	talos.ActionReset:           "RW_RESET",
}

// valueTolerance is the idempotence band: a write is skipped when the
// current value is already within this distance of the target.
const valueTolerance = 0.01

// Executor consumes the CONTROL topic and performs the Modbus writes.
// Actions for cooling devices are deferred and flushed on recovery.
type Executor struct {
	bus     *pubsub.Bus
	devices map[string]*device.Device
	health  *health.Manager

	mu      sync.Mutex
	pending map[string]map[talos.ControlActionType]talos.ControlAction
}

// NewExecutor wires the executor and registers the recovery flush.
func NewExecutor(bus *pubsub.Bus, devices map[string]*device.Device, hm *health.Manager) *Executor {
	e := &Executor{
		bus:     bus,
		devices: devices,
		health:  hm,
		pending: make(map[string]map[talos.ControlActionType]talos.ControlAction),
	}
	hm.SetOnRecover(e.flushPending)
	return e
}

// Run blocks until ctx is done or the bus shuts down.
func (e *Executor) Run(ctx context.Context) error {
	sub := e.bus.Subscribe(talos.TopicControl)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C:
			if !ok {
				return nil
			}
			action, ok := msg.(talos.ControlAction)
			if !ok {
				continue
			}
			e.Execute(action)
		}
	}
}

// Execute performs one action. Failures are logged, not returned: the
// control stream must keep flowing past a bad device.
func (e *Executor) Execute(action talos.ControlAction) {
	id := action.DeviceID()
	dev, ok := e.devices[id]
	if !ok {
		slog.Warn("control action for unknown device", "device", id, "type", action.Type)
		metrics.ControlWrites.WithLabelValues(string(action.Type), "unknown_device").Inc()
		return
	}

	var err error
	switch action.Type {
	case talos.ActionTurnOn, talos.ActionTurnOff:
		err = e.executeOnOff(dev, action)
	default:
		err = e.executeWrite(dev, action)
	}

	switch {
	case err == errDeferred:
		metrics.ControlWrites.WithLabelValues(string(action.Type), "deferred").Inc()
	case err == errSkipped:
		metrics.ControlWrites.WithLabelValues(string(action.Type), "skipped").Inc()
	case err != nil:
		slog.Warn("control action failed",
			"device", id, "type", action.Type, "reason", action.Reason, "err", err)
		metrics.ControlWrites.WithLabelValues(string(action.Type), "error").Inc()
	default:
		slog.Info("control action applied",
			"device", id, "action", action.String(), "reason", action.Reason)
		metrics.ControlWrites.WithLabelValues(string(action.Type), "ok").Inc()
	}
}

var (
	errDeferred = fmt.Errorf("deferred until device recovers")
	errSkipped  = fmt.Errorf("skipped")
)

// executeOnOff handles turn_on/turn_off. Cooling devices get the action
// parked in the pending map (last write wins per type).
func (e *Executor) executeOnOff(dev *device.Device, action talos.ControlAction) error {
	id := dev.ID()
	if !e.health.IsHealthy(id) {
		e.defer_(id, action)
		return errDeferred
	}

	wantOn := action.Type == talos.ActionTurnOn

	if dev.SupportsOnOff() {
		running, err := dev.IsRunning()
		if err == nil && running == wantOn {
			slog.Debug("on/off already satisfied", "device", id, "on", wantOn)
			return errSkipped
		}
		return dev.WriteOnOff(wantOn)
	}

	if binding := dev.Binding(); binding != nil {
		value := binding.Off
		if wantOn {
			value = binding.On
		}
		for _, target := range binding.Targets {
			rewritten := action
			rewritten.Type = talos.ActionWriteDO
			rewritten.Target = target
			rewritten.Value = talos.Float(value)
			if err := e.executeWrite(dev, rewritten); err != nil && err != errSkipped {
				return fmt.Errorf("binding target %s: %w", target, err)
			}
		}
		return nil
	}

	slog.Warn("device supports neither on/off register nor DO binding", "device", id)
	return errSkipped
}

// executeWrite handles the value-carrying action types.
func (e *Executor) executeWrite(dev *device.Device, action talos.ControlAction) error {
	target := action.Target
	if target == "" {
		target = defaultTargets[action.Type]
	}
	if target == "" {
		return fmt.Errorf("action %s has no target", action.Type)
	}
	if !dev.Writable(target) {
		return fmt.Errorf("target %q missing or not writable", target)
	}
	if action.Value == nil && action.Type != talos.ActionReset {
		return fmt.Errorf("action %s without value", action.Type)
	}

	value := 1.0 // reset default
	if action.Value != nil {
		value = *action.Value
	}

	if action.Type == talos.ActionAdjustFrequency {
		current, err := dev.ReadValue(target)
		if err != nil {
			return fmt.Errorf("read %s for adjust: %w", target, err)
		}
		value = current + value
	} else if current, err := dev.ReadValue(target); err == nil {
		// Read-before-write idempotence; read failure falls through to
		// the write.
		if math.Abs(current-value) <= valueTolerance {
			slog.Debug("write already satisfied", "device", dev.ID(), "target", target, "value", value)
			return errSkipped
		}
	}

	if err := dev.Constraints().Allow(target, value); err != nil {
		if !action.Force {
			return fmt.Errorf("constraint rejected: %w", err)
		}
		slog.Warn("constraint overridden by force",
			"device", dev.ID(), "target", target, "value", value, "reason", action.Reason)
	}

	return dev.WriteValue(target, value)
}

func (e *Executor) defer_(deviceID string, action talos.ControlAction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	byType := e.pending[deviceID]
	if byType == nil {
		byType = make(map[talos.ControlActionType]talos.ControlAction)
		e.pending[deviceID] = byType
	}
	byType[action.Type] = action
	slog.Info("control action deferred", "device", deviceID, "type", action.Type)
}

// flushPending replays deferred on/off actions after a device recovers,
// turn_on before turn_off.
func (e *Executor) flushPending(deviceID string) {
	e.mu.Lock()
	byType := e.pending[deviceID]
	delete(e.pending, deviceID)
	e.mu.Unlock()
	if len(byType) == 0 {
		return
	}

	for _, kind := range []talos.ControlActionType{talos.ActionTurnOn, talos.ActionTurnOff} {
		if action, ok := byType[kind]; ok {
			slog.Info("replaying deferred action", "device", deviceID, "type", kind)
			e.Execute(action)
		}
	}
}

// PendingCount reports the number of devices with deferred actions.
func (e *Executor) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
