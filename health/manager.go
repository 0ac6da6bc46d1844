// Package health tracks per-device reachability. Repeated read failures
// push a device into a cooldown during which the monitor skips it; after
// the cooldown a minimal probe must succeed before polling resumes.
package health

import (
	"log/slog"
	"sync"
	"time"

	"talos/internal/check"
)

// Phase is the health state of one device.
type Phase uint8

const (
	Healthy Phase = iota + 1
	// Cooling means the failure threshold was reached; the device is not
	// polled until the cooldown expires and a quick check succeeds.
	Cooling
)

func (p Phase) String() string {
	switch p {
	case Healthy:
		return "healthy"
	case Cooling:
		return "cooling"
	default:
		return "unknown"
	}
}

// Params tune the failure threshold and cooldown length.
type Params struct {
	FailThreshold int
	Cooldown      time.Duration
}

const (
	defaultFailThreshold = 3
	minCooldown          = 30 * time.Second
	maxCooldown          = 10 * time.Minute
)

// CalculateParams scales the cooldown to the poll interval: long enough to
// skip several cycles, clamped to [30s, 10m].
func CalculateParams(pollInterval time.Duration) Params {
	cooldown := 10 * pollInterval
	if cooldown < minCooldown {
		cooldown = minCooldown
	}
	if cooldown > maxCooldown {
		cooldown = maxCooldown
	}
	return Params{FailThreshold: defaultFailThreshold, Cooldown: cooldown}
}

// State is a point-in-time copy of one device's health.
type State struct {
	Phase               Phase
	ConsecutiveFailures int
	LastFailure         time.Time
	CooldownRemaining   time.Duration
}

// IsHealthy reports whether the device is polled normally.
func (s State) IsHealthy() bool { return s.Phase != Cooling }

type deviceState struct {
	phase               Phase
	consecutiveFailures int
	lastFailure         time.Time
	cooldownUntil       time.Time
}

// Manager is the in-memory health state machine. Safe for concurrent use.
type Manager struct {
	params Params
	clock  func() time.Time

	mu        sync.Mutex
	devices   map[string]*deviceState
	onRecover func(deviceID string)
}

// NewManager creates a manager with the given params. clock may be nil.
func NewManager(params Params, clock func() time.Time) *Manager {
	check.Assert(params.FailThreshold > 0, "health.NewManager: non-positive fail threshold")
	if clock == nil {
		clock = time.Now
	}
	return &Manager{
		params:  params,
		clock:   clock,
		devices: make(map[string]*deviceState),
	}
}

// SetOnRecover registers a callback fired when a device transitions from
// cooling back to healthy. Called synchronously from MarkSuccess.
func (m *Manager) SetOnRecover(fn func(deviceID string)) {
	m.mu.Lock()
	m.onRecover = fn
	m.mu.Unlock()
}

func (m *Manager) state(id string) *deviceState {
	st, ok := m.devices[id]
	if !ok {
		st = &deviceState{phase: Healthy}
		m.devices[id] = st
	}
	return st
}

// peek reads a device's state without tracking it. Queries for devices
// the manager has never marked must not show up in Snapshot.
func (m *Manager) peek(id string) deviceState {
	if st, ok := m.devices[id]; ok {
		return *st
	}
	return deviceState{phase: Healthy}
}

// MarkSuccess resets the failure counters. A cooling device recovers.
func (m *Manager) MarkSuccess(deviceID string) {
	m.mu.Lock()
	st := m.state(deviceID)
	recovered := st.phase == Cooling
	st.phase = Healthy
	st.consecutiveFailures = 0
	st.cooldownUntil = time.Time{}
	fn := m.onRecover
	m.mu.Unlock()

	if recovered {
		slog.Info("device recovered", "device", deviceID)
		if fn != nil {
			fn(deviceID)
		}
	}
}

// MarkFailure bumps the failure counter; reaching the threshold starts a
// cooldown. Each further failure while cooling re-arms the cooldown.
func (m *Manager) MarkFailure(deviceID string) {
	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(deviceID)
	st.consecutiveFailures++
	st.lastFailure = now
	if st.consecutiveFailures >= m.params.FailThreshold {
		if st.phase != Cooling {
			slog.Warn("device entered cooldown",
				"device", deviceID,
				"failures", st.consecutiveFailures,
				"cooldown", m.params.Cooldown)
		}
		st.phase = Cooling
		st.cooldownUntil = now.Add(m.params.Cooldown)
	}
}

// InCooldown reports whether the device must be skipped this cycle.
func (m *Manager) InCooldown(deviceID string) bool {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.peek(deviceID)
	return st.phase == Cooling && now.Before(st.cooldownUntil)
}

// ShouldProbe reports whether the cooldown has expired and a quick check
// is due before normal polling resumes.
func (m *Manager) ShouldProbe(deviceID string) bool {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.peek(deviceID)
	return st.phase == Cooling && !now.Before(st.cooldownUntil)
}

// IsHealthy reports whether the device is in the healthy phase.
func (m *Manager) IsHealthy(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.devices[deviceID]
	return !ok || st.phase == Healthy
}

// Status returns a copy of one device's state.
func (m *Manager) Status(deviceID string) State {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.peek(deviceID)
	return snapshotState(&st, now)
}

// Snapshot returns all tracked devices' states.
func (m *Manager) Snapshot() map[string]State {
	now := m.clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.devices))
	for id, st := range m.devices {
		out[id] = snapshotState(st, now)
	}
	return out
}

func snapshotState(st *deviceState, now time.Time) State {
	remaining := time.Duration(0)
	if st.phase == Cooling && st.cooldownUntil.After(now) {
		remaining = st.cooldownUntil.Sub(now)
	}
	return State{
		Phase:               st.phase,
		ConsecutiveFailures: st.consecutiveFailures,
		LastFailure:         st.lastFailure,
		CooldownRemaining:   remaining,
	}
}
