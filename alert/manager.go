package alert

import (
	"sync"
	"time"

	"talos"
)

// record tracks one (device, code) pair. A record exists only while the
// state is not NORMAL.
type record struct {
	state       talos.AlertState
	triggeredAt time.Time
	resolvedAt  time.Time
	lastValue   float64
}

// Manager runs the alert state machine:
//
//	NORMAL    + triggered  -> TRIGGERED  (notify)
//	TRIGGERED + triggered  -> ACTIVE
//	ACTIVE    + triggered  -> ACTIVE     (update value)
//	TRIGGERED + clear      -> RESOLVED   (notify)
//	ACTIVE    + clear      -> RESOLVED   (notify)
//	RESOLVED  + triggered  -> TRIGGERED  (notify, re-trigger)
//	RESOLVED  + clear      -> NORMAL     (drop record)
//
// State is process-local and not persisted.
type Manager struct {
	clock func() time.Time

	mu      sync.Mutex
	records map[string]map[string]*record // deviceID -> code -> record
}

// NewManager creates an empty state manager. clock may be nil.
func NewManager(clock func() time.Time) *Manager {
	if clock == nil {
		clock = time.Now
	}
	return &Manager{clock: clock, records: make(map[string]map[string]*record)}
}

// Apply advances the state machine for one rule evaluation. The returned
// event is meaningful only when notify is true.
func (m *Manager) Apply(deviceID string, rule *Rule, triggered bool, value float64) (event talos.AlertEvent, notify bool) {
	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()

	byCode := m.records[deviceID]
	rec, exists := (*record)(nil), false
	if byCode != nil {
		if r, ok := byCode[rule.Code]; ok {
			exists, rec = true, r
		}
	}

	state := talos.AlertNormal
	if exists {
		state = rec.state
	}

	switch {
	case state == talos.AlertNormal && triggered:
		rec = &record{state: talos.AlertTriggered, triggeredAt: now, lastValue: value}
		if byCode == nil {
			byCode = make(map[string]*record)
			m.records[deviceID] = byCode
		}
		byCode[rule.Code] = rec
		return m.event(deviceID, rule, rec), true

	case state == talos.AlertTriggered && triggered:
		rec.state = talos.AlertActive
		rec.lastValue = value
		return talos.AlertEvent{}, false

	case state == talos.AlertActive && triggered:
		rec.lastValue = value
		return talos.AlertEvent{}, false

	case (state == talos.AlertTriggered || state == talos.AlertActive) && !triggered:
		rec.state = talos.AlertResolved
		rec.resolvedAt = now
		rec.lastValue = value
		return m.event(deviceID, rule, rec), true

	case state == talos.AlertResolved && triggered:
		rec.state = talos.AlertTriggered
		rec.triggeredAt = now
		rec.resolvedAt = time.Time{}
		rec.lastValue = value
		return m.event(deviceID, rule, rec), true

	case state == talos.AlertResolved && !triggered:
		delete(byCode, rule.Code)
		if len(byCode) == 0 {
			delete(m.records, deviceID)
		}
		return talos.AlertEvent{}, false

	default: // NORMAL + clear: nothing tracked
		return talos.AlertEvent{}, false
	}
}

// must be called with m.mu held
func (m *Manager) event(deviceID string, rule *Rule, rec *record) talos.AlertEvent {
	return talos.AlertEvent{
		DeviceID:    deviceID,
		Code:        rule.Code,
		Name:        rule.Name,
		Severity:    rule.Severity,
		State:       rec.state,
		Value:       rec.lastValue,
		Reason:      rule.Reason(),
		TriggeredAt: rec.triggeredAt,
		ResolvedAt:  rec.resolvedAt,
	}
}

// ActiveStates returns a copy of all non-NORMAL records for status views.
func (m *Manager) ActiveStates() map[string]map[string]talos.AlertState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]map[string]talos.AlertState, len(m.records))
	for dev, byCode := range m.records {
		states := make(map[string]talos.AlertState, len(byCode))
		for code, rec := range byCode {
			states[code] = rec.state
		}
		out[dev] = states
	}
	return out
}
