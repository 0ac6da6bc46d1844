package talos

import "time"

// Severity classifies an alert rule.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// AlertState is the lifecycle phase of one (device, alert code) pair.
type AlertState string

const (
	AlertNormal    AlertState = "NORMAL"
	AlertTriggered AlertState = "TRIGGERED"
	AlertActive    AlertState = "ACTIVE"
	AlertResolved  AlertState = "RESOLVED"
)

// AlertEvent is published on ALERT_WARNING for the notify-labeled
// transitions of the alert state machine.
type AlertEvent struct {
	DeviceID    string     `json:"device_id"`
	Code        string     `json:"code"`
	Name        string     `json:"name"`
	Severity    Severity   `json:"severity"`
	State       AlertState `json:"state"`
	Value       float64    `json:"value"`
	Reason      string     `json:"reason,omitempty"`
	TriggeredAt time.Time  `json:"triggered_at,omitempty"`
	ResolvedAt  time.Time  `json:"resolved_at,omitempty"`
}
