package talos

import "fmt"

// ControlActionType enumerates the actions the executor understands.
type ControlActionType string

const (
	ActionTurnOn          ControlActionType = "turn_on"
	ActionTurnOff         ControlActionType = "turn_off"
	ActionSetFrequency    ControlActionType = "set_frequency"
	ActionAdjustFrequency ControlActionType = "adjust_frequency"
	ActionWriteDO         ControlActionType = "write_do"
	ActionReset           ControlActionType = "reset"
)

// Valid reports whether t is a known action type.
func (t ControlActionType) Valid() bool {
	switch t {
	case ActionTurnOn, ActionTurnOff, ActionSetFrequency, ActionAdjustFrequency, ActionWriteDO, ActionReset:
		return true
	}
	return false
}

// ControlAction is one write the control subsystem wants performed on a
// device. Value is nil for actions that carry no operand (turn_on, reset).
type ControlAction struct {
	Model    string            `yaml:"model" json:"model"`
	SlaveID  uint8             `yaml:"slave_id" json:"slave_id"`
	Type     ControlActionType `yaml:"type" json:"type"`
	Target   string            `yaml:"target,omitempty" json:"target,omitempty"`
	Value    *float64          `yaml:"value,omitempty" json:"value,omitempty"`
	Priority int               `yaml:"-" json:"priority"`
	Reason   string            `yaml:"-" json:"reason"`
	Force    bool              `yaml:"force,omitempty" json:"force,omitempty"`
}

// DeviceID returns the id of the device this action addresses.
func (a ControlAction) DeviceID() string {
	return DeviceIDFor(a.Model, a.SlaveID)
}

func (a ControlAction) String() string {
	if a.Value != nil {
		return fmt.Sprintf("%s(%s=%.3f) on %s", a.Type, a.Target, *a.Value, a.DeviceID())
	}
	return fmt.Sprintf("%s on %s", a.Type, a.DeviceID())
}

// Float returns a pointer to v, for building actions inline.
func Float(v float64) *float64 { return &v }
