package config

import (
	"errors"
	"log/slog"
	"os"
	"sort"

	"talos"
	"talos/alert"
	"talos/control"
)

// AlertInstanceBlock is one slave's override in alert_condition.yml.
// UseDefault nil means true: instance rules extend the model defaults.
type AlertInstanceBlock struct {
	UseDefault *bool         `yaml:"use_default_alerts,omitempty"`
	Alerts     []*alert.Rule `yaml:"alerts,omitempty"`
}

// AlertModelBlock is one model's block in alert_condition.yml.
type AlertModelBlock struct {
	Defaults  []*alert.Rule                `yaml:"default_alerts,omitempty"`
	Instances map[uint8]AlertInstanceBlock `yaml:"instances,omitempty"`
}

// AlertFile is alert_condition.yml: model name -> block.
type AlertFile map[string]AlertModelBlock

// LoadAlerts reads alert_condition.yml. A missing file yields no rules.
func LoadAlerts(path string) (AlertFile, error) {
	var f AlertFile
	if err := loadYAML(path, &f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return AlertFile{}, nil
		}
		return nil, err
	}
	return f, nil
}

// RulesFor resolves the alert rules for one device. Later rules replace
// earlier ones with the same code, so instance rules override defaults.
// Invalid rules are skipped with a log line.
func (f AlertFile) RulesFor(model string, slaveID uint8) []*alert.Rule {
	block, ok := f[model]
	if !ok {
		return nil
	}

	useDefault := true
	var instRules []*alert.Rule
	if inst, ok := block.Instances[slaveID]; ok {
		if inst.UseDefault != nil {
			useDefault = *inst.UseDefault
		}
		instRules = inst.Alerts
	}

	byCode := make(map[string]*alert.Rule)
	var order []string
	add := func(rules []*alert.Rule) {
		for _, r := range rules {
			if err := r.Validate(); err != nil {
				slog.Warn("skipping invalid alert rule",
					"model", model, "slave", slaveID, "code", r.Code, "err", err)
				continue
			}
			if _, seen := byCode[r.Code]; !seen {
				order = append(order, r.Code)
			}
			byCode[r.Code] = r
		}
	}
	if useDefault {
		add(block.Defaults)
	}
	add(instRules)

	out := make([]*alert.Rule, 0, len(order))
	for _, code := range order {
		out = append(out, byCode[code])
	}
	return out
}

// AlertRuleTable builds the deviceID -> rules map for all devices.
func (f AlertFile) AlertRuleTable(devices []DeviceEntry) map[string][]*alert.Rule {
	out := make(map[string][]*alert.Rule)
	for _, d := range devices {
		if rules := f.RulesFor(d.Model, d.SlaveID); len(rules) > 0 {
			out[talos.DeviceIDFor(d.Model, d.SlaveID)] = rules
		}
	}
	return out
}

// ControlInstanceBlock is one slave's override in control_condition.yml.
type ControlInstanceBlock struct {
	UseDefault *bool           `yaml:"use_default_controls,omitempty"`
	Controls   []*control.Rule `yaml:"controls,omitempty"`
}

// ControlModelBlock is one model's block in control_condition.yml.
type ControlModelBlock struct {
	Defaults  []*control.Rule                `yaml:"default_controls,omitempty"`
	Instances map[uint8]ControlInstanceBlock `yaml:"instances,omitempty"`
}

// ControlFile is control_condition.yml: model name -> block.
type ControlFile map[string]ControlModelBlock

// LoadControls reads control_condition.yml. A missing file yields no
// rules.
func LoadControls(path string) (ControlFile, error) {
	var f ControlFile
	if err := loadYAML(path, &f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ControlFile{}, nil
		}
		return nil, err
	}
	return f, nil
}

// RulesFor resolves the control rules for one device. Rules sharing a
// priority conflict: only the last one at each priority survives
// (instance rules come after defaults), and dropped codes are logged.
func (f ControlFile) RulesFor(model string, slaveID uint8) []*control.Rule {
	block, ok := f[model]
	if !ok {
		return nil
	}

	useDefault := true
	var instRules []*control.Rule
	if inst, ok := block.Instances[slaveID]; ok {
		if inst.UseDefault != nil {
			useDefault = *inst.UseDefault
		}
		instRules = inst.Controls
	}

	var merged []*control.Rule
	add := func(rules []*control.Rule) {
		for _, r := range rules {
			if err := r.Validate(); err != nil {
				slog.Warn("skipping invalid control rule",
					"model", model, "slave", slaveID, "code", r.Code, "err", err)
				continue
			}
			merged = append(merged, r)
		}
	}
	if useDefault {
		add(block.Defaults)
	}
	add(instRules)

	byPriority := make(map[int]*control.Rule)
	var priorities []int
	for _, r := range merged {
		if prev, ok := byPriority[r.Priority]; ok {
			slog.Warn("control priority conflict, dropping earlier rule",
				"model", model, "slave", slaveID,
				"priority", r.Priority, "dropped", prev.Code, "kept", r.Code)
		} else {
			priorities = append(priorities, r.Priority)
		}
		byPriority[r.Priority] = r
	}

	sort.Ints(priorities)
	out := make([]*control.Rule, 0, len(priorities))
	for _, p := range priorities {
		out = append(out, byPriority[p])
	}
	return out
}

// ControlRuleTable builds the deviceID -> rules map for all devices.
func (f ControlFile) ControlRuleTable(devices []DeviceEntry) map[string][]*control.Rule {
	out := make(map[string][]*control.Rule)
	for _, d := range devices {
		if rules := f.RulesFor(d.Model, d.SlaveID); len(rules) > 0 {
			out[talos.DeviceIDFor(d.Model, d.SlaveID)] = rules
		}
	}
	return out
}
