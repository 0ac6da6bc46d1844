package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"talos"
	"talos/alert"
	"talos/condition"
	"talos/control"
)

// NotifierEntry declares one notification destination.
type NotifierEntry struct {
	Name       string  `yaml:"name"`
	Type       string  `yaml:"type"` // log | webhook
	URL        string  `yaml:"url,omitempty"`
	TimeoutSec float64 `yaml:"timeout_sec,omitempty"`
}

// NotifierFile is notifier_config.yml.
type NotifierFile struct {
	Notifiers []NotifierEntry               `yaml:"notifiers"`
	Routes    map[talos.Severity]alert.Route `yaml:"routes"`

	RetryBaseMs      int     `yaml:"retry_base_ms,omitempty"`
	RetryMultiplier  float64 `yaml:"retry_multiplier,omitempty"`
	RetryMaxAttempts uint64  `yaml:"retry_max_attempts,omitempty"`
}

// LoadNotifiers reads notifier_config.yml. A missing file yields a
// log-only router.
func LoadNotifiers(path string) (*NotifierFile, error) {
	var f NotifierFile
	if err := loadYAML(path, &f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &NotifierFile{
				Notifiers: []NotifierEntry{{Name: "log", Type: "log"}},
				Routes: map[talos.Severity]alert.Route{
					talos.SeverityWarning:  {Mode: alert.ModeSingle, Notifiers: []string{"log"}},
					talos.SeverityError:    {Mode: alert.ModeSingle, Notifiers: []string{"log"}},
					talos.SeverityCritical: {Mode: alert.ModeSingle, Notifiers: []string{"log"}},
				},
			}, nil
		}
		return nil, err
	}
	return &f, nil
}

// BuildRouter assembles the alert router from the file.
func (f *NotifierFile) BuildRouter() (*alert.Router, error) {
	notifiers := make([]alert.Notifier, 0, len(f.Notifiers))
	for _, e := range f.Notifiers {
		switch e.Type {
		case "log", "":
			notifiers = append(notifiers, alert.NewLogNotifier(e.Name))
		case "webhook":
			if e.URL == "" {
				return nil, fmt.Errorf("webhook notifier %q: missing url", e.Name)
			}
			notifiers = append(notifiers, alert.NewWebhookNotifier(e.Name, e.URL, secs(e.TimeoutSec)))
		default:
			return nil, fmt.Errorf("notifier %q: unknown type %q", e.Name, e.Type)
		}
	}
	retry := alert.RetryPolicy{
		Base:        time.Duration(f.RetryBaseMs) * time.Millisecond,
		Multiplier:  f.RetryMultiplier,
		MaxAttempts: f.RetryMaxAttempts,
	}
	return alert.NewRouter(f.Routes, notifiers, retry)
}

// TimeFile is time_condition.yml: rule code -> interval hours override
// for the rule's time-elapsed leaves.
type TimeFile map[string]float64

// LoadTimeConditions reads time_condition.yml. A missing file yields no
// overrides.
func LoadTimeConditions(path string) (TimeFile, error) {
	var f TimeFile
	if err := loadYAML(path, &f); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return TimeFile{}, nil
		}
		return nil, err
	}
	return f, nil
}

// ApplyTo rewrites the interval of every time-elapsed leaf in rules whose
// code has an override.
func (f TimeFile) ApplyTo(rules map[string][]*control.Rule) {
	if len(f) == 0 {
		return
	}
	for _, deviceRules := range rules {
		for _, rule := range deviceRules {
			hours, ok := f[rule.Code]
			if !ok {
				continue
			}
			setElapsedHours(rule.Composite, hours)
		}
	}
}

func setElapsedHours(n *condition.Node, hours float64) {
	if n == nil {
		return
	}
	if n.TimeElapsed != nil {
		n.TimeElapsed.IntervalHours = hours
	}
	for _, c := range n.All {
		setElapsedHours(c, hours)
	}
	for _, c := range n.Any {
		setElapsedHours(c, hours)
	}
	setElapsedHours(n.Not, hours)
}
