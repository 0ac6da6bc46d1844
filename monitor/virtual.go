package monitor

import (
	"time"

	"talos"
)

// SourceRef names one parameter of a physical device.
type SourceRef struct {
	DeviceID string `yaml:"device_id"`
	Param    string `yaml:"param"`
}

// VirtualDevice derives a synthetic snapshot from the cycle's physical
// snapshots. Parameters whose source is missing or offline carry the
// sentinel, so a fully unresolved virtual device reads as offline.
type VirtualDevice struct {
	Model      string               `yaml:"model"`
	SlaveID    uint8                `yaml:"slave_id"`
	DeviceType string               `yaml:"type"`
	Params     map[string]SourceRef `yaml:"params"`
}

// Derive builds the virtual snapshot from this cycle's results.
func (v VirtualDevice) Derive(cycle map[string]talos.Snapshot, ts time.Time) talos.Snapshot {
	values := make(map[string]float64, len(v.Params))
	for name, ref := range v.Params {
		values[name] = talos.Sentinel
		src, ok := cycle[ref.DeviceID]
		if !ok {
			continue
		}
		if val, ok := src.Values[ref.Param]; ok {
			values[name] = val
		}
	}
	return talos.Snapshot{
		DeviceID:   talos.DeviceIDFor(v.Model, v.SlaveID),
		Model:      v.Model,
		SlaveID:    v.SlaveID,
		DeviceType: v.DeviceType,
		SamplingTS: ts,
		Values:     values,
	}
}
