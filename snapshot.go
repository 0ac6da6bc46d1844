// Package talos holds the domain types shared across the gateway:
// device identity, snapshots, control actions, alerts, and constraints.
package talos

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sentinel marks a parameter value that could not be read.
const Sentinel = -1.0

// PubSub topic names.
const (
	TopicDeviceSnapshot = "DEVICE_SNAPSHOT"
	TopicAlertWarning   = "ALERT_WARNING"
	TopicControl        = "CONTROL"
)

// DeviceIDFor builds the canonical MODEL_SLAVE device id, e.g. "TECO_VFD_2".
func DeviceIDFor(model string, slaveID uint8) string {
	return fmt.Sprintf("%s_%d", model, slaveID)
}

// ParseDeviceID splits a device id on its last underscore into model and
// slave id.
func ParseDeviceID(id string) (model string, slaveID uint8, err error) {
	i := strings.LastIndex(id, "_")
	if i <= 0 || i == len(id)-1 {
		return "", 0, fmt.Errorf("malformed device id %q", id)
	}
	n, err := strconv.ParseUint(id[i+1:], 10, 8)
	if err != nil {
		return "", 0, fmt.Errorf("malformed slave id in %q: %w", id, err)
	}
	return id[:i], uint8(n), nil
}

// Snapshot is one device's parameter readings at one sampling instant.
// It is immutable after publish.
type Snapshot struct {
	DeviceID   string             `json:"device_id"`
	Model      string             `json:"model"`
	SlaveID    uint8              `json:"slave_id"`
	DeviceType string             `json:"type"`
	SamplingTS time.Time          `json:"sampling_ts"`
	Values     map[string]float64 `json:"values"`
}

// IsOnline reports whether any value was actually read. A snapshot is
// offline iff every numeric value equals the sentinel.
func (s Snapshot) IsOnline() bool {
	if len(s.Values) == 0 {
		return false
	}
	for _, v := range s.Values {
		if v != Sentinel {
			return true
		}
	}
	return false
}

// OfflineSnapshot builds a snapshot with every named parameter set to the
// sentinel value.
func OfflineSnapshot(deviceID, model string, slaveID uint8, deviceType string, params []string, ts time.Time) Snapshot {
	values := make(map[string]float64, len(params))
	for _, p := range params {
		values[p] = Sentinel
	}
	return Snapshot{
		DeviceID:   deviceID,
		Model:      model,
		SlaveID:    slaveID,
		DeviceType: deviceType,
		SamplingTS: ts,
		Values:     values,
	}
}
