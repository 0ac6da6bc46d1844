package sender

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"talos"
)

// Envelope is the upstream payload. Field names and the version string
// are fixed by the receiving endpoint.
type Envelope struct {
	FUNC      string       `json:"FUNC"`
	Version   string       `json:"version"`
	GatewayID string       `json:"GatewayID"`
	Timestamp string       `json:"Timestamp"` // YYYYMMDDHHMMSS
	Data      []DeviceItem `json:"Data"`
}

// DeviceItem is one converted device reading inside the envelope.
type DeviceItem struct {
	DeviceID string         `json:"DeviceID"`
	Data     map[string]any `json:"Data"`
}

const (
	envelopeFunc    = "PushIMAData"
	envelopeVersion = "6.0"
	timestampLayout = "20060102150405"
)

// equipSuffixes maps device types to the upstream equipment code.
var equipSuffixes = map[string]string{
	"di":       "SR",
	"do":       "SR",
	"io":       "SR",
	"inverter": "CI",
	"vfd":      "CI",
	"temp":     "ST",
	"pressure": "SP",
	"flow":     "SF",
	"energy":   "SE",
	"meter":    "SE",
}

// inverterFields maps upstream field names to snapshot parameter names.
var inverterFields = map[string]string{
	"kwh":       "KWH",
	"voltage":   "VOLTAGE",
	"current":   "CURRENT",
	"kw":        "KW",
	"hz":        "HZ",
	"error":     "ERROR",
	"alert":     "ALERT",
	"invstatus": "INVSTATUS",
	"set_hz":    "RW_HZ",
	"on_off":    "RW_ON_OFF",
}

var flowFields = map[string]string{
	"flow":           "FLOW",
	"consumption":    "CONSUMPTION",
	"revconsumption": "REV_CONSUMPTION",
	"direction":      "DIRECTION",
}

// diPinFields are the per-pin record fields of a DI module; the source
// parameter is <pin>_<FIELD>, e.g. DI0_RELAY0.
var diPinFields = []string{"Relay0", "Relay1", "MCStatus0", "MCStatus1", "ByPass"}

const maxDIPins = 8

// Converter renders snapshots into upstream device items. DeviceIndexes
// disambiguates multiple devices of the same slave on different buses;
// missing entries default to index 0.
type Converter struct {
	gatewayID     string
	deviceIndexes map[string]int
	fieldMaps     map[string]map[string]string // deviceType -> field -> param
}

// NewConverter builds a converter for the gateway. Gateway ids shorter
// than 11 characters are right-padded with zeros. fieldMaps entries
// override the built-in per-type mappings.
func NewConverter(gatewayID string, deviceIndexes map[string]int, fieldMaps map[string]map[string]string) *Converter {
	for len(gatewayID) < 11 {
		gatewayID += "0"
	}
	return &Converter{
		gatewayID:     gatewayID,
		deviceIndexes: deviceIndexes,
		fieldMaps:     fieldMaps,
	}
}

// GatewayID returns the padded gateway identifier.
func (c *Converter) GatewayID() string { return c.gatewayID }

// UpstreamDeviceID builds the wire device id:
// gatewayId[:11] + hex2(slave) + hex1(idx) + equipSuffix.
func (c *Converter) UpstreamDeviceID(snap talos.Snapshot) (string, bool) {
	suffix, ok := equipSuffixes[strings.ToLower(snap.DeviceType)]
	if !ok {
		return "", false
	}
	idx := c.deviceIndexes[snap.DeviceID]
	return fmt.Sprintf("%s%02X%01X%s", c.gatewayID[:11], snap.SlaveID, idx&0xF, suffix), true
}

// Convert renders one snapshot. ok=false means the device type has no
// upstream representation and the snapshot is skipped.
func (c *Converter) Convert(snap talos.Snapshot) (DeviceItem, bool) {
	id, ok := c.UpstreamDeviceID(snap)
	if !ok {
		slog.Debug("no upstream mapping for device type",
			"device", snap.DeviceID, "type", snap.DeviceType)
		return DeviceItem{}, false
	}

	devType := strings.ToLower(snap.DeviceType)
	var data map[string]any
	switch devType {
	case "di", "do", "io":
		data = c.convertDI(snap)
	default:
		data = c.convertFields(devType, snap)
	}
	if len(data) == 0 {
		return DeviceItem{}, false
	}
	return DeviceItem{DeviceID: id, Data: data}, true
}

func (c *Converter) convertFields(devType string, snap talos.Snapshot) map[string]any {
	fields := c.fieldMaps[devType]
	if fields == nil {
		switch devType {
		case "inverter", "vfd":
			fields = inverterFields
		case "flow":
			fields = flowFields
		default:
			// Other scalar types ship their parameters as-is.
			data := make(map[string]any, len(snap.Values))
			for name, v := range snap.Values {
				data[name] = v
			}
			return data
		}
	}
	data := make(map[string]any, len(fields))
	for field, param := range fields {
		if v, ok := snap.Values[param]; ok {
			data[field] = v
		}
	}
	return data
}

// convertDI groups per-pin parameters into one record per DIn pin.
func (c *Converter) convertDI(snap talos.Snapshot) map[string]any {
	data := make(map[string]any)
	for pin := 0; pin < maxDIPins; pin++ {
		pinName := fmt.Sprintf("DI%d", pin)
		record := make(map[string]any, len(diPinFields))
		for _, field := range diPinFields {
			param := fmt.Sprintf("%s_%s", pinName, strings.ToUpper(field))
			if v, ok := snap.Values[param]; ok {
				record[field] = v
			}
		}
		if len(record) > 0 {
			data[pinName] = record
		}
	}
	return data
}

// BuildEnvelope assembles the per-tick payload from converted items.
func (c *Converter) BuildEnvelope(tick time.Time, items []DeviceItem) Envelope {
	return Envelope{
		FUNC:      envelopeFunc,
		Version:   envelopeVersion,
		GatewayID: c.gatewayID,
		Timestamp: tick.Format(timestampLayout),
		Data:      items,
	}
}
