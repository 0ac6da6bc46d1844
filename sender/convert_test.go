package sender

import (
	"testing"
	"time"

	"talos"
)

// --- helpers ---

func inverterSnap(values map[string]float64) talos.Snapshot {
	return talos.Snapshot{
		DeviceID:   "TECO_VFD_2",
		Model:      "TECO_VFD",
		SlaveID:    2,
		DeviceType: "inverter",
		SamplingTS: time.Date(2026, 5, 1, 12, 1, 0, 0, time.UTC),
		Values:     values,
	}
}

func TestUpstreamDeviceID(t *testing.T) {
	c := NewConverter("GW123456789", nil, nil)
	id, ok := c.UpstreamDeviceID(inverterSnap(nil))
	if !ok {
		t.Fatal("inverter must map")
	}
	if id != "GW123456789020CI" {
		t.Fatalf("id = %q", id)
	}

	c = NewConverter("GW123456789", map[string]int{"TECO_VFD_2": 3}, nil)
	id, _ = c.UpstreamDeviceID(inverterSnap(nil))
	if id != "GW123456789023CI" {
		t.Fatalf("indexed id = %q", id)
	}
}

func TestGatewayIDPadding(t *testing.T) {
	c := NewConverter("GW1", nil, nil)
	if c.GatewayID() != "GW100000000" {
		t.Fatalf("padded id = %q", c.GatewayID())
	}
}

func TestEquipSuffixPerDeviceType(t *testing.T) {
	c := NewConverter("GW123456789", nil, nil)
	tests := map[string]string{
		"di": "SR", "io": "SR", "vfd": "CI", "temp": "ST",
		"pressure": "SP", "flow": "SF", "meter": "SE",
	}
	for devType, suffix := range tests {
		snap := inverterSnap(nil)
		snap.DeviceType = devType
		id, ok := c.UpstreamDeviceID(snap)
		if !ok {
			t.Errorf("%s must map", devType)
			continue
		}
		if got := id[len(id)-2:]; got != suffix {
			t.Errorf("%s suffix = %q, want %q", devType, got, suffix)
		}
	}

	snap := inverterSnap(nil)
	snap.DeviceType = "teleporter"
	if _, ok := c.UpstreamDeviceID(snap); ok {
		t.Error("unknown device type must not map")
	}
}

func TestConvertInverterFields(t *testing.T) {
	c := NewConverter("GW123456789", nil, nil)
	item, ok := c.Convert(inverterSnap(map[string]float64{
		"HZ":    50,
		"RW_HZ": 51.5,
		"KWH":   1234.5,
		"WEIRD": 9, // unmapped parameter is dropped
	}))
	if !ok {
		t.Fatal("convert failed")
	}
	if item.Data["hz"] != 50.0 || item.Data["set_hz"] != 51.5 || item.Data["kwh"] != 1234.5 {
		t.Fatalf("data = %v", item.Data)
	}
	if _, ok := item.Data["WEIRD"]; ok {
		t.Error("unmapped parameter must not ship")
	}
	if _, ok := item.Data["voltage"]; ok {
		t.Error("absent parameters must not produce fields")
	}
}

func TestConvertDIGroupsPins(t *testing.T) {
	c := NewConverter("GW123456789", nil, nil)
	snap := inverterSnap(map[string]float64{
		"DI0_RELAY0":    1,
		"DI0_MCSTATUS0": 0,
		"DI3_BYPASS":    1,
	})
	snap.DeviceType = "di"

	item, ok := c.Convert(snap)
	if !ok {
		t.Fatal("convert failed")
	}
	pin0, ok := item.Data["DI0"].(map[string]any)
	if !ok {
		t.Fatalf("DI0 = %v", item.Data["DI0"])
	}
	if pin0["Relay0"] != 1.0 || pin0["MCStatus0"] != 0.0 {
		t.Fatalf("DI0 = %v", pin0)
	}
	pin3, ok := item.Data["DI3"].(map[string]any)
	if !ok || pin3["ByPass"] != 1.0 {
		t.Fatalf("DI3 = %v", item.Data["DI3"])
	}
	if _, ok := item.Data["DI1"]; ok {
		t.Error("pins without parameters must be absent")
	}
}

func TestConvertUnknownScalarTypeShipsValuesAsIs(t *testing.T) {
	c := NewConverter("GW123456789", nil, nil)
	snap := inverterSnap(map[string]float64{"TEMP": 24.5})
	snap.DeviceType = "temp"

	item, ok := c.Convert(snap)
	if !ok {
		t.Fatal("convert failed")
	}
	if item.Data["TEMP"] != 24.5 {
		t.Fatalf("data = %v", item.Data)
	}
}

func TestConvertFieldMapOverride(t *testing.T) {
	c := NewConverter("GW123456789", nil, map[string]map[string]string{
		"inverter": {"speed": "HZ"},
	})
	item, ok := c.Convert(inverterSnap(map[string]float64{"HZ": 50, "KWH": 1}))
	if !ok {
		t.Fatal("convert failed")
	}
	if item.Data["speed"] != 50.0 {
		t.Fatalf("data = %v", item.Data)
	}
	if _, ok := item.Data["kwh"]; ok {
		t.Error("an override replaces the built-in map entirely")
	}
}

func TestBuildEnvelope(t *testing.T) {
	c := NewConverter("GW123456789", nil, nil)
	tick := time.Date(2026, 5, 1, 12, 1, 0, 0, time.UTC)
	item, _ := c.Convert(inverterSnap(map[string]float64{"HZ": 50}))

	env := c.BuildEnvelope(tick, []DeviceItem{item})
	if env.FUNC != "PushIMAData" || env.Version != "6.0" {
		t.Fatalf("envelope header = %+v", env)
	}
	if env.GatewayID != "GW123456789" {
		t.Fatalf("gateway = %q", env.GatewayID)
	}
	if env.Timestamp != "20260501120100" {
		t.Fatalf("timestamp = %q", env.Timestamp)
	}
	if len(env.Data) != 1 {
		t.Fatalf("data = %v", env.Data)
	}
}
