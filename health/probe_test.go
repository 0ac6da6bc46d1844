package health

import (
	"testing"

	"talos/device"
	"talos/modbus"
)

// --- helpers ---

func off(v uint16) *uint16 { return &v }

func regMap(t *testing.T, defs map[string]*device.RegisterDef) *device.RegisterMap {
	t.Helper()
	m, err := device.NewRegisterMap(defs)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestInferProbePrefersStatusRegister(t *testing.T) {
	m := regMap(t, map[string]*device.RegisterDef{
		"HZ":        {Offset: off(0), Readable: true},
		"INVSTATUS": {Offset: off(9), Readable: true},
	})
	p, ok := InferProbe("inverter", m, modbus.Holding)
	if !ok {
		t.Fatal("probe expected")
	}
	if p.Kind != SingleRegister || p.Register != "INVSTATUS" || p.Start != 9 {
		t.Fatalf("probe = %+v", p)
	}
}

func TestInferProbeVFDPicksNonWritable(t *testing.T) {
	m := regMap(t, map[string]*device.RegisterDef{
		"RW_HZ": {Offset: off(0), Readable: true, Writable: true},
		"AMP":   {Offset: off(2), Readable: true},
	})
	p, ok := InferProbe("vfd", m, modbus.Holding)
	if !ok {
		t.Fatal("probe expected")
	}
	if p.Register != "AMP" {
		t.Fatalf("vfd probe must skip writable control registers, got %+v", p)
	}
}

func TestInferProbeBulkForIOModules(t *testing.T) {
	m := regMap(t, map[string]*device.RegisterDef{
		"CH0": {Offset: off(0), Readable: true},
		"CH1": {Offset: off(1), Readable: true},
		"CH2": {Offset: off(2), Readable: true},
		"CH3": {Offset: off(3), Readable: true},
	})
	p, ok := InferProbe("di_module", m, modbus.Holding)
	if !ok {
		t.Fatal("probe expected")
	}
	if p.Kind != PartialBulk || p.Start != 0 || p.Count < 2 || p.Count > 3 {
		t.Fatalf("io probe = %+v, want 2-3 register bulk from 0", p)
	}
}

func TestInferProbeFallsBackToSmallestOffset(t *testing.T) {
	m := regMap(t, map[string]*device.RegisterDef{
		"B": {Offset: off(7), Readable: true},
		"A": {Offset: off(3), Readable: true},
	})
	p, ok := InferProbe("temp", m, modbus.Holding)
	if !ok {
		t.Fatal("probe expected")
	}
	if p.Kind != SingleRegister || p.Start != 3 {
		t.Fatalf("fallback probe = %+v, want smallest offset", p)
	}
}

func TestInferProbeSkipsBitAndWriteOnlyPins(t *testing.T) {
	m := regMap(t, map[string]*device.RegisterDef{
		"RELAY": {Offset: off(0), RegisterType: "coil", Readable: true},
		"SET":   {Offset: off(1), Writable: true},
	})
	if _, ok := InferProbe("temp", m, modbus.Holding); ok {
		t.Fatal("no word-readable pin, no probe")
	}
}
