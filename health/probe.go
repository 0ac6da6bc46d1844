package health

import (
	"fmt"
	"strings"

	"talos/device"
	"talos/modbus"
)

// ProbeKind is the quick-check strategy chosen by the inference rules.
type ProbeKind uint8

const (
	// SingleRegister reads one status-like register.
	SingleRegister ProbeKind = iota + 1
	// PartialBulk reads the first few contiguous registers in one request.
	PartialBulk
)

func (k ProbeKind) String() string {
	switch k {
	case SingleRegister:
		return "single_register"
	case PartialBulk:
		return "partial_bulk"
	default:
		return "unknown"
	}
}

// Probe is a minimal read plan used to verify a device responds at all.
type Probe struct {
	Kind     ProbeKind
	Register string
	RegKind  modbus.RegKind
	Start    uint16
	Count    uint16
}

// statusKeywords mark registers that answer cheaply on most devices.
var statusKeywords = []string{"STATUS", "INVSTATUS", "COMM_STATUS", "STATE"}

// bulkProbeTypes get a small bulk read instead of a single register.
var bulkProbeTypes = []string{"io", "di", "do", "power", "meter", "energy"}

// vfdTypes prefer the smallest-offset non-control register.
var vfdTypes = []string{"vfd", "inverter"}

// InferProbe picks the cheapest read that proves the device is alive:
//  1. a readable register whose name matches a status keyword,
//  2. for VFD/inverter types, the smallest-offset non-writable register,
//  3. for IO modules and power meters, a 2-3 register partial bulk,
//  4. otherwise the smallest-offset readable register.
func InferProbe(deviceType string, regs *device.RegisterMap, defaultKind modbus.RegKind) (Probe, bool) {
	readable := readableWordPins(regs, defaultKind)
	if len(readable) == 0 {
		return Probe{}, false
	}

	for _, def := range readable {
		upper := strings.ToUpper(def.Name)
		for _, kw := range statusKeywords {
			if strings.Contains(upper, kw) {
				return Probe{
					Kind:     SingleRegister,
					Register: def.Name,
					RegKind:  def.Kind(defaultKind),
					Start:    *def.Offset,
					Count:    def.Words(),
				}, true
			}
		}
	}

	lowerType := strings.ToLower(deviceType)
	if matchesAny(lowerType, vfdTypes) {
		for _, def := range readable {
			if !def.Writable {
				return singleProbe(def, defaultKind), true
			}
		}
	}

	if matchesAny(lowerType, bulkProbeTypes) {
		first := readable[0]
		start := *first.Offset
		count := first.Words()
		for _, def := range readable[1:] {
			if *def.Offset != start+count {
				break
			}
			count += def.Words()
			if count >= 3 {
				break
			}
		}
		if count >= 2 {
			return Probe{
				Kind:    PartialBulk,
				RegKind: first.Kind(defaultKind),
				Start:   start,
				Count:   count,
			}, true
		}
	}

	return singleProbe(readable[0], defaultKind), true
}

func singleProbe(def *device.RegisterDef, defaultKind modbus.RegKind) Probe {
	return Probe{
		Kind:     SingleRegister,
		Register: def.Name,
		RegKind:  def.Kind(defaultKind),
		Start:    *def.Offset,
		Count:    def.Words(),
	}
}

func matchesAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// readableWordPins returns the physical, readable, word-table pins of the
// device-default table sorted by offset.
func readableWordPins(regs *device.RegisterMap, defaultKind modbus.RegKind) []*device.RegisterDef {
	var out []*device.RegisterDef
	for _, name := range regs.Names() {
		def, _ := regs.Lookup(name)
		if !def.Readable || !def.IsPhysical() {
			continue
		}
		if def.Kind(defaultKind).IsBit() {
			continue
		}
		out = append(out, def)
	}
	// Names() is sorted alphabetically; re-sort by offset.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && *out[j].Offset < *out[j-1].Offset; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// QuickCheck runs the inferred probe against the device. A nil error means
// the device answered.
func QuickCheck(dev *device.Device) error {
	probe, ok := InferProbe(dev.Type(), dev.Registers(), dev.DefaultKind())
	if !ok {
		return fmt.Errorf("device %s: no readable register to probe", dev.ID())
	}
	return dev.Probe(probe.RegKind, probe.Start, probe.Count)
}
