package device

import (
	"sort"

	"talos/modbus"
)

// DefaultMaxRegsPerReq bounds one bulk read request.
const DefaultMaxRegsPerReq = 120

// ReadRange is one planned bulk request: contiguous words of a single
// register table, with the pins decoded from its response.
type ReadRange struct {
	Kind  modbus.RegKind
	Start uint16
	Count uint16
	Pins  []*RegisterDef
}

// bulkEligible reports whether a pin can be folded into a bulk read:
// readable, physical, word-table, table equal to the device default, not
// composed, not scale-dependent.
func bulkEligible(def *RegisterDef, deviceDefault modbus.RegKind) bool {
	if !def.Readable || !def.IsPhysical() || def.IsComputed() {
		return false
	}
	kind := def.Kind(deviceDefault)
	if kind.IsBit() {
		return false
	}
	if kind != deviceDefault {
		return false
	}
	if def.ScaleFrom != "" {
		return false
	}
	return true
}

// PlanBulkReads merges the bulk-eligible pins into contiguous ranges. A
// range splits on a table change, on an address gap, or when it would
// exceed maxRegs words.
func PlanBulkReads(m *RegisterMap, deviceDefault modbus.RegKind, maxRegs uint16) []ReadRange {
	if maxRegs == 0 {
		maxRegs = DefaultMaxRegsPerReq
	}

	var pins []*RegisterDef
	for _, name := range m.Names() {
		def, _ := m.Lookup(name)
		if bulkEligible(def, deviceDefault) {
			pins = append(pins, def)
		}
	}
	sort.Slice(pins, func(i, j int) bool {
		ki, kj := pins[i].Kind(deviceDefault), pins[j].Kind(deviceDefault)
		if ki != kj {
			return ki < kj
		}
		return *pins[i].Offset < *pins[j].Offset
	})

	var ranges []ReadRange
	for _, pin := range pins {
		start := *pin.Offset
		words := pin.Words()
		if n := len(ranges); n > 0 {
			cur := &ranges[n-1]
			contiguous := cur.Kind == pin.Kind(deviceDefault) &&
				start <= cur.Start+cur.Count && // overlap or adjacency
				start+words > cur.Start
			fits := start+words-cur.Start <= maxRegs
			if contiguous && fits {
				if end := start + words; end > cur.Start+cur.Count {
					cur.Count = end - cur.Start
				}
				cur.Pins = append(cur.Pins, pin)
				continue
			}
		}
		ranges = append(ranges, ReadRange{
			Kind:  pin.Kind(deviceDefault),
			Start: start,
			Count: words,
			Pins:  []*RegisterDef{pin},
		})
	}
	return ranges
}

// Slice extracts a pin's words from the range's response. ok is false when
// the pin does not fit the response (short read).
func (r ReadRange) Slice(pin *RegisterDef, words []uint16) ([]uint16, bool) {
	lo := int(*pin.Offset - r.Start)
	hi := lo + int(pin.Words())
	if lo < 0 || hi > len(words) {
		return nil, false
	}
	return words[lo:hi], true
}
