// Package device implements the generic Modbus device: a register map with
// a bulk-read planner, the decode/scale/formula pipeline, and the write
// path. One Device represents one slave on one bus.
package device

import (
	"fmt"
	"sort"
	"strings"

	"talos/modbus"
)

// Format is the wire encoding of a register value.
type Format string

const (
	U16 Format = "u16"
	I16 Format = "i16"
	U32 Format = "u32"
	I32 Format = "i32"
	F32 Format = "f32"
	U64 Format = "u64"
)

// WordCount returns how many 16-bit registers the format occupies.
func (f Format) WordCount() (uint16, error) {
	switch f {
	case "", U16, I16:
		return 1, nil
	case U32, I32, F32:
		return 2, nil
	case U64:
		return 4, nil
	default:
		return 0, fmt.Errorf("unknown register format %q", f)
	}
}

// Composition formulas for computed registers.
const (
	Combine32BitBE        = "combine_32bit_be"
	Combine64Bit4WordDP   = "combine_64bit_4word_with_dp"
)

// RegisterDef is the per-parameter metadata from a driver file. A register
// is physical iff it has an Offset, computed iff it has ComposedOf.
type RegisterDef struct {
	Name string `yaml:"-"` // filled from the map key

	Offset       *uint16  `yaml:"offset,omitempty"`
	Format       Format   `yaml:"format,omitempty"`
	RegisterType string   `yaml:"register_type,omitempty"` // holding|input|coil|discrete_input
	Readable     bool     `yaml:"readable"`
	Writable     bool     `yaml:"writable"`
	Scale        *float64 `yaml:"scale,omitempty"`
	OffsetValue  *float64 `yaml:"offset_value,omitempty"`
	Formula      []float64 `yaml:"formula,omitempty"` // linear [a, b, c...]: v' = a + b*v + c*v^2
	Precision    *int     `yaml:"precision,omitempty"`
	Unit         string   `yaml:"unit,omitempty"`
	Bit          *uint    `yaml:"bit,omitempty"` // bit index for bit-packed pins

	ComposedOf     []string `yaml:"composed_of,omitempty"`
	ComposeFormula string   `yaml:"compose_formula,omitempty"`
	ScaleFrom      string   `yaml:"scale_from,omitempty"` // name of a scale-index register
}

// IsPhysical reports whether the register maps to bus addresses.
func (r *RegisterDef) IsPhysical() bool { return r.Offset != nil }

// IsComputed reports whether the register is composed from other registers.
func (r *RegisterDef) IsComputed() bool { return len(r.ComposedOf) > 0 }

// Kind resolves the register table, falling back to the device default.
func (r *RegisterDef) Kind(deviceDefault modbus.RegKind) modbus.RegKind {
	if r.RegisterType == "" {
		return deviceDefault
	}
	return modbus.RegKind(r.RegisterType)
}

// Words returns the register's word count.
func (r *RegisterDef) Words() uint16 {
	n, err := r.Format.WordCount()
	if err != nil {
		return 1
	}
	return n
}

// Validate checks the definition shape. name is the map key.
func (r *RegisterDef) Validate(name string) error {
	if r.IsPhysical() && r.IsComputed() {
		return fmt.Errorf("register %s: both offset and composed_of set", name)
	}
	if !r.IsPhysical() && !r.IsComputed() {
		return fmt.Errorf("register %s: neither offset nor composed_of set", name)
	}
	if _, err := r.Format.WordCount(); err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	if r.RegisterType != "" {
		if _, err := modbus.ParseRegKind(r.RegisterType); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	if r.IsComputed() && r.ComposeFormula != Combine32BitBE && r.ComposeFormula != Combine64Bit4WordDP {
		return fmt.Errorf("register %s: unknown compose formula %q", name, r.ComposeFormula)
	}
	return nil
}

// RegisterMap is a case-preserving parameter-name index. Lookups are
// case-insensitive through a parallel lowercase index.
type RegisterMap struct {
	defs  map[string]*RegisterDef // original-case key
	lower map[string]string       // lowercase -> original
}

// NewRegisterMap validates and indexes the definitions. Computed registers
// must reference existing physical ones.
func NewRegisterMap(defs map[string]*RegisterDef) (*RegisterMap, error) {
	m := &RegisterMap{
		defs:  make(map[string]*RegisterDef, len(defs)),
		lower: make(map[string]string, len(defs)),
	}
	for name, def := range defs {
		if def == nil {
			return nil, fmt.Errorf("register %s: empty definition", name)
		}
		if err := def.Validate(name); err != nil {
			return nil, err
		}
		def.Name = name
		key := strings.ToLower(name)
		if prev, dup := m.lower[key]; dup {
			return nil, fmt.Errorf("register %s: case-insensitive clash with %s", name, prev)
		}
		m.defs[name] = def
		m.lower[key] = name
	}
	for name, def := range m.defs {
		for _, comp := range def.ComposedOf {
			c, ok := m.Lookup(comp)
			if !ok {
				return nil, fmt.Errorf("register %s: composed_of %q not found", name, comp)
			}
			if !c.IsPhysical() {
				return nil, fmt.Errorf("register %s: composed_of %q is not physical", name, comp)
			}
		}
		if def.ScaleFrom != "" {
			if _, ok := m.Lookup(def.ScaleFrom); !ok {
				return nil, fmt.Errorf("register %s: scale_from %q not found", name, def.ScaleFrom)
			}
		}
	}
	return m, nil
}

// Lookup resolves a parameter name case-insensitively.
func (m *RegisterMap) Lookup(name string) (*RegisterDef, bool) {
	if def, ok := m.defs[name]; ok {
		return def, true
	}
	orig, ok := m.lower[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	return m.defs[orig], true
}

// Names returns all parameter names sorted for deterministic iteration.
func (m *RegisterMap) Names() []string {
	out := make([]string, 0, len(m.defs))
	for name := range m.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registers.
func (m *RegisterMap) Len() int { return len(m.defs) }
