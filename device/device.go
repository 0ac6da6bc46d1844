package device

import (
	"fmt"
	"log/slog"

	"talos"
	"talos/internal/check"
	"talos/modbus"
)

// OnOff describes a device's native on/off register and the raw values
// meaning running and stopped.
type OnOff struct {
	Register string `yaml:"register"`
	On       uint16 `yaml:"on"`
	Off      uint16 `yaml:"off"`
}

// OnOffBinding rewrites turn_on/turn_off for devices without a native
// on/off register into write_do actions on DO targets.
type OnOffBinding struct {
	Targets []string `yaml:"targets"`
	On      float64  `yaml:"on"`
	Off     float64  `yaml:"off"`
}

// Config assembles one device instance.
type Config struct {
	Model         string
	SlaveID       uint8
	DeviceType    string
	Bus           modbus.Bus
	Registers     *RegisterMap
	DefaultKind   modbus.RegKind
	MaxRegsPerReq uint16
	OnOff         *OnOff
	Binding       *OnOffBinding
	Constraints   talos.ConstraintPolicy
}

// Device is one Modbus slave with its register map and resolved policies.
type Device struct {
	id          string
	model       string
	slaveID     uint8
	deviceType  string
	bus         modbus.Bus
	regs        *RegisterMap
	defaultKind modbus.RegKind
	plan        []ReadRange
	onOff       *OnOff
	binding     *OnOffBinding
	constraints talos.ConstraintPolicy
	readable    []string
}

// New builds a device and precomputes its bulk-read plan.
func New(cfg Config) (*Device, error) {
	check.Assert(cfg.Bus != nil, "device.New: bus must not be nil")
	if cfg.Registers == nil || cfg.Registers.Len() == 0 {
		return nil, fmt.Errorf("device %s_%d: empty register map", cfg.Model, cfg.SlaveID)
	}
	if cfg.DefaultKind == "" {
		cfg.DefaultKind = modbus.Holding
	}
	if cfg.OnOff != nil {
		def, ok := cfg.Registers.Lookup(cfg.OnOff.Register)
		if !ok || !def.Writable {
			return nil, fmt.Errorf("device %s_%d: on_off register %q missing or not writable",
				cfg.Model, cfg.SlaveID, cfg.OnOff.Register)
		}
	}

	d := &Device{
		id:          talos.DeviceIDFor(cfg.Model, cfg.SlaveID),
		model:       cfg.Model,
		slaveID:     cfg.SlaveID,
		deviceType:  cfg.DeviceType,
		bus:         cfg.Bus,
		regs:        cfg.Registers,
		defaultKind: cfg.DefaultKind,
		plan:        PlanBulkReads(cfg.Registers, cfg.DefaultKind, cfg.MaxRegsPerReq),
		onOff:       cfg.OnOff,
		binding:     cfg.Binding,
		constraints: cfg.Constraints,
	}
	for _, name := range cfg.Registers.Names() {
		def, _ := cfg.Registers.Lookup(name)
		if def.Readable || def.IsComputed() {
			d.readable = append(d.readable, name)
		}
	}
	return d, nil
}

func (d *Device) ID() string                         { return d.id }
func (d *Device) Model() string                      { return d.model }
func (d *Device) SlaveID() uint8                     { return d.slaveID }
func (d *Device) Type() string                       { return d.deviceType }
func (d *Device) Registers() *RegisterMap            { return d.regs }
func (d *Device) DefaultKind() modbus.RegKind        { return d.defaultKind }
func (d *Device) Binding() *OnOffBinding             { return d.binding }
func (d *Device) Constraints() talos.ConstraintPolicy { return d.constraints }

// ReadableParams lists the parameter names ReadAll reports.
func (d *Device) ReadableParams() []string { return d.readable }

// Writable reports whether the named parameter accepts writes.
func (d *Device) Writable(name string) bool {
	def, ok := d.regs.Lookup(name)
	return ok && def.Writable
}

// ReadAll reads every readable parameter: bulk ranges first, then the
// per-pin stragglers, then composed values. Unreadable pins carry the
// sentinel; ReadAll itself never fails.
func (d *Device) ReadAll() map[string]float64 {
	values := make(map[string]float64, len(d.readable))
	raw := make(map[string][]uint16)

	for _, name := range d.readable {
		values[name] = talos.Sentinel
	}

	if err := d.bus.EnsureConnected(); err != nil {
		slog.Debug("bus unavailable", "device", d.id, "err", err)
		return values
	}

	inBulk := make(map[string]bool)
	for _, rng := range d.plan {
		words, err := d.bus.ReadRegs(d.slaveID, rng.Kind, rng.Start, rng.Count)
		for _, pin := range rng.Pins {
			inBulk[pin.Name] = true
			if err != nil {
				continue // pin stays sentinel
			}
			pinWords, ok := rng.Slice(pin, words)
			if !ok {
				slog.Debug("short bulk response", "device", d.id, "pin", pin.Name)
				continue
			}
			raw[pin.Name] = pinWords
			v, decErr := decodePin(pin, pinWords, 1)
			if decErr != nil {
				slog.Debug("decode failed", "device", d.id, "pin", pin.Name, "err", decErr)
				continue
			}
			values[pin.Name] = v
		}
	}

	// Stragglers: bit pins, non-default tables, scale-dependent pins.
	for _, name := range d.readable {
		def, _ := d.regs.Lookup(name)
		if !def.IsPhysical() || !def.Readable || inBulk[name] {
			continue
		}
		v, words, err := d.readPhysical(def, raw)
		if err != nil {
			slog.Debug("pin read failed", "device", d.id, "pin", name, "err", err)
			continue
		}
		raw[name] = words
		values[name] = v
	}

	// Composed pins decode from the raw words gathered above.
	for _, name := range d.readable {
		def, _ := d.regs.Lookup(name)
		if !def.IsComputed() {
			continue
		}
		v, err := d.compose(def, raw)
		if err != nil {
			slog.Debug("compose failed", "device", d.id, "pin", name, "err", err)
			continue
		}
		values[name] = v
	}

	return values
}

// ReadValue reads a single parameter by name.
func (d *Device) ReadValue(name string) (float64, error) {
	def, ok := d.regs.Lookup(name)
	if !ok {
		return 0, fmt.Errorf("device %s: unknown parameter %q", d.id, name)
	}
	if def.IsComputed() {
		raw := make(map[string][]uint16, len(def.ComposedOf))
		for _, comp := range def.ComposedOf {
			cdef, _ := d.regs.Lookup(comp)
			_, words, err := d.readPhysical(cdef, raw)
			if err != nil {
				return 0, err
			}
			raw[cdef.Name] = words
		}
		return d.compose(def, raw)
	}
	if !def.Readable {
		return 0, fmt.Errorf("device %s: parameter %q not readable", d.id, name)
	}
	v, _, err := d.readPhysical(def, nil)
	return v, err
}

// readPhysical reads one physical pin, resolving a scale_from multiplier
// from the raw cache or the bus. It returns the decoded value and the raw
// words for composition.
func (d *Device) readPhysical(def *RegisterDef, rawCache map[string][]uint16) (float64, []uint16, error) {
	kind := def.Kind(d.defaultKind)
	if kind.IsBit() {
		bits, err := d.bus.ReadBits(d.slaveID, kind, *def.Offset, 1)
		if err != nil {
			return 0, nil, err
		}
		var w uint16
		if len(bits) > 0 && bits[0] {
			w = 1
		}
		v, err := decodePin(def, []uint16{w}, 1)
		return v, []uint16{w}, err
	}

	words, err := d.bus.ReadRegs(d.slaveID, kind, *def.Offset, def.Words())
	if err != nil {
		return 0, nil, err
	}

	scaleMul := 1.0
	if def.ScaleFrom != "" {
		sdef, _ := d.regs.Lookup(def.ScaleFrom)
		var sraw []uint16
		if rawCache != nil {
			sraw = rawCache[sdef.Name]
		}
		if sraw == nil {
			sraw, err = d.bus.ReadRegs(d.slaveID, sdef.Kind(d.defaultKind), *sdef.Offset, sdef.Words())
			if err != nil {
				return 0, nil, fmt.Errorf("read scale register %s: %w", sdef.Name, err)
			}
		}
		idx, err := DecodeWords(sdef.Format, sraw)
		if err != nil {
			return 0, nil, err
		}
		scaleMul = scaleMultiplier(idx)
	}

	v, err := decodePin(def, words, scaleMul)
	return v, words, err
}

func (d *Device) compose(def *RegisterDef, raw map[string][]uint16) (float64, error) {
	parts := make([][]uint16, 0, len(def.ComposedOf))
	for _, comp := range def.ComposedOf {
		cdef, _ := d.regs.Lookup(comp)
		words, ok := raw[cdef.Name]
		if !ok {
			return 0, fmt.Errorf("component %s unavailable", comp)
		}
		parts = append(parts, words)
	}
	v, err := composeValue(def.ComposeFormula, parts)
	if err != nil {
		return 0, err
	}
	if def.Scale != nil {
		v *= *def.Scale
	}
	if def.OffsetValue != nil {
		v += *def.OffsetValue
	}
	if def.Precision != nil {
		v = roundTo(v, *def.Precision)
	}
	return v, nil
}

// WriteValue writes a single parameter, applying the inverse scale and
// formula. Coil parameters take any non-zero value as on.
func (d *Device) WriteValue(name string, value float64) error {
	def, ok := d.regs.Lookup(name)
	if !ok {
		return fmt.Errorf("device %s: unknown parameter %q", d.id, name)
	}
	if !def.Writable {
		return fmt.Errorf("device %s: parameter %q not writable", d.id, name)
	}
	if !def.IsPhysical() {
		return fmt.Errorf("device %s: parameter %q is computed, not writable", d.id, name)
	}

	kind := def.Kind(d.defaultKind)
	if kind.IsBit() {
		return d.bus.WriteBit(d.slaveID, *def.Offset, value != 0)
	}

	words, err := encodePin(def, value)
	if err != nil {
		return err
	}
	if len(words) == 1 {
		return d.bus.WriteReg(d.slaveID, *def.Offset, words[0])
	}
	return d.bus.WriteRegs(d.slaveID, *def.Offset, words)
}

// Probe issues a minimal raw read, used by health quick checks. The result
// is discarded; only reachability matters.
func (d *Device) Probe(kind modbus.RegKind, start, count uint16) error {
	if err := d.bus.EnsureConnected(); err != nil {
		return err
	}
	if kind.IsBit() {
		_, err := d.bus.ReadBits(d.slaveID, kind, start, count)
		return err
	}
	_, err := d.bus.ReadRegs(d.slaveID, kind, start, count)
	return err
}

// SupportsOnOff reports whether the device has a native on/off register.
func (d *Device) SupportsOnOff() bool { return d.onOff != nil }

// IsRunning reads the on/off register and compares against the raw
// "running" value.
func (d *Device) IsRunning() (bool, error) {
	if d.onOff == nil {
		return false, fmt.Errorf("device %s: no on/off register", d.id)
	}
	def, _ := d.regs.Lookup(d.onOff.Register)
	kind := def.Kind(d.defaultKind)
	if kind.IsBit() {
		bits, err := d.bus.ReadBits(d.slaveID, kind, *def.Offset, 1)
		if err != nil {
			return false, err
		}
		on := len(bits) > 0 && bits[0]
		return on == (d.onOff.On != 0), nil
	}
	words, err := d.bus.ReadRegs(d.slaveID, kind, *def.Offset, 1)
	if err != nil {
		return false, err
	}
	return len(words) > 0 && words[0] == d.onOff.On, nil
}

// WriteOnOff writes the raw on or off value to the on/off register.
func (d *Device) WriteOnOff(on bool) error {
	if d.onOff == nil {
		return fmt.Errorf("device %s: no on/off register", d.id)
	}
	def, _ := d.regs.Lookup(d.onOff.Register)
	v := d.onOff.Off
	if on {
		v = d.onOff.On
	}
	kind := def.Kind(d.defaultKind)
	if kind.IsBit() {
		return d.bus.WriteBit(d.slaveID, *def.Offset, v != 0)
	}
	return d.bus.WriteReg(d.slaveID, *def.Offset, v)
}
