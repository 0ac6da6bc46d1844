package config

import (
	"fmt"
	"path/filepath"
	"time"

	"talos"
	"talos/device"
	"talos/modbus"
)

// Runtime holds the assembled bus and device objects.
type Runtime struct {
	Buses     map[string]*modbus.RTUBus // keyed by port path
	Devices   []*device.Device
	DeviceMap map[string]*device.Device // keyed by device id
	// Initialization lists startup writes per device id.
	Initialization map[string]map[string]float64
}

// Close releases every serial port.
func (r *Runtime) Close() {
	for _, b := range r.Buses {
		_ = b.Close()
	}
}

// BuildRuntime loads every driver file and assembles buses and devices.
// driverDir is where the model_file paths resolve.
func BuildRuntime(driverDir string, mf *ModbusDeviceFile, inst *InstanceFile) (*Runtime, error) {
	rt := &Runtime{
		Buses:          make(map[string]*modbus.RTUBus),
		DeviceMap:      make(map[string]*device.Device),
		Initialization: make(map[string]map[string]float64),
	}
	drivers := make(map[string]*DriverFile)

	for _, entry := range mf.Devices {
		drv, err := loadDriverCached(drivers, filepath.Join(driverDir, entry.ModelFile))
		if err != nil {
			return nil, fmt.Errorf("device %s_%d: %w", entry.Model, entry.SlaveID, err)
		}

		bus, err := rt.resolveBus(mf, entry)
		if err != nil {
			return nil, fmt.Errorf("device %s_%d: %w", entry.Model, entry.SlaveID, err)
		}

		regs, binding, err := buildRegisterMap(drv, inst, entry)
		if err != nil {
			return nil, fmt.Errorf("device %s_%d: %w", entry.Model, entry.SlaveID, err)
		}

		kind, err := modbus.ParseRegKind(drv.RegisterType)
		if err != nil {
			return nil, fmt.Errorf("device %s_%d: %w", entry.Model, entry.SlaveID, err)
		}

		dev, err := device.New(device.Config{
			Model:         entry.Model,
			SlaveID:       entry.SlaveID,
			DeviceType:    entry.Type,
			Bus:           bus,
			Registers:     regs,
			DefaultKind:   kind,
			MaxRegsPerReq: drv.MaxRegsPer,
			OnOff:         drv.OnOff,
			Binding:       binding,
			Constraints:   inst.ConstraintsFor(entry.Model, entry.SlaveID),
		})
		if err != nil {
			return nil, err
		}
		if _, dup := rt.DeviceMap[dev.ID()]; dup {
			return nil, fmt.Errorf("duplicate device id %s", dev.ID())
		}

		rt.Devices = append(rt.Devices, dev)
		rt.DeviceMap[dev.ID()] = dev
		if init := inst.InitializationFor(entry.Model, entry.SlaveID); len(init) > 0 {
			rt.Initialization[dev.ID()] = init
		}
	}
	return rt, nil
}

func loadDriverCached(cache map[string]*DriverFile, path string) (*DriverFile, error) {
	if drv, ok := cache[path]; ok {
		return drv, nil
	}
	drv, err := LoadDriver(path)
	if err != nil {
		return nil, err
	}
	cache[path] = drv
	return drv, nil
}

// resolveBus returns the shared bus for the entry, creating it on first
// use. Devices naming the same port share one bus and its lock.
func (rt *Runtime) resolveBus(mf *ModbusDeviceFile, entry DeviceEntry) (*modbus.RTUBus, error) {
	cfg := modbus.RTUConfig{}
	switch {
	case entry.Bus != "":
		be, ok := mf.Buses[entry.Bus]
		if !ok {
			return nil, fmt.Errorf("unknown bus %q", entry.Bus)
		}
		cfg = modbus.RTUConfig{
			Port:     be.Port,
			BaudRate: be.Baudrate,
			DataBits: be.DataBits,
			Parity:   be.Parity,
			StopBits: be.StopBits,
			Timeout:  time.Duration(be.Timeout * float64(time.Second)),
		}
	case entry.Port != "":
		cfg.Port = entry.Port
	default:
		return nil, fmt.Errorf("neither bus nor port configured")
	}
	if cfg.Port == "" {
		return nil, fmt.Errorf("bus %q has no port", entry.Bus)
	}

	if bus, ok := rt.Buses[cfg.Port]; ok {
		return bus, nil
	}
	bus := modbus.NewRTU(cfg)
	rt.Buses[cfg.Port] = bus
	return bus, nil
}

// buildRegisterMap merges the driver's register map with the instance's
// pin overrides and picks up the DO binding.
func buildRegisterMap(drv *DriverFile, inst *InstanceFile, entry DeviceEntry) (*device.RegisterMap, *device.OnOffBinding, error) {
	defs := make(map[string]*device.RegisterDef, len(drv.RegisterMap))
	for name, def := range drv.RegisterMap {
		copied := *def
		defs[name] = &copied
	}

	var binding *device.OnOffBinding
	if mc, ok := inst.Models[entry.Model]; ok {
		if io, ok := mc.Instances[entry.SlaveID]; ok {
			for name, def := range io.Pins {
				copied := *def
				defs[name] = &copied
			}
			binding = io.Binding
		}
	}

	regs, err := device.NewRegisterMap(defs)
	if err != nil {
		return nil, nil, err
	}
	return regs, binding, nil
}

// GatewayDeviceIDs lists the configured device ids.
func GatewayDeviceIDs(mf *ModbusDeviceFile) []string {
	out := make([]string, 0, len(mf.Devices))
	for _, d := range mf.Devices {
		out = append(out, talos.DeviceIDFor(d.Model, d.SlaveID))
	}
	return out
}
