package modbus

import (
	"fmt"
	"sync"
	"time"

	gomodbus "github.com/goburrow/modbus"
)

const defaultTimeout = time.Second

// RTUConfig describes one serial port.
type RTUConfig struct {
	Port     string
	BaudRate int
	DataBits int
	Parity   string // "N", "E", "O"
	StopBits int
	Timeout  time.Duration
}

func (c RTUConfig) withDefaults() RTUConfig {
	if c.BaudRate == 0 {
		c.BaudRate = 9600
	}
	if c.DataBits == 0 {
		c.DataBits = 8
	}
	if c.Parity == "" {
		c.Parity = "N"
	}
	if c.StopBits == 0 {
		c.StopBits = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// RTUBus is a Bus over one serial port. All requests are serialized by a
// per-port mutex; a request failure closes the port so the next call
// reconnects.
type RTUBus struct {
	cfg RTUConfig

	mu        sync.Mutex
	handler   *gomodbus.RTUClientHandler
	connected bool
}

// NewRTU creates a bus for the port. The port is opened lazily on first use.
func NewRTU(cfg RTUConfig) *RTUBus {
	cfg = cfg.withDefaults()
	h := gomodbus.NewRTUClientHandler(cfg.Port)
	h.BaudRate = cfg.BaudRate
	h.DataBits = cfg.DataBits
	h.Parity = cfg.Parity
	h.StopBits = cfg.StopBits
	h.Timeout = cfg.Timeout
	return &RTUBus{cfg: cfg, handler: h}
}

// EnsureConnected opens the serial port if needed.
func (b *RTUBus) EnsureConnected() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ensureConnectedLocked()
}

func (b *RTUBus) ensureConnectedLocked() error {
	if b.connected {
		return nil
	}
	if err := b.handler.Connect(); err != nil {
		return fmt.Errorf("open %s: %w", b.cfg.Port, err)
	}
	b.connected = true
	return nil
}

// must be called with b.mu held
func (b *RTUBus) failLocked(err error) error {
	_ = b.handler.Close()
	b.connected = false
	return err
}

func (b *RTUBus) ReadRegs(slaveID uint8, kind RegKind, start, count uint16) ([]uint16, error) {
	if kind.IsBit() {
		return nil, fmt.Errorf("ReadRegs on bit kind %q", kind)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureConnectedLocked(); err != nil {
		return nil, err
	}
	b.handler.SlaveId = slaveID
	client := gomodbus.NewClient(b.handler)

	var raw []byte
	var err error
	if kind == Input {
		raw, err = client.ReadInputRegisters(start, count)
	} else {
		raw, err = client.ReadHoldingRegisters(start, count)
	}
	if err != nil {
		return nil, b.failLocked(fmt.Errorf("read regs %d+%d slave %d: %w", start, count, slaveID, err))
	}
	if len(raw) < int(count)*2 {
		return nil, fmt.Errorf("short register response: %d bytes for %d words", len(raw), count)
	}
	words := make([]uint16, count)
	for i := range words {
		words[i] = uint16(raw[2*i])<<8 | uint16(raw[2*i+1])
	}
	return words, nil
}

func (b *RTUBus) ReadBits(slaveID uint8, kind RegKind, start, count uint16) ([]bool, error) {
	if !kind.IsBit() {
		return nil, fmt.Errorf("ReadBits on word kind %q", kind)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureConnectedLocked(); err != nil {
		return nil, err
	}
	b.handler.SlaveId = slaveID
	client := gomodbus.NewClient(b.handler)

	var raw []byte
	var err error
	if kind == DiscreteInput {
		raw, err = client.ReadDiscreteInputs(start, count)
	} else {
		raw, err = client.ReadCoils(start, count)
	}
	if err != nil {
		return nil, b.failLocked(fmt.Errorf("read bits %d+%d slave %d: %w", start, count, slaveID, err))
	}
	bits := make([]bool, count)
	for i := range bits {
		if len(raw) > i/8 {
			bits[i] = raw[i/8]&(1<<(i%8)) != 0
		}
	}
	return bits, nil
}

func (b *RTUBus) WriteReg(slaveID uint8, addr, value uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureConnectedLocked(); err != nil {
		return err
	}
	b.handler.SlaveId = slaveID
	if _, err := gomodbus.NewClient(b.handler).WriteSingleRegister(addr, value); err != nil {
		return b.failLocked(fmt.Errorf("write reg %d slave %d: %w", addr, slaveID, err))
	}
	return nil
}

func (b *RTUBus) WriteRegs(slaveID uint8, addr uint16, values []uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureConnectedLocked(); err != nil {
		return err
	}
	b.handler.SlaveId = slaveID
	raw := make([]byte, 2*len(values))
	for i, v := range values {
		raw[2*i] = byte(v >> 8)
		raw[2*i+1] = byte(v)
	}
	if _, err := gomodbus.NewClient(b.handler).WriteMultipleRegisters(addr, uint16(len(values)), raw); err != nil {
		return b.failLocked(fmt.Errorf("write regs %d+%d slave %d: %w", addr, len(values), slaveID, err))
	}
	return nil
}

func (b *RTUBus) WriteBit(slaveID uint8, addr uint16, on bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureConnectedLocked(); err != nil {
		return err
	}
	b.handler.SlaveId = slaveID
	var v uint16
	if on {
		v = 0xFF00
	}
	if _, err := gomodbus.NewClient(b.handler).WriteSingleCoil(addr, v); err != nil {
		return b.failLocked(fmt.Errorf("write coil %d slave %d: %w", addr, slaveID, err))
	}
	return nil
}

// Close releases the serial port.
func (b *RTUBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return b.handler.Close()
}
