// Package modbus defines the bus abstraction the device layer reads and
// writes through, and an RTU implementation for serial field buses. One Bus
// owns one serial port; all requests on a port are serialized.
package modbus

import "fmt"

// RegKind is the Modbus register table a parameter lives in.
type RegKind string

const (
	Holding       RegKind = "holding"
	Input         RegKind = "input"
	Coil          RegKind = "coil"
	DiscreteInput RegKind = "discrete_input"
)

// ParseRegKind validates a register kind from config. An empty string
// defaults to holding.
func ParseRegKind(s string) (RegKind, error) {
	switch RegKind(s) {
	case "":
		return Holding, nil
	case Holding, Input, Coil, DiscreteInput:
		return RegKind(s), nil
	default:
		return "", fmt.Errorf("unknown register kind %q", s)
	}
}

// IsBit reports whether the kind addresses single bits rather than words.
func (k RegKind) IsBit() bool {
	return k == Coil || k == DiscreteInput
}

// Bus is a serialized request/response channel to one serial port. Errors
// from any call are transient: the bus reconnects on the next call.
type Bus interface {
	// EnsureConnected opens the port if it is not open. It is called
	// implicitly by the read/write methods.
	EnsureConnected() error
	// ReadRegs reads count words from the holding or input table.
	ReadRegs(slaveID uint8, kind RegKind, start, count uint16) ([]uint16, error)
	// ReadBits reads count bits from the coil or discrete input table.
	ReadBits(slaveID uint8, kind RegKind, start, count uint16) ([]bool, error)
	// WriteReg writes a single holding register.
	WriteReg(slaveID uint8, addr, value uint16) error
	// WriteRegs writes consecutive holding registers starting at addr.
	WriteRegs(slaveID uint8, addr uint16, values []uint16) error
	// WriteBit writes a single coil.
	WriteBit(slaveID uint8, addr uint16, on bool) error
	Close() error
}
