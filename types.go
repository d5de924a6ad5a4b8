// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package modbus provides a Modbus TCP server with an in-memory register store.
package modbus

import (
	"fmt"
	"time"
)

// UnitID represents the Modbus unit identifier (slave address).
type UnitID uint8

// FunctionCode represents a Modbus function code.
type FunctionCode uint8

// Function codes served by the dispatcher.
const (
	FuncReadCoils                  FunctionCode = 0x01
	FuncReadDiscreteInputs         FunctionCode = 0x02
	FuncReadHoldingRegisters       FunctionCode = 0x03
	FuncReadInputRegisters         FunctionCode = 0x04
	FuncWriteSingleCoil            FunctionCode = 0x05
	FuncWriteSingleRegister        FunctionCode = 0x06
	FuncWriteMultipleCoils         FunctionCode = 0x0F
	FuncWriteMultipleRegisters     FunctionCode = 0x10
	FuncMaskWriteRegister          FunctionCode = 0x16
	FuncReadWriteMultipleRegisters FunctionCode = 0x17
)

// SupportedFunctions lists every function code the dispatcher serves, in ascending order.
var SupportedFunctions = []FunctionCode{
	FuncReadCoils,
	FuncReadDiscreteInputs,
	FuncReadHoldingRegisters,
	FuncReadInputRegisters,
	FuncWriteSingleCoil,
	FuncWriteSingleRegister,
	FuncWriteMultipleCoils,
	FuncWriteMultipleRegisters,
	FuncMaskWriteRegister,
	FuncReadWriteMultipleRegisters,
}

// IsException reports whether the function code has the exception bit set.
func (fc FunctionCode) IsException() bool {
	return fc&exceptionBit != 0
}

// String returns a string representation of FunctionCode.
func (fc FunctionCode) String() string {
	switch fc {
	case FuncReadCoils:
		return "ReadCoils"
	case FuncReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncReadInputRegisters:
		return "ReadInputRegisters"
	case FuncWriteSingleCoil:
		return "WriteSingleCoil"
	case FuncWriteSingleRegister:
		return "WriteSingleRegister"
	case FuncWriteMultipleCoils:
		return "WriteMultipleCoils"
	case FuncWriteMultipleRegisters:
		return "WriteMultipleRegisters"
	case FuncMaskWriteRegister:
		return "MaskWriteRegister"
	case FuncReadWriteMultipleRegisters:
		return "ReadWriteMultipleRegisters"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", uint8(fc))
	}
}

// Protocol constants.
const (
	// MaxQuantityCoils is the maximum number of coils that can be read.
	MaxQuantityCoils = 2000

	// MaxQuantityDiscreteInputs is the maximum number of discrete inputs that can be read.
	MaxQuantityDiscreteInputs = 2000

	// MaxQuantityWriteCoils is the maximum number of coils that can be written.
	MaxQuantityWriteCoils = 1968

	// MaxQuantityRegisters is the maximum number of registers that can be read.
	MaxQuantityRegisters = 125

	// MaxQuantityWriteRegisters is the maximum number of registers that can be written.
	MaxQuantityWriteRegisters = 123

	// MaxQuantityReadWriteRegisters is the write limit of ReadWriteMultipleRegisters.
	MaxQuantityReadWriteRegisters = 121

	// MBAPHeaderSize is the size of the MBAP header in bytes.
	MBAPHeaderSize = 7

	// MaxPDUSize is the largest PDU carried by a Modbus TCP frame.
	MaxPDUSize = 253

	// MaxADUSize is the largest complete Modbus TCP frame.
	MaxADUSize = MBAPHeaderSize + MaxPDUSize

	// ProtocolID is the Modbus protocol identifier (always 0 for Modbus TCP).
	ProtocolID = 0

	// DefaultPort is the default Modbus TCP port.
	DefaultPort = 502

	// DefaultTimeout is the default client request timeout.
	DefaultTimeout = 5 * time.Second

	// DefaultIdleTimeout is how long a session may stay silent before it is
	// closed. Zero keeps idle sessions open until the peer disconnects.
	DefaultIdleTimeout time.Duration = 0

	// AddressSpaceSize is the number of addressable cells in a register space.
	AddressSpaceSize = 65536

	exceptionBit = 0x80
)

// Coil values for write operations.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// Space identifies one of the four Modbus register spaces.
type Space uint8

// Register spaces.
const (
	SpaceDiscreteInputs Space = iota
	SpaceCoils
	SpaceHoldingRegisters
	SpaceInputRegisters

	numSpaces = 4
)

// Spaces lists all register spaces in storage order.
var Spaces = [numSpaces]Space{
	SpaceDiscreteInputs,
	SpaceCoils,
	SpaceHoldingRegisters,
	SpaceInputRegisters,
}

// IsBit reports whether cells of the space are single bits.
func (s Space) IsBit() bool {
	return s == SpaceDiscreteInputs || s == SpaceCoils
}

// IsReadOnly reports whether Modbus clients may only read the space.
func (s Space) IsReadOnly() bool {
	return s == SpaceDiscreteInputs || s == SpaceInputRegisters
}

// String returns the name of the space.
func (s Space) String() string {
	switch s {
	case SpaceDiscreteInputs:
		return "discrete_inputs"
	case SpaceCoils:
		return "coils"
	case SpaceHoldingRegisters:
		return "holding_registers"
	case SpaceInputRegisters:
		return "input_registers"
	default:
		return fmt.Sprintf("space(%d)", uint8(s))
	}
}

// ParseSpace returns the space with the given name. Short aliases used by
// the command line (di, c, hr, ir) are accepted.
func ParseSpace(name string) (Space, error) {
	switch name {
	case "discrete_inputs", "discrete-inputs", "di":
		return SpaceDiscreteInputs, nil
	case "coils", "c":
		return SpaceCoils, nil
	case "holding_registers", "holding-registers", "hr":
		return SpaceHoldingRegisters, nil
	case "input_registers", "input-registers", "ir":
		return SpaceInputRegisters, nil
	default:
		return 0, fmt.Errorf("modbus: unknown register space %q", name)
	}
}

// Layout holds the capacity of each register space.
type Layout struct {
	DiscreteInputs   int `mapstructure:"discrete_inputs"`
	Coils            int `mapstructure:"coils"`
	HoldingRegisters int `mapstructure:"holding_registers"`
	InputRegisters   int `mapstructure:"input_registers"`
}

// Size returns the capacity of the given space.
func (l Layout) Size(s Space) int {
	switch s {
	case SpaceDiscreteInputs:
		return l.DiscreteInputs
	case SpaceCoils:
		return l.Coils
	case SpaceHoldingRegisters:
		return l.HoldingRegisters
	case SpaceInputRegisters:
		return l.InputRegisters
	}
	return 0
}

// Validate checks that every capacity fits the 16-bit address space.
func (l Layout) Validate() error {
	for _, s := range Spaces {
		if n := l.Size(s); n < 0 || n > AddressSpaceSize {
			return fmt.Errorf("%w: %s capacity %d not in [0, %d]", ErrInvalidLayout, s, n, AddressSpaceSize)
		}
	}
	return nil
}

// UniformLayout returns a layout where every space holds n cells.
func UniformLayout(n int) Layout {
	return Layout{DiscreteInputs: n, Coils: n, HoldingRegisters: n, InputRegisters: n}
}

// Request is a decoded Modbus request. The set of implementations is closed:
// one type per supported function code.
type Request interface {
	// FunctionCode returns the function code of the request.
	FunctionCode() FunctionCode
	// Encode returns the request PDU, function code included.
	Encode() ([]byte, error)
	// Validate checks quantities and values against the protocol limits.
	// It returns an IllegalDataValue exception on failure.
	Validate() error
	isRequest()
}
