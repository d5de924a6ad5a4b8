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

package modbus

import (
	"errors"
	"fmt"
)

// ExceptionCode represents a Modbus exception code.
type ExceptionCode uint8

// Modbus exception codes.
const (
	ExceptionIllegalFunction     ExceptionCode = 0x01
	ExceptionIllegalDataAddress  ExceptionCode = 0x02
	ExceptionIllegalDataValue    ExceptionCode = 0x03
	ExceptionServerDeviceFailure ExceptionCode = 0x04
	ExceptionAcknowledge         ExceptionCode = 0x05
	ExceptionServerDeviceBusy    ExceptionCode = 0x06
	ExceptionMemoryParityError   ExceptionCode = 0x08
)

// String returns the string representation of the exception code.
func (e ExceptionCode) String() string {
	switch e {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddress:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionServerDeviceFailure:
		return "server device failure"
	case ExceptionAcknowledge:
		return "acknowledge"
	case ExceptionServerDeviceBusy:
		return "server device busy"
	case ExceptionMemoryParityError:
		return "memory parity error"
	default:
		return fmt.Sprintf("unknown exception (0x%02X)", uint8(e))
	}
}

// ModbusError is a protocol exception. It is reported to the client as an
// exception PDU and never closes the connection.
type ModbusError struct {
	FunctionCode  FunctionCode
	ExceptionCode ExceptionCode
}

// Error implements the error interface.
func (e *ModbusError) Error() string {
	return fmt.Sprintf("modbus: exception %s (FC=%02X)", e.ExceptionCode, uint8(e.FunctionCode))
}

// Is checks if the error matches the target.
func (e *ModbusError) Is(target error) bool {
	t, ok := target.(*ModbusError)
	if !ok {
		return false
	}
	return e.ExceptionCode == t.ExceptionCode
}

// PDU returns the exception PDU for this error.
func (e *ModbusError) PDU() PDU {
	return PDU{
		FunctionCode: e.FunctionCode | exceptionBit,
		Data:         []byte{byte(e.ExceptionCode)},
	}
}

// Frame errors end the session: the stream cannot be resynchronized.
var (
	// ErrInvalidFrame indicates a malformed MBAP frame.
	ErrInvalidFrame = errors.New("modbus: invalid frame")

	// ErrProtocolMismatch indicates a non-zero MBAP protocol identifier.
	ErrProtocolMismatch = fmt.Errorf("%w: protocol identifier mismatch", ErrInvalidFrame)
)

// Common errors.
var (
	// ErrIncompleteFrame indicates more bytes are needed before a frame can be decoded.
	ErrIncompleteFrame = errors.New("modbus: incomplete frame")

	// ErrIllegalDataAddress is returned by the store for out of range accesses.
	ErrIllegalDataAddress = &ModbusError{ExceptionCode: ExceptionIllegalDataAddress}

	// ErrIllegalDataValue is returned for malformed request payloads.
	ErrIllegalDataValue = &ModbusError{ExceptionCode: ExceptionIllegalDataValue}

	// ErrInvalidResponse indicates the response was malformed or unexpected.
	ErrInvalidResponse = errors.New("modbus: invalid response")

	// ErrPDUTooLarge indicates an encoded PDU does not fit in a Modbus TCP frame.
	ErrPDUTooLarge = errors.New("modbus: PDU too large")

	// ErrInvalidLayout indicates a register space capacity outside the address space.
	ErrInvalidLayout = errors.New("modbus: invalid layout")

	// ErrLayoutMismatch indicates persisted data was written with a different layout.
	ErrLayoutMismatch = errors.New("modbus: persisted layout mismatch")
)

// NewModbusError creates a new Modbus exception error.
func NewModbusError(fc FunctionCode, ec ExceptionCode) *ModbusError {
	return &ModbusError{
		FunctionCode:  fc,
		ExceptionCode: ec,
	}
}

// IsException checks if an error is a specific Modbus exception.
func IsException(err error, code ExceptionCode) bool {
	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) {
		return modbusErr.ExceptionCode == code
	}
	return false
}

// IsIllegalFunction checks if the error is an illegal function exception.
func IsIllegalFunction(err error) bool {
	return IsException(err, ExceptionIllegalFunction)
}

// IsIllegalDataAddress checks if the error is an illegal data address exception.
func IsIllegalDataAddress(err error) bool {
	return IsException(err, ExceptionIllegalDataAddress)
}

// IsIllegalDataValue checks if the error is an illegal data value exception.
func IsIllegalDataValue(err error) bool {
	return IsException(err, ExceptionIllegalDataValue)
}

// IsServerDeviceFailure checks if the error is a server device failure exception.
func IsServerDeviceFailure(err error) bool {
	return IsException(err, ExceptionServerDeviceFailure)
}

// IsFrameError reports whether err ends a session because the byte stream is unusable.
func IsFrameError(err error) bool {
	return errors.Is(err, ErrInvalidFrame)
}
