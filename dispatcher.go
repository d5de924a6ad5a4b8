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
	"log/slog"
	"runtime/debug"
)

// Dispatcher executes request PDUs against a register store. It keeps no
// state between requests and is safe for concurrent use.
type Dispatcher struct {
	store  *Store
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher serving store.
func NewDispatcher(store *Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: store, logger: logger}
}

// Dispatch executes one request and returns the response PDU. Every failure
// is reported as an exception PDU; Dispatch never returns an error.
//
// Checks run in a fixed order: function code, then quantities and values,
// then address ranges, then execution.
func (d *Dispatcher) Dispatch(pdu PDU) (resp PDU) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in dispatcher",
				slog.String("func", pdu.FunctionCode.String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			resp = NewModbusError(pdu.FunctionCode, ExceptionServerDeviceFailure).PDU()
		}
	}()

	req, err := ParseRequest(pdu)
	if err == nil {
		err = req.Validate()
	}
	if err == nil {
		resp, err = d.execute(req)
	}
	if err != nil {
		return d.handleError(pdu.FunctionCode, err)
	}
	return resp
}

func (d *Dispatcher) handleError(fc FunctionCode, err error) PDU {
	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) {
		return NewModbusError(fc, modbusErr.ExceptionCode).PDU()
	}
	d.logger.Error("handler error",
		slog.String("func", fc.String()),
		slog.String("error", err.Error()))
	return NewModbusError(fc, ExceptionServerDeviceFailure).PDU()
}

func (d *Dispatcher) execute(req Request) (PDU, error) {
	switch r := req.(type) {
	case ReadCoilsRequest:
		return d.readBits(FuncReadCoils, SpaceCoils, r.Address, r.Quantity)

	case ReadDiscreteInputsRequest:
		return d.readBits(FuncReadDiscreteInputs, SpaceDiscreteInputs, r.Address, r.Quantity)

	case ReadHoldingRegistersRequest:
		return d.readRegisters(FuncReadHoldingRegisters, SpaceHoldingRegisters, r.Address, r.Quantity)

	case ReadInputRegistersRequest:
		return d.readRegisters(FuncReadInputRegisters, SpaceInputRegisters, r.Address, r.Quantity)

	case WriteSingleCoilRequest:
		if err := d.store.WriteBits(SpaceCoils, r.Address, []bool{r.Value}); err != nil {
			return PDU{}, err
		}
		value := CoilOff
		if r.Value {
			value = CoilOn
		}
		return echoResponse(FuncWriteSingleCoil, r.Address, value), nil

	case WriteSingleRegisterRequest:
		if err := d.store.WriteRegisters(SpaceHoldingRegisters, r.Address, []uint16{r.Value}); err != nil {
			return PDU{}, err
		}
		return echoResponse(FuncWriteSingleRegister, r.Address, r.Value), nil

	case WriteMultipleCoilsRequest:
		if err := d.store.WriteBits(SpaceCoils, r.Address, r.Values); err != nil {
			return PDU{}, err
		}
		return echoResponse(FuncWriteMultipleCoils, r.Address, uint16(len(r.Values))), nil

	case WriteMultipleRegistersRequest:
		if err := d.store.WriteRegisters(SpaceHoldingRegisters, r.Address, r.Values); err != nil {
			return PDU{}, err
		}
		return echoResponse(FuncWriteMultipleRegisters, r.Address, uint16(len(r.Values))), nil

	case MaskWriteRegisterRequest:
		err := d.store.Update(SpaceHoldingRegisters, r.Address, 1, func(cells []uint16) {
			cells[0] = r.Apply(cells[0])
		})
		if err != nil {
			return PDU{}, err
		}
		return echoResponse(FuncMaskWriteRegister, r.Address, r.AndMask, r.OrMask), nil

	case ReadWriteMultipleRegistersRequest:
		values, err := d.store.WriteRead(SpaceHoldingRegisters,
			r.WriteAddress, r.Values, r.ReadAddress, int(r.ReadQuantity))
		if err != nil {
			return PDU{}, err
		}
		return registersResponse(FuncReadWriteMultipleRegisters, values), nil

	default:
		return PDU{}, fmt.Errorf("modbus: no handler for %T", req)
	}
}

func (d *Dispatcher) readBits(fc FunctionCode, sp Space, addr, qty uint16) (PDU, error) {
	values, err := d.store.ReadBits(sp, addr, int(qty))
	if err != nil {
		return PDU{}, err
	}
	return bitsResponse(fc, values), nil
}

func (d *Dispatcher) readRegisters(fc FunctionCode, sp Space, addr, qty uint16) (PDU, error) {
	values, err := d.store.ReadRegisters(sp, addr, int(qty))
	if err != nil {
		return PDU{}, err
	}
	return registersResponse(fc, values), nil
}
