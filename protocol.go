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
	"encoding/binary"
	"fmt"
)

// MBAPHeader represents the Modbus Application Protocol header for TCP.
type MBAPHeader struct {
	TransactionID uint16 // Transaction identifier
	ProtocolID    uint16 // Protocol identifier (always 0 for Modbus)
	Length        uint16 // Number of following bytes (Unit ID + PDU)
	UnitID        UnitID // Unit identifier (slave address)
}

// Encode encodes the MBAP header to bytes.
func (h *MBAPHeader) Encode() []byte {
	buf := make([]byte, MBAPHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.TransactionID)
	binary.BigEndian.PutUint16(buf[2:4], h.ProtocolID)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	buf[6] = byte(h.UnitID)
	return buf
}

// Decode decodes the MBAP header from bytes.
func (h *MBAPHeader) Decode(data []byte) error {
	if len(data) < MBAPHeaderSize {
		return fmt.Errorf("%w: MBAP header needs %d bytes, have %d", ErrIncompleteFrame, MBAPHeaderSize, len(data))
	}
	h.TransactionID = binary.BigEndian.Uint16(data[0:2])
	h.ProtocolID = binary.BigEndian.Uint16(data[2:4])
	h.Length = binary.BigEndian.Uint16(data[4:6])
	h.UnitID = UnitID(data[6])
	return nil
}

// PDU is a protocol data unit: function code plus function specific payload.
type PDU struct {
	FunctionCode FunctionCode
	Data         []byte
}

// Bytes returns the PDU in wire format.
func (p PDU) Bytes() []byte {
	buf := make([]byte, 1+len(p.Data))
	buf[0] = byte(p.FunctionCode)
	copy(buf[1:], p.Data)
	return buf
}

// ParsePDU splits raw PDU bytes into function code and payload.
func ParsePDU(raw []byte) (PDU, error) {
	if len(raw) < 1 {
		return PDU{}, fmt.Errorf("%w: empty PDU", ErrInvalidFrame)
	}
	if len(raw) > MaxPDUSize {
		return PDU{}, fmt.Errorf("%w: %d bytes", ErrPDUTooLarge, len(raw))
	}
	data := make([]byte, len(raw)-1)
	copy(data, raw[1:])
	return PDU{FunctionCode: FunctionCode(raw[0]), Data: data}, nil
}

// IsException reports whether the PDU is an exception response.
func (p PDU) IsException() bool {
	return p.FunctionCode.IsException()
}

// Frame represents a complete Modbus TCP frame (MBAP header + PDU).
type Frame struct {
	Header MBAPHeader
	PDU    PDU
}

// Encode encodes the frame to bytes. The header length is recomputed from the PDU.
func (f *Frame) Encode() []byte {
	f.Header.Length = uint16(len(f.PDU.Data) + 2) // Unit ID + function code + data
	buf := make([]byte, MBAPHeaderSize+1+len(f.PDU.Data))
	copy(buf, f.Header.Encode())
	buf[MBAPHeaderSize] = byte(f.PDU.FunctionCode)
	copy(buf[MBAPHeaderSize+1:], f.PDU.Data)
	return buf
}

// Reply builds the response frame for this request frame. The transaction
// and unit identifiers are echoed.
func (f *Frame) Reply(pdu PDU) *Frame {
	return &Frame{
		Header: MBAPHeader{
			TransactionID: f.Header.TransactionID,
			ProtocolID:    ProtocolID,
			UnitID:        f.Header.UnitID,
		},
		PDU: pdu,
	}
}

// DecodeFrame decodes the first frame in buf and returns it together with
// the number of bytes it occupied. ErrIncompleteFrame means the caller
// must read more bytes and retry; any error wrapping ErrInvalidFrame means
// the stream is unusable.
func DecodeFrame(buf []byte) (*Frame, int, error) {
	var h MBAPHeader
	if err := h.Decode(buf); err != nil {
		return nil, 0, err
	}
	if h.ProtocolID != ProtocolID {
		return nil, 0, fmt.Errorf("%w: got %d", ErrProtocolMismatch, h.ProtocolID)
	}
	// Length covers the unit id, so a PDU needs at least 2 and at most MaxPDUSize+1.
	if h.Length < 2 || h.Length > MaxPDUSize+1 {
		return nil, 0, fmt.Errorf("%w: length field %d", ErrInvalidFrame, h.Length)
	}
	total := MBAPHeaderSize - 1 + int(h.Length)
	if len(buf) < total {
		return nil, 0, ErrIncompleteFrame
	}

	data := make([]byte, total-MBAPHeaderSize-1)
	copy(data, buf[MBAPHeaderSize+1:total])
	return &Frame{
		Header: h,
		PDU:    PDU{FunctionCode: FunctionCode(buf[MBAPHeaderSize]), Data: data},
	}, total, nil
}

// EncodeRequestFrame encodes req into a complete Modbus TCP frame.
func EncodeRequestFrame(txID uint16, unitID UnitID, req Request) ([]byte, error) {
	raw, err := req.Encode()
	if err != nil {
		return nil, err
	}
	pdu, err := ParsePDU(raw)
	if err != nil {
		return nil, err
	}
	f := Frame{
		Header: MBAPHeader{TransactionID: txID, ProtocolID: ProtocolID, UnitID: unitID},
		PDU:    pdu,
	}
	return f.Encode(), nil
}

// Request variants, one per function code.

// ReadCoilsRequest reads a range of coils (FC01).
type ReadCoilsRequest struct {
	Address  uint16
	Quantity uint16
}

// ReadDiscreteInputsRequest reads a range of discrete inputs (FC02).
type ReadDiscreteInputsRequest struct {
	Address  uint16
	Quantity uint16
}

// ReadHoldingRegistersRequest reads a range of holding registers (FC03).
type ReadHoldingRegistersRequest struct {
	Address  uint16
	Quantity uint16
}

// ReadInputRegistersRequest reads a range of input registers (FC04).
type ReadInputRegistersRequest struct {
	Address  uint16
	Quantity uint16
}

// WriteSingleCoilRequest writes one coil (FC05).
type WriteSingleCoilRequest struct {
	Address uint16
	Value   bool
}

// WriteSingleRegisterRequest writes one holding register (FC06).
type WriteSingleRegisterRequest struct {
	Address uint16
	Value   uint16
}

// WriteMultipleCoilsRequest writes a range of coils (FC15).
type WriteMultipleCoilsRequest struct {
	Address uint16
	Values  []bool
}

// WriteMultipleRegistersRequest writes a range of holding registers (FC16).
type WriteMultipleRegistersRequest struct {
	Address uint16
	Values  []uint16
}

// MaskWriteRegisterRequest modifies one holding register with an AND and an OR mask (FC22).
type MaskWriteRegisterRequest struct {
	Address uint16
	AndMask uint16
	OrMask  uint16
}

// ReadWriteMultipleRegistersRequest writes a range of holding registers and
// then reads another range, in one operation (FC23).
type ReadWriteMultipleRegistersRequest struct {
	ReadAddress  uint16
	ReadQuantity uint16
	WriteAddress uint16
	Values       []uint16
}

func (ReadCoilsRequest) FunctionCode() FunctionCode { return FuncReadCoils }
func (ReadCoilsRequest) isRequest() {}
func (r ReadCoilsRequest) Encode() ([]byte, error) {
	return encodeRange(FuncReadCoils, r.Address, r.Quantity), nil
}
func (r ReadCoilsRequest) Validate() error {
	return checkQuantity(FuncReadCoils, r.Quantity, MaxQuantityCoils)
}

func (ReadDiscreteInputsRequest) FunctionCode() FunctionCode { return FuncReadDiscreteInputs }
func (ReadDiscreteInputsRequest) isRequest() {}
func (r ReadDiscreteInputsRequest) Encode() ([]byte, error) {
	return encodeRange(FuncReadDiscreteInputs, r.Address, r.Quantity), nil
}
func (r ReadDiscreteInputsRequest) Validate() error {
	return checkQuantity(FuncReadDiscreteInputs, r.Quantity, MaxQuantityDiscreteInputs)
}

func (ReadHoldingRegistersRequest) FunctionCode() FunctionCode { return FuncReadHoldingRegisters }
func (ReadHoldingRegistersRequest) isRequest() {}
func (r ReadHoldingRegistersRequest) Encode() ([]byte, error) {
	return encodeRange(FuncReadHoldingRegisters, r.Address, r.Quantity), nil
}
func (r ReadHoldingRegistersRequest) Validate() error {
	return checkQuantity(FuncReadHoldingRegisters, r.Quantity, MaxQuantityRegisters)
}

func (ReadInputRegistersRequest) FunctionCode() FunctionCode { return FuncReadInputRegisters }
func (ReadInputRegistersRequest) isRequest() {}
func (r ReadInputRegistersRequest) Encode() ([]byte, error) {
	return encodeRange(FuncReadInputRegisters, r.Address, r.Quantity), nil
}
func (r ReadInputRegistersRequest) Validate() error {
	return checkQuantity(FuncReadInputRegisters, r.Quantity, MaxQuantityRegisters)
}

func (WriteSingleCoilRequest) FunctionCode() FunctionCode { return FuncWriteSingleCoil }
func (WriteSingleCoilRequest) isRequest() {}
func (WriteSingleCoilRequest) Validate() error { return nil }
func (r WriteSingleCoilRequest) Encode() ([]byte, error) {
	value := CoilOff
	if r.Value {
		value = CoilOn
	}
	return encodeRange(FuncWriteSingleCoil, r.Address, value), nil
}

func (WriteSingleRegisterRequest) FunctionCode() FunctionCode { return FuncWriteSingleRegister }
func (WriteSingleRegisterRequest) isRequest() {}
func (WriteSingleRegisterRequest) Validate() error { return nil }
func (r WriteSingleRegisterRequest) Encode() ([]byte, error) {
	return encodeRange(FuncWriteSingleRegister, r.Address, r.Value), nil
}

func (WriteMultipleCoilsRequest) FunctionCode() FunctionCode { return FuncWriteMultipleCoils }
func (WriteMultipleCoilsRequest) isRequest() {}
func (r WriteMultipleCoilsRequest) Validate() error {
	return checkQuantity(FuncWriteMultipleCoils, uint16(len(r.Values)), MaxQuantityWriteCoils)
}
func (r WriteMultipleCoilsRequest) Encode() ([]byte, error) {
	packed := packBits(r.Values)
	if len(r.Values) > 0xFFFF || len(packed) > 0xFF {
		return nil, fmt.Errorf("%w: %d coils", ErrPDUTooLarge, len(r.Values))
	}
	pdu := make([]byte, 6+len(packed))
	pdu[0] = byte(FuncWriteMultipleCoils)
	binary.BigEndian.PutUint16(pdu[1:3], r.Address)
	binary.BigEndian.PutUint16(pdu[3:5], uint16(len(r.Values)))
	pdu[5] = byte(len(packed))
	copy(pdu[6:], packed)
	return checkSize(pdu)
}

func (WriteMultipleRegistersRequest) FunctionCode() FunctionCode { return FuncWriteMultipleRegisters }
func (WriteMultipleRegistersRequest) isRequest() {}
func (r WriteMultipleRegistersRequest) Validate() error {
	return checkQuantity(FuncWriteMultipleRegisters, uint16(len(r.Values)), MaxQuantityWriteRegisters)
}
func (r WriteMultipleRegistersRequest) Encode() ([]byte, error) {
	if 2*len(r.Values) > 0xFF {
		return nil, fmt.Errorf("%w: %d registers", ErrPDUTooLarge, len(r.Values))
	}
	pdu := make([]byte, 6+2*len(r.Values))
	pdu[0] = byte(FuncWriteMultipleRegisters)
	binary.BigEndian.PutUint16(pdu[1:3], r.Address)
	binary.BigEndian.PutUint16(pdu[3:5], uint16(len(r.Values)))
	pdu[5] = byte(2 * len(r.Values))
	putRegisters(pdu[6:], r.Values)
	return checkSize(pdu)
}

func (MaskWriteRegisterRequest) FunctionCode() FunctionCode { return FuncMaskWriteRegister }
func (MaskWriteRegisterRequest) isRequest() {}
func (MaskWriteRegisterRequest) Validate() error { return nil }
func (r MaskWriteRegisterRequest) Encode() ([]byte, error) {
	pdu := make([]byte, 7)
	pdu[0] = byte(FuncMaskWriteRegister)
	binary.BigEndian.PutUint16(pdu[1:3], r.Address)
	binary.BigEndian.PutUint16(pdu[3:5], r.AndMask)
	binary.BigEndian.PutUint16(pdu[5:7], r.OrMask)
	return pdu, nil
}

// Apply returns the register value after masking current.
func (r MaskWriteRegisterRequest) Apply(current uint16) uint16 {
	return (current & r.AndMask) | (r.OrMask &^ r.AndMask)
}

func (ReadWriteMultipleRegistersRequest) FunctionCode() FunctionCode {
	return FuncReadWriteMultipleRegisters
}
func (ReadWriteMultipleRegistersRequest) isRequest() {}
func (r ReadWriteMultipleRegistersRequest) Validate() error {
	if err := checkQuantity(FuncReadWriteMultipleRegisters, r.ReadQuantity, MaxQuantityRegisters); err != nil {
		return err
	}
	return checkQuantity(FuncReadWriteMultipleRegisters, uint16(len(r.Values)), MaxQuantityReadWriteRegisters)
}
func (r ReadWriteMultipleRegistersRequest) Encode() ([]byte, error) {
	if 2*len(r.Values) > 0xFF {
		return nil, fmt.Errorf("%w: %d registers", ErrPDUTooLarge, len(r.Values))
	}
	pdu := make([]byte, 10+2*len(r.Values))
	pdu[0] = byte(FuncReadWriteMultipleRegisters)
	binary.BigEndian.PutUint16(pdu[1:3], r.ReadAddress)
	binary.BigEndian.PutUint16(pdu[3:5], r.ReadQuantity)
	binary.BigEndian.PutUint16(pdu[5:7], r.WriteAddress)
	binary.BigEndian.PutUint16(pdu[7:9], uint16(len(r.Values)))
	pdu[9] = byte(2 * len(r.Values))
	putRegisters(pdu[10:], r.Values)
	return checkSize(pdu)
}

// ParseRequest decodes a request PDU into its typed variant. Unknown function
// codes yield an IllegalFunction exception and malformed payloads an
// IllegalDataValue exception. Quantity limits are checked by Validate.
func ParseRequest(pdu PDU) (Request, error) {
	fc := pdu.FunctionCode
	d := pdu.Data
	invalid := NewModbusError(fc, ExceptionIllegalDataValue)

	switch fc {
	case FuncReadCoils, FuncReadDiscreteInputs, FuncReadHoldingRegisters, FuncReadInputRegisters:
		if len(d) != 4 {
			return nil, invalid
		}
		addr, qty := binary.BigEndian.Uint16(d[0:2]), binary.BigEndian.Uint16(d[2:4])
		switch fc {
		case FuncReadCoils:
			return ReadCoilsRequest{Address: addr, Quantity: qty}, nil
		case FuncReadDiscreteInputs:
			return ReadDiscreteInputsRequest{Address: addr, Quantity: qty}, nil
		case FuncReadHoldingRegisters:
			return ReadHoldingRegistersRequest{Address: addr, Quantity: qty}, nil
		default:
			return ReadInputRegistersRequest{Address: addr, Quantity: qty}, nil
		}

	case FuncWriteSingleCoil:
		if len(d) != 4 {
			return nil, invalid
		}
		var on bool
		switch binary.BigEndian.Uint16(d[2:4]) {
		case CoilOn:
			on = true
		case CoilOff:
		default:
			return nil, invalid
		}
		return WriteSingleCoilRequest{Address: binary.BigEndian.Uint16(d[0:2]), Value: on}, nil

	case FuncWriteSingleRegister:
		if len(d) != 4 {
			return nil, invalid
		}
		return WriteSingleRegisterRequest{
			Address: binary.BigEndian.Uint16(d[0:2]),
			Value:   binary.BigEndian.Uint16(d[2:4]),
		}, nil

	case FuncWriteMultipleCoils:
		if len(d) < 5 {
			return nil, invalid
		}
		qty := binary.BigEndian.Uint16(d[2:4])
		byteCount := int(d[4])
		if byteCount != len(d)-5 || byteCount != (int(qty)+7)/8 {
			return nil, invalid
		}
		return WriteMultipleCoilsRequest{
			Address: binary.BigEndian.Uint16(d[0:2]),
			Values:  unpackBits(d[5:], int(qty)),
		}, nil

	case FuncWriteMultipleRegisters:
		if len(d) < 5 {
			return nil, invalid
		}
		qty := binary.BigEndian.Uint16(d[2:4])
		byteCount := int(d[4])
		if byteCount != len(d)-5 || byteCount != 2*int(qty) {
			return nil, invalid
		}
		return WriteMultipleRegistersRequest{
			Address: binary.BigEndian.Uint16(d[0:2]),
			Values:  getRegisters(d[5:], int(qty)),
		}, nil

	case FuncMaskWriteRegister:
		if len(d) != 6 {
			return nil, invalid
		}
		return MaskWriteRegisterRequest{
			Address: binary.BigEndian.Uint16(d[0:2]),
			AndMask: binary.BigEndian.Uint16(d[2:4]),
			OrMask:  binary.BigEndian.Uint16(d[4:6]),
		}, nil

	case FuncReadWriteMultipleRegisters:
		if len(d) < 9 {
			return nil, invalid
		}
		writeQty := binary.BigEndian.Uint16(d[6:8])
		byteCount := int(d[8])
		if byteCount != len(d)-9 || byteCount != 2*int(writeQty) {
			return nil, invalid
		}
		return ReadWriteMultipleRegistersRequest{
			ReadAddress:  binary.BigEndian.Uint16(d[0:2]),
			ReadQuantity: binary.BigEndian.Uint16(d[2:4]),
			WriteAddress: binary.BigEndian.Uint16(d[4:6]),
			Values:       getRegisters(d[9:], int(writeQty)),
		}, nil

	default:
		return nil, NewModbusError(fc, ExceptionIllegalFunction)
	}
}

// Response builders

func bitsResponse(fc FunctionCode, values []bool) PDU {
	packed := packBits(values)
	data := make([]byte, 1+len(packed))
	data[0] = byte(len(packed))
	copy(data[1:], packed)
	return PDU{FunctionCode: fc, Data: data}
}

func registersResponse(fc FunctionCode, values []uint16) PDU {
	data := make([]byte, 1+2*len(values))
	data[0] = byte(2 * len(values))
	putRegisters(data[1:], values)
	return PDU{FunctionCode: fc, Data: data}
}

func echoResponse(fc FunctionCode, words ...uint16) PDU {
	data := make([]byte, 2*len(words))
	putRegisters(data, words)
	return PDU{FunctionCode: fc, Data: data}
}

// Response parsing helpers

// ParseBitsResponse parses a coils or discrete inputs response (FC01/FC02).
func ParseBitsResponse(pdu PDU, qty uint16) ([]bool, error) {
	if err := responseError(pdu); err != nil {
		return nil, err
	}
	if len(pdu.Data) < 1 {
		return nil, fmt.Errorf("%w: response too short", ErrInvalidResponse)
	}
	byteCount := int(pdu.Data[0])
	if byteCount != (int(qty)+7)/8 || len(pdu.Data) != 1+byteCount {
		return nil, fmt.Errorf("%w: invalid byte count", ErrInvalidResponse)
	}
	return unpackBits(pdu.Data[1:], int(qty)), nil
}

// ParseRegistersResponse parses a registers response (FC03/FC04/FC23).
func ParseRegistersResponse(pdu PDU, qty uint16) ([]uint16, error) {
	if err := responseError(pdu); err != nil {
		return nil, err
	}
	if len(pdu.Data) < 1 {
		return nil, fmt.Errorf("%w: response too short", ErrInvalidResponse)
	}
	byteCount := int(pdu.Data[0])
	if byteCount != 2*int(qty) || len(pdu.Data) != 1+byteCount {
		return nil, fmt.Errorf("%w: invalid byte count", ErrInvalidResponse)
	}
	return getRegisters(pdu.Data[1:], int(qty)), nil
}

// IsExceptionResponse reports whether a raw response PDU is an exception.
func IsExceptionResponse(raw []byte) bool {
	return len(raw) > 0 && FunctionCode(raw[0]).IsException()
}

// ParseExceptionResponse parses an exception response. It returns nil if the
// PDU is not an exception.
func ParseExceptionResponse(pdu PDU) *ModbusError {
	if !pdu.IsException() || len(pdu.Data) < 1 {
		return nil
	}
	return NewModbusError(pdu.FunctionCode&^exceptionBit, ExceptionCode(pdu.Data[0]))
}

func responseError(pdu PDU) error {
	if e := ParseExceptionResponse(pdu); e != nil {
		return e
	}
	if pdu.IsException() {
		return fmt.Errorf("%w: exception without code", ErrInvalidResponse)
	}
	return nil
}

func encodeRange(fc FunctionCode, a, b uint16) []byte {
	pdu := make([]byte, 5)
	pdu[0] = byte(fc)
	binary.BigEndian.PutUint16(pdu[1:3], a)
	binary.BigEndian.PutUint16(pdu[3:5], b)
	return pdu
}

func checkQuantity(fc FunctionCode, qty uint16, limit int) error {
	if qty < 1 || int(qty) > limit {
		return NewModbusError(fc, ExceptionIllegalDataValue)
	}
	return nil
}

func checkSize(pdu []byte) ([]byte, error) {
	if len(pdu) > MaxPDUSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPDUTooLarge, len(pdu))
	}
	return pdu, nil
}

func packBits(values []bool) []byte {
	packed := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			packed[i/8] |= 1 << (i % 8)
		}
	}
	return packed
}

func unpackBits(packed []byte, n int) []bool {
	values := make([]bool, n)
	for i := range values {
		values[i] = packed[i/8]&(1<<(i%8)) != 0
	}
	return values
}

func putRegisters(dst []byte, values []uint16) {
	for i, v := range values {
		binary.BigEndian.PutUint16(dst[2*i:], v)
	}
}

func getRegisters(src []byte, n int) []uint16 {
	values := make([]uint16, n)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(src[2*i:])
	}
	return values
}
