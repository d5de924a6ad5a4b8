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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// ErrNotConnected is returned when a request is sent before Connect.
var ErrNotConnected = errors.New("modbus: not connected")

// Client is a minimal Modbus TCP client. Requests are serialized; one
// request is in flight at a time.
type Client struct {
	addr string
	opts *clientOptions

	mu   sync.Mutex
	conn net.Conn
	txID uint16
	buf  []byte
}

// NewClient creates a new Modbus TCP client for addr.
func NewClient(addr string, opts ...ClientOption) (*Client, error) {
	if addr == "" {
		return nil, errors.New("modbus: address cannot be empty")
	}

	options := defaultClientOptions()
	for _, opt := range opts {
		opt(options)
	}
	return &Client{addr: addr, opts: options}, nil
}

// Connect dials the server.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	d := net.Dialer{Timeout: c.opts.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}
	c.conn = conn
	c.buf = c.buf[:0]
	c.opts.logger.Debug("connected", slog.String("addr", c.addr))
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Do sends req and returns the response PDU. An exception response is
// returned as a *ModbusError.
func (c *Client) Do(ctx context.Context, req Request) (PDU, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return PDU{}, ErrNotConnected
	}

	c.txID++
	txID := c.txID
	out, err := EncodeRequestFrame(txID, c.opts.unitID, req)
	if err != nil {
		return PDU{}, err
	}

	deadline := time.Now().Add(c.opts.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)

	c.opts.logger.Debug("sending request",
		slog.Uint64("tx_id", uint64(txID)),
		slog.Uint64("unit_id", uint64(c.opts.unitID)),
		slog.String("func", req.FunctionCode().String()))

	if _, err := c.conn.Write(out); err != nil {
		c.dropLocked()
		return PDU{}, err
	}

	frame, err := c.readFrameLocked()
	if err != nil {
		c.dropLocked()
		return PDU{}, err
	}
	if frame.Header.TransactionID != txID {
		return PDU{}, fmt.Errorf("%w: transaction ID mismatch (expected %d, got %d)",
			ErrInvalidResponse, txID, frame.Header.TransactionID)
	}
	if e := ParseExceptionResponse(frame.PDU); e != nil {
		return PDU{}, e
	}
	if frame.PDU.FunctionCode != req.FunctionCode() {
		return PDU{}, fmt.Errorf("%w: function code mismatch (expected %02X, got %02X)",
			ErrInvalidResponse, uint8(req.FunctionCode()), uint8(frame.PDU.FunctionCode))
	}
	return frame.PDU, nil
}

func (c *Client) readFrameLocked() (*Frame, error) {
	chunk := make([]byte, MaxADUSize)
	for {
		frame, n, err := DecodeFrame(c.buf)
		if err == nil {
			c.buf = append(c.buf[:0], c.buf[n:]...)
			return frame, nil
		}
		if !errors.Is(err, ErrIncompleteFrame) {
			return nil, err
		}
		m, err := c.conn.Read(chunk)
		if m > 0 {
			c.buf = append(c.buf, chunk[:m]...)
		}
		if err != nil {
			return nil, err
		}
	}
}

// dropLocked discards a connection whose stream position is unknown.
func (c *Client) dropLocked() {
	c.conn.Close()
	c.conn = nil
	c.buf = c.buf[:0]
}

// ReadCoils reads qty coils starting at addr.
func (c *Client) ReadCoils(ctx context.Context, addr, qty uint16) ([]bool, error) {
	pdu, err := c.Do(ctx, ReadCoilsRequest{Address: addr, Quantity: qty})
	if err != nil {
		return nil, err
	}
	return ParseBitsResponse(pdu, qty)
}

// ReadDiscreteInputs reads qty discrete inputs starting at addr.
func (c *Client) ReadDiscreteInputs(ctx context.Context, addr, qty uint16) ([]bool, error) {
	pdu, err := c.Do(ctx, ReadDiscreteInputsRequest{Address: addr, Quantity: qty})
	if err != nil {
		return nil, err
	}
	return ParseBitsResponse(pdu, qty)
}

// ReadHoldingRegisters reads qty holding registers starting at addr.
func (c *Client) ReadHoldingRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error) {
	pdu, err := c.Do(ctx, ReadHoldingRegistersRequest{Address: addr, Quantity: qty})
	if err != nil {
		return nil, err
	}
	return ParseRegistersResponse(pdu, qty)
}

// ReadInputRegisters reads qty input registers starting at addr.
func (c *Client) ReadInputRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error) {
	pdu, err := c.Do(ctx, ReadInputRegistersRequest{Address: addr, Quantity: qty})
	if err != nil {
		return nil, err
	}
	return ParseRegistersResponse(pdu, qty)
}

// WriteSingleCoil writes one coil.
func (c *Client) WriteSingleCoil(ctx context.Context, addr uint16, value bool) error {
	_, err := c.Do(ctx, WriteSingleCoilRequest{Address: addr, Value: value})
	return err
}

// WriteSingleRegister writes one holding register.
func (c *Client) WriteSingleRegister(ctx context.Context, addr, value uint16) error {
	_, err := c.Do(ctx, WriteSingleRegisterRequest{Address: addr, Value: value})
	return err
}

// WriteMultipleCoils writes consecutive coils starting at addr.
func (c *Client) WriteMultipleCoils(ctx context.Context, addr uint16, values []bool) error {
	_, err := c.Do(ctx, WriteMultipleCoilsRequest{Address: addr, Values: values})
	return err
}

// WriteMultipleRegisters writes consecutive holding registers starting at addr.
func (c *Client) WriteMultipleRegisters(ctx context.Context, addr uint16, values []uint16) error {
	_, err := c.Do(ctx, WriteMultipleRegistersRequest{Address: addr, Values: values})
	return err
}

// MaskWriteRegister applies an AND and an OR mask to one holding register.
func (c *Client) MaskWriteRegister(ctx context.Context, addr, andMask, orMask uint16) error {
	_, err := c.Do(ctx, MaskWriteRegisterRequest{Address: addr, AndMask: andMask, OrMask: orMask})
	return err
}

// ReadWriteMultipleRegisters writes values at writeAddr, then reads readQty
// registers at readAddr.
func (c *Client) ReadWriteMultipleRegisters(ctx context.Context, readAddr, readQty, writeAddr uint16, values []uint16) ([]uint16, error) {
	pdu, err := c.Do(ctx, ReadWriteMultipleRegistersRequest{
		ReadAddress:  readAddr,
		ReadQuantity: readQty,
		WriteAddress: writeAddr,
		Values:       values,
	})
	if err != nil {
		return nil, err
	}
	return ParseRegistersResponse(pdu, readQty)
}
