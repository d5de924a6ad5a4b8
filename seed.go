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

	"github.com/buger/jsonparser"
)

// ErrInvalidSeed indicates a malformed seed document.
var ErrInvalidSeed = errors.New("modbus: invalid seed")

// ApplySeed writes the register values described by a JSON seed document
// into store. The document maps space names to lists of blocks:
//
//	{
//	  "holding_registers": [{"address": 0, "values": [42, 43]}],
//	  "coils": [{"address": 8, "values": [true, false, 1]}]
//	}
//
// Space names are those accepted by ParseSpace. Bit values may be booleans
// or numbers. Every block is checked before anything is written.
func ApplySeed(store *Store, data []byte) error {
	type block struct {
		space  Space
		addr   uint16
		values []uint16
	}
	var blocks []block

	err := jsonparser.ObjectEach(data, func(key, value []byte, dataType jsonparser.ValueType, _ int) error {
		sp, err := ParseSpace(string(key))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSeed, err)
		}
		if dataType != jsonparser.Array {
			return fmt.Errorf("%w: %s must be an array of blocks", ErrInvalidSeed, sp)
		}

		var blockErr error
		_, err = jsonparser.ArrayEach(value, func(raw []byte, _ jsonparser.ValueType, _ int, _ error) {
			if blockErr != nil {
				return
			}
			addr, values, err := parseSeedBlock(sp, raw)
			if err != nil {
				blockErr = err
				return
			}
			blocks = append(blocks, block{space: sp, addr: addr, values: values})
		})
		if blockErr != nil {
			return blockErr
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidSeed, sp, err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidSeed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}

	layout := store.Layout()
	for _, b := range blocks {
		if int(b.addr)+len(b.values) > layout.Size(b.space) {
			return fmt.Errorf("%w: %s block at %d with %d values exceeds capacity %d",
				ErrInvalidSeed, b.space, b.addr, len(b.values), layout.Size(b.space))
		}
	}
	for _, b := range blocks {
		if err := store.Write(b.space, b.addr, b.values); err != nil {
			return err
		}
	}
	return nil
}

func parseSeedBlock(sp Space, raw []byte) (uint16, []uint16, error) {
	addr, err := jsonparser.GetInt(raw, "address")
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s block address: %v", ErrInvalidSeed, sp, err)
	}
	if addr < 0 || addr >= AddressSpaceSize {
		return 0, nil, fmt.Errorf("%w: %s block address %d out of range", ErrInvalidSeed, sp, addr)
	}

	var values []uint16
	var valueErr error
	_, err = jsonparser.ArrayEach(raw, func(v []byte, dataType jsonparser.ValueType, _ int, _ error) {
		if valueErr != nil {
			return
		}
		n, err := parseSeedValue(sp, v, dataType)
		if err != nil {
			valueErr = err
			return
		}
		values = append(values, n)
	}, "values")
	if valueErr != nil {
		return 0, nil, valueErr
	}
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s block values: %v", ErrInvalidSeed, sp, err)
	}
	return uint16(addr), values, nil
}

func parseSeedValue(sp Space, v []byte, dataType jsonparser.ValueType) (uint16, error) {
	switch dataType {
	case jsonparser.Boolean:
		if !sp.IsBit() {
			return 0, fmt.Errorf("%w: %s takes numbers, got %s", ErrInvalidSeed, sp, v)
		}
		b, err := jsonparser.ParseBoolean(v)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
		}
		if b {
			return 1, nil
		}
		return 0, nil

	case jsonparser.Number:
		n, err := jsonparser.ParseInt(v)
		if err != nil {
			return 0, fmt.Errorf("%w: %s value %s: %v", ErrInvalidSeed, sp, v, err)
		}
		limit := int64(0xFFFF)
		if sp.IsBit() {
			limit = 1
		}
		if n < 0 || n > limit {
			return 0, fmt.Errorf("%w: %s value %d not in [0, %d]", ErrInvalidSeed, sp, n, limit)
		}
		return uint16(n), nil

	default:
		return 0, fmt.Errorf("%w: %s value %s has unsupported type %s", ErrInvalidSeed, sp, v, dataType)
	}
}
