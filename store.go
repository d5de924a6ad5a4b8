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
	"fmt"
	"log/slog"
	"sync"

	"github.com/TheCount/go-multilocker/multilocker"
)

// space is one fixed-capacity register space. Bit spaces hold 0 or 1 per cell.
type space struct {
	mu    sync.RWMutex
	kind  Space
	cells []uint16
}

// Store is the register store shared by all sessions. Each space has its
// own lock; an access never spans two spaces except Snapshot, which takes
// all locks at once.
//
// Concurrent writes to the same cells are applied in lock order, so the
// last applied write wins and no write is ever observed partially.
type Store struct {
	layout   Layout
	spaces   [numSpaces]*space
	storage  Storage
	logger   *slog.Logger
	restored bool
}

// NewStore creates a store with the given capacities. If a storage backend
// is configured and already holds data for the layout, the store starts
// from that data.
func NewStore(layout Layout, opts ...StoreOption) (*Store, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}

	options := defaultStoreOptions()
	for _, opt := range opts {
		opt(options)
	}

	s := &Store{
		layout:  layout,
		storage: options.storage,
		logger:  options.logger,
	}
	for _, kind := range Spaces {
		s.spaces[kind] = &space{
			kind:  kind,
			cells: make([]uint16, layout.Size(kind)),
		}
	}

	if s.storage != nil {
		snap, err := s.storage.Open(layout)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		if snap != nil {
			for _, kind := range Spaces {
				copy(s.spaces[kind].cells, snap.Get(kind))
			}
			s.restored = true
		}
	}
	return s, nil
}

// Layout returns the capacities the store was created with.
func (s *Store) Layout() Layout {
	return s.layout
}

// Restored reports whether the initial contents came from persisted data.
func (s *Store) Restored() bool {
	return s.restored
}

// Read returns count cells of sp starting at addr.
func (s *Store) Read(sp Space, addr uint16, count int) ([]uint16, error) {
	b, err := s.space(sp)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkRange(addr, count); err != nil {
		return nil, err
	}
	result := make([]uint16, count)
	copy(result, b.cells[addr:])
	return result, nil
}

// Write stores values into sp starting at addr. Either every value is
// written or, on a range error, none is.
func (s *Store) Write(sp Space, addr uint16, values []uint16) error {
	b, err := s.space(sp)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkRange(addr, len(values)); err != nil {
		return err
	}
	b.store(addr, values)
	s.persist(b, addr, len(values))
	return nil
}

// ReadBits reads count cells of a bit space.
func (s *Store) ReadBits(sp Space, addr uint16, count int) ([]bool, error) {
	cells, err := s.Read(sp, addr, count)
	if err != nil {
		return nil, err
	}
	bits := make([]bool, len(cells))
	for i, c := range cells {
		bits[i] = c != 0
	}
	return bits, nil
}

// WriteBits writes values into a bit space.
func (s *Store) WriteBits(sp Space, addr uint16, values []bool) error {
	cells := make([]uint16, len(values))
	for i, v := range values {
		if v {
			cells[i] = 1
		}
	}
	return s.Write(sp, addr, cells)
}

// ReadRegisters reads count cells of a register space.
func (s *Store) ReadRegisters(sp Space, addr uint16, count int) ([]uint16, error) {
	return s.Read(sp, addr, count)
}

// WriteRegisters writes values into a register space.
func (s *Store) WriteRegisters(sp Space, addr uint16, values []uint16) error {
	return s.Write(sp, addr, values)
}

// Update runs fn on count cells of sp starting at addr while holding the
// space's write lock. Changes fn makes to the slice are stored.
func (s *Store) Update(sp Space, addr uint16, count int, fn func(cells []uint16)) error {
	b, err := s.space(sp)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkRange(addr, count); err != nil {
		return err
	}
	cells := make([]uint16, count)
	copy(cells, b.cells[addr:])
	fn(cells)
	b.store(addr, cells)
	s.persist(b, addr, count)
	return nil
}

// WriteRead writes values at writeAddr and then reads readCount cells at
// readAddr, in one critical section. Both ranges are checked before the write.
func (s *Store) WriteRead(sp Space, writeAddr uint16, values []uint16, readAddr uint16, readCount int) ([]uint16, error) {
	b, err := s.space(sp)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkRange(writeAddr, len(values)); err != nil {
		return nil, err
	}
	if err := b.checkRange(readAddr, readCount); err != nil {
		return nil, err
	}
	b.store(writeAddr, values)
	s.persist(b, writeAddr, len(values))

	result := make([]uint16, readCount)
	copy(result, b.cells[readAddr:])
	return result, nil
}

// Fill sets every cell of sp to value.
func (s *Store) Fill(sp Space, value uint16) error {
	b, err := s.space(sp)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if sp.IsBit() && value != 0 {
		value = 1
	}
	for i := range b.cells {
		b.cells[i] = value
	}
	s.persist(b, 0, len(b.cells))
	return nil
}

// Snapshot returns a consistent copy of all four spaces.
func (s *Store) Snapshot() *Snapshot {
	lockers := make([]sync.Locker, 0, numSpaces)
	for _, b := range s.spaces {
		lockers = append(lockers, b.mu.RLocker())
	}
	var ml sync.Locker = multilocker.New(lockers...)
	ml.Lock()
	defer ml.Unlock()

	snap := &Snapshot{Layout: s.layout}
	for _, b := range s.spaces {
		snap.cells[b.kind] = make([]uint16, len(b.cells))
		copy(snap.cells[b.kind], b.cells)
	}
	return snap
}

// Restore replaces the contents of all four spaces with snap. The snapshot
// layout must match the store layout.
func (s *Store) Restore(snap *Snapshot) error {
	if snap.Layout != s.layout {
		return fmt.Errorf("%w: snapshot %+v, store %+v", ErrLayoutMismatch, snap.Layout, s.layout)
	}

	lockers := make([]sync.Locker, 0, numSpaces)
	for _, b := range s.spaces {
		lockers = append(lockers, &b.mu)
	}
	var ml sync.Locker = multilocker.New(lockers...)
	ml.Lock()
	defer ml.Unlock()

	for _, b := range s.spaces {
		b.store(0, snap.cells[b.kind])
		s.persist(b, 0, len(b.cells))
	}
	return nil
}

// Flush forces persisted data to stable storage.
func (s *Store) Flush() error {
	if s.storage == nil {
		return nil
	}
	return s.storage.Flush()
}

// Close flushes and releases the storage backend.
func (s *Store) Close() error {
	if s.storage == nil {
		return nil
	}
	if err := s.storage.Flush(); err != nil {
		s.storage.Close()
		return err
	}
	return s.storage.Close()
}

func (s *Store) space(sp Space) (*space, error) {
	if int(sp) >= numSpaces {
		return nil, fmt.Errorf("modbus: unknown register space %d", sp)
	}
	return s.spaces[sp], nil
}

// persist hands the changed cells to the storage backend. Must be called
// with the space's write lock held so backends see writes in applied order.
func (s *Store) persist(b *space, addr uint16, count int) {
	if s.storage == nil || count == 0 {
		return
	}
	if err := s.storage.OnWrite(b.kind, addr, b.cells[int(addr):int(addr)+count]); err != nil {
		s.logger.Error("persist failed",
			slog.String("space", b.kind.String()),
			slog.Int("addr", int(addr)),
			slog.Int("count", count),
			slog.String("error", err.Error()))
	}
}

func (b *space) checkRange(addr uint16, count int) error {
	if count < 0 || int(addr)+count > len(b.cells) {
		return fmt.Errorf("%w: %s [%d, %d) exceeds capacity %d",
			ErrIllegalDataAddress, b.kind, addr, int(addr)+count, len(b.cells))
	}
	return nil
}

func (b *space) store(addr uint16, values []uint16) {
	dst := b.cells[addr:]
	if b.kind.IsBit() {
		for i, v := range values {
			if v != 0 {
				v = 1
			}
			dst[i] = v
		}
		return
	}
	copy(dst, values)
}

// Snapshot is a point-in-time copy of the register store.
type Snapshot struct {
	Layout Layout
	cells  [numSpaces][]uint16
}

// NewSnapshot returns a zeroed snapshot for layout.
func NewSnapshot(layout Layout) *Snapshot {
	snap := &Snapshot{Layout: layout}
	for _, kind := range Spaces {
		snap.cells[kind] = make([]uint16, layout.Size(kind))
	}
	return snap
}

// Get returns the cells of sp. The slice is owned by the snapshot.
func (s *Snapshot) Get(sp Space) []uint16 {
	if int(sp) >= numSpaces {
		return nil
	}
	return s.cells[sp]
}
