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
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t testing.TB, layout Layout, opts ...StoreOption) *Store {
	t.Helper()
	opts = append([]StoreOption{WithStoreLogger(discardLogger())}, opts...)
	s, err := NewStore(layout, opts...)
	require.NoError(t, err)
	return s
}

func TestNewStore_InvalidLayout(t *testing.T) {
	_, err := NewStore(Layout{Coils: AddressSpaceSize + 1})
	assert.ErrorIs(t, err, ErrInvalidLayout)

	_, err = NewStore(Layout{HoldingRegisters: -1})
	assert.ErrorIs(t, err, ErrInvalidLayout)
}

func TestStore_ZeroInitialized(t *testing.T) {
	s := newTestStore(t, UniformLayout(10))
	for _, sp := range Spaces {
		cells, err := s.Read(sp, 0, 10)
		require.NoError(t, err)
		assert.Equal(t, make([]uint16, 10), cells, sp.String())
	}
	assert.False(t, s.Restored())
}

func TestStore_ReadWrite(t *testing.T) {
	s := newTestStore(t, UniformLayout(100))

	require.NoError(t, s.WriteRegisters(SpaceHoldingRegisters, 10, []uint16{1, 2, 3}))
	regs, err := s.ReadRegisters(SpaceHoldingRegisters, 9, 5)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 1, 2, 3, 0}, regs)

	require.NoError(t, s.WriteBits(SpaceCoils, 0, []bool{true, false, true}))
	bits, err := s.ReadBits(SpaceCoils, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true, false}, bits)

	// Spaces are independent.
	other, err := s.ReadRegisters(SpaceInputRegisters, 10, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 0, 0}, other)
}

func TestStore_BitNormalization(t *testing.T) {
	s := newTestStore(t, UniformLayout(4))

	require.NoError(t, s.Write(SpaceDiscreteInputs, 0, []uint16{0, 7, 0xFFFF, 1}))
	cells, err := s.Read(SpaceDiscreteInputs, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 1, 1, 1}, cells)

	require.NoError(t, s.Fill(SpaceCoils, 17))
	cells, err = s.Read(SpaceCoils, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 1, 1, 1}, cells)

	require.NoError(t, s.Fill(SpaceHoldingRegisters, 17))
	cells, err = s.Read(SpaceHoldingRegisters, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []uint16{17, 17, 17, 17}, cells)
}

func TestStore_OutOfRange(t *testing.T) {
	s := newTestStore(t, UniformLayout(100))
	require.NoError(t, s.Fill(SpaceHoldingRegisters, 5))

	tests := []struct {
		name  string
		addr  uint16
		count int
	}{
		{"past end", 99, 2},
		{"start past end", 100, 1},
		{"far past end", 0xFFFF, 1},
		{"whole plus one", 0, 101},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Read(SpaceHoldingRegisters, tt.addr, tt.count)
			assert.True(t, IsIllegalDataAddress(err), "read: %v", err)

			err = s.Write(SpaceHoldingRegisters, tt.addr, make([]uint16, tt.count))
			assert.True(t, IsIllegalDataAddress(err), "write: %v", err)
		})
	}

	// Nothing was modified by the rejected writes.
	cells, err := s.Read(SpaceHoldingRegisters, 0, 100)
	require.NoError(t, err)
	for i, c := range cells {
		if c != 5 {
			t.Fatalf("cell %d modified: %d", i, c)
		}
	}

	// The last cell and an empty range at the end are in range.
	_, err = s.Read(SpaceHoldingRegisters, 99, 1)
	assert.NoError(t, err)
	_, err = s.Read(SpaceHoldingRegisters, 100, 0)
	assert.NoError(t, err)
}

func TestStore_FullAddressSpace(t *testing.T) {
	s := newTestStore(t, Layout{HoldingRegisters: AddressSpaceSize})

	require.NoError(t, s.Write(SpaceHoldingRegisters, 0xFFFF, []uint16{0xBEEF}))
	cells, err := s.Read(SpaceHoldingRegisters, 0xFFFF, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0xBEEF}, cells)

	_, err = s.Read(SpaceHoldingRegisters, 0xFFFF, 2)
	assert.True(t, IsIllegalDataAddress(err))
}

func TestStore_UnknownSpace(t *testing.T) {
	s := newTestStore(t, UniformLayout(1))
	_, err := s.Read(Space(9), 0, 1)
	assert.Error(t, err)
	assert.False(t, IsIllegalDataAddress(err))
}

func TestStore_Update(t *testing.T) {
	s := newTestStore(t, UniformLayout(10))
	require.NoError(t, s.WriteRegisters(SpaceHoldingRegisters, 4, []uint16{0x12}))

	mask := MaskWriteRegisterRequest{Address: 4, AndMask: 0xF2, OrMask: 0x25}
	err := s.Update(SpaceHoldingRegisters, 4, 1, func(cells []uint16) {
		cells[0] = mask.Apply(cells[0])
	})
	require.NoError(t, err)

	cells, err := s.Read(SpaceHoldingRegisters, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x17}, cells)

	called := false
	err = s.Update(SpaceHoldingRegisters, 10, 1, func([]uint16) { called = true })
	assert.True(t, IsIllegalDataAddress(err))
	assert.False(t, called)
}

func TestStore_WriteRead(t *testing.T) {
	s := newTestStore(t, UniformLayout(10))

	got, err := s.WriteRead(SpaceHoldingRegisters, 2, []uint16{7, 8}, 1, 4)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 7, 8, 0}, got)

	// An out of range read rejects the write too.
	_, err = s.WriteRead(SpaceHoldingRegisters, 0, []uint16{9}, 8, 3)
	assert.True(t, IsIllegalDataAddress(err))
	cells, err := s.Read(SpaceHoldingRegisters, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0}, cells)
}

func TestStore_SnapshotRestore(t *testing.T) {
	s := newTestStore(t, UniformLayout(8))
	require.NoError(t, s.WriteRegisters(SpaceHoldingRegisters, 0, []uint16{1, 2}))
	require.NoError(t, s.WriteBits(SpaceCoils, 3, []bool{true}))

	snap := s.Snapshot()
	assert.Equal(t, UniformLayout(8), snap.Layout)
	assert.Equal(t, []uint16{1, 2, 0, 0, 0, 0, 0, 0}, snap.Get(SpaceHoldingRegisters))
	assert.Equal(t, []uint16{0, 0, 0, 1, 0, 0, 0, 0}, snap.Get(SpaceCoils))

	// The snapshot is a copy.
	require.NoError(t, s.Fill(SpaceHoldingRegisters, 99))
	assert.Equal(t, uint16(1), snap.Get(SpaceHoldingRegisters)[0])

	require.NoError(t, s.Restore(snap))
	if diff := cmp.Diff(snap.Get(SpaceHoldingRegisters), s.Snapshot().Get(SpaceHoldingRegisters)); diff != "" {
		t.Errorf("restore mismatch (-want +got):\n%s", diff)
	}

	err := s.Restore(NewSnapshot(UniformLayout(9)))
	assert.ErrorIs(t, err, ErrLayoutMismatch)
}

func TestStore_ConcurrentDisjointWrites(t *testing.T) {
	const workers = 16
	const perWorker = 50
	s := newTestStore(t, UniformLayout(workers*perWorker))

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				addr := uint16(w*perWorker + i)
				if err := s.Write(SpaceHoldingRegisters, addr, []uint16{addr + 1}); err != nil {
					t.Errorf("write %d: %v", addr, err)
				}
			}
		}(w)
	}
	wg.Wait()

	cells, err := s.Read(SpaceHoldingRegisters, 0, workers*perWorker)
	require.NoError(t, err)
	for i, c := range cells {
		if c != uint16(i+1) {
			t.Fatalf("cell %d: expected %d, got %d", i, i+1, c)
		}
	}
}

func TestStore_ConcurrentSameRangeWrites(t *testing.T) {
	const width = 8
	s := newTestStore(t, UniformLayout(width))

	var writers, readers sync.WaitGroup
	stop := make(chan struct{})

	// Every writer stores its own id in all cells. A reader must never see
	// a mix of two writers.
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				cells, err := s.Read(SpaceHoldingRegisters, 0, width)
				if err != nil {
					t.Errorf("read: %v", err)
					return
				}
				for _, c := range cells[1:] {
					if c != cells[0] {
						t.Errorf("torn read: %v", cells)
						return
					}
				}
			}
		}()
	}

	for w := 1; w <= 8; w++ {
		writers.Add(1)
		go func(id uint16) {
			defer writers.Done()
			values := make([]uint16, width)
			for i := range values {
				values[i] = id
			}
			for i := 0; i < 200; i++ {
				if err := s.Write(SpaceHoldingRegisters, 0, values); err != nil {
					t.Errorf("write: %v", err)
					return
				}
			}
		}(uint16(w))
	}
	writers.Wait()
	close(stop)
	readers.Wait()

	cells, err := s.Read(SpaceHoldingRegisters, 0, width)
	require.NoError(t, err)
	assert.NotZero(t, cells[0])
	for _, c := range cells {
		assert.Equal(t, cells[0], c)
	}
}

func TestStore_ConcurrentSnapshot(t *testing.T) {
	s := newTestStore(t, UniformLayout(4))

	var wg sync.WaitGroup
	for _, sp := range Spaces {
		wg.Add(1)
		go func(sp Space) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if err := s.Write(sp, 0, []uint16{1, 1, 1, 1}); err != nil {
					t.Errorf("write: %v", err)
					return
				}
			}
		}(sp)
	}
	for i := 0; i < 50; i++ {
		snap := s.Snapshot()
		for _, sp := range Spaces {
			assert.Len(t, snap.Get(sp), 4)
		}
	}
	wg.Wait()
}

// recordingStorage captures every change handed to the backend.
type recordingStorage struct {
	mu      sync.Mutex
	initial *Snapshot
	writes  []recordedWrite
	failOn  Space
	fail    bool
	closed  bool
}

type recordedWrite struct {
	Space Space
	Addr  uint16
	Cells []uint16
}

func (r *recordingStorage) Open(Layout) (*Snapshot, error) { return r.initial, nil }

func (r *recordingStorage) OnWrite(sp Space, addr uint16, cells []uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail && sp == r.failOn {
		return errors.New("disk full")
	}
	r.writes = append(r.writes, recordedWrite{sp, addr, append([]uint16(nil), cells...)})
	return nil
}

func (r *recordingStorage) Flush() error { return nil }

func (r *recordingStorage) Close() error {
	r.closed = true
	return nil
}

func TestStore_PersistsChanges(t *testing.T) {
	rec := &recordingStorage{}
	s := newTestStore(t, UniformLayout(10), WithStorage(rec))

	require.NoError(t, s.WriteRegisters(SpaceHoldingRegisters, 3, []uint16{42, 43}))
	require.NoError(t, s.WriteBits(SpaceCoils, 1, []bool{true}))
	_, err := s.Read(SpaceHoldingRegisters, 0, 10)
	require.NoError(t, err)
	// Rejected writes are not persisted.
	_ = s.Write(SpaceHoldingRegisters, 9, []uint16{1, 2})

	want := []recordedWrite{
		{SpaceHoldingRegisters, 3, []uint16{42, 43}},
		{SpaceCoils, 1, []uint16{1}},
	}
	if diff := cmp.Diff(want, rec.writes); diff != "" {
		t.Errorf("persisted writes mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, s.Close())
	assert.True(t, rec.closed)
}

func TestStore_PersistFailureKeepsWrite(t *testing.T) {
	rec := &recordingStorage{fail: true, failOn: SpaceHoldingRegisters}
	s := newTestStore(t, UniformLayout(10), WithStorage(rec))

	require.NoError(t, s.WriteRegisters(SpaceHoldingRegisters, 0, []uint16{42}))
	cells, err := s.Read(SpaceHoldingRegisters, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{42}, cells)
}

func TestStore_RestoresFromStorage(t *testing.T) {
	initial := NewSnapshot(UniformLayout(4))
	initial.Get(SpaceInputRegisters)[2] = 1234
	s := newTestStore(t, UniformLayout(4), WithStorage(&recordingStorage{initial: initial}))

	assert.True(t, s.Restored())
	cells, err := s.Read(SpaceInputRegisters, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1234}, cells)
}

func TestStore_WriteReadProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		size := rapid.IntRange(1, 300).Draw(t, "size")
		sp := Space(rapid.IntRange(0, numSpaces-1).Draw(t, "space"))
		s, err := NewStore(UniformLayout(size), WithStoreLogger(discardLogger()))
		if err != nil {
			t.Fatalf("new store: %v", err)
		}

		model := make([]uint16, size)
		for i := rapid.IntRange(1, 20).Draw(t, "ops"); i > 0; i-- {
			addr := uint16(rapid.IntRange(0, size+5).Draw(t, "addr"))
			values := rapid.SliceOfN(rapid.Uint16(), 0, 20).Draw(t, "values")

			err := s.Write(sp, addr, values)
			inRange := int(addr)+len(values) <= size
			if inRange != (err == nil) {
				t.Fatalf("write [%d, %d) on %d cells: err=%v", addr, int(addr)+len(values), size, err)
			}
			if !inRange {
				continue
			}
			for j, v := range values {
				if sp.IsBit() && v != 0 {
					v = 1
				}
				model[int(addr)+j] = v
			}
		}

		got, err := s.Read(sp, 0, size)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if diff := cmp.Diff(model, got); diff != "" {
			t.Fatalf("store diverged from model (-want +got):\n%s", diff)
		}
	})
}
