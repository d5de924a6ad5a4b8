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
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLayout = Layout{DiscreteInputs: 10, Coils: 20, HoldingRegisters: 30, InputRegisters: 40}

func TestNewStorage(t *testing.T) {
	s, err := NewStorage("", "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStorage{}, s)

	s, err = NewStorage(StorageFile, "x.bin")
	require.NoError(t, err)
	assert.IsType(t, &FileStorage{}, s)

	s, err = NewStorage(StorageMmap, "x.bin")
	require.NoError(t, err)
	assert.IsType(t, &MmapStorage{}, s)

	_, err = NewStorage(StorageFile, "")
	assert.Error(t, err)
	_, err = NewStorage(StorageMmap, "")
	assert.Error(t, err)
	_, err = NewStorage("sqlite", "x.db")
	assert.Error(t, err)
}

func TestMemoryStorage(t *testing.T) {
	s := newTestStore(t, testLayout, WithStorage(NewMemoryStorage()))
	require.NoError(t, s.WriteRegisters(SpaceHoldingRegisters, 0, []uint16{1}))
	assert.False(t, s.Restored())
	assert.NoError(t, s.Close())
}

func TestFileLayout(t *testing.T) {
	fl := newFileLayout(testLayout)

	assert.Equal(t, fileHeaderSize+10+20+2*30+2*40, fl.size)

	off, n := fl.region(SpaceCoils, 5, 3)
	assert.Equal(t, fileHeaderSize+10+5, off)
	assert.Equal(t, 3, n)

	off, n = fl.region(SpaceInputRegisters, 1, 2)
	assert.Equal(t, fileHeaderSize+10+20+60+2, off)
	assert.Equal(t, 4, n)

	layout, err := decodeFileHeader(fl.header())
	require.NoError(t, err)
	assert.Equal(t, testLayout, layout)

	_, err = decodeFileHeader([]byte("not a store file at all!"))
	assert.Error(t, err)
}

// storageBackends returns a constructor per persistent backend.
func storageBackends() map[string]func(path string) Storage {
	return map[string]func(string) Storage{
		StorageFile: func(p string) Storage { return NewFileStorage(p) },
		StorageMmap: func(p string) Storage { return NewMmapStorage(p) },
	}
}

func TestPersistentStorage_Reload(t *testing.T) {
	for name, newBackend := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "store.bin")

			s := newTestStore(t, testLayout, WithStorage(newBackend(path)))
			assert.False(t, s.Restored())
			require.NoError(t, s.WriteRegisters(SpaceHoldingRegisters, 28, []uint16{0xBEEF, 0x0102}))
			require.NoError(t, s.WriteBits(SpaceCoils, 3, []bool{true, true}))
			require.NoError(t, s.Fill(SpaceInputRegisters, 17))
			mask := MaskWriteRegisterRequest{AndMask: 0xF2, OrMask: 0x25}
			require.NoError(t, s.Update(SpaceInputRegisters, 0, 1, func(c []uint16) { c[0] = mask.Apply(c[0]) }))
			want := s.Snapshot()
			require.NoError(t, s.Close())

			reopened := newTestStore(t, testLayout, WithStorage(newBackend(path)))
			defer reopened.Close()
			assert.True(t, reopened.Restored())

			got := reopened.Snapshot()
			for _, sp := range Spaces {
				if diff := cmp.Diff(want.Get(sp), got.Get(sp)); diff != "" {
					t.Errorf("%s mismatch after reload (-want +got):\n%s", sp, diff)
				}
			}

			fromFile, err := ReadSnapshotFile(path)
			require.NoError(t, err)
			assert.Equal(t, testLayout, fromFile.Layout)
			assert.Equal(t, []uint16{0xBEEF, 0x0102}, fromFile.Get(SpaceHoldingRegisters)[28:])
		})
	}
}

func TestPersistentStorage_LayoutMismatch(t *testing.T) {
	for name, newBackend := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "store.bin")

			s := newTestStore(t, testLayout, WithStorage(newBackend(path)))
			require.NoError(t, s.Close())

			other := testLayout
			other.Coils++
			_, err := NewStore(other, WithStoreLogger(discardLogger()), WithStorage(newBackend(path)))
			assert.ErrorIs(t, err, ErrLayoutMismatch)
		})
	}
}

func TestPersistentStorage_Corrupt(t *testing.T) {
	for name, newBackend := range storageBackends() {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "store.bin")
			require.NoError(t, os.WriteFile(path, []byte("garbage that is not a register file"), 0644))

			_, err := NewStore(testLayout, WithStoreLogger(discardLogger()), WithStorage(newBackend(path)))
			assert.Error(t, err)
		})
	}
}

func TestPersistentStorage_Truncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.bin")
	s := newTestStore(t, testLayout, WithStorage(NewFileStorage(path)))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-1], 0644))

	_, err = ReadSnapshotFile(path)
	assert.Error(t, err)
	_, err = NewStore(testLayout, WithStoreLogger(discardLogger()), WithStorage(NewFileStorage(path)))
	assert.Error(t, err)
}

func TestWriteSnapshotFile(t *testing.T) {
	store := newTestStore(t, testLayout)
	require.NoError(t, store.WriteRegisters(SpaceHoldingRegisters, 28, []uint16{0xBEEF, 7}))
	require.NoError(t, store.WriteRegisters(SpaceInputRegisters, 0, []uint16{1, 2, 3}))
	require.NoError(t, store.WriteBits(SpaceCoils, 19, []bool{true}))
	require.NoError(t, store.WriteBits(SpaceDiscreteInputs, 0, []bool{true, false, true}))

	path := filepath.Join(t.TempDir(), "snapshot.bin")
	want := store.Snapshot()
	require.NoError(t, WriteSnapshotFile(path, want))

	got, err := ReadSnapshotFile(path)
	require.NoError(t, err)
	assert.Equal(t, testLayout, got.Layout)
	for _, sp := range Spaces {
		assert.Equal(t, want.Get(sp), got.Get(sp), sp.String())
	}

	// The file is also a valid backing file for FileStorage.
	reopened := newTestStore(t, testLayout, WithStorage(NewFileStorage(path)))
	defer reopened.Close()
	assert.True(t, reopened.Restored())
	regs, err := reopened.ReadRegisters(SpaceHoldingRegisters, 28, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0xBEEF, 7}, regs)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestWriteSnapshotFile_Errors(t *testing.T) {
	err := WriteSnapshotFile(filepath.Join(t.TempDir(), "s.bin"), NewSnapshot(Layout{Coils: -1}))
	assert.ErrorIs(t, err, ErrInvalidLayout)

	err = WriteSnapshotFile(filepath.Join(t.TempDir(), "missing", "s.bin"), NewSnapshot(testLayout))
	assert.Error(t, err)
}

func TestReadSnapshotFile_Missing(t *testing.T) {
	_, err := ReadSnapshotFile(filepath.Join(t.TempDir(), "missing.bin"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFileStorage_NotOpen(t *testing.T) {
	fs := NewFileStorage(filepath.Join(t.TempDir(), "store.bin"))
	assert.Error(t, fs.OnWrite(SpaceCoils, 0, []uint16{1}))
	assert.NoError(t, fs.Flush())
	assert.NoError(t, fs.Close())

	ms := NewMmapStorage(filepath.Join(t.TempDir(), "store.bin"))
	assert.Error(t, ms.OnWrite(SpaceCoils, 0, []uint16{1}))
	assert.NoError(t, ms.Flush())
	assert.NoError(t, ms.Close())
}
