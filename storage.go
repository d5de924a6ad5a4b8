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
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// Storage persists register store contents.
//
// Open is called once when the store is created. It returns the persisted
// contents, or nil if the backend holds no data yet. OnWrite is called with
// the space lock held after every change, with the new values of the
// changed cells.
type Storage interface {
	Open(layout Layout) (*Snapshot, error)
	OnWrite(sp Space, addr uint16, cells []uint16) error
	Flush() error
	Close() error
}

// Storage kinds accepted by NewStorage.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageMmap   = "mmap"
)

// NewStorage returns the backend named kind writing to path.
func NewStorage(kind, path string) (Storage, error) {
	switch kind {
	case "", StorageMemory:
		return NewMemoryStorage(), nil
	case StorageFile:
		if path == "" {
			return nil, fmt.Errorf("modbus: %s storage needs a path", kind)
		}
		return NewFileStorage(path), nil
	case StorageMmap:
		if path == "" {
			return nil, fmt.Errorf("modbus: %s storage needs a path", kind)
		}
		return NewMmapStorage(path), nil
	default:
		return nil, fmt.Errorf("modbus: unknown storage type %q", kind)
	}
}

// On-disk format: a fixed header followed by the four spaces in storage
// order. Bit cells take one byte, registers two bytes big-endian.
//
//	0   magic "MBRS"
//	4   format version (uint16)
//	6   reserved (uint16)
//	8   capacities of the four spaces (uint32 each)
//	24  cells
const (
	fileHeaderSize = 24
	fileVersion    = 1
)

var fileMagic = []byte("MBRS")

type fileLayout struct {
	layout  Layout
	offsets [numSpaces]int
	size    int
}

func newFileLayout(l Layout) fileLayout {
	fl := fileLayout{layout: l}
	off := fileHeaderSize
	for _, sp := range Spaces {
		fl.offsets[sp] = off
		off += l.Size(sp) * cellWidth(sp)
	}
	fl.size = off
	return fl
}

func cellWidth(sp Space) int {
	if sp.IsBit() {
		return 1
	}
	return 2
}

func (fl fileLayout) header() []byte {
	buf := make([]byte, fileHeaderSize)
	copy(buf, fileMagic)
	binary.BigEndian.PutUint16(buf[4:6], fileVersion)
	for i, sp := range Spaces {
		binary.BigEndian.PutUint32(buf[8+4*i:], uint32(fl.layout.Size(sp)))
	}
	return buf
}

// region returns the byte range holding count cells of sp starting at addr.
func (fl fileLayout) region(sp Space, addr uint16, count int) (int, int) {
	w := cellWidth(sp)
	return fl.offsets[sp] + int(addr)*w, count * w
}

func (fl fileLayout) encodeCells(dst []byte, sp Space, cells []uint16) {
	if sp.IsBit() {
		for i, c := range cells {
			dst[i] = byte(c)
		}
		return
	}
	putRegisters(dst, cells)
}

func (fl fileLayout) decode(data []byte) *Snapshot {
	snap := NewSnapshot(fl.layout)
	for _, sp := range Spaces {
		cells := snap.Get(sp)
		off, n := fl.region(sp, 0, len(cells))
		src := data[off : off+n]
		if sp.IsBit() {
			for i := range cells {
				if src[i] != 0 {
					cells[i] = 1
				}
			}
			continue
		}
		copy(cells, getRegisters(src, len(cells)))
	}
	return snap
}

// decodeFileHeader reads the layout stored in a file header.
func decodeFileHeader(data []byte) (Layout, error) {
	if len(data) < fileHeaderSize || !bytes.Equal(data[:4], fileMagic) {
		return Layout{}, fmt.Errorf("modbus: not a register store file")
	}
	if v := binary.BigEndian.Uint16(data[4:6]); v != fileVersion {
		return Layout{}, fmt.Errorf("modbus: unsupported register store file version %d", v)
	}
	var sizes [numSpaces]int
	for i := range sizes {
		sizes[i] = int(binary.BigEndian.Uint32(data[8+4*i:]))
	}
	l := Layout{
		DiscreteInputs:   sizes[SpaceDiscreteInputs],
		Coils:            sizes[SpaceCoils],
		HoldingRegisters: sizes[SpaceHoldingRegisters],
		InputRegisters:   sizes[SpaceInputRegisters],
	}
	if err := l.Validate(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

// checkFile verifies that data holds a complete store file for layout.
func checkFile(data []byte, layout Layout) (fileLayout, error) {
	stored, err := decodeFileHeader(data)
	if err != nil {
		return fileLayout{}, err
	}
	if stored != layout {
		return fileLayout{}, fmt.Errorf("%w: file has %+v, configured %+v", ErrLayoutMismatch, stored, layout)
	}
	fl := newFileLayout(layout)
	if len(data) != fl.size {
		return fileLayout{}, fmt.Errorf("modbus: register store file is %d bytes, want %d", len(data), fl.size)
	}
	return fl, nil
}

// ReadSnapshotFile loads a register store file without opening it for writing.
func ReadSnapshotFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	layout, err := decodeFileHeader(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	fl, err := checkFile(data, layout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return fl.decode(data), nil
}

// WriteSnapshotFile writes snap in the register store file format. The
// file is written under a temporary name and renamed into place.
func WriteSnapshotFile(path string, snap *Snapshot) error {
	if err := snap.Layout.Validate(); err != nil {
		return err
	}
	fl := newFileLayout(snap.Layout)
	data := make([]byte, fl.size)
	copy(data, fl.header())
	for _, sp := range Spaces {
		cells := snap.Get(sp)
		off, n := fl.region(sp, 0, len(cells))
		fl.encodeCells(data[off:off+n], sp, cells)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

// MemoryStorage is a no-op storage (non-persistent).
type MemoryStorage struct{}

// NewMemoryStorage creates a new MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (*MemoryStorage) Open(Layout) (*Snapshot, error) { return nil, nil }

func (*MemoryStorage) OnWrite(Space, uint16, []uint16) error { return nil }

func (*MemoryStorage) Flush() error { return nil }

func (*MemoryStorage) Close() error { return nil }

// FileStorage writes every change to a file with WriteAt and syncs it.
type FileStorage struct {
	path string
	file *os.File
	fl   fileLayout
}

// NewFileStorage creates a new FileStorage.
func NewFileStorage(path string) *FileStorage {
	return &FileStorage{path: path}
}

// Open opens or creates the file. A new file is initialized with zeroed cells.
func (fs *FileStorage) Open(layout Layout) (*Snapshot, error) {
	f, err := os.OpenFile(fs.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	fs.fl = newFileLayout(layout)
	if fi.Size() == 0 {
		if err := f.Truncate(int64(fs.fl.size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize file: %w", err)
		}
		if _, err := f.WriteAt(fs.fl.header(), 0); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
		fs.file = f
		return nil, nil
	}

	data, err := os.ReadFile(fs.path)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if _, err := checkFile(data, layout); err != nil {
		f.Close()
		return nil, err
	}
	fs.file = f
	return fs.fl.decode(data), nil
}

// OnWrite writes the changed cells and syncs the file.
func (fs *FileStorage) OnWrite(sp Space, addr uint16, cells []uint16) error {
	if fs.file == nil {
		return fmt.Errorf("modbus: file storage not open")
	}
	off, n := fs.fl.region(sp, addr, len(cells))
	buf := make([]byte, n)
	fs.fl.encodeCells(buf, sp, cells)
	if _, err := fs.file.WriteAt(buf, int64(off)); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return fs.file.Sync()
}

// Flush syncs the file to disk.
func (fs *FileStorage) Flush() error {
	if fs.file == nil {
		return nil
	}
	return fs.file.Sync()
}

// Close closes the file.
func (fs *FileStorage) Close() error {
	if fs.file == nil {
		return nil
	}
	err := fs.file.Close()
	fs.file = nil
	return err
}

// MmapStorage keeps the store file memory-mapped and flushes the mapping
// after every change.
type MmapStorage struct {
	path string
	file *os.File
	data mmap.MMap
	fl   fileLayout
}

// NewMmapStorage creates a new MmapStorage.
func NewMmapStorage(path string) *MmapStorage {
	return &MmapStorage{path: path}
}

// Open maps the file, creating and sizing it if needed.
func (ms *MmapStorage) Open(layout Layout) (*Snapshot, error) {
	f, err := os.OpenFile(ms.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open mmap file: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	ms.fl = newFileLayout(layout)
	fresh := fi.Size() == 0
	if fresh {
		if err := f.Truncate(int64(ms.fl.size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize mmap file: %w", err)
		}
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	ms.file = f
	ms.data = data

	if fresh {
		copy(ms.data, ms.fl.header())
		if err := ms.data.Flush(); err != nil {
			ms.Close()
			return nil, err
		}
		return nil, nil
	}
	if _, err := checkFile(ms.data, layout); err != nil {
		ms.Close()
		return nil, err
	}
	return ms.fl.decode(ms.data), nil
}

// OnWrite copies the changed cells into the mapping and flushes it.
func (ms *MmapStorage) OnWrite(sp Space, addr uint16, cells []uint16) error {
	if ms.data == nil {
		return fmt.Errorf("modbus: mmap storage not open")
	}
	off, n := ms.fl.region(sp, addr, len(cells))
	ms.fl.encodeCells(ms.data[off:off+n], sp, cells)
	return ms.data.Flush()
}

// Flush flushes the mapping to disk.
func (ms *MmapStorage) Flush() error {
	if ms.data == nil {
		return nil
	}
	return ms.data.Flush()
}

// Close unmaps and closes the file.
func (ms *MmapStorage) Close() error {
	var err error
	if ms.data != nil {
		if e := ms.data.Unmap(); e != nil {
			err = e
		}
		ms.data = nil
	}
	if ms.file != nil {
		if e := ms.file.Close(); e != nil {
			err = e
		}
		ms.file = nil
	}
	return err
}
