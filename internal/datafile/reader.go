// Copyright 2024 The cdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/dgryski/go-farm"
	"github.com/edsrzf/mmap-go"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/bpowers/cdb/internal/codec"
)

var ErrCorrupted = errors.New("data file corrupted")

// MmapReader provides read-only access to a finished (or at least Finish'd)
// datafile by mapping it into memory.  Slices it returns alias the mapping
// and are only valid until Close.
type MmapReader struct {
	h      fileHeader
	f      *os.File
	mm     mmap.MMap
	codec  codec.Codec
	closed atomic.Bool
}

func NewMMapReaderWithPath(path string) (*MmapReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("os.Open(%s): %w", path, err)
	}

	r, err := newMMapReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

func newMMapReader(f *os.File) (*MmapReader, error) {
	stats, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("f.Stat: %w", err)
	}
	if stats.Size() < fileHeaderSize {
		return nil, fmt.Errorf("data file too short: %d < %d", stats.Size(), fileHeaderSize)
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap.Map(%s): %w", f.Name(), err)
	}

	// lookups jump around the file; don't bother with readahead
	if err := unix.Madvise(m, unix.MADV_RANDOM); err != nil {
		_ = m.Unmap()
		return nil, fmt.Errorf("madvise: %w", err)
	}

	var header fileHeader
	if err := header.UnmarshalBytes(m); err != nil {
		_ = m.Unmap()
		return nil, fmt.Errorf("fileHeader.UnmarshalBytes: %w", err)
	}

	size := uint64(len(m))
	if header.indexStart < fileHeaderSize || header.indexStart > size {
		_ = m.Unmap()
		return nil, fmt.Errorf("%w: index start %d outside file of size %d", ErrCorrupted, header.indexStart, size)
	}
	if header.bloomStart > size || (header.bloomStart != 0 && header.bloomStart < header.indexStart) {
		_ = m.Unmap()
		return nil, fmt.Errorf("%w: bloom start %d outside [%d, %d]", ErrCorrupted, header.bloomStart, header.indexStart, size)
	}

	c, err := codec.New(header.codec)
	if err != nil {
		_ = m.Unmap()
		return nil, fmt.Errorf("codec.New: %w", err)
	}

	return &MmapReader{
		h:     header,
		f:     f,
		mm:    m,
		codec: c,
	}, nil
}

// Len returns the number of records in the file.
func (r *MmapReader) Len() int64 {
	return int64(r.h.recordCount)
}

func (r *MmapReader) FileID() uuid.UUID {
	return r.h.fileID
}

func (r *MmapReader) Codec() codec.Codec {
	return r.codec
}

// DataStart is the offset of the first record.
func (r *MmapReader) DataStart() int64 {
	return fileHeaderSize
}

// DataEnd is the offset just past the record section.
func (r *MmapReader) DataEnd() int64 {
	return int64(r.h.indexStart)
}

// Index returns index metadata and the index bytes (aliasing the mapping).
// Files that have been Finish'd but not yet indexed report zero lengths.
func (r *MmapReader) Index() (level0Count, level1Count uint64, indexBytes []byte) {
	end := uint64(len(r.mm))
	if r.h.bloomStart != 0 {
		end = r.h.bloomStart
	}
	return r.h.indexLevel0Count, r.h.indexLevel1Count, r.mm[r.h.indexStart:end]
}

// Bloom returns the serialized bloom filter, or nil if the file has none.
func (r *MmapReader) Bloom() []byte {
	if r.h.bloomStart == 0 {
		return nil
	}
	return r.mm[r.h.bloomStart:]
}

func readRecordHeader(header []byte) (expectedChecksum uint32, keyLen, valueLen int64) {
	_ = header[recordHeaderSize-1]

	expectedChecksum = binary.LittleEndian.Uint32(header[:4])
	keyLen = int64(binary.LittleEndian.Uint16(header[headerKeyLenOff : headerKeyLenOff+2]))
	valueLen = int64(binary.LittleEndian.Uint32(header[headerValueLenOff : headerValueLenOff+4]))
	return
}

// ReadAt returns the key and stored (still encoded) value of the record at
// off.  Use Decode to get at the original value.
func (r *MmapReader) ReadAt(off int64) (key, stored []byte, err error) {
	key, stored, _, err = r.readAt(off)
	return
}

func (r *MmapReader) readAt(off int64) (key, stored []byte, next int64, err error) {
	if r.closed.Load() {
		return nil, nil, 0, os.ErrClosed
	}
	// an offset of 0 is never valid -- offsets are absolute from the
	// start of the datafile, and datafiles _always_ have a 128-byte
	// header.  This doesn't indicate corruption -- if someone looks
	// up a non-existent key they could find a 0 in the index.
	if off == 0 {
		return nil, nil, 0, InvalidOffset
	}

	m := r.mm
	end := r.DataEnd()
	if off < fileHeaderSize || off+recordHeaderSize > end {
		return nil, nil, 0, fmt.Errorf("%w: off %d beyond bounds (%d)", ErrCorrupted, off, end)
	}
	header := m[off : off+recordHeaderSize]
	expectedChecksum, keyLen, valueLen := readRecordHeader(header)

	next = off + recordHeaderSize + keyLen + valueLen
	if next > end {
		return nil, nil, 0, fmt.Errorf("%w: off %d + keyLen %d + valueLen %d beyond bounds (%d)", ErrCorrupted, off, keyLen, valueLen, end)
	}
	key = m[off+recordHeaderSize : off+recordHeaderSize+keyLen]
	stored = m[off+recordHeaderSize+keyLen : next]
	checksum := uint32(farm.Hash64(stored))
	if expectedChecksum != checksum {
		return nil, nil, 0, fmt.Errorf("%w: off %d checksum failed (%d != %d)", ErrCorrupted, off, expectedChecksum, checksum)
	}
	return key, stored, next, nil
}

// Next reads the record at off and returns it along with the offset of the
// following record.
func (r *MmapReader) Next(off int64) (item IterItem, next int64, err error) {
	key, stored, next, err := r.readAt(off)
	if err != nil {
		return IterItem{}, 0, err
	}
	return IterItem{Key: key, Value: stored, Offset: off}, next, nil
}

// Decode turns a stored value into a freshly allocated copy of the original
// value, safe to use after Close.
func (r *MmapReader) Decode(stored []byte) ([]byte, error) {
	if r.codec.Type() == codec.None {
		return append([]byte{}, stored...), nil
	}
	return r.codec.Decode(stored)
}

// Close unmaps the file and closes the descriptor.  Safe to call multiple times.
func (r *MmapReader) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	err := r.mm.Unmap()
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (r *MmapReader) Iter() Iter {
	return &iter{r: r}
}

type IterItem struct {
	Key    []byte
	Value  []byte
	Offset int64
}

// Iter iterates over the records in a datafile in the order they were
// written.  Make sure to `defer it.Close()`.
type Iter interface {
	Close()
	Len() int64
	ReadAt(off int64) (key []byte, value []byte, err error)
	Next() (IterItem, bool)
	Err() error
}

type iter struct {
	r    *MmapReader
	off  int64
	seen int64
	err  error
}

// Close releases the iterator; the underlying reader stays open.
func (i *iter) Close() {
	i.r = nil
}

func (i *iter) Next() (IterItem, bool) {
	if i.r == nil || i.err != nil || i.seen >= i.r.Len() {
		return IterItem{}, false
	}
	if i.off == 0 {
		i.off = fileHeaderSize
	}

	item, next, err := i.r.Next(i.off)
	if err != nil {
		i.err = err
		return IterItem{}, false
	}
	i.off = next
	i.seen++

	return item, true
}

// Err returns the error, if any, that stopped iteration early.
func (i *iter) Err() error {
	return i.err
}

func (i *iter) Len() int64 {
	if i.r == nil {
		return 0
	}
	return i.r.Len()
}

func (i *iter) ReadAt(off int64) (key, value []byte, err error) {
	return i.r.ReadAt(off)
}
