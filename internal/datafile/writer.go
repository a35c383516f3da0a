// Copyright 2024 The cdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/dgryski/go-farm"
	"github.com/google/uuid"

	"github.com/bpowers/cdb/internal/codec"
)

const (
	defaultBufferSize = 4 * 1024 * 1024
	recordHeaderSize  = 4 + 2 + 4 // 32-bit checksum of the value + 16-bit key length + 32-bit value length

	maxOffset   = (1 << 62) - 1
	MaxKeyLen   = (1 << 16) - 1
	MaxValueLen = (1 << 32) - 1

	headerKeyLenOff   = 4
	headerValueLenOff = 6

	// the index is made of u64s and u32s; keep it naturally aligned
	indexAlignment = 8
)

var (
	InvalidOffset    = errors.New("invalid offset")
	ErrEmptyKey      = errors.New("empty key not supported")
	ErrKeyTooLarge   = errors.New("key too large")
	ErrValueTooLarge = errors.New("value too large")
)

type nopWriter struct{}

func (nopWriter) Write([]byte) (int, error) {
	return 0, io.EOF
}

// FileWriter is usually an *os.File, but specified as an interface for easier testing.
// Reads are needed to compare keys against records that were already written.
type FileWriter interface {
	io.Writer
	io.WriterAt
	io.ReaderAt
}

type Writer struct {
	f        FileWriter
	h        *fileHeader
	w        *bufio.Writer
	codec    codec.Codec
	off      uint64
	count    uint64
	finished atomic.Bool
}

func NewWriter(f FileWriter, c codec.Codec) (*Writer, error) {
	h, err := newFileHeader(c.Type())
	if err != nil {
		return nil, fmt.Errorf("newFileHeader: %w", err)
	}
	w := &Writer{
		f:     f,
		h:     h,
		w:     bufio.NewWriterSize(f, defaultBufferSize),
		codec: c,
	}

	if headerLen, err := w.h.WriteTo(w.w); err != nil {
		return nil, fmt.Errorf("fileHeader.WriteTo: %w", err)
	} else {
		w.off = uint64(headerLen)
	}

	// try to expose errors when writing to the backing file early
	if err := w.w.Flush(); err != nil {
		return nil, fmt.Errorf("flush: %w", err)
	}

	return w, nil
}

// FileID is the random identifier stamped into this file's header.
func (w *Writer) FileID() uuid.UUID {
	return w.h.fileID
}

// Len returns the number of records written so far.
func (w *Writer) Len() int64 {
	return int64(w.count)
}

// Offset returns the offset the next record will be written at, or after
// Finish the (aligned) end of the record section.
func (w *Writer) Offset() uint64 {
	return w.off
}

func (w *Writer) SetIndexMetadata(level0Len, level1Len uint64) error {
	if err := w.h.UpdateIndex(w.off, level0Len, level1Len, w.f); err != nil {
		return fmt.Errorf("h.UpdateIndex: %w", err)
	}

	return nil
}

func (w *Writer) SetBloomStart(off uint64) error {
	if err := w.h.UpdateBloom(off, w.f); err != nil {
		return fmt.Errorf("h.UpdateBloom: %w", err)
	}

	return nil
}

func checkRecord(key []byte, storedLen int) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if len(key) > MaxKeyLen {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrKeyTooLarge, len(key), MaxKeyLen)
	}
	if uint64(storedLen) > MaxValueLen {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrValueTooLarge, storedLen, uint64(MaxValueLen))
	}
	return nil
}

func (w *Writer) writeRecordHeader(key, stored []byte) (int, error) {
	var header [recordHeaderSize]byte

	checksum := uint32(farm.Hash64(stored))
	binary.LittleEndian.PutUint32(header[:4], checksum)
	binary.LittleEndian.PutUint16(header[headerKeyLenOff:headerKeyLenOff+2], uint16(len(key)))
	binary.LittleEndian.PutUint32(header[headerValueLenOff:headerValueLenOff+4], uint32(len(stored)))

	return w.w.Write(header[:])
}

// Write encodes value with the file's codec and appends the record, returning
// the absolute offset of the record within the file.
func (w *Writer) Write(key, value []byte) (off uint64, err error) {
	if w.finished.Load() {
		return 0, errors.New("write after Finish")
	}
	off = w.off
	if off == 0 {
		return 0, errors.New("invariant broken: always expect *Writer.off to be > 0")
	}
	if off > maxOffset {
		return 0, errors.New("data file has grown too large")
	}

	stored, err := w.codec.Encode(value)
	if err != nil {
		return 0, fmt.Errorf("codec %s: %w", w.codec.Type(), err)
	}
	if err := checkRecord(key, len(stored)); err != nil {
		return 0, err
	}

	headerWritten, err := w.writeRecordHeader(key, stored)
	if err != nil {
		return 0, fmt.Errorf("bufio.Write 1: %w", err)
	}
	keyWritten, err := w.w.Write(key)
	if err != nil {
		return 0, fmt.Errorf("bufio.Write 2: %w", err)
	}
	valueWritten, err := w.w.Write(stored)
	if err != nil {
		return 0, fmt.Errorf("bufio.Write 3: %w", err)
	}

	recordLen := uint64(headerWritten + keyWritten + valueWritten)
	w.off += recordLen
	w.count += 1

	return off, nil
}

// KeyAt returns a copy of the key of the record previously written at off.
func (w *Writer) KeyAt(off uint64) ([]byte, error) {
	if off < fileHeaderSize || off >= w.off {
		return nil, InvalidOffset
	}
	if w.w != nil && w.w.Buffered() > 0 {
		if err := w.w.Flush(); err != nil {
			return nil, fmt.Errorf("bufio.Flush: %w", err)
		}
	}

	var header [recordHeaderSize]byte
	if _, err := w.f.ReadAt(header[:], int64(off)); err != nil {
		return nil, fmt.Errorf("f.ReadAt(%d): %w", off, err)
	}
	_, keyLen, _ := readRecordHeader(header[:])
	key := make([]byte, keyLen)
	if _, err := w.f.ReadAt(key, int64(off)+recordHeaderSize); err != nil {
		return nil, fmt.Errorf("f.ReadAt(%d): %w", off+recordHeaderSize, err)
	}
	return key, nil
}

// Finish flushes all buffered records and records the final record count in
// the header.  The index and bloom filter are appended by the caller
// afterwards, starting at Offset().
func (w *Writer) Finish() error {
	if alreadyFinished := w.finished.Swap(true); alreadyFinished {
		// nothing to do - already cleaned up
		return nil
	}

	defer func() {
		w.w.Reset(nopWriter{})
		w.w = nil
	}()

	if pad := w.off % indexAlignment; pad != 0 {
		var zeroes [indexAlignment]byte
		n, err := w.w.Write(zeroes[:indexAlignment-pad])
		if err != nil {
			return fmt.Errorf("bufio.Write: %w", err)
		}
		w.off += uint64(n)
	}

	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("bufio.Flush: %w", err)
	}

	if err := w.h.UpdateRecordCount(w.count, w.f); err != nil {
		return err
	}
	// mark where records end even before the index exists, so the file can
	// be iterated to build the index
	return w.h.UpdateIndex(w.off, 0, 0, w.f)
}
