// Copyright 2024 The cdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package cdb

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/willf/bloom"

	"github.com/bpowers/cdb/internal/datafile"
	"github.com/bpowers/cdb/internal/index"
)

// Mode is how a File is opened.
type Mode int

const (
	// ModeRead opens an existing file for lookups and scans.
	ModeRead Mode = iota
	// ModeCreate builds a new file.  Any existing file at the path is
	// replaced when the File is closed (or removed up front, if truncate is
	// requested).
	ModeCreate
	// ModeAppend builds a new file seeded with the records of an existing
	// one, replacing it when the File is closed.
	ModeAppend
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeCreate:
		return "create"
	case ModeAppend:
		return "append"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

type fileState int

const (
	stateClosed fileState = iota
	stateOpen
)

// File is an on-disk cdb file: a header, the records, a minimal perfect hash
// index and a bloom filter.  Files are immutable once written; a File opened
// for writing builds a replacement and swaps it in on Close.
//
// A File is not safe for concurrent use.
type File struct {
	path  string
	mode  Mode
	state fileState
	opts  options

	// read side
	data  *datafile.MmapReader
	idx   *index.Table
	bloom *bloom.BloomFilter

	// write side
	b *builder
}

func newFile(opts options) *File {
	return &File{opts: opts}
}

// OpenFile opens path in the given mode.
func OpenFile(path string, mode Mode, truncate bool, opts ...Option) (*File, error) {
	f := newFile(newOptions(opts))
	if err := f.Open(path, mode, truncate); err != nil {
		return nil, err
	}
	return f, nil
}

// Open opens path.  Opening a File that is already open does nothing.
func (f *File) Open(path string, mode Mode, truncate bool) error {
	if f.state == stateOpen {
		return nil
	}
	if path == "" {
		return ErrBlankFileName
	}

	var err error
	switch mode {
	case ModeRead:
		err = f.openRead(path)
	case ModeCreate:
		err = f.openCreate(path, truncate)
	case ModeAppend:
		// with truncate there is nothing left to append to
		if truncate {
			err = f.openCreate(path, true)
		} else {
			err = f.openAppend(path)
		}
	default:
		err = fmt.Errorf("unknown mode %s", mode)
	}
	if err != nil {
		return err
	}

	f.path = path
	f.mode = mode
	f.state = stateOpen
	return nil
}

func checkExists(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return fmt.Errorf("%w: %s: %w", ErrOpenFailure, path, err)
	}
	return nil
}

func (f *File) openRead(path string) error {
	if err := checkExists(path); err != nil {
		return err
	}

	r, err := datafile.NewMMapReaderWithPath(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrOpenFailure, path, err)
	}

	level0Len, level1Len, indexBytes := r.Index()
	idx, err := index.NewTable(level0Len, level1Len, indexBytes)
	if err != nil {
		_ = r.Close()
		return fmt.Errorf("%w: %s: index.NewTable: %w", ErrOpenFailure, path, err)
	}

	var filter *bloom.BloomFilter
	if bloomBytes := r.Bloom(); bloomBytes != nil {
		filter = &bloom.BloomFilter{}
		if _, err := filter.ReadFrom(bytes.NewReader(bloomBytes)); err != nil {
			_ = r.Close()
			return fmt.Errorf("%w: %s: bloom.ReadFrom: %w", ErrOpenFailure, path, err)
		}
	}

	f.data = r
	f.idx = idx
	f.bloom = filter
	return nil
}

func (f *File) openCreate(path string, truncate bool) error {
	if truncate {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s: os.Remove: %w", ErrOpenFailure, path, err)
		}
	}
	b, err := newBuilder(path, &f.opts)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrOpenFailure, path, err)
	}
	f.b = b
	return nil
}

func (f *File) openAppend(path string) error {
	existing := newFile(f.opts)
	if err := existing.openRead(path); err != nil {
		return err
	}
	defer func() { _ = existing.closeRead() }()

	b, err := newBuilder(path, &f.opts)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrOpenFailure, path, err)
	}

	it := existing.data.Iter()
	defer it.Close()
	for e, ok := it.Next(); ok; e, ok = it.Next() {
		value, err := existing.data.Decode(e.Value)
		if err == nil {
			_, err = b.Put(e.Key, value)
		}
		if err != nil {
			_ = b.Abort()
			return fmt.Errorf("%w: %s: copying existing records: %w", ErrOpenFailure, path, err)
		}
	}
	if err := it.Err(); err != nil {
		_ = b.Abort()
		return fmt.Errorf("%w: %s: %w", ErrOpenFailure, path, err)
	}

	f.opts.logger.Debug("appending to existing cdb file", "path", path, "records", existing.data.Len())
	f.b = b
	return nil
}

// IsOpen reports whether the File is open.
func (f *File) IsOpen() bool {
	return f.state == stateOpen
}

func (f *File) Path() string {
	return f.path
}

func (f *File) Mode() Mode {
	return f.mode
}

// Close releases the file.  For files opened for writing this builds the
// index and atomically moves the finished file into place.  Closing a
// closed File does nothing.
func (f *File) Close() error {
	if f.state == stateClosed {
		return nil
	}
	f.state = stateClosed

	if f.b != nil {
		b := f.b
		f.b = nil
		return b.Finalize()
	}
	return f.closeRead()
}

// Discard closes a File opened for writing without committing anything it
// was given.  For read-only files it is the same as Close.
func (f *File) Discard() error {
	if f.state == stateClosed {
		return nil
	}
	f.state = stateClosed

	if f.b != nil {
		b := f.b
		f.b = nil
		return b.Abort()
	}
	return f.closeRead()
}

func (f *File) closeRead() error {
	if f.data == nil {
		return nil
	}
	err := f.data.Close()
	f.data = nil
	f.idx = nil
	f.bloom = nil
	return err
}

func (f *File) readable() error {
	if f.state != stateOpen || f.data == nil {
		return ErrNoOpenFile
	}
	return nil
}

func (f *File) writable() error {
	if f.state != stateOpen || f.b == nil {
		return ErrNoOpenFile
	}
	return nil
}

// put appends a record to a file opened for writing.
func (f *File) put(key, value []byte) (bool, error) {
	if err := f.writable(); err != nil {
		return false, err
	}
	return f.b.Put(key, value)
}

// lookup returns the stored (still encoded) value for key.
func (f *File) lookup(key []byte) (stored []byte, found bool, err error) {
	if err := f.readable(); err != nil {
		return nil, false, err
	}
	off := f.idx.MaybeLookup(key)
	if off == 0 {
		return nil, false, nil
	}
	k, stored, err := f.data.ReadAt(off)
	if err != nil {
		return nil, false, fmt.Errorf("data.ReadAt(%d): %w", off, err)
	}
	if !bytes.Equal(k, key) {
		// this is expected: keys that aren't in the file still hash to
		// some record
		return nil, false, nil
	}
	return stored, true, nil
}

// get returns a copy of the value for key, safe to use after Close.
func (f *File) get(key []byte) ([]byte, bool, error) {
	stored, found, err := f.lookup(key)
	if err != nil || !found {
		return nil, found, err
	}
	value, err := f.data.Decode(stored)
	if err != nil {
		return nil, false, fmt.Errorf("decode: %w", err)
	}
	return value, true, nil
}

func (f *File) exists(key []byte) (bool, error) {
	if err := f.readable(); err != nil {
		return false, err
	}
	if f.bloom != nil && !f.bloom.Test(key) {
		return false, nil
	}
	_, found, err := f.lookup(key)
	return found, err
}

// next reads the record at off (or the first record, if off is 0) and
// returns the offset of the record after it.
func (f *File) next(off int64) (datafile.IterItem, int64, error) {
	if err := f.readable(); err != nil {
		return datafile.IterItem{}, 0, err
	}
	if off == 0 {
		off = f.data.DataStart()
	}
	return f.data.Next(off)
}

func (f *File) recordCount() int64 {
	if f.data != nil {
		return f.data.Len()
	}
	if f.b != nil {
		return f.b.dioWriter.Len()
	}
	return 0
}

func (f *File) fileID() uuid.UUID {
	if f.data != nil {
		return f.data.FileID()
	}
	if f.b != nil {
		return f.b.dioWriter.FileID()
	}
	return uuid.Nil
}
