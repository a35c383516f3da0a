// Copyright 2024 The cdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package cdb

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/bpowers/cdb/internal/codec"
	"github.com/bpowers/cdb/internal/unsafestring"
)

// Record is a single key/value pair.
type Record struct {
	Key   []byte
	Value []byte
}

// Lookup is the result of looking up one key; Found distinguishes an empty
// value from a missing key.
type Lookup struct {
	Value []byte
	Found bool
}

// cursor is a Reader's position in its scan.  off is the offset of the next
// record to read, with 0 meaning the first record.
type cursor struct {
	off       int64
	seen      int64
	exhausted bool
}

// Reader is a read-only session over a cdb file.  Multiple Readers may be
// open on the same file at once, but a single Reader is not safe for
// concurrent use.
type Reader struct {
	f            *File
	cur          cursor
	pendingReset bool
}

func NewReader(opts ...Option) *Reader {
	return &Reader{f: newFile(newOptions(opts))}
}

// OpenReader returns a Reader over the file at path.
func OpenReader(path string, opts ...Option) (*Reader, error) {
	r := NewReader(opts...)
	if err := r.Open(path); err != nil {
		return nil, err
	}
	return r, nil
}

// Open opens path for reading.  Opening an open Reader does nothing.
func (r *Reader) Open(path string) error {
	if r.f.IsOpen() {
		return nil
	}
	if err := r.f.Open(path, ModeRead, false); err != nil {
		return err
	}
	r.cur = cursor{}
	r.pendingReset = false
	return nil
}

// Close is idempotent.
func (r *Reader) Close() error {
	return r.f.Close()
}

// Get returns the value stored under key.  The returned slice is a copy and
// remains valid after Close.
func (r *Reader) Get(key []byte) (value []byte, found bool, err error) {
	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}
	return r.f.get(key)
}

func (r *Reader) GetString(key string) ([]byte, bool, error) {
	return r.Get(unsafestring.ToBytes(key))
}

// GetMulti looks up every key in keys.
func (r *Reader) GetMulti(keys [][]byte) (map[string]Lookup, error) {
	if len(keys) == 0 {
		return nil, ErrEmptyKey
	}
	if err := r.f.readable(); err != nil {
		return nil, err
	}
	result := make(map[string]Lookup, len(keys))
	for _, key := range keys {
		if len(key) == 0 {
			return nil, ErrEmptyKey
		}
		value, found, err := r.f.get(key)
		if err != nil {
			return nil, fmt.Errorf("get(%q): %w", key, err)
		}
		result[string(key)] = Lookup{Value: value, Found: found}
	}
	return result, nil
}

// Exists reports whether key is in the file, without decoding its value.
func (r *Reader) Exists(key []byte) (bool, error) {
	if len(key) == 0 {
		return false, ErrEmptyKey
	}
	return r.f.exists(key)
}

func (r *Reader) ExistsMulti(keys [][]byte) (map[string]bool, error) {
	if len(keys) == 0 {
		return nil, ErrEmptyKey
	}
	if err := r.f.readable(); err != nil {
		return nil, err
	}
	result := make(map[string]bool, len(keys))
	for _, key := range keys {
		if len(key) == 0 {
			return nil, ErrEmptyKey
		}
		ok, err := r.f.exists(key)
		if err != nil {
			return nil, fmt.Errorf("exists(%q): %w", key, err)
		}
		result[string(key)] = ok
	}
	return result, nil
}

// Reset makes the next call to NextBatch start over from the first record.
// The cursor itself is left alone until then.
func (r *Reader) Reset() {
	r.pendingReset = true
}

// NextBatch returns up to n records (all remaining records if n <= 0),
// advancing the cursor past them.  Records come back in the order they were
// written.  Once every record has been returned, NextBatch returns ok=false
// until Reset is called.  If reading fails the cursor doesn't move, so the
// same batch can be asked for again.
func (r *Reader) NextBatch(n int) (records []Record, ok bool, err error) {
	if err := r.f.readable(); err != nil {
		return nil, false, err
	}
	// work on a copy so a failed batch leaves the cursor where it was
	cur := r.cur
	if r.pendingReset {
		cur = cursor{}
	}
	if cur.exhausted {
		r.cur, r.pendingReset = cur, false
		return nil, false, nil
	}

	total := r.f.recordCount()
	for (n <= 0 || len(records) < n) && cur.seen < total {
		item, next, err := r.f.next(cur.off)
		if err != nil {
			return nil, false, fmt.Errorf("reading record %d: %w", cur.seen, err)
		}
		cur.off = next
		cur.seen++
		if len(item.Key) == 0 {
			continue
		}
		value, err := r.f.data.Decode(item.Value)
		if err != nil {
			return nil, false, fmt.Errorf("decode: %w", err)
		}
		records = append(records, Record{
			Key:   append([]byte{}, item.Key...),
			Value: value,
		})
	}
	if cur.seen >= total {
		cur.exhausted = true
	}
	r.cur, r.pendingReset = cur, false

	if len(records) == 0 {
		return nil, false, nil
	}
	return records, true, nil
}

// Len returns the number of records in the file.
func (r *Reader) Len() int64 {
	return r.f.recordCount()
}

// FileID returns the random identifier assigned to the file when it was built.
func (r *Reader) FileID() uuid.UUID {
	return r.f.fileID()
}

// Codec returns the codec values in the file are stored with.
func (r *Reader) Codec() Codec {
	if r.f.data == nil {
		return codec.None
	}
	return r.f.data.Codec().Type()
}

// Read opens the file at path, looks up keys, and closes it again.
func Read(keys [][]byte, path string, opts ...Option) (result map[string]Lookup, err error) {
	r, err := OpenReader(path, opts...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := r.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("r.Close: %w", cerr)
		}
	}()
	return r.GetMulti(keys)
}
