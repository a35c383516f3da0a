// Copyright 2024 The cdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package cdb

import (
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/bpowers/cdb/internal/unsafestring"
)

// SetResult tallies a bulk insert.  Failed maps each key that was not
// stored to the reason why.
type SetResult struct {
	Stored int
	Failed map[string]error
}

// Err combines the per-key failures into a single error, or returns nil if
// every key was stored.
func (r SetResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	keys := make([]string, 0, len(r.Failed))
	for k := range r.Failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var result *multierror.Error
	for _, k := range keys {
		result = multierror.Append(result, fmt.Errorf("key %q: %w", k, r.Failed[k]))
	}
	return result.ErrorOrNil()
}

// Writer builds a cdb file.  Records are visible to readers only after
// Close, which atomically replaces whatever was at the path before.
type Writer struct {
	f *File
}

func NewWriter(opts ...Option) *Writer {
	return &Writer{f: newFile(newOptions(opts))}
}

// OpenWriter returns a Writer building the file at path.
func OpenWriter(path string, removeOld bool, opts ...Option) (*Writer, error) {
	w := NewWriter(opts...)
	if err := w.Open(path, removeOld); err != nil {
		return nil, err
	}
	return w, nil
}

// Open starts building path.  With removeOld, any existing file at path is
// deleted first; otherwise it stays readable until Close replaces it.  When
// the Writer was created WithAppend, the existing records are carried over
// unless removeOld is set.
// Opening an open Writer does nothing.
func (w *Writer) Open(path string, removeOld bool) error {
	mode := ModeCreate
	if w.f.opts.appendMode {
		mode = ModeAppend
	}
	return w.f.Open(path, mode, removeOld)
}

// Close finishes the file and moves it into place.  Close is idempotent.
func (w *Writer) Close() error {
	return w.f.Close()
}

// Discard abandons the file being built, leaving anything already at the
// path untouched.
func (w *Writer) Discard() error {
	return w.f.Discard()
}

// Len returns the number of records stored so far.
func (w *Writer) Len() int64 {
	return w.f.recordCount()
}

// Set stores value under key.  If key was already stored, Set returns false
// and leaves the existing value alone.
func (w *Writer) Set(key, value []byte) (stored bool, err error) {
	if len(key) == 0 {
		return false, ErrEmptyKey
	}
	return w.f.put(key, value)
}

func (w *Writer) SetString(key string, value []byte) (bool, error) {
	return w.Set(unsafestring.ToBytes(key), value)
}

// SetRecords attempts to store every record, in order.  It only returns an
// error if records is empty, the Writer isn't open, or nothing at all could
// be stored; otherwise individual failures are reported in the result.
func (w *Writer) SetRecords(records []Record) (SetResult, error) {
	if len(records) == 0 {
		return SetResult{}, ErrEmptyKey
	}
	if err := w.f.writable(); err != nil {
		return SetResult{}, err
	}

	var result SetResult
	fail := func(key []byte, err error) {
		if result.Failed == nil {
			result.Failed = make(map[string]error)
		}
		result.Failed[string(key)] = err
	}
	for _, rec := range records {
		stored, err := w.Set(rec.Key, rec.Value)
		switch {
		case err != nil:
			fail(rec.Key, err)
		case !stored:
			fail(rec.Key, ErrDuplicateKey)
		default:
			result.Stored++
		}
	}

	if result.Stored == 0 {
		return result, fmt.Errorf("%w: %w", ErrNothingStored, result.Err())
	}
	return result, nil
}

// SetMulti stores every entry of kvs, in sorted key order.
func (w *Writer) SetMulti(kvs map[string][]byte) (SetResult, error) {
	if len(kvs) == 0 {
		return SetResult{}, ErrEmptyKey
	}
	keys := make([]string, 0, len(kvs))
	for k := range kvs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	records := make([]Record, 0, len(keys))
	for _, k := range keys {
		records = append(records, Record{Key: []byte(k), Value: kvs[k]})
	}
	return w.SetRecords(records)
}

// SetPairs stores values[i] under keys[i].
func (w *Writer) SetPairs(keys, values [][]byte) (SetResult, error) {
	if len(keys) == 0 {
		return SetResult{}, ErrEmptyKey
	}
	if len(keys) != len(values) {
		return SetResult{}, fmt.Errorf("%w: %d keys, %d values", ErrLengthMismatch, len(keys), len(values))
	}
	records := make([]Record, len(keys))
	for i := range keys {
		records[i] = Record{Key: keys[i], Value: values[i]}
	}
	return w.SetRecords(records)
}

// Write builds a fresh file holding kvs and moves it over whatever was at
// path.  Nothing at path changes unless the whole write succeeds.
func Write(kvs map[string][]byte, path string, opts ...Option) (result SetResult, err error) {
	if len(kvs) == 0 {
		return SetResult{}, ErrEmptyKey
	}
	w, err := OpenWriter(path, false, opts...)
	if err != nil {
		return SetResult{}, err
	}
	result, err = w.SetMulti(kvs)
	if err != nil {
		_ = w.Discard()
		return result, err
	}
	if err := w.Close(); err != nil {
		return result, fmt.Errorf("w.Close: %w", err)
	}
	return result, nil
}
