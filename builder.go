// Copyright 2024 The cdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package cdb

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spaolacci/murmur3"
	"github.com/willf/bloom"

	"github.com/bpowers/cdb/internal/codec"
	"github.com/bpowers/cdb/internal/datafile"
	"github.com/bpowers/cdb/internal/index"
)

// builder writes records into a temporary file next to resultPath and, on
// finalize, appends the index and bloom filter before renaming the file
// into place.
type builder struct {
	resultPath string
	dataFile   *os.File
	dioWriter  *datafile.Writer
	// murmur3 fingerprint of each key -> offsets of records with that fingerprint
	fingerprints map[uint64][]uint64
	opts         *options
}

// files being built live next to their destination as <name>.<random>.build
const buildSuffixGlob = ".*.build"

func buildPattern(path string) string {
	return filepath.Base(path) + buildSuffixGlob
}

func newBuilder(dataFilePath string, opts *options) (*builder, error) {
	c, err := codec.New(opts.codec)
	if err != nil {
		return nil, fmt.Errorf("codec.New: %w", err)
	}
	// we want to write to a new file and do an atomic rename when we're done on disk
	dataFilePath, err = filepath.Abs(dataFilePath)
	if err != nil {
		return nil, fmt.Errorf("filepath.Abs: %w", err)
	}
	dir := filepath.Dir(dataFilePath)
	dataFile, err := os.CreateTemp(dir, buildPattern(dataFilePath))
	if err != nil {
		return nil, fmt.Errorf("CreateTemp failed (may need permissions for dir %q containing dataFile): %w", dir, err)
	}
	w, err := datafile.NewWriter(dataFile, c)
	if err != nil {
		_ = dataFile.Close()
		_ = os.Remove(dataFile.Name())
		return nil, fmt.Errorf("datafile.NewWriter: %w", err)
	}
	return &builder{
		resultPath:   dataFilePath,
		dataFile:     dataFile,
		dioWriter:    w,
		fingerprints: make(map[uint64][]uint64),
		opts:         opts,
	}, nil
}

// contains reports whether a record with key k has already been written.
func (b *builder) contains(k []byte, fp uint64) (bool, error) {
	for _, off := range b.fingerprints[fp] {
		existing, err := b.dioWriter.KeyAt(off)
		if err != nil {
			return false, fmt.Errorf("dioWriter.KeyAt: %w", err)
		}
		if bytes.Equal(existing, k) {
			return true, nil
		}
	}
	return false, nil
}

// Put adds a key/value pair to the file.  A key that was already put is
// left alone and reported as not stored.
func (b *builder) Put(k, v []byte) (stored bool, err error) {
	fp := murmur3.Sum64(k)
	if dup, err := b.contains(k, fp); err != nil {
		return false, err
	} else if dup {
		return false, nil
	}
	off, err := b.dioWriter.Write(k, v)
	if err != nil {
		return false, err
	}
	b.fingerprints[fp] = append(b.fingerprints[fp], off)
	return true, nil
}

// Abort throws away everything written so far.
func (b *builder) Abort() error {
	if b.dataFile == nil {
		return nil
	}
	err := b.dataFile.Close()
	if rerr := os.Remove(b.dataFile.Name()); rerr != nil && !errors.Is(rerr, os.ErrNotExist) && err == nil {
		err = rerr
	}
	b.dataFile = nil
	b.fingerprints = nil
	return err
}

// Finalize flushes the records to disk, builds an index and bloom filter to
// efficiently randomly access entries, and renames the result into place.
// On failure the temporary file is removed and resultPath is untouched.
func (b *builder) Finalize() (err error) {
	start := time.Now()
	defer func() {
		b.opts.metrics.ObserveOperation("build", start, err)
		if err != nil {
			_ = b.Abort()
		}
	}()

	// we're done with this -- nil it so it can be GC'd earlier
	b.fingerprints = nil

	if err := b.dioWriter.Finish(); err != nil {
		return fmt.Errorf("dioWriter.Finish: %w", err)
	}

	if err := appendIndexFor(b.dataFile, b.dioWriter, b.opts); err != nil {
		return fmt.Errorf("appendIndexFor: %w", err)
	}

	if err := b.dataFile.Sync(); err != nil {
		return fmt.Errorf("f.Sync: %w", err)
	}
	// make the file read-only
	if err := os.Chmod(b.dataFile.Name(), 0444); err != nil {
		return fmt.Errorf("os.Chmod(0444): %w", err)
	}
	if err := os.Rename(b.dataFile.Name(), b.resultPath); err != nil {
		return fmt.Errorf("os.Rename: %w", err)
	}
	_ = b.dataFile.Close()
	b.dataFile = nil

	b.opts.metrics.AddBuilt(b.dioWriter.Len())
	b.opts.logger.Debug("finished cdb file", "path", b.resultPath, "records", b.dioWriter.Len(), "elapsed", time.Since(start))

	return nil
}

func appendIndexFor(f *os.File, dioWriter *datafile.Writer, opts *options) error {
	dataPath := f.Name()
	r, err := datafile.NewMMapReaderWithPath(dataPath)
	if err != nil {
		return fmt.Errorf("datafile.NewMMapReaderWithPath(%s): %w", dataPath, err)
	}
	defer func() { _ = r.Close() }()

	it := r.Iter()
	defer it.Close()
	built, err := index.Build(f, it, index.Config{
		BuildType: opts.buildType,
		TempDir:   filepath.Dir(dataPath),
		Logger:    opts.logger,
	})
	if err != nil {
		return fmt.Errorf("index.Build: %w", err)
	}
	if err := dioWriter.SetIndexMetadata(built.Level0Len, built.Level1Len); err != nil {
		return fmt.Errorf("dioWriter.SetIndexMetadata: %w", err)
	}

	bloomStart := dioWriter.Offset() + uint64(built.Size())
	if err := appendBloomFor(f, r, opts.bloomFPRate, opts.logger); err != nil {
		return fmt.Errorf("appendBloomFor: %w", err)
	}
	if err := dioWriter.SetBloomStart(bloomStart); err != nil {
		return fmt.Errorf("dioWriter.SetBloomStart: %w", err)
	}

	return nil
}

func appendBloomFor(f *os.File, r *datafile.MmapReader, fpRate float64, logger *slog.Logger) error {
	n := uint(r.Len())
	if n == 0 {
		n = 1
	}
	filter := bloom.NewWithEstimates(n, fpRate)

	it := r.Iter()
	defer it.Close()
	for e, ok := it.Next(); ok; e, ok = it.Next() {
		filter.Add(e.Key)
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("iterating records: %w", err)
	}

	written, err := filter.WriteTo(f)
	if err != nil {
		return fmt.Errorf("filter.WriteTo: %w", err)
	}
	logger.Debug("wrote bloom filter", "bytes", written, "bits", filter.Cap(), "hashes", filter.K())
	return nil
}
