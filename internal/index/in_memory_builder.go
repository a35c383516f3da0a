// Copyright 2024 The cdb Authors and Caleb Spare. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package index

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/willf/bitset"

	"github.com/bpowers/cdb/internal/datafile"
)

type memBucket struct {
	n      int64
	values []uint32
}

// bySize is used to sort our buckets from most full to least full
type bySize []memBucket

func (s bySize) Len() int           { return len(s) }
func (s bySize) Less(i, j int) bool { return len(s[i].values) > len(s[j].values) }
func (s bySize) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// inMemoryBuilder holds a finished hash table before it is serialized.
type inMemoryBuilder struct {
	level0 []uint32 // power of 2 size
	level1 []uint64 // power of 2 size >= len(keys)
}

func buildInMemory(w io.Writer, it datafile.Iter, logger *slog.Logger) (Built, error) {
	t, err := newInMemoryBuilder(it, logger)
	if err != nil {
		return Built{}, err
	}
	return t.Write(w)
}

func newInMemoryBuilder(it datafile.Iter, logger *slog.Logger) (*inMemoryBuilder, error) {
	entryLen := it.Len()
	level0Len, level1Len, err := tableSizes(entryLen)
	if err != nil {
		return nil, err
	}

	var (
		level0Mask = uint64(level0Len - 1)
		level1Mask = uint64(level1Len - 1)
	)

	var (
		offsets       = make([]int64, 0, entryLen)
		level0        = make([]uint32, level0Len)
		level1        = make([]uint64, level1Len)
		sparseBuckets = make([][]uint32, level0Len)
	)

	logger.Debug("building sparse buckets", "entries", entryLen)

	for e, ok := it.Next(); ok; e, ok = it.Next() {
		if int64(len(offsets)) >= entryLen {
			return nil, fmt.Errorf("iterator yielded more than the %d records it promised", entryLen)
		}
		n := level0Hash(e.Key) & level0Mask
		sparseBuckets[n] = append(sparseBuckets[n], uint32(len(offsets)))
		offsets = append(offsets, e.Offset)
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("iterating records: %w", err)
	}

	var buckets []memBucket
	for n, vals := range sparseBuckets {
		if len(vals) > 0 {
			buckets = append(buckets, memBucket{n: int64(n), values: vals})
		}
	}
	sort.Sort(bySize(buckets))

	logger.Debug("placing buckets", "buckets", len(buckets))

	occ := bitset.New(uint(level1Len))
	var tmpOcc []uint64
	var keys [][]byte
	for j, bucket := range buckets {
		if j > 0 && j%1000000 == 0 {
			logger.Debug("placing buckets", "at", j)
		}
		keys, err = readBucketKeys(it, keys, func(i int) (int64, error) {
			return offsets[bucket.values[i]], nil
		}, len(bucket.values))
		if err != nil {
			return nil, err
		}

		seed := uint32(1)
	trySeed:
		if seed == maxUint32 {
			return nil, errors.New("couldn't find 32-bit seed")
		}
		tmpOcc = tmpOcc[:0]
		for i, key := range keys {
			n := level1Hash(key, seed) & level1Mask
			if occ.Test(uint(n)) {
				for _, n := range tmpOcc {
					occ.Clear(uint(n))
					level1[n] = 0
				}
				seed++
				goto trySeed
			}
			tmpOcc = append(tmpOcc, n)
			occ.Set(uint(n))
			level1[n] = uint64(offsets[bucket.values[i]])
		}
		level0[bucket.n] = seed
	}

	return &inMemoryBuilder{
		level0: level0,
		level1: level1,
	}, nil
}

// Write writes the table out to w.
func (t *inMemoryBuilder) Write(w io.Writer) (Built, error) {
	bw := bufio.NewWriterSize(w, 4*1024*1024)

	// offsets first, which have stricter alignment requirements
	var buf [8]byte
	for _, off := range t.level1 {
		binary.LittleEndian.PutUint64(buf[:], off)
		if _, err := bw.Write(buf[:]); err != nil {
			return Built{}, fmt.Errorf("bw.Write: %w", err)
		}
	}
	for _, seed := range t.level0 {
		binary.LittleEndian.PutUint32(buf[:4], seed)
		if _, err := bw.Write(buf[:4]); err != nil {
			return Built{}, fmt.Errorf("bw.Write: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return Built{}, fmt.Errorf("bw.Flush: %w", err)
	}

	return Built{
		Level0Len: uint64(len(t.level0)),
		Level1Len: uint64(len(t.level1)),
	}, nil
}
