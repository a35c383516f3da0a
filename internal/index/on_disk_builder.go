// Copyright 2024 The cdb Authors and Caleb Spare. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package index

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/willf/bitset"

	"github.com/bpowers/cdb/internal/datafile"
	"github.com/bpowers/cdb/internal/ondisk"
)

// createUnlinkedTempFile returns a scratch file that is already removed from
// the file system; it goes away when closed.
func createUnlinkedTempFile(dir, pattern string) (*os.File, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("os.CreateTemp: %w", err)
	}
	if err := os.Remove(f.Name()); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("os.Remove: %w", err)
	}
	return f, nil
}

// buildOnDisk is the same algorithm as buildInMemory, with the offsets,
// buckets and output tables living in temporary files.
func buildOnDisk(w io.Writer, it datafile.Iter, dir string, logger *slog.Logger) (Built, error) {
	entryLen := it.Len()
	level0Len, level1Len, err := tableSizes(entryLen)
	if err != nil {
		return Built{}, err
	}

	var (
		level0Mask = uint64(level0Len - 1)
		level1Mask = uint64(level1Len - 1)
	)

	var files []*os.File
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()
	newScratch := func(pattern string) (*os.File, error) {
		f, err := createUnlinkedTempFile(dir, pattern)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
		return f, nil
	}

	offsetsFile, err := newScratch("cdb-index-offsets.*.tmp")
	if err != nil {
		return Built{}, err
	}
	bucketsFile, err := newScratch("cdb-index-buckets.*.tmp")
	if err != nil {
		return Built{}, err
	}
	tablesFile, err := newScratch("cdb-index-tables.*.tmp")
	if err != nil {
		return Built{}, err
	}

	if err := offsetsFile.Truncate(entryLen * 8); err != nil {
		return Built{}, fmt.Errorf("offsets.Truncate: %w", err)
	}
	built := Built{Level0Len: uint64(level0Len), Level1Len: uint64(level1Len)}
	if err := tablesFile.Truncate(built.Size()); err != nil {
		return Built{}, fmt.Errorf("tables.Truncate: %w", err)
	}

	var (
		offsets = ondisk.NewUint64Array(offsetsFile, entryLen, 0)
		level1  = ondisk.NewUint64Array(tablesFile, level1Len, 0)
		level0  = ondisk.NewUint32Array(tablesFile, level0Len, level1Len*8)
	)
	buckets, err := ondisk.NewBucketSlice(bucketsFile, level0Len)
	if err != nil {
		return Built{}, fmt.Errorf("ondisk.NewBucketSlice: %w", err)
	}

	logger.Debug("building sparse buckets on disk", "entries", entryLen)

	var i int64
	for e, ok := it.Next(); ok; e, ok = it.Next() {
		if i >= entryLen {
			return Built{}, fmt.Errorf("iterator yielded more than the %d records it promised", entryLen)
		}
		n := level0Hash(e.Key) & level0Mask
		if err := buckets.AddToBucket(int64(n), uint32(i)); err != nil {
			return Built{}, fmt.Errorf("buckets.AddToBucket: %w", err)
		}
		if err := offsets.Set(i, uint64(e.Offset)); err != nil {
			return Built{}, fmt.Errorf("offsets.Set: %w", err)
		}
		i++
	}
	if err := it.Err(); err != nil {
		return Built{}, fmt.Errorf("iterating records: %w", err)
	}

	// Less and Swap panic on I/O errors; surface those as an error here
	if err := sortBuckets(buckets); err != nil {
		return Built{}, err
	}

	logger.Debug("placing buckets", "buckets", level0Len, "bucketCap", buckets.Cap())

	occ := bitset.New(uint(level1Len))
	var tmpOcc []uint64
	var keys [][]byte
	var bucketOffsets []int64
	for j := int64(0); j < level0Len; j++ {
		bucket, err := buckets.Bucket(j)
		if err != nil {
			return Built{}, fmt.Errorf("buckets.Bucket(%d): %w", j, err)
		}
		// sorted by size, so the rest are empty
		if len(bucket.Values) == 0 {
			break
		}
		if j > 0 && j%1000000 == 0 {
			logger.Debug("placing buckets", "at", j)
		}

		bucketOffsets = bucketOffsets[:0]
		for _, v := range bucket.Values {
			off, err := offsets.Get(int64(v))
			if err != nil {
				return Built{}, fmt.Errorf("offsets.Get: %w", err)
			}
			bucketOffsets = append(bucketOffsets, int64(off))
		}
		keys, err = readBucketKeys(it, keys, func(i int) (int64, error) {
			return bucketOffsets[i], nil
		}, len(bucketOffsets))
		if err != nil {
			return Built{}, err
		}

		seed := uint32(1)
	trySeed:
		if seed == maxUint32 {
			return Built{}, errors.New("couldn't find 32-bit seed")
		}
		tmpOcc = tmpOcc[:0]
		for i, key := range keys {
			n := level1Hash(key, seed) & level1Mask
			if occ.Test(uint(n)) {
				for _, n := range tmpOcc {
					occ.Clear(uint(n))
					if err := level1.Set(int64(n), 0); err != nil {
						return Built{}, fmt.Errorf("level1.Set: %w", err)
					}
				}
				seed++
				goto trySeed
			}
			tmpOcc = append(tmpOcc, n)
			occ.Set(uint(n))
			if err := level1.Set(int64(n), uint64(bucketOffsets[i])); err != nil {
				return Built{}, fmt.Errorf("level1.Set: %w", err)
			}
		}
		if err := level0.Set(bucket.N, seed); err != nil {
			return Built{}, fmt.Errorf("level0.Set: %w", err)
		}
	}

	if _, err := io.Copy(w, io.NewSectionReader(tablesFile, 0, built.Size())); err != nil {
		return Built{}, fmt.Errorf("io.Copy: %w", err)
	}

	return built, nil
}

func sortBuckets(buckets *ondisk.BucketSlice) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if rerr, ok := r.(error); ok {
				err = fmt.Errorf("sorting buckets: %w", rerr)
				return
			}
			panic(r)
		}
	}()
	sort.Sort(buckets)
	return nil
}
