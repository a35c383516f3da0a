// Copyright 2024 The cdb Authors and Caleb Spare. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package index

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/bits"

	"github.com/dgryski/go-farm"

	"github.com/bpowers/cdb/internal/datafile"
)

const (
	maxIndexEntries = (1 << 31) - 1
	maxUint32       = ^uint32(0)
)

var ErrDuplicateKey = errors.New("duplicate key")

type BuildType int

const (
	// FastHighMem keeps every scratch structure in memory.
	FastHighMem BuildType = iota
	// SlowLowMem keeps buckets and tables in temporary files, holding only
	// an occupancy bitset in memory.
	SlowLowMem
)

func (t BuildType) String() string {
	switch t {
	case FastHighMem:
		return "fast-high-mem"
	case SlowLowMem:
		return "slow-low-mem"
	default:
		return fmt.Sprintf("BuildType(%d)", int(t))
	}
}

// Config controls how Build goes about its work.
type Config struct {
	BuildType BuildType
	// TempDir holds scratch files for SlowLowMem builds; empty means os.TempDir.
	TempDir string
	Logger  *slog.Logger
}

// Built describes an index that Build has serialized.
type Built struct {
	Level0Len uint64
	Level1Len uint64
}

// Size is the number of bytes the serialized index occupies.
func (b Built) Size() int64 {
	return int64(b.Level1Len*8 + b.Level0Len*4)
}

// Build builds a minimal perfect hash over the records in it using the "Hash,
// displace, and compress" algorithm described in
// http://cmph.sourceforge.net/papers/esa09.pdf, and writes it to w as
// level1 (u64 record offsets) followed by level0 (u32 seeds).
func Build(w io.Writer, it datafile.Iter, cfg Config) (Built, error) {
	if it.Len() > maxIndexEntries {
		return Built{}, fmt.Errorf("too many elements -- we only support %d items in an index (%d asked for)", maxIndexEntries, it.Len())
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	switch cfg.BuildType {
	case FastHighMem:
		return buildInMemory(w, it, cfg.Logger)
	case SlowLowMem:
		return buildOnDisk(w, it, cfg.TempDir, cfg.Logger)
	default:
		return Built{}, fmt.Errorf("unknown buildType argument %s", cfg.BuildType)
	}
}

// nextPow2 returns the next highest power of two above a given number.
func nextPow2(n int64) int64 {
	return 1 << (64 - bits.LeadingZeros64(uint64(n)))
}

func tableSizes(entryLen int64) (level0Len, level1Len int64, err error) {
	level0Len = nextPow2(entryLen / 4)
	level1Len = nextPow2(entryLen)
	if level1Len >= int64(maxUint32) {
		return 0, 0, fmt.Errorf("level1Len too big %d (too many entries)", level1Len)
	}
	return level0Len, level1Len, nil
}

func level0Hash(key []byte) uint64 {
	return farm.Hash64WithSeed(key, 0)
}

func level1Hash(key []byte, seed uint32) uint64 {
	return farm.Hash64WithSeed(key, uint64(seed))
}

// checkBucketKeys returns ErrDuplicateKey if any two keys in a bucket are
// equal.  Equal keys always share a level0 bucket, and would otherwise send
// the seed search spinning forever.
func checkBucketKeys(keys [][]byte) error {
	for i := 1; i < len(keys); i++ {
		for j := 0; j < i; j++ {
			if bytes.Equal(keys[i], keys[j]) {
				return fmt.Errorf("%w: %q", ErrDuplicateKey, keys[i])
			}
		}
	}
	return nil
}

// readBucketKeys loads the keys for the records at the given offsets into keys.
func readBucketKeys(it datafile.Iter, keys [][]byte, offsets func(i int) (int64, error), n int) ([][]byte, error) {
	keys = keys[:0]
	for i := 0; i < n; i++ {
		off, err := offsets(i)
		if err != nil {
			return nil, err
		}
		key, _, err := it.ReadAt(off)
		if err != nil {
			return nil, fmt.Errorf("it.ReadAt(%d): %w", off, err)
		}
		keys = append(keys, key)
	}
	if err := checkBucketKeys(keys); err != nil {
		return nil, err
	}
	return keys, nil
}
