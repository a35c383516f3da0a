// Copyright 2024 The cdb Authors and Caleb Spare. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package index

import (
	"encoding/binary"
	"fmt"

	"github.com/bpowers/cdb/internal/datafile"
)

// uint64Slice is a read-only view into a byte array as if it was []uint64
type uint64Slice []byte

// uint32Slice is a read-only view into a byte array as if it was []uint32
type uint32Slice []byte

func (s uint32Slice) Get(off uint64) uint32 {
	return binary.LittleEndian.Uint32(s[off*4 : off*4+4])
}

func (s uint64Slice) Get(off uint64) uint64 {
	return binary.LittleEndian.Uint64(s[off*8 : off*8+8])
}

// Table is a read-only view of a serialized index, usually aliasing an
// mmap'd datafile.
type Table struct {
	seeds       uint32Slice
	seedsMask   uint64
	offsets     uint64Slice
	offsetsMask uint64
}

// NewTable wraps the index bytes produced by Build.
func NewTable(level0Len, level1Len uint64, m []byte) (*Table, error) {
	if level0Len == 0 || level1Len == 0 {
		return nil, fmt.Errorf("%w: empty index tables (level0 %d, level1 %d)", datafile.ErrCorrupted, level0Len, level1Len)
	}
	if level0Len&(level0Len-1) != 0 || level1Len&(level1Len-1) != 0 {
		return nil, fmt.Errorf("%w: index table lengths must be powers of 2 (level0 %d, level1 %d)", datafile.ErrCorrupted, level0Len, level1Len)
	}
	// bound each table before multiplying so a garbage header can't wrap
	n := uint64(len(m))
	if level1Len > n/8 || level0Len > (n-level1Len*8)/4 {
		return nil, fmt.Errorf("%w: index too short: %d bytes for level0 %d, level1 %d",
			datafile.ErrCorrupted, n, level0Len, level1Len)
	}

	level1 := m[:level1Len*8]
	level0 := m[level1Len*8 : level1Len*8+level0Len*4]

	return &Table{
		seeds:       level0,
		seedsMask:   level0Len - 1,
		offsets:     level1,
		offsetsMask: level1Len - 1,
	}, nil
}

// MaybeLookup searches for b in t and returns the offset of the record that
// would hold it, or 0 if the slot is empty.  The caller must compare the
// record's key with b: keys that were never indexed still map somewhere.
func (t *Table) MaybeLookup(b []byte) int64 {
	// first we hash the key with a fixed seed, giving us the offset
	// of a seed that perfectly hashes into our second-level table
	seed := t.seeds.Get(level0Hash(b) & t.seedsMask)
	// next, we use that more-specific seed to re-hash the key, giving
	// us the offset into our array of 'values' (which in this case
	// are 64-bit offsets into the datafile, where the variable-sized
	// record actually lives).
	return int64(t.offsets.Get(level1Hash(b, seed) & t.offsetsMask))
}
