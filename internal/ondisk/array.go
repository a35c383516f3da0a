// Copyright 2024 The cdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package ondisk

import (
	"encoding/binary"
	"fmt"
	"os"
)

// Uint32Array is a fixed-length array of uint32s stored in a file starting
// at byte offset off.  The caller is responsible for sizing the file.
type Uint32Array struct {
	f   *os.File
	len int64 // length in number of elements
	off int64 // offset in bytes of the start of this array
}

func NewUint32Array(f *os.File, len int64, off int64) *Uint32Array {
	return &Uint32Array{
		f:   f,
		len: len,
		off: off,
	}
}

func (s *Uint32Array) Set(i int64, value uint32) error {
	if i < 0 || i >= s.len {
		return fmt.Errorf("offset (%d) out of range (len %d)", i, s.len)
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if _, err := s.f.WriteAt(buf[:], s.off+4*i); err != nil {
		return fmt.Errorf("f.WriteAt: %w", err)
	}
	return nil
}

func (s *Uint32Array) Get(i int64) (uint32, error) {
	if i < 0 || i >= s.len {
		return 0, fmt.Errorf("offset (%d) out of range (len %d)", i, s.len)
	}
	var buf [4]byte
	if _, err := s.f.ReadAt(buf[:], s.off+4*i); err != nil {
		return 0, fmt.Errorf("f.ReadAt: %w", err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Uint64Array is the 64-bit counterpart to Uint32Array.
type Uint64Array struct {
	f   *os.File
	len int64
	off int64
}

func NewUint64Array(f *os.File, len int64, off int64) *Uint64Array {
	return &Uint64Array{
		f:   f,
		len: len,
		off: off,
	}
}

func (s *Uint64Array) Set(i int64, value uint64) error {
	if i < 0 || i >= s.len {
		return fmt.Errorf("offset (%d) out of range (len %d)", i, s.len)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	if _, err := s.f.WriteAt(buf[:], s.off+8*i); err != nil {
		return fmt.Errorf("f.WriteAt: %w", err)
	}
	return nil
}

func (s *Uint64Array) Get(i int64) (uint64, error) {
	if i < 0 || i >= s.len {
		return 0, fmt.Errorf("offset (%d) out of range (len %d)", i, s.len)
	}
	var buf [8]byte
	if _, err := s.f.ReadAt(buf[:], s.off+8*i); err != nil {
		return 0, fmt.Errorf("f.ReadAt: %w", err)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
