// Copyright 2024 The cdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package ondisk

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/bpowers/cdb/internal/zero"
)

// BucketSlice is a file-backed array of fixed-capacity buckets of uint32s.
// Every bucket shares the same capacity; when any bucket overflows, the whole
// file is rewritten with double the capacity.
type BucketSlice struct {
	f         *os.File
	nBuckets  int64 // length in number of buckets
	bucketCap int64 // capacity of each bucket, in values
	bucketBuf []byte
	valuesBuf []uint32
}

const (
	initialBucketSize = 4
)

func bucketLen(bucketCap int64) int64 {
	// uint32 `n`
	// uint32 `bucketLen`
	// uint32 * bucketSize items
	return 4 + 4 + 4*bucketCap
}

func NewBucketSlice(f *os.File, nBuckets int64) (*BucketSlice, error) {
	if err := f.Truncate(0); err != nil {
		return nil, fmt.Errorf("f.Truncate: %w", err)
	}
	b := &BucketSlice{
		f:        f,
		nBuckets: nBuckets,
	}
	if err := b.setBucketCapacity(initialBucketSize); err != nil {
		return nil, err
	}
	return b, nil
}

func readBucket(f *os.File, b []byte, off, bucketCap int64) error {
	bucketSize := bucketLen(bucketCap)
	if int64(len(b)) < bucketSize {
		return fmt.Errorf("readBucket(f, b, %d, %d): len(b) (%d) too short for bucketCap", off, bucketCap, len(b))
	}
	if _, err := f.ReadAt(b[:bucketSize], off*bucketSize); err != nil {
		return fmt.Errorf("f.ReadAt: %w", err)
	}
	return nil
}

func (s *BucketSlice) setBucketCapacity(newBucketCap int64) error {
	oldBucketCap := s.bucketCap
	if oldBucketCap > newBucketCap {
		return fmt.Errorf("newBucketCap %d needs to be greater than old cap %d", newBucketCap, oldBucketCap)
	}
	newBucketSize := bucketLen(newBucketCap)
	bucketBuf := make([]byte, newBucketSize)
	s.bucketBuf = bucketBuf

	if oldBucketCap == newBucketCap {
		return nil
	}

	s.bucketCap = newBucketCap

	fileByteLen := s.nBuckets * newBucketSize
	if err := s.f.Truncate(fileByteLen); err != nil {
		return fmt.Errorf("f.Truncate: %w", err)
	}

	// previously we were an empty file; no buckets to move
	if oldBucketCap == 0 {
		return nil
	}

	oldBucketSize := bucketLen(oldBucketCap)

	// iterate in reverse order so that we are always moving a bucket into a new (or no longer
	// needed) part of the file
	for i := s.nBuckets - 1; i >= 0; i-- {
		zero.Bytes(bucketBuf)
		if err := readBucket(s.f, bucketBuf[0:oldBucketSize], i, oldBucketCap); err != nil {
			return fmt.Errorf("readBucket: %w", err)
		}
		if _, err := s.f.WriteAt(bucketBuf, i*newBucketSize); err != nil {
			return fmt.Errorf("writeBucket: %w", err)
		}
	}

	return nil
}

// Cap returns the current per-bucket capacity.
func (s *BucketSlice) Cap() int64 {
	return s.bucketCap
}

// AddToBucket appends v to bucket off.
func (s *BucketSlice) AddToBucket(off int64, v uint32) error {
	if off < 0 || off >= s.nBuckets {
		return fmt.Errorf("bucket %d out of range (len %d)", off, s.nBuckets)
	}
	bucketBuf := s.bucketBuf[0:bucketLen(s.bucketCap)]
	if err := readBucket(s.f, bucketBuf, off, s.bucketCap); err != nil {
		return fmt.Errorf("readBucket: %w", err)
	}

	// if we would overflow the bucket capacity, resize the whole array of buckets
	valuesLen := int64(binary.LittleEndian.Uint32(bucketBuf[4:8]))
	if valuesLen >= s.bucketCap {
		if err := s.setBucketCapacity(s.bucketCap * 2); err != nil {
			return err
		}
		bucketBuf = s.bucketBuf[0:bucketLen(s.bucketCap)]
		if err := readBucket(s.f, bucketBuf, off, s.bucketCap); err != nil {
			return fmt.Errorf("readBucket: %w", err)
		}
	}

	binary.LittleEndian.PutUint32(bucketBuf[0:4], uint32(off))
	binary.LittleEndian.PutUint32(bucketBuf[4:8], uint32(valuesLen+1))
	binary.LittleEndian.PutUint32(bucketBuf[8+4*valuesLen:8+4*valuesLen+4], v)
	if _, err := s.f.WriteAt(bucketBuf, off*int64(len(bucketBuf))); err != nil {
		return fmt.Errorf("f.WriteAt: %w", err)
	}
	return nil
}

type Bucket struct {
	N      int64
	Values []uint32
}

// Bucket returns the bucket stored at position off.  Values aliases an
// internal buffer and is only valid until the next call.
func (s *BucketSlice) Bucket(off int64) (Bucket, error) {
	bucketSize := bucketLen(s.bucketCap)
	if int64(len(s.bucketBuf)) < bucketSize {
		s.bucketBuf = make([]byte, bucketSize)
	}
	buf := s.bucketBuf[:bucketSize]
	if err := readBucket(s.f, buf, off, s.bucketCap); err != nil {
		return Bucket{}, err
	}

	n := int64(binary.LittleEndian.Uint32(buf[0:4]))
	valuesLen := int64(binary.LittleEndian.Uint32(buf[4:8]))
	if valuesLen > s.bucketCap {
		return Bucket{}, fmt.Errorf("invariant broken: bucket %d overflowed (%d > %d)", off, valuesLen, s.bucketCap)
	}
	if int64(len(s.valuesBuf)) < valuesLen {
		s.valuesBuf = make([]uint32, valuesLen)
	}
	values := s.valuesBuf[0:valuesLen]
	zero.Uint32(values)
	for i := int64(0); i < valuesLen; i++ {
		values[i] = binary.LittleEndian.Uint32(buf[8+4*i : 8+4*i+4])
	}

	return Bucket{
		N:      n,
		Values: values,
	}, nil
}

// Len is used to fulfil the sort.Interface.
func (s *BucketSlice) Len() int {
	return int(s.nBuckets)
}

// Less is used to fulfil the sort.Interface.  Fuller buckets sort first.
func (s *BucketSlice) Less(i, j int) bool {
	// only the 8-byte bucket headers matter here
	var iBuf, jBuf [8]byte
	l := bucketLen(s.bucketCap)
	if _, err := s.f.ReadAt(iBuf[:], int64(i)*l); err != nil {
		panic(err)
	}
	if _, err := s.f.ReadAt(jBuf[:], int64(j)*l); err != nil {
		panic(err)
	}
	iLen := binary.LittleEndian.Uint32(iBuf[4:8])
	jLen := binary.LittleEndian.Uint32(jBuf[4:8])
	return iLen > jLen
}

// Swap is used to fulfil the sort.Interface.
func (s *BucketSlice) Swap(i, j int) {
	l := bucketLen(s.bucketCap)
	// use a single []byte buffer, cleaved in two
	if int64(len(s.bucketBuf)) < l*2 {
		s.bucketBuf = make([]byte, l*2)
	}
	iBuf := s.bucketBuf[:l]
	jBuf := s.bucketBuf[l : 2*l]

	if err := readBucket(s.f, iBuf, int64(i), s.bucketCap); err != nil {
		panic(err)
	}
	if err := readBucket(s.f, jBuf, int64(j), s.bucketCap); err != nil {
		panic(err)
	}
	if _, err := s.f.WriteAt(jBuf, int64(i)*l); err != nil {
		panic(err)
	}
	if _, err := s.f.WriteAt(iBuf, int64(j)*l); err != nil {
		panic(err)
	}
}
