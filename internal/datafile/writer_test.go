// Copyright 2024 The cdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bpowers/cdb/internal/codec"
)

type safeBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (s *safeBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return string(s.buf)
}

func (s *safeBuffer) Write(p []byte) (n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, p...)
	return len(p), nil
}

func (s *safeBuffer) WriteAt(p []byte, off int64) (n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int(off)+len(p) > len(s.buf) {
		return 0, errors.New("writeAt out of bounds")
	}

	return copy(s.buf[off:int(off)+len(p)], p), nil
}

func (s *safeBuffer) ReadAt(p []byte, off int64) (n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int(off) > len(s.buf) {
		return 0, errors.New("readAt out of bounds")
	}

	end := int(off) + len(p)
	if end > len(s.buf) {
		end = len(s.buf)
	}

	return copy(p, s.buf[off:end]), nil
}

var _ FileWriter = &safeBuffer{}

type testWriter struct {
	inner            FileWriter
	writeShouldError bool
}

func (c *testWriter) Write(p []byte) (n int, err error) {
	if c.writeShouldError {
		return 0, errors.New("write failed")
	}
	return c.inner.Write(p)
}

func (c *testWriter) WriteAt(p []byte, off int64) (n int, err error) {
	if c.writeShouldError {
		return 0, errors.New("write failed")
	}
	return c.inner.WriteAt(p, off)
}

func (c *testWriter) ReadAt(p []byte, off int64) (n int, err error) {
	return c.inner.ReadAt(p, off)
}

var _ FileWriter = &testWriter{}

func noneCodec(t testing.TB) codec.Codec {
	c, err := codec.New(codec.None)
	require.NoError(t, err)
	return c
}

func writeToDisk(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "test.data")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestNewWriter_Errors(t *testing.T) {
	var fileBytes safeBuffer
	writer := &testWriter{
		inner:            &fileBytes,
		writeShouldError: true,
	}

	_, err := NewWriter(writer, noneCodec(t))
	assert.Error(t, err)
}

func TestWriter_TooBigErrors(t *testing.T) {
	var fileBytes safeBuffer

	w, err := NewWriter(&fileBytes, noneCodec(t))
	require.NoError(t, err)

	var k, v []byte

	// key too big should be an error
	k = make([]byte, MaxKeyLen+1)
	v = make([]byte, 1)
	_, err = w.Write(k, v)
	assert.ErrorIs(t, err, ErrKeyTooLarge)

	// 0-sized key should be an error
	k = make([]byte, 0)
	v = make([]byte, 1)
	_, err = w.Write(k, v)
	assert.ErrorIs(t, err, ErrEmptyKey)

	err = w.Finish()
	require.NoError(t, err)
	// multiple finishes should be fine
	err = w.Finish()
	require.NoError(t, err)

	// writes after Finish are rejected
	_, err = w.Write([]byte("k"), []byte("v"))
	assert.Error(t, err)

	// double check: we shouldn't have written any records
	assert.Equal(t, fileHeaderSize, len(fileBytes.String()))
	var h fileHeader
	err = h.UnmarshalBytes([]byte(fileBytes.String()))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), h.recordCount)
	assert.Equal(t, uint64(fileHeaderSize), h.indexStart)
}

func TestWriter_OffsetInvariants(t *testing.T) {
	var fileBytes safeBuffer

	w, err := NewWriter(&fileBytes, noneCodec(t))
	require.NoError(t, err)

	origOff := w.off

	w.off = 0
	_, err = w.Write([]byte("k"), []byte("v"))
	assert.Error(t, err)

	w.off = maxOffset + 1
	_, err = w.Write([]byte("k"), []byte("v"))
	assert.Error(t, err)

	w.off = origOff
	_, err = w.Write([]byte("k"), []byte("v"))
	assert.NoError(t, err)
}

func TestWriter_KeyAt(t *testing.T) {
	var fileBytes safeBuffer

	w, err := NewWriter(&fileBytes, noneCodec(t))
	require.NoError(t, err)

	offsets := make(map[string]uint64)
	for i := 0; i < 100; i++ {
		k := strconv.Itoa(i)
		off, err := w.Write([]byte(k), []byte("value-"+k))
		require.NoError(t, err)
		offsets[k] = off
	}

	for k, off := range offsets {
		key, err := w.KeyAt(off)
		require.NoError(t, err)
		require.Equal(t, k, string(key))
	}

	_, err = w.KeyAt(0)
	assert.ErrorIs(t, err, InvalidOffset)
	_, err = w.KeyAt(w.Offset())
	assert.ErrorIs(t, err, InvalidOffset)
}

func TestWriter_Finish(t *testing.T) {
	var fileBytes safeBuffer

	w, err := NewWriter(&fileBytes, noneCodec(t))
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		k := []byte(strconv.FormatInt(int64(i), 10))
		v := bytes.Repeat([]byte{byte(i % 256)}, i)
		_, err := w.Write(k, v)
		require.NoError(t, err)
	}

	err = w.Finish()
	require.NoError(t, err)

	contents := fileBytes.String()
	assert.Equal(t, 0, len(contents)%indexAlignment)
	assert.Equal(t, uint64(len(contents)), w.Offset())
	var h fileHeader
	err = h.UnmarshalBytes([]byte(contents[:fileHeaderSize]))
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), h.recordCount)
	assert.Equal(t, uint64(len(contents)), h.indexStart)
}

func TestWriter_RoundTrip(t *testing.T) {
	for _, typ := range []codec.Type{codec.None, codec.Snappy, codec.LZ4, codec.Zstd} {
		t.Run(typ.String(), func(t *testing.T) {
			c, err := codec.New(typ)
			require.NoError(t, err)

			var fileBytes safeBuffer
			w, err := NewWriter(&fileBytes, c)
			require.NoError(t, err)

			for i := 0; i < 1000; i++ {
				k := []byte(strconv.FormatInt(int64(i), 10))
				v := bytes.Repeat([]byte{byte(i % 256)}, i%300)
				_, err := w.Write(k, v)
				require.NoError(t, err)
			}
			require.NoError(t, w.Finish())

			r, err := NewMMapReaderWithPath(writeToDisk(t, fileBytes.String()))
			require.NoError(t, err)
			require.NotNil(t, r)
			defer func() { _ = r.Close() }()

			assert.Equal(t, int64(1000), r.Len())
			assert.Equal(t, typ, r.Codec().Type())
			assert.Equal(t, w.FileID(), r.FileID())

			i := 0
			it := r.Iter()
			assert.Equal(t, int64(1000), it.Len())
			for item, ok := it.Next(); ok; item, ok = it.Next() {
				assert.Equal(t, strconv.FormatInt(int64(i), 10), string(item.Key))

				k2, v2, err := it.ReadAt(item.Offset)
				require.NoError(t, err)
				require.Equal(t, item.Key, k2)
				require.Equal(t, item.Value, v2)

				value, err := r.Decode(item.Value)
				require.NoError(t, err)
				require.Equal(t, bytes.Repeat([]byte{byte(i % 256)}, i%300), value)
				i++
			}
			require.NoError(t, it.Err())
			require.Equal(t, 1000, i)

			// should be safe for multiple closes
			it.Close()
			it.Close()
		})
	}
}

func TestReader_Corruption(t *testing.T) {
	var fileBytes safeBuffer
	w, err := NewWriter(&fileBytes, noneCodec(t))
	require.NoError(t, err)
	off, err := w.Write([]byte("key"), []byte("a value worth protecting"))
	require.NoError(t, err)
	require.NoError(t, w.Finish())

	contents := []byte(fileBytes.String())
	// flip a bit in the value
	contents[int(off)+recordHeaderSize+3+2] ^= 0x01

	r, err := NewMMapReaderWithPath(writeToDisk(t, string(contents)))
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	_, _, err = r.ReadAt(int64(off))
	assert.ErrorIs(t, err, ErrCorrupted)

	it := r.Iter()
	defer it.Close()
	_, ok := it.Next()
	assert.False(t, ok)
	assert.ErrorIs(t, it.Err(), ErrCorrupted)

	_, _, err = r.ReadAt(0)
	assert.ErrorIs(t, err, InvalidOffset)
	_, _, err = r.ReadAt(1 << 20)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestReader_Errors(t *testing.T) {
	_, err := NewMMapReaderWithPath("/doesnt/exist")
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = NewMMapReaderWithPath("/dev/null")
	assert.Error(t, err)

	_, err = NewMMapReaderWithPath(writeToDisk(t, string(make([]byte, fileHeaderSize))))
	assert.Error(t, err)
}

func TestReader_CloseTwice(t *testing.T) {
	var fileBytes safeBuffer
	w, err := NewWriter(&fileBytes, noneCodec(t))
	require.NoError(t, err)
	require.NoError(t, w.Finish())

	r, err := NewMMapReaderWithPath(writeToDisk(t, fileBytes.String()))
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, _, err = r.ReadAt(fileHeaderSize)
	assert.ErrorIs(t, err, os.ErrClosed)
}
