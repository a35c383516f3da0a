// Copyright 2024 The cdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package cdb

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	kvs := genPairs(5000)
	kvs["empty-value"] = []byte{}

	for _, c := range []Codec{CodecNone, CodecSnappy, CodecLZ4, CodecZstd} {
		for _, bt := range []BuildType{FastHighMem, SlowLowMem} {
			c, bt := c, bt
			t.Run(fmt.Sprintf("%s/%s", c, bt), func(t *testing.T) {
				t.Parallel()

				path := filepath.Join(t.TempDir(), "roundtrip.cdb")
				writeFile(t, path, kvs, WithCodec(c), WithIndexBuild(bt))

				result, err := Read(keysOf(kvs), path)
				require.NoError(t, err)
				require.Len(t, result, len(kvs))
				for k, v := range kvs {
					got := result[k]
					require.True(t, got.Found, "key %q", k)
					require.Equal(t, string(v), string(got.Value))
				}

				r, err := OpenReader(path)
				require.NoError(t, err)
				defer func() { _ = r.Close() }()
				assert.Equal(t, c, r.Codec())
				assert.Equal(t, int64(len(kvs)), r.Len())
			})
		}
	}
}

func TestReader_EmptyValueIsNotMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.cdb")
	writeFile(t, path, map[string][]byte{"a": {}, "b": []byte("2")})

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	value, found, err := r.Get([]byte("a"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, value)

	value, found, err = r.GetString("missing")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, value)

	multi, err := r.GetMulti([][]byte{[]byte("a"), []byte("b"), []byte("c")})
	require.NoError(t, err)
	assert.Equal(t, map[string]Lookup{
		"a": {Value: []byte{}, Found: true},
		"b": {Value: []byte("2"), Found: true},
		"c": {},
	}, multi)
}

func TestReader_EmptyKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.cdb")
	writeFile(t, path, map[string][]byte{"a": []byte("1")})

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	_, _, err = r.Get(nil)
	assert.ErrorIs(t, err, ErrEmptyKey)
	_, _, err = r.GetString("")
	assert.ErrorIs(t, err, ErrEmptyKey)
	_, err = r.GetMulti(nil)
	assert.ErrorIs(t, err, ErrEmptyKey)
	_, err = r.GetMulti([][]byte{[]byte("a"), {}})
	assert.ErrorIs(t, err, ErrEmptyKey)
	_, err = r.Exists([]byte{})
	assert.ErrorIs(t, err, ErrEmptyKey)
	_, err = r.ExistsMulti(nil)
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestReader_NoOpenFile(t *testing.T) {
	r := NewReader()
	_, _, err := r.Get([]byte("a"))
	assert.ErrorIs(t, err, ErrNoOpenFile)
	_, err = r.GetMulti([][]byte{[]byte("a")})
	assert.ErrorIs(t, err, ErrNoOpenFile)
	_, err = r.ExistsMulti([][]byte{[]byte("a")})
	assert.ErrorIs(t, err, ErrNoOpenFile)
	_, _, err = r.NextBatch(1)
	assert.ErrorIs(t, err, ErrNoOpenFile)

	// closing a Reader that was never opened is fine, as is closing twice
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
}

func TestReader_OpenErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := OpenReader("")
	assert.ErrorIs(t, err, ErrBlankFileName)

	_, err = OpenReader(filepath.Join(dir, "missing.cdb"))
	assert.ErrorIs(t, err, ErrNotFound)

	path := filepath.Join(dir, "a.cdb")
	writeFile(t, path, map[string][]byte{"a": []byte("1")})
	r, err := OpenReader(path)
	require.NoError(t, err)
	// reopening is a no-op, even with a bogus path
	require.NoError(t, r.Open(filepath.Join(dir, "missing.cdb")))
	value, found, err := r.GetString("a")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "1", string(value))
	require.NoError(t, r.Close())

	// once closed, lookups fail
	_, _, err = r.GetString("a")
	assert.ErrorIs(t, err, ErrNoOpenFile)
}

func TestReader_Exists(t *testing.T) {
	kvs := genPairs(2000)
	path := filepath.Join(t.TempDir(), "exists.cdb")
	writeFile(t, path, kvs)

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	for k := range kvs {
		ok, err := r.Exists([]byte(k))
		require.NoError(t, err)
		require.True(t, ok)
	}
	for i := 0; i < 2000; i++ {
		ok, err := r.Exists([]byte(fmt.Sprintf("not-there-%d", i)))
		require.NoError(t, err)
		require.False(t, ok)
	}

	keys := [][]byte{[]byte("nope")}
	for k := range kvs {
		keys = append(keys, []byte(k))
		if len(keys) == 10 {
			break
		}
	}
	exists, err := r.ExistsMulti(keys)
	require.NoError(t, err)
	require.Len(t, exists, 10)
	for _, k := range keys {
		_, inFile := kvs[string(k)]
		require.Equal(t, inFile, exists[string(k)])
	}
}

func TestReader_ValuesOutliveClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outlive.cdb")
	writeFile(t, path, map[string][]byte{"k": []byte("value")})

	r, err := OpenReader(path)
	require.NoError(t, err)
	value, found, err := r.GetString("k")
	require.NoError(t, err)
	require.True(t, found)
	batch, ok, err := r.NextBatch(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, r.Close())

	assert.Equal(t, "value", string(value))
	assert.Equal(t, []Record{{Key: []byte("k"), Value: []byte("value")}}, batch)
}

func TestReader_BatchExhaustion(t *testing.T) {
	t.Parallel()

	kvs := genPairs(1234)
	path := filepath.Join(t.TempDir(), "batches.cdb")
	writeFile(t, path, kvs)

	var firstOrder []string
	for _, n := range []int{1, 2, 7, 1000, 1234, 5000, 0, -1} {
		r, err := OpenReader(path)
		require.NoError(t, err)

		r.Reset()
		var order []string
		calls := 0
		for {
			batch, ok, err := r.NextBatch(n)
			require.NoError(t, err)
			if !ok {
				require.Empty(t, batch)
				break
			}
			calls++
			require.NotEmpty(t, batch)
			if n > 0 {
				require.LessOrEqual(t, len(batch), n)
			}
			for _, rec := range batch {
				require.Equal(t, string(kvs[string(rec.Key)]), string(rec.Value))
				order = append(order, string(rec.Key))
			}
		}
		if n <= 0 {
			require.Equal(t, 1, calls)
		}
		require.Len(t, order, len(kvs))

		// every record exactly once, in a stable order
		if firstOrder == nil {
			firstOrder = order
		} else {
			require.Equal(t, firstOrder, order, "batch size %d", n)
		}

		// exhausted until reset
		_, ok, err := r.NextBatch(n)
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, r.Close())
	}
}

func TestReader_ResetIsArmedNotImmediate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reset.cdb")
	w, err := OpenWriter(path, true)
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c", "d"} {
		stored, err := w.SetString(k, []byte("v"+k))
		require.NoError(t, err)
		require.True(t, stored)
	}
	require.NoError(t, w.Close())

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	keys := func(recs []Record) []string {
		var out []string
		for _, rec := range recs {
			out = append(out, string(rec.Key))
		}
		return out
	}

	// a fresh reader starts at the first record, in insertion order
	batch, ok, err := r.NextBatch(2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"a", "b"}, keys(batch))

	// arming a reset twice is the same as once, and nothing moves until
	// the next batch
	r.Reset()
	r.Reset()
	value, found, err := r.GetString("d")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "vd", string(value))

	batch, ok, err = r.NextBatch(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"a", "b", "c"}, keys(batch))

	// the reset was consumed: this continues rather than starting over
	batch, ok, err = r.NextBatch(3)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"d"}, keys(batch))

	_, ok, err = r.NextBatch(3)
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = r.NextBatch(0)
	require.NoError(t, err)
	require.False(t, ok)

	r.Reset()
	batch, ok, err = r.NextBatch(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"a", "b", "c", "d"}, keys(batch))
}

func TestReader_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.cdb")
	writeEmptyFile(t, path)

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	assert.Equal(t, int64(0), r.Len())
	_, ok, err := r.NextBatch(0)
	require.NoError(t, err)
	require.False(t, ok)
	found, err := r.Exists([]byte("a"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestReader_Large(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping large test in short mode")
	}
	kvs := genPairs(200000)
	path := filepath.Join(t.TempDir(), "large.cdb")
	writeFile(t, path, kvs)

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	for k, expected := range kvs {
		v, ok, err := r.GetString(k)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, string(expected), string(v))
	}

	for _, negative := range []string{"doesn't exist", "pref_"} {
		// we shouldn't find keys that don't exist
		v, ok, err := r.GetString(negative)
		require.NoError(t, err)
		require.False(t, ok)
		require.Nil(t, v)
	}
}

func TestReader_FailedBatchKeepsCursor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cursor.cdb")
	w, err := OpenWriter(path, true)
	require.NoError(t, err)
	for _, kv := range [][2]string{{"a", "first"}, {"b", "second"}, {"c", "third"}} {
		_, err := w.SetString(kv[0], []byte(kv[1]))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	require.NoError(t, os.Chmod(path, 0644))
	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	idx := bytes.Index(contents, []byte("second"))
	require.Greater(t, idx, 0)
	contents[idx] ^= 0xff
	require.NoError(t, os.WriteFile(path, contents, 0644))

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	// "a" reads fine but "b" doesn't, so the whole batch fails
	_, _, err = r.NextBatch(2)
	require.ErrorIs(t, err, ErrCorrupted)

	// asking again starts from the same place, so "a" isn't lost
	batch, ok, err := r.NextBatch(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, batch, 1)
	assert.Equal(t, "a", string(batch[0].Key))
	assert.Equal(t, "first", string(batch[0].Value))

	for i := 0; i < 2; i++ {
		_, _, err = r.NextBatch(1)
		require.ErrorIs(t, err, ErrCorrupted)
	}

	// a failed batch doesn't swallow a pending reset either
	r.Reset()
	_, _, err = r.NextBatch(0)
	require.ErrorIs(t, err, ErrCorrupted)
	batch, ok, err = r.NextBatch(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", string(batch[0].Key))
}
