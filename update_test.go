// Copyright 2024 The cdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package cdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.cdb")
	writeFile(t, path, strs(map[string]string{"a": "1", "b": "2"}))

	stats, err := Update(strs(map[string]string{"b": "20", "c": "3"}), path)
	require.NoError(t, err)
	assert.Equal(t, MergeStats{FromPrimary: 2, FromSecondary: 1, Shadowed: 1}, stats)

	assert.Equal(t, map[string]string{"a": "1", "b": "20", "c": "3"}, readAll(t, path))
	// the scratch file is gone
	assert.Equal(t, []string{"main.cdb"}, dirEntries(t, dir))
}

func TestUpdate_OpenReaderSeesOldContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.cdb")
	writeFile(t, path, strs(map[string]string{"a": "1"}))

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	_, err = Update(strs(map[string]string{"a": "new"}), path, WithCodec(CodecZstd))
	require.NoError(t, err)

	value, found, err := r.GetString("a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1", string(value))

	assert.Equal(t, map[string]string{"a": "new"}, readAll(t, path))
}

func TestUpdate_Errors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.cdb")

	_, err := Update(strs(map[string]string{"a": "1"}), "")
	assert.ErrorIs(t, err, ErrBlankFileName)

	// there is nothing to update
	_, err = Update(strs(map[string]string{"a": "1"}), path)
	assert.ErrorIs(t, err, ErrMergeFailure)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, dirEntries(t, dir))

	writeFile(t, path, strs(map[string]string{"a": "1"}))
	_, err = Update(nil, path)
	assert.ErrorIs(t, err, ErrEmptyKey)
	assert.Equal(t, map[string]string{"a": "1"}, readAll(t, path))
	assert.Equal(t, []string{"main.cdb"}, dirEntries(t, dir))
}

func TestUpdate_Repeated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.cdb")
	writeFile(t, path, strs(map[string]string{"counter": "0"}))

	for _, v := range []string{"1", "2", "3"} {
		_, err := Update(strs(map[string]string{"counter": v, "k" + v: v}), path, WithAppend())
		require.NoError(t, err)
	}
	assert.Equal(t, map[string]string{
		"counter": "3",
		"k1":      "1",
		"k2":      "2",
		"k3":      "3",
	}, readAll(t, path))
}
