// Copyright 2024 The cdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package cdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScratchPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.cdb")
	writeFile(t, path, strs(map[string]string{"a": "1"}))

	scratch := []string{
		"main.cdb.tmp",
		"main.cdb.update",
		"main.cdb.update.tmp",
		"main.cdb.12345.build",
		"main.cdb.tmp.9.build",
		"main.cdb.update.456.build",
	}
	unrelated := []string{
		"other.cdb.1.build",
		"main.cdb.backup.build",
		"main.cdb.bak",
	}
	for _, name := range append(append([]string{}, scratch...), unrelated...) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}

	var expected []string
	for _, name := range scratch {
		expected = append(expected, filepath.Join(dir, name))
	}

	found, err := ScratchPaths(path)
	require.NoError(t, err)
	assert.ElementsMatch(t, expected, found)

	removed, err := RemoveScratch(path)
	require.NoError(t, err)
	assert.ElementsMatch(t, expected, removed)
	assert.ElementsMatch(t, append([]string{"main.cdb"}, unrelated...), dirEntries(t, dir))

	// the file itself is untouched
	assert.Equal(t, map[string]string{"a": "1"}, readAll(t, path))

	removed, err = RemoveScratch(path)
	require.NoError(t, err)
	assert.Empty(t, removed)

	_, err = ScratchPaths("")
	assert.ErrorIs(t, err, ErrBlankFileName)
}

func TestScratchPaths_GlobCharacters(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "we[ird]*.cdb")
	require.NoError(t, os.WriteFile(path+".77.build", nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wei.cdb.77.build"), nil, 0644))

	found, err := ScratchPaths(path)
	require.NoError(t, err)
	assert.Equal(t, []string{path + ".77.build"}, found)
}
