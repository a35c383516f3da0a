// Copyright 2024 The cdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	for _, tc := range []struct {
		name     string
		expected Type
	}{
		{"", None},
		{"none", None},
		{"Snappy", Snappy},
		{" lz4 ", LZ4},
		{"zstd", Zstd},
	} {
		actual, err := ParseType(tc.name)
		require.NoError(t, err)
		require.Equal(t, tc.expected, actual)
		if tc.name == "zstd" {
			require.Equal(t, "zstd", actual.String())
		}
	}

	_, err := ParseType("gzip")
	assert.Error(t, err)
	assert.Equal(t, "codec(9)", Type(9).String())

	_, err = New(Type(9))
	assert.Error(t, err)
}

func TestCodecs(t *testing.T) {
	values := [][]byte{
		{},
		[]byte("v"),
		bytes.Repeat([]byte("compressible "), 1000),
		{0, 1, 2, 3, 255},
	}
	for _, typ := range []Type{None, Snappy, LZ4, Zstd} {
		c, err := New(typ)
		require.NoError(t, err)
		require.Equal(t, typ, c.Type())

		for _, v := range values {
			stored, err := c.Encode(v)
			require.NoError(t, err)
			decoded, err := c.Decode(stored)
			require.NoError(t, err)
			require.NotNil(t, decoded, "codec %s", typ)
			require.Equal(t, v, decoded, "codec %s", typ)
		}
	}
}

func TestCodecs_CorruptInput(t *testing.T) {
	garbage := []byte("definitely not compressed data")
	for _, typ := range []Type{Snappy, LZ4, Zstd} {
		c, err := New(typ)
		require.NoError(t, err)
		_, err = c.Decode(garbage)
		assert.Error(t, err, "codec %s", typ)
	}
}
