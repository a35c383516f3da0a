// Copyright 2024 The cdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package codec contains the value encodings a datafile can be built with.
// The codec is chosen once per file and recorded in the file header, so
// every value in a file shares the same encoding.
package codec

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type identifies a codec on disk.  Values are persisted, never renumber them.
type Type uint8

const (
	None Type = iota
	Snappy
	LZ4
	Zstd
)

var typeNames = [...]string{
	None:   "none",
	Snappy: "snappy",
	LZ4:    "lz4",
	Zstd:   "zstd",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("codec(%d)", uint8(t))
}

// ParseType maps a codec name (as used in config files and flags) to a Type.
func ParseType(name string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	}
	return None, fmt.Errorf("unknown codec %q", name)
}

// Codec encodes values before they are framed into a record and decodes
// them on the way out.  Implementations are safe for concurrent use.
type Codec interface {
	Type() Type
	Encode(value []byte) ([]byte, error)
	Decode(stored []byte) ([]byte, error)
}

// New returns the Codec for t.
func New(t Type) (Codec, error) {
	switch t {
	case None:
		return noneCodec{}, nil
	case Snappy:
		return snappyCodec{}, nil
	case LZ4:
		return lz4Codec{}, nil
	case Zstd:
		return zstdCodec{}, nil
	}
	return nil, fmt.Errorf("unsupported codec %s", t)
}

// nonNil makes sure an empty decoded value is distinguishable from a
// missing one for callers that compare against nil.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

type noneCodec struct{}

func (noneCodec) Type() Type { return None }

func (noneCodec) Encode(value []byte) ([]byte, error) { return value, nil }

func (noneCodec) Decode(stored []byte) ([]byte, error) { return nonNil(stored), nil }

type snappyCodec struct{}

func (snappyCodec) Type() Type { return Snappy }

func (snappyCodec) Encode(value []byte) ([]byte, error) {
	return snappy.Encode(nil, value), nil
}

func (snappyCodec) Decode(stored []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, stored)
	if err != nil {
		return nil, fmt.Errorf("snappy.Decode: %w", err)
	}
	return nonNil(out), nil
}

type lz4Codec struct{}

func (lz4Codec) Type() Type { return LZ4 }

func (lz4Codec) Encode(value []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(value); err != nil {
		return nil, fmt.Errorf("lz4.Write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4.Close: %w", err)
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decode(stored []byte) ([]byte, error) {
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(stored)))
	if err != nil {
		return nil, fmt.Errorf("lz4.Read: %w", err)
	}
	return nonNil(out), nil
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

// zstd encoders and decoders are expensive to construct but safe for
// concurrent EncodeAll/DecodeAll, so a single pair is shared.
func initZstd() {
	zstdEncoder, zstdErr = zstd.NewWriter(nil)
	if zstdErr != nil {
		return
	}
	zstdDecoder, zstdErr = zstd.NewReader(nil)
}

type zstdCodec struct{}

func (zstdCodec) Type() Type { return Zstd }

func (zstdCodec) Encode(value []byte) ([]byte, error) {
	zstdOnce.Do(initZstd)
	if zstdErr != nil {
		return nil, fmt.Errorf("zstd init: %w", zstdErr)
	}
	return zstdEncoder.EncodeAll(value, nil), nil
}

func (zstdCodec) Decode(stored []byte) ([]byte, error) {
	zstdOnce.Do(initZstd)
	if zstdErr != nil {
		return nil, fmt.Errorf("zstd init: %w", zstdErr)
	}
	out, err := zstdDecoder.DecodeAll(stored, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd.DecodeAll: %w", err)
	}
	return nonNil(out), nil
}
