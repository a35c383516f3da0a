// Copyright 2024 The cdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package datafile

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/bpowers/cdb/internal/codec"
)

const (
	magicDataHeader   = 0xC0FFEE0D
	fileFormatVersion = 3
	fileHeaderSize    = 128

	headerRecordCountOff = 8
	headerIndexOff       = 16
	headerBloomOff       = 40
	headerCodecOff       = 48
	headerFileIDOff      = 64
)

type fileHeader struct {
	magic            uint32
	formatVersion    uint32
	recordCount      uint64
	indexStart       uint64
	indexLevel0Count uint64
	indexLevel1Count uint64
	bloomStart       uint64
	codec            codec.Type
	fileID           uuid.UUID
}

func newFileHeader(c codec.Type) (*fileHeader, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("uuid.NewRandom: %w", err)
	}
	return &fileHeader{
		magic:         magicDataHeader,
		formatVersion: fileFormatVersion,
		codec:         c,
		fileID:        id,
	}, nil
}

func (h *fileHeader) MarshalTo(buf []byte) error {
	if len(buf) < fileHeaderSize {
		return fmt.Errorf("buf too short: %d < %d", len(buf), fileHeaderSize)
	}
	buf = buf[:fileHeaderSize]
	clear(buf)

	binary.LittleEndian.PutUint32(buf[0:4], h.magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.formatVersion)
	binary.LittleEndian.PutUint64(buf[8:16], h.recordCount)
	binary.LittleEndian.PutUint64(buf[16:24], h.indexStart)
	binary.LittleEndian.PutUint64(buf[24:32], h.indexLevel0Count)
	binary.LittleEndian.PutUint64(buf[32:40], h.indexLevel1Count)
	binary.LittleEndian.PutUint64(buf[40:48], h.bloomStart)
	buf[headerCodecOff] = uint8(h.codec)
	copy(buf[headerFileIDOff:headerFileIDOff+16], h.fileID[:])

	return nil
}

func (h *fileHeader) WriteTo(w io.Writer) (n int64, err error) {
	// make the header the minimum cache-width we expect to see
	var headerBuf [fileHeaderSize]byte
	if err := h.MarshalTo(headerBuf[:]); err != nil {
		return 0, err
	}
	if _, err = w.Write(headerBuf[:]); err != nil {
		return 0, fmt.Errorf("write: %w", err)
	}
	return int64(fileHeaderSize), nil
}

func (h *fileHeader) UpdateRecordCount(n uint64, w io.WriterAt) error {
	h.recordCount = n

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], h.recordCount)
	if _, err := w.WriteAt(buf[:], headerRecordCountOff); err != nil {
		return fmt.Errorf("f.WriteAt: %w", err)
	}

	return nil
}

func (h *fileHeader) UpdateIndex(indexStart, level0Count, level1Count uint64, w io.WriterAt) error {
	h.indexStart = indexStart
	h.indexLevel0Count = level0Count
	h.indexLevel1Count = level1Count

	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:8], h.indexStart)
	binary.LittleEndian.PutUint64(buf[8:16], h.indexLevel0Count)
	binary.LittleEndian.PutUint64(buf[16:24], h.indexLevel1Count)
	if _, err := w.WriteAt(buf[:], headerIndexOff); err != nil {
		return fmt.Errorf("f.WriteAt: %w", err)
	}

	return nil
}

func (h *fileHeader) UpdateBloom(bloomStart uint64, w io.WriterAt) error {
	h.bloomStart = bloomStart

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], h.bloomStart)
	if _, err := w.WriteAt(buf[:], headerBloomOff); err != nil {
		return fmt.Errorf("f.WriteAt: %w", err)
	}

	return nil
}

func (h *fileHeader) UnmarshalBytes(headerBytes []byte) error {
	if len(headerBytes) < fileHeaderSize {
		return fmt.Errorf("headerBytes too short: %d < %d", len(headerBytes), fileHeaderSize)
	}

	headerBytes = headerBytes[:fileHeaderSize]

	h.magic = binary.LittleEndian.Uint32(headerBytes[0:4])
	if h.magic != magicDataHeader {
		return fmt.Errorf("bad magic number on data file (%x) -- not a cdb datafile or corrupted", h.magic)
	}

	h.formatVersion = binary.LittleEndian.Uint32(headerBytes[4:8])
	if h.formatVersion != fileFormatVersion {
		return fmt.Errorf("this version of the cdb library can only read v%d data files; found v%d", fileFormatVersion, h.formatVersion)
	}

	h.recordCount = binary.LittleEndian.Uint64(headerBytes[8:16])
	h.indexStart = binary.LittleEndian.Uint64(headerBytes[16:24])
	h.indexLevel0Count = binary.LittleEndian.Uint64(headerBytes[24:32])
	h.indexLevel1Count = binary.LittleEndian.Uint64(headerBytes[32:40])
	h.bloomStart = binary.LittleEndian.Uint64(headerBytes[40:48])
	h.codec = codec.Type(headerBytes[headerCodecOff])
	copy(h.fileID[:], headerBytes[headerFileIDOff:headerFileIDOff+16])

	return nil
}
