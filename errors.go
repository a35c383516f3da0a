// Copyright 2024 The cdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package cdb

import (
	"errors"

	"github.com/bpowers/cdb/internal/datafile"
	"github.com/bpowers/cdb/internal/index"
)

var (
	ErrBlankFileName = errors.New("blank file name")
	ErrNotFound      = errors.New("file not found")
	ErrOpenFailure   = errors.New("could not open cdb file")
	ErrNoOpenFile    = errors.New("no open file")

	ErrEmptyKey       = datafile.ErrEmptyKey
	ErrKeyTooLarge    = datafile.ErrKeyTooLarge
	ErrValueTooLarge  = datafile.ErrValueTooLarge
	ErrDuplicateKey   = index.ErrDuplicateKey
	ErrCorrupted      = datafile.ErrCorrupted
	ErrLengthMismatch = errors.New("keys and values differ in length")
	ErrNothingStored  = errors.New("no records stored")

	ErrMergeWriteFailure = errors.New("merge: writing to target failed")
	ErrMergeFailure      = errors.New("update: merge failed")
)
