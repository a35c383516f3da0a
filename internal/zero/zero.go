// Copyright 2024 The cdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package zero clears the scratch buffers the on-disk bucket slice reuses
// between reads and writes.
package zero

func Bytes(b []byte) {
	clear(b)
}

func Uint32(b []uint32) {
	clear(b)
}
