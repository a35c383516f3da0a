// Copyright 2024 The cdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package datafile contains the on-disk container for a constant database:
// a fixed header, a sequence of key/value records, and (appended once all
// records are written) a minimal perfect hash index and a bloom filter.
//
// A datafile looks like:
//
//	┌───────────────────┐
//	│ file header       │ 128 bytes
//	├───────────────────┤
//	│ repeated KV pairs │
//	│                   │
//	├───────────────────┤
//	│ padding           │ to an 8-byte boundary
//	├───────────────────┤
//	│ index level 1     │ u64 record offsets
//	│ index level 0     │ u32 displacement seeds
//	├───────────────────┤
//	│ bloom filter      │
//	└───────────────────┘
//
// Individual KV pairs start with a fixed 10-byte header:
//
//	 0    1    2    3    4    5    6    7    8    9
//	+----+----+----+----+----+----+----+----+----+----+
//	| value checksum    | klen    | vlen              |
//	+----+----+----+----+----+----+----+----+----+----+
//	| key...            | value...                    |
//	+----+----+----+----+----+----+----+----+----+----+
//
// This gives a 64 KB max length for keys and a 4 GB max length for (encoded)
// values.  The checksum covers the stored value bytes and is verified on
// every read.
package datafile
