// Copyright 2024 The cdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package cdb

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Update applies kvs to the file at mainPath: keys in kvs take their new
// values, new keys are added, and every other key keeps its old value.  The
// changes are written to <mainPath>.update and merged over the main file,
// which is replaced atomically.  Readers that opened the main file before
// Update keep seeing the old contents.
func Update(kvs map[string][]byte, mainPath string, opts ...Option) (stats MergeStats, err error) {
	o := newOptions(opts)
	start := time.Now()
	defer func() {
		o.metrics.ObserveOperation("update", start, err)
	}()

	if mainPath == "" {
		return MergeStats{}, ErrBlankFileName
	}
	if len(kvs) == 0 {
		return MergeStats{}, ErrEmptyKey
	}

	scratch := updateScratchPath(mainPath)
	// the delta is always written fresh
	writeOpts := append(append([]Option{}, opts...), func(o *options) { o.appendMode = false })
	if _, err := Write(kvs, scratch, writeOpts...); err != nil {
		return MergeStats{}, fmt.Errorf("%w: writing %s: %w", ErrMergeFailure, scratch, err)
	}

	stats, err = Merge(scratch, mainPath, mainPath, opts...)

	if rerr := os.Remove(scratch); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
		if err == nil {
			o.logger.Warn("couldn't remove update scratch file", "path", scratch, "err", rerr)
		} else {
			err = multierror.Append(err, rerr)
		}
	}
	if err != nil {
		return stats, fmt.Errorf("%w: %w", ErrMergeFailure, err)
	}

	o.logger.Debug("updated cdb file", "path", mainPath, "keys", len(kvs), "elapsed", time.Since(start))
	return stats, nil
}
