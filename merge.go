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

// MergeStats tallies where the records of a merge came from.
type MergeStats struct {
	// FromPrimary is the number of records copied from the primary file.
	FromPrimary int
	// FromSecondary is the number of records copied from the secondary file
	// because the primary didn't have their keys.
	FromSecondary int
	// Shadowed is the number of secondary records dropped because the
	// primary had the same key.
	Shadowed int
	// Failed is the number of records that could not be written.
	Failed int
}

// Merge writes the union of primary and secondary to dest, preferring
// primary's value whenever both files hold a key.  If dest is empty the
// result replaces primary; otherwise it is written to dest whether or not
// dest already exists.  Records are streamed in batches of the configured
// size and neither file is loaded whole, but duplicate detection in the
// Writer keeps a fingerprint per stored key, so memory still grows with the
// size of the result.  SlowLowMem only bounds the index build.
//
// The result is built in <primary>.tmp and renamed into place only once it
// is complete, so until Merge succeeds neither input nor dest is modified.
func Merge(primary, secondary, dest string, opts ...Option) (stats MergeStats, err error) {
	o := newOptions(opts)
	start := time.Now()
	defer func() {
		o.metrics.ObserveOperation("merge", start, err)
	}()

	if primary == "" || secondary == "" {
		return MergeStats{}, ErrBlankFileName
	}
	for _, p := range []string{primary, secondary} {
		if err := checkExists(p); err != nil {
			return MergeStats{}, err
		}
	}
	if dest == "" {
		dest = primary
	}
	scratch := mergeScratchPath(primary)

	stats, err = mergeInto(scratch, primary, secondary, &o)
	if err != nil {
		if rerr := os.Remove(scratch); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
			err = multierror.Append(err, rerr)
		}
		return stats, err
	}

	// the only point at which anything outside of scratch files changes
	if err := os.Rename(scratch, dest); err != nil {
		_ = os.Remove(scratch)
		return stats, fmt.Errorf("os.Rename(%s, %s): %w", scratch, dest, err)
	}

	o.metrics.AddMerged("primary", stats.FromPrimary)
	o.metrics.AddMerged("secondary", stats.FromSecondary)
	o.metrics.AddMerged("shadowed", stats.Shadowed)
	o.metrics.AddMerged("failed", stats.Failed)
	o.logger.Info("merged cdb files",
		"primary", primary,
		"secondary", secondary,
		"dest", dest,
		"fromPrimary", stats.FromPrimary,
		"fromSecondary", stats.FromSecondary,
		"shadowed", stats.Shadowed,
		"failed", stats.Failed,
		"elapsed", time.Since(start))

	return stats, nil
}

// mergeInto builds the merged file at target.  Every session it opens is
// closed before it returns; the target is only finished if everything else
// succeeded.
func mergeInto(target, primary, secondary string, o *options) (stats MergeStats, err error) {
	pr := &Reader{f: newFile(*o)}
	if err := pr.Open(primary); err != nil {
		return stats, err
	}
	defer func() {
		if cerr := pr.Close(); cerr != nil {
			err = multierror.Append(err, fmt.Errorf("closing primary: %w", cerr))
		}
	}()

	sr := &Reader{f: newFile(*o)}
	if err := sr.Open(secondary); err != nil {
		return stats, err
	}
	defer func() {
		if cerr := sr.Close(); cerr != nil {
			err = multierror.Append(err, fmt.Errorf("closing secondary: %w", cerr))
		}
	}()

	// the target is always built fresh, never appended to
	wo := *o
	wo.appendMode = false
	w := &Writer{f: newFile(wo)}
	if err := w.Open(target, true); err != nil {
		return stats, err
	}
	defer func() {
		if err != nil {
			_ = w.Discard()
			return
		}
		if cerr := w.Close(); cerr != nil {
			err = fmt.Errorf("%w: finishing %s: %w", ErrMergeWriteFailure, target, cerr)
		}
	}()

	if err := copyPrimary(w, pr, o, &stats); err != nil {
		return stats, err
	}
	if err := copySecondary(w, pr, sr, o, &stats); err != nil {
		return stats, err
	}

	return stats, nil
}

func copyPrimary(w *Writer, pr *Reader, o *options, stats *MergeStats) error {
	pr.Reset()
	for {
		batch, ok, err := pr.NextBatch(o.batchSize)
		if err != nil {
			return fmt.Errorf("reading primary: %w", err)
		}
		if !ok {
			return nil
		}
		result, err := w.SetRecords(batch)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMergeWriteFailure, err)
		}
		stats.FromPrimary += result.Stored
		stats.Failed += len(result.Failed)
		if len(result.Failed) > 0 {
			o.logger.Warn("records from primary not stored", "count", len(result.Failed), "err", result.Err())
		}
	}
}

func copySecondary(w *Writer, pr, sr *Reader, o *options, stats *MergeStats) error {
	sr.Reset()
	keys := make([][]byte, 0, o.batchSize)
	for {
		batch, ok, err := sr.NextBatch(o.batchSize)
		if err != nil {
			return fmt.Errorf("reading secondary: %w", err)
		}
		if !ok {
			return nil
		}

		keys = keys[:0]
		for _, rec := range batch {
			keys = append(keys, rec.Key)
		}
		inPrimary, err := pr.ExistsMulti(keys)
		if err != nil {
			return fmt.Errorf("checking primary: %w", err)
		}

		kept := batch[:0]
		for _, rec := range batch {
			if inPrimary[string(rec.Key)] {
				stats.Shadowed++
				continue
			}
			kept = append(kept, rec)
		}
		if len(kept) == 0 {
			continue
		}

		result, err := w.SetRecords(kept)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMergeWriteFailure, err)
		}
		stats.FromSecondary += result.Stored
		stats.Failed += len(result.Failed)
		if len(result.Failed) > 0 {
			o.logger.Warn("records from secondary not stored", "count", len(result.Failed), "err", result.Err())
		}
	}
}
