// Copyright 2024 The cdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package cdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
)

const (
	mergeScratchSuffix  = ".tmp"
	updateScratchSuffix = ".update"
)

func mergeScratchPath(primary string) string {
	return primary + mergeScratchSuffix
}

func updateScratchPath(main string) string {
	return main + updateScratchSuffix
}

// ScratchPaths lists the scratch files that operations on path may leave
// behind if interrupted: merge targets, update deltas, and half-built files,
// including those belonging to the scratch files themselves.
func ScratchPaths(path string) ([]string, error) {
	if path == "" {
		return nil, ErrBlankFileName
	}
	var paths []string
	for _, p := range []string{path, mergeScratchPath(path), updateScratchPath(path), mergeScratchPath(updateScratchPath(path))} {
		if p != path {
			if _, err := os.Lstat(p); err == nil {
				paths = append(paths, p)
			}
		}
		builds, err := buildFiles(p)
		if err != nil {
			return nil, err
		}
		paths = append(paths, builds...)
	}
	return paths, nil
}

// buildFiles finds the in-progress builds of path.  os.CreateTemp fills the
// "*" in the pattern with digits, which keeps "a.<n>.build" from matching
// builds of "a.b".
func buildFiles(path string) ([]string, error) {
	base := filepath.Base(path)
	matches, err := filepath.Glob(filepath.Join(globEscape(filepath.Dir(path)), globEscape(base)+buildSuffixGlob))
	if err != nil {
		return nil, fmt.Errorf("filepath.Glob: %w", err)
	}
	var builds []string
	for _, m := range matches {
		random := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), base+"."), ".build")
		if random != "" && strings.Trim(random, "0123456789") == "" {
			builds = append(builds, m)
		}
	}
	return builds, nil
}

// globEscape escapes the characters filepath.Match treats specially.
func globEscape(s string) string {
	var out []byte
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '*', '?', '[', ']', '\\':
			out = append(out, '\\', c)
		default:
			out = append(out, c)
		}
	}
	return string(out)
}

// RemoveScratch deletes any scratch files left behind by interrupted
// operations on path and returns the paths it removed.  It must not run
// concurrently with a write, merge or update of path.
func RemoveScratch(path string) ([]string, error) {
	paths, err := ScratchPaths(path)
	if err != nil {
		return nil, err
	}
	var removed []string
	var result *multierror.Error
	for _, p := range paths {
		if err := os.Remove(p); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				result = multierror.Append(result, err)
			}
			continue
		}
		removed = append(removed, p)
	}
	return removed, result.ErrorOrNil()
}
