// Copyright 2024 The cdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Command cdb builds, queries, merges and updates cdb files.  Input records
// are read one per line as key:value; the key ends at the first colon.
package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/bpowers/cdb"
	"github.com/bpowers/cdb/internal/config"
)

type app struct {
	logger    *slog.Logger
	opts      []cdb.Option
	batchSize int
	out       io.Writer
}

func main() {
	a := &app{out: os.Stdout}
	if err := a.cli().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "cdb: %s\n", err)
		os.Exit(1)
	}
}

func (a *app) cli() *cli.App {
	return &cli.App{
		Name:  "cdb",
		Usage: "build and query constant hash-indexed key/value files",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
				EnvVars: []string{"CDB_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "codec",
				Usage: "value codec for written files (none, snappy, lz4, zstd); overrides the config file",
			},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			if codec := c.String("codec"); codec != "" {
				cfg.Codec = codec
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			a.logger = cfg.Logger(os.Stderr)
			a.opts = cfg.Options(a.logger)
			a.batchSize = cfg.BatchSize
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "write",
				Usage:     "build a file from key:value lines",
				ArgsUsage: "<path> [input]",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "append",
						Usage: "keep the records of an existing file at path",
					},
				},
				Action: a.write,
			},
			{
				Name:      "get",
				Usage:     "print the values of keys",
				ArgsUsage: "<path> <key>...",
				Action:    a.get,
			},
			{
				Name:      "dump",
				Usage:     "print every record as key:value",
				ArgsUsage: "<path>",
				Action:    a.dump,
			},
			{
				Name:      "merge",
				Usage:     "merge two files, preferring records from primary",
				ArgsUsage: "<primary> <secondary> [dest]",
				Action:    a.merge,
			},
			{
				Name:      "update",
				Usage:     "apply key:value lines to an existing file",
				ArgsUsage: "<path> [input]",
				Action:    a.update,
			},
			{
				Name:      "clean",
				Usage:     "remove scratch files left behind by interrupted operations",
				ArgsUsage: "<path>",
				Action:    a.clean,
			},
		},
	}
}

func openInput(c *cli.Context, i int) (io.ReadCloser, error) {
	if c.NArg() <= i || c.Args().Get(i) == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(c.Args().Get(i))
}

// scanRecords calls fn for each key:value line of r.
func scanRecords(r io.Reader, fn func(key, value []byte) error) error {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for s.Scan() {
		line++
		if len(s.Bytes()) == 0 {
			continue
		}
		key, value, ok := bytes.Cut(s.Bytes(), []byte{':'})
		if !ok {
			return fmt.Errorf("line %d: expected key:value", line)
		}
		if err := fn(key, value); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	return s.Err()
}

func (a *app) write(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("write: missing path", 2)
	}
	path := c.Args().First()

	in, err := openInput(c, 1)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	opts := a.opts
	if c.Bool("append") {
		opts = append(opts[:len(opts):len(opts)], cdb.WithAppend())
	}
	w, err := cdb.OpenWriter(path, false, opts...)
	if err != nil {
		return err
	}

	duplicates := 0
	err = scanRecords(in, func(key, value []byte) error {
		stored, err := w.Set(key, value)
		if err != nil {
			return err
		}
		if !stored {
			duplicates++
			a.logger.Warn("skipping duplicate key", "key", string(key))
		}
		return nil
	})
	if err != nil {
		_ = w.Discard()
		return err
	}
	records := w.Len()
	if err := w.Close(); err != nil {
		return err
	}
	a.logger.Info("wrote cdb file", "path", path, "records", records, "duplicates", duplicates)
	return nil
}

func (a *app) get(c *cli.Context) error {
	if c.NArg() < 2 {
		return cli.Exit("get: need a path and at least one key", 2)
	}
	r, err := cdb.OpenReader(c.Args().First(), a.opts...)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	out := bufio.NewWriter(a.out)
	missing := 0
	for _, key := range c.Args().Slice()[1:] {
		value, found, err := r.GetString(key)
		if err != nil {
			return err
		}
		if !found {
			missing++
			a.logger.Warn("key not found", "key", key)
			continue
		}
		_, _ = out.Write(value)
		_ = out.WriteByte('\n')
	}
	if err := out.Flush(); err != nil {
		return err
	}
	if missing > 0 {
		return cli.Exit("", 1)
	}
	return nil
}

func (a *app) dump(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("dump: need exactly one path", 2)
	}
	r, err := cdb.OpenReader(c.Args().First(), a.opts...)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	out := bufio.NewWriter(a.out)
	seen := 0
	for {
		batch, ok, err := r.NextBatch(a.batchSize)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		for _, rec := range batch {
			_, _ = out.Write(rec.Key)
			_ = out.WriteByte(':')
			_, _ = out.Write(rec.Value)
			_ = out.WriteByte('\n')
		}
		seen += len(batch)
		a.logger.Debug("dumped batch", "records", seen, "of", r.Len())
	}
	return out.Flush()
}

func (a *app) merge(c *cli.Context) error {
	if c.NArg() < 2 || c.NArg() > 3 {
		return cli.Exit("merge: need a primary, a secondary and optionally a destination", 2)
	}
	stats, err := cdb.Merge(c.Args().Get(0), c.Args().Get(1), c.Args().Get(2), a.opts...)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "primary: %d\nsecondary: %d\nshadowed: %d\nfailed: %d\n",
		stats.FromPrimary, stats.FromSecondary, stats.Shadowed, stats.Failed)
	return nil
}

func (a *app) update(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("update: missing path", 2)
	}
	in, err := openInput(c, 1)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	// later lines win, matching what repeated updates would do
	kvs := make(map[string][]byte)
	err = scanRecords(in, func(key, value []byte) error {
		kvs[string(key)] = append([]byte{}, value...)
		return nil
	})
	if err != nil {
		return err
	}

	stats, err := cdb.Update(kvs, c.Args().First(), a.opts...)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "updated: %d\nadded: %d\nunchanged: %d\n",
		stats.Shadowed, stats.FromPrimary-stats.Shadowed, stats.FromSecondary)
	return nil
}

func (a *app) clean(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("clean: need exactly one path", 2)
	}
	removed, err := cdb.RemoveScratch(c.Args().First())
	for _, p := range removed {
		fmt.Fprintln(a.out, p)
	}
	return err
}
