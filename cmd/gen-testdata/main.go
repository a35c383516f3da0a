// Copyright 2024 The cdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Command gen-testdata prints random key:value lines, suitable as input to
// "cdb write", or builds a cdb file from them directly.
package main

import (
	"bufio"
	"crypto/hmac"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/bpowers/cdb"
)

const (
	prefix    = "pref_"
	suffixLen = 16
	hmacKey   = "d259c7f656caf7f1"
)

func newRand() *rand.Rand {
	var seedBytes [8]byte
	_, _ = crand.Read(seedBytes[:])
	seed := int64(binary.LittleEndian.Uint64(seedBytes[:]))
	return rand.New(rand.NewSource(seed))
}

// generate calls fn with n pairs.  Keys are the hex HMAC of their value,
// so they are unique as long as the values are.
func generate(rng *rand.Rand, n int, fn func(key, value string) error) error {
	h := hmac.New(sha256.New, []byte(hmacKey))
	for i := 0; i < n; i++ {
		var buf [suffixLen / 2]byte
		if _, err := rng.Read(buf[:]); err != nil {
			return err
		}
		value := fmt.Sprintf("%s%x", prefix, buf)
		h.Reset()
		h.Write([]byte(value))
		key := hex.EncodeToString(h.Sum(nil))

		if err := fn(key, value); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "gen-testdata",
		Usage: "generate random key:value pairs",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "pairs",
				Aliases: []string{"n"},
				Value:   1000000,
				Usage:   "number of pairs to generate",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "build a cdb file at this path instead of printing lines",
			},
			&cli.StringFlag{
				Name:  "codec",
				Value: "none",
				Usage: "value codec for --output (none, snappy, lz4, zstd)",
			},
		},
		Action: func(c *cli.Context) error {
			rng := newRand()
			n := c.Int("pairs")

			path := c.String("output")
			if path == "" {
				out := bufio.NewWriter(os.Stdout)
				err := generate(rng, n, func(key, value string) error {
					_, err := fmt.Fprintf(out, "%s:%s\n", key, value)
					return err
				})
				if err != nil {
					return err
				}
				return out.Flush()
			}

			codec, err := cdb.ParseCodec(c.String("codec"))
			if err != nil {
				return err
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			w, err := cdb.OpenWriter(path, false, cdb.WithCodec(codec), cdb.WithLogger(logger))
			if err != nil {
				return err
			}
			err = generate(rng, n, func(key, value string) error {
				_, err := w.SetString(key, []byte(value))
				return err
			})
			if err != nil {
				_ = w.Discard()
				return err
			}
			if err := w.Close(); err != nil {
				return err
			}
			logger.Info("generated cdb file", "path", path, "pairs", n)
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "gen-testdata: %s\n", err)
		os.Exit(1)
	}
}
