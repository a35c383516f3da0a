// Copyright 2024 The cdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package cdb

import (
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bpowers/cdb/internal/codec"
	"github.com/bpowers/cdb/internal/index"
	"github.com/bpowers/cdb/internal/metrics"
)

const (
	DefaultBatchSize              = 1000
	DefaultBloomFalsePositiveRate = 0.01
)

// Codec selects how values are compressed on disk.
type Codec = codec.Type

const (
	CodecNone   = codec.None
	CodecSnappy = codec.Snappy
	CodecLZ4    = codec.LZ4
	CodecZstd   = codec.Zstd
)

// ParseCodec maps a codec name ("none", "snappy", "lz4", "zstd") to a Codec.
func ParseCodec(name string) (Codec, error) {
	return codec.ParseType(name)
}

// BuildType selects how a file's index is built when a write session closes.
type BuildType = index.BuildType

const (
	// FastHighMem builds the index entirely in memory.
	FastHighMem = index.FastHighMem
	// SlowLowMem builds the index through temporary files next to the output.
	SlowLowMem = index.SlowLowMem
)

// Metrics are the prometheus collectors cdb updates; see NewMetrics.
type Metrics = metrics.Metrics

// NewMetrics registers cdb's collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return metrics.New(reg)
}

// Option configures readers, writers, merges and updates.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	batchSize   int
	codec       Codec
	buildType   BuildType
	bloomFPRate float64
	metrics     *Metrics
	appendMode  bool
}

func newOptions(opts []Option) options {
	o := options{
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		batchSize:   DefaultBatchSize,
		codec:       CodecNone,
		buildType:   FastHighMem,
		bloomFPRate: DefaultBloomFalsePositiveRate,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets an optional logger for progress updates.
// If not provided, no logging output will be produced.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithBatchSize sets how many records a merge moves per round.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithCodec sets the value codec for files being written.  Readers detect
// the codec from the file header.
func WithCodec(c Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

func WithIndexBuild(t BuildType) Option {
	return func(o *options) {
		o.buildType = t
	}
}

// WithBloomFalsePositiveRate sizes the bloom filter stored in each file.
func WithBloomFalsePositiveRate(rate float64) Option {
	return func(o *options) {
		if rate > 0 && rate < 1 {
			o.bloomFPRate = rate
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithAppend makes a Writer extend an existing file rather than start
// from scratch.
func WithAppend() Option {
	return func(o *options) {
		o.appendMode = true
	}
}
