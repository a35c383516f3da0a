// Copyright 2024 The cdb Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package config loads the settings used by the cdb command line tool.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bpowers/cdb"
)

// Config is the on-disk (YAML) configuration for the cdb tool.  Every field
// can also be set from the environment.
type Config struct {
	BatchSize   int     `yaml:"batch_size" env:"CDB_BATCH_SIZE"`
	Codec       string  `yaml:"codec" env:"CDB_CODEC"`
	IndexBuild  string  `yaml:"index_build" env:"CDB_INDEX_BUILD"`
	BloomFPRate float64 `yaml:"bloom_fp_rate" env:"CDB_BLOOM_FP_RATE"`
	Log         Log     `yaml:"log"`
}

type Log struct {
	Level  string `yaml:"level" env:"CDB_LOG_LEVEL"`
	Format string `yaml:"format" env:"CDB_LOG_FORMAT"`
}

func Default() *Config {
	return &Config{
		BatchSize:   cdb.DefaultBatchSize,
		Codec:       "none",
		IndexBuild:  "fast",
		BloomFPRate: cdb.DefaultBloomFalsePositiveRate,
		Log: Log{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the YAML file at path (if path is non-empty), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	c := Default()
	if err := c.LoadFromFile(path); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	if err := c.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return c, nil
}

func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("os.ReadFile: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("yaml.Unmarshal: %w", err)
	}
	return nil
}

func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("CDB_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CDB_BATCH_SIZE: %w", err)
		}
		c.BatchSize = n
	}
	if v := os.Getenv("CDB_CODEC"); v != "" {
		c.Codec = v
	}
	if v := os.Getenv("CDB_INDEX_BUILD"); v != "" {
		c.IndexBuild = v
	}
	if v := os.Getenv("CDB_BLOOM_FP_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CDB_BLOOM_FP_RATE: %w", err)
		}
		c.BloomFPRate = rate
	}
	if v := os.Getenv("CDB_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("CDB_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch_size must be positive (got %d)", c.BatchSize))
	}
	if _, err := cdb.ParseCodec(c.Codec); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseBuildType(c.IndexBuild); err != nil {
		errs = append(errs, err)
	}
	if c.BloomFPRate <= 0 || c.BloomFPRate >= 1 {
		errs = append(errs, fmt.Errorf("bloom_fp_rate must be between 0 and 1 (got %g)", c.BloomFPRate))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func parseBuildType(s string) (cdb.BuildType, error) {
	switch strings.ToLower(s) {
	case "fast", "memory":
		return cdb.FastHighMem, nil
	case "slow", "disk":
		return cdb.SlowLowMem, nil
	default:
		return 0, fmt.Errorf("unknown index_build %q (want fast or slow)", s)
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return level, nil
}

// Logger returns a logger writing to w in the configured format.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(c.Log.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// Options converts the configuration into options for the cdb package.
// The configuration must have been validated.
func (c *Config) Options(logger *slog.Logger) []cdb.Option {
	codec, _ := cdb.ParseCodec(c.Codec)
	buildType, _ := parseBuildType(c.IndexBuild)
	return []cdb.Option{
		cdb.WithLogger(logger),
		cdb.WithBatchSize(c.BatchSize),
		cdb.WithCodec(codec),
		cdb.WithIndexBuild(buildType),
		cdb.WithBloomFalsePositiveRate(c.BloomFPRate),
	}
}
