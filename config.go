// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package distrpc

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config describes a worker and the group it belongs to.
type Config struct {
	// Name of the local worker; it must appear in Workers.
	Name           string
	Transport      string
	DefaultTimeout time.Duration
	LogLevel       zapcore.Level
	Workers        []WorkerInfo
}

// DefaultConfig returns the settings used for keys a config file omits.
func DefaultConfig() Config {
	return Config{
		Transport:      DefaultTransport,
		DefaultTimeout: DefaultTimeout,
		LogLevel:       zapcore.InfoLevel,
	}
}

type fileConfig struct {
	Name           string         `toml:"name"`
	Transport      string         `toml:"transport"`
	DefaultTimeout string         `toml:"default_timeout"`
	LogLevel       string         `toml:"log_level"`
	Workers        []workerConfig `toml:"workers"`
}

type workerConfig struct {
	Name string `toml:"name"`
	ID   int    `toml:"id"`
	Addr string `toml:"addr"`
}

// LoadConfig reads and validates a TOML config file.
func LoadConfig(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return raw.config(meta)
}

// ParseConfig parses and validates TOML config text.
func ParseConfig(text string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(text, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return raw.config(meta)
}

func (raw *fileConfig) config(meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q", ErrInvalidConfig, undecoded[0].String())
	}

	cfg := DefaultConfig()
	cfg.Name = strings.TrimSpace(raw.Name)

	if meta.IsDefined("transport") {
		cfg.Transport = strings.TrimSpace(raw.Transport)
	}

	if meta.IsDefined("default_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.DefaultTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("%w: parse default_timeout: %v", ErrInvalidConfig, err)
		}
		cfg.DefaultTimeout = d
	}

	if meta.IsDefined("log_level") {
		if err := cfg.LogLevel.UnmarshalText([]byte(strings.TrimSpace(raw.LogLevel))); err != nil {
			return Config{}, fmt.Errorf("%w: parse log_level: %v", ErrInvalidConfig, err)
		}
	}

	for _, w := range raw.Workers {
		if w.ID < 0 || w.ID > math.MaxInt16 {
			return Config{}, fmt.Errorf("%w: worker %q has id %d out of range", ErrInvalidConfig, w.Name, w.ID)
		}
		cfg.Workers = append(cfg.Workers, WorkerInfo{
			Name: strings.TrimSpace(w.Name),
			ID:   WorkerID(w.ID),
			Addr: strings.TrimSpace(w.Addr),
		})
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the config describes a usable worker.
func (c Config) Validate() error {
	if !HasTransport(c.Transport) {
		return fmt.Errorf(
			"%w: unknown transport %q, available: %s",
			ErrInvalidConfig,
			c.Transport,
			strings.Join(AvailableTransports(), ", "),
		)
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("%w: default_timeout must be positive", ErrInvalidConfig)
	}

	dir, err := NewDirectory(c.Workers...)
	if err != nil {
		return err
	}
	if _, err := dir.Lookup(c.Name); err != nil {
		return fmt.Errorf("%w: local worker %q is not listed in workers", ErrInvalidConfig, c.Name)
	}
	return nil
}

// Directory returns a directory of the configured workers.
func (c Config) Directory() (*Directory, error) {
	return NewDirectory(c.Workers...)
}

// Logger builds a production logger at the configured level, named after the
// local worker.
func (c Config) Logger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(c.LogLevel)

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.Named(c.Name), nil
}
