// Copyright (C) 2025 ScyllaDB

package pool

import (
	"fmt"
	"time"

	"go.uber.org/multierr"
)

type Config struct {
	// MinConns are opened by Start and kept open by reconnection.
	MinConns int
	// MaxConns bounds growth under load.
	MaxConns int

	// Reconnection backoff.
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	// Jitter is the randomization fraction applied to each delay, in range [0, 1).
	Jitter float64
	// DownAfterFailures consecutive connect failures mark a host DOWN.
	DownAfterFailures int

	// AcquireTimeout is used by AcquireSlot callers that pass a zero timeout.
	AcquireTimeout time.Duration
	// IdleTimeout closes connections above MinConns that had no requests for that long,
	// zero disables it.
	IdleTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinConns:          1,
		MaxConns:          2,
		BaseDelay:         time.Second,
		Multiplier:        2,
		MaxDelay:          time.Minute,
		Jitter:            0.2,
		DownAfterFailures: 3,
		AcquireTimeout:    5 * time.Second,
		IdleTimeout:       5 * time.Minute,
	}
}

func (cfg *Config) Validate() error {
	var errs error
	if cfg.MinConns < 1 {
		errs = multierr.Append(errs, fmt.Errorf("min connections must be at least 1, got %d", cfg.MinConns))
	}
	if cfg.MaxConns < cfg.MinConns {
		errs = multierr.Append(errs, fmt.Errorf("max connections %d can't be lower than min connections %d", cfg.MaxConns, cfg.MinConns))
	}
	if cfg.BaseDelay <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("base delay must be positive, got %v", cfg.BaseDelay))
	}
	if cfg.Multiplier < 1 {
		errs = multierr.Append(errs, fmt.Errorf("multiplier must be at least 1, got %v", cfg.Multiplier))
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		errs = multierr.Append(errs, fmt.Errorf("max delay %v can't be lower than base delay %v", cfg.MaxDelay, cfg.BaseDelay))
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		errs = multierr.Append(errs, fmt.Errorf("jitter must be in range [0, 1), got %v", cfg.Jitter))
	}
	if cfg.DownAfterFailures < 1 {
		errs = multierr.Append(errs, fmt.Errorf("down after failures must be at least 1, got %d", cfg.DownAfterFailures))
	}
	if cfg.AcquireTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("acquire timeout must be positive, got %v", cfg.AcquireTimeout))
	}
	if cfg.IdleTimeout < 0 {
		errs = multierr.Append(errs, fmt.Errorf("idle timeout can't be negative, got %v", cfg.IdleTimeout))
	}
	return errs
}
