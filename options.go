// Copyright 2017 OpenChirp. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package xmmboot

import (
	"time"

	"github.com/rs/zerolog"
)

// Config holds the engine configuration. Protocol parameters come from
// the device profile; Config only carries host side policy.
type Config struct {
	// Logger receives stage transitions and protocol details.
	Logger zerolog.Logger

	// ProgressCallback is called on stage entry and per data chunk (optional)
	ProgressCallback ProgressCallback

	// Sleep implements the settle and backoff delays.
	Sleep func(time.Duration)

	// Metrics enables the prometheus recorders.
	Metrics bool
}

// defaultConfig returns the default configuration.
func defaultConfig() Config {
	return Config{
		Logger: zerolog.Nop(),
		Sleep:  time.Sleep,
	}
}

// Option is a functional option for configuring the Engine.
type Option func(*Config)

// WithLogger sets the logger.
//
// Example:
//
//	eng := xmmboot.New(xmmboot.WithLogger(logging.New("boot")))
func WithLogger(log zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = log
	}
}

// WithProgressCallback sets a callback to track the bootstrap.
func WithProgressCallback(callback ProgressCallback) Option {
	return func(c *Config) {
		c.ProgressCallback = callback
	}
}

// WithSleep replaces time.Sleep for the settle and backoff delays.
func WithSleep(sleep func(time.Duration)) Option {
	return func(c *Config) {
		if sleep != nil {
			c.Sleep = sleep
		}
	}
}

// WithMetrics enables the prometheus boot counters.
func WithMetrics(enabled bool) Option {
	return func(c *Config) {
		c.Metrics = enabled
	}
}
