package channel

import (
	"errors"
	"fmt"
	"time"

	"github.com/lattice-mbe/lattice/logger"
)

// Default serial parameters for the chamber's RS-232/RS-485 lines.
const (
	DefaultBaudRate     = 9600
	DefaultReadTimeout  = 100 * time.Millisecond
	DefaultWriteDelay   = 10 * time.Millisecond
	DefaultMaxFrameSize = 256
)

// Config holds all configuration for a Channel.
type Config struct {
	baudRate     int
	readTimeout  time.Duration
	writeDelay   time.Duration
	maxFrameSize int
	logger       logger.Logger
}

// NewConfig creates a channel configuration with the given functional options
// applied in order.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		baudRate:     DefaultBaudRate,
		readTimeout:  DefaultReadTimeout,
		writeDelay:   DefaultWriteDelay,
		maxFrameSize: DefaultMaxFrameSize,
		logger:       logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// BaudRate returns the configured baud rate.
func (cfg *Config) BaudRate() int { return cfg.baudRate }

// ReadTimeout returns the per-read timeout used to bound a transaction.
func (cfg *Config) ReadTimeout() time.Duration { return cfg.readTimeout }

// WriteDelay returns the settle delay inserted between a write and the
// following read.
func (cfg *Config) WriteDelay() time.Duration { return cfg.writeDelay }

// MaxFrameSize returns the maximum response size accepted in one transaction.
func (cfg *Config) MaxFrameSize() int { return cfg.maxFrameSize }

// GetLogger returns the configured logger.
func (cfg *Config) GetLogger() logger.Logger { return cfg.logger }

// Option is a functional option for configuring a Channel.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// WithBaudRate sets the serial baud rate.
func WithBaudRate(rate int) Option {
	return optFunc(func(cfg *Config) error {
		if rate <= 0 {
			return fmt.Errorf("channel: invalid baud rate %d", rate)
		}
		cfg.baudRate = rate

		return nil
	})
}

// WithReadTimeout sets the timeout for reading a response.
func WithReadTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("channel: read timeout must be positive")
		}
		cfg.readTimeout = d

		return nil
	})
}

// WithWriteDelay sets the settle delay between writing a command and reading
// its response. Zero disables the delay.
func WithWriteDelay(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < 0 {
			return errors.New("channel: write delay must not be negative")
		}
		cfg.writeDelay = d

		return nil
	})
}

// WithMaxFrameSize sets the maximum response size accepted in one transaction.
func WithMaxFrameSize(size int) Option {
	return optFunc(func(cfg *Config) error {
		if size < 1 {
			return errors.New("channel: max frame size must be >= 1")
		}
		cfg.maxFrameSize = size

		return nil
	})
}

// WithLogger sets the logger for the channel.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("channel: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
