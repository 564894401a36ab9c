package store

import "github.com/rs/zerolog"

// Config holds configuration for the Store.
type Config struct {
	// DefaultPageSize is used by multi-result queries when neither the caller nor
	// the kind declares a page size.
	// Default: 50
	DefaultPageSize int

	// MaxBatchSize is the maximum number of operations staged in one transaction.
	// Default: 500
	MaxBatchSize int

	// Logger receives debug events for remote calls and warnings for conflicts.
	// Default: disabled
	Logger *zerolog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	nop := zerolog.Nop()
	return Config{
		DefaultPageSize: 50,
		MaxBatchSize:    500,
		Logger:          &nop,
	}
}

// validate ensures config values are within acceptable bounds.
func (c *Config) validate() {
	if c.DefaultPageSize < 1 {
		c.DefaultPageSize = 50
	}
	if c.MaxBatchSize < 1 {
		c.MaxBatchSize = 500
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}
