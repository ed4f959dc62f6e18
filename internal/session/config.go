package session

import (
	"errors"
	"fmt"
	"time"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultGracePeriod  = 2 * time.Second
	defaultChunkSize    = 4096
	defaultBufferCap    = 1_000_000
	defaultBufferRetain = 500_000
)

// ErrInvalidConfig is returned when a Config fails validation.
var ErrInvalidConfig = errors.New("invalid session config")

// Config holds the policy for runs started by a Controller.
type Config struct {
	// Sentinel is the completion marker searched for in both streams.
	// Empty disables sentinel detection.
	Sentinel string

	// HardLimit is the absolute budget for a run. Zero disables it.
	HardLimit time.Duration

	// IdleLimit ends the run after this long without output. Zero disables it.
	IdleLimit time.Duration

	// PollInterval bounds how long the loop waits before re-checking deadlines.
	PollInterval time.Duration

	// GracePeriod is how long the process group gets to exit after SIGTERM
	// before it is killed.
	GracePeriod time.Duration

	// DrainWindow bounds how long output is still collected after the
	// process group was terminated. Defaults to PollInterval.
	DrainWindow time.Duration

	ChunkSize    int
	BufferCap    int
	BufferRetain int
}

// DefaultConfig returns a Config with the standard polling, grace and buffer
// settings and no limits or sentinel.
func DefaultConfig() Config {
	return Config{
		PollInterval: defaultPollInterval,
		GracePeriod:  defaultGracePeriod,
		DrainWindow:  defaultPollInterval,
		ChunkSize:    defaultChunkSize,
		BufferCap:    defaultBufferCap,
		BufferRetain: defaultBufferRetain,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.DrainWindow <= 0 {
		c.DrainWindow = c.PollInterval
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.BufferCap <= 0 {
		c.BufferCap = d.BufferCap
	}
	if c.BufferRetain <= 0 {
		c.BufferRetain = min(d.BufferRetain, c.BufferCap)
	}
	return c
}

// Validate checks the config after defaults have been applied.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.HardLimit < 0 {
		return fmt.Errorf("%w: negative hard limit %s", ErrInvalidConfig, c.HardLimit)
	}
	if c.IdleLimit < 0 {
		return fmt.Errorf("%w: negative idle limit %s", ErrInvalidConfig, c.IdleLimit)
	}
	if c.BufferRetain > c.BufferCap {
		return fmt.Errorf("%w: buffer retain %d exceeds cap %d", ErrInvalidConfig, c.BufferRetain, c.BufferCap)
	}
	if len(c.Sentinel) > c.BufferRetain {
		return fmt.Errorf("%w: sentinel longer than retained buffer", ErrInvalidConfig)
	}
	return nil
}
