package dispatch

import (
	"time"

	"github.com/smallbiznis/usagesvc/internal/config"
)

// Config controls the background aggregate workers.
type Config struct {
	Workers        int
	QueueSize      int
	JobTimeout     time.Duration
	WriteRawEvents bool
}

func DefaultConfig() Config {
	return Config{
		Workers:    4,
		QueueSize:  1024,
		JobTimeout: 10 * time.Second,
	}
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		Workers:        cfg.Usage.DispatchWorkers,
		QueueSize:      cfg.Usage.DispatchQueueSize,
		WriteRawEvents: cfg.Usage.WriteRawEvents,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaults.QueueSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
