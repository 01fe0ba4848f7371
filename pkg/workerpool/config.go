package workerpool

import (
	"fmt"
	"runtime"
	"time"
)

// Config for worker pool
type Config struct {
	Workers         int              // Number of workers
	QueueSize       int              // Task queue buffer size
	ShutdownTimeout time.Duration    // Max wait time for graceful shutdown
	ErrorHandler    func(*TaskError) // Called for failed, panicked or cancelled tasks
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		Workers:         runtime.NumCPU(),
		QueueSize:       1000,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Validate validates the configuration
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("%w: workers must be > 0, got %d", ErrInvalidConfig, c.Workers)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("%w: queue size must be >= 0, got %d", ErrInvalidConfig, c.QueueSize)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("%w: shutdown timeout must be >= 0, got %v", ErrInvalidConfig, c.ShutdownTimeout)
	}
	return nil
}
