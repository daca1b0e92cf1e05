package orchestra

import "time"

// Config holds configuration for the Orchestrator.
type Config struct {
	// SweepInterval is how often the engine reaps expired leases, times out
	// stuck attempts, and applies the retention policy.
	SweepInterval time.Duration

	// DefaultLease is the lease granted to a poll that does not ask for one.
	DefaultLease time.Duration

	// MaxLease caps the lease duration a poller may request.
	MaxLease time.Duration

	// DefaultTaskTimeout bounds an attempt whose task definition has no
	// timeout of its own. Zero disables the fallback.
	DefaultTaskTimeout time.Duration

	// MaxPollCount caps how many tasks a single poll may lease.
	MaxPollCount int

	// Retention is how long terminal executions are kept. Zero keeps them
	// forever.
	Retention time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:      1 * time.Second,
		DefaultLease:       30 * time.Second,
		MaxLease:           10 * time.Minute,
		DefaultTaskTimeout: 1 * time.Hour,
		MaxPollCount:       100,
		Retention:          7 * 24 * time.Hour,
		ShutdownTimeout:    30 * time.Second,
	}
}
