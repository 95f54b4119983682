/*
Package jobqueue runs deliberations in the background on the River job queue.

A DeliberationArgs job names a session and a start mode. The worker loads the
session, starts a run and waits for it to finish. River retries failed jobs;
any attempt after the first resumes from the persisted message log instead
of starting over, so a crashed worker process loses at most the turn that
was in flight.

## Tuning
- MaxWorkers bounds how many sessions deliberate concurrently per process.
- MaxAttempts bounds how many times River retries a failing run.
- JobTimeout bounds one attempt; long sessions need a generous value.

## Database Requirements
- PostgreSQL with River schema migrations applied (river migrate-up)
- The opinionsim tables created by database.Migrate
*/
package jobqueue

import (
	"time"

	"github.com/riverqueue/river"
)

// QueueConfig holds the tunables of the deliberation queue
type QueueConfig struct {
	// MaxWorkers is the number of concurrent deliberation workers
	MaxWorkers int

	// MaxAttempts is how many times a run is attempted before River discards it
	MaxAttempts int

	// JobTimeout bounds one attempt of a run
	JobTimeout time.Duration
}

// DefaultQueueConfig returns the default configuration
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxWorkers:  2,
		MaxAttempts: 5,
		JobTimeout:  30 * time.Minute,
	}
}

// withDefaults fills unset fields from DefaultQueueConfig
func (c QueueConfig) withDefaults() QueueConfig {
	d := DefaultQueueConfig()
	if c.MaxWorkers < 1 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.JobTimeout == 0 {
		c.JobTimeout = d.JobTimeout
	}
	return c
}

// RiverQueueConfig converts our config to River's queue configuration format
func (c QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		river.QueueDefault: {
			MaxWorkers: c.MaxWorkers,
		},
	}
}
