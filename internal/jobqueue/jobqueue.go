package jobqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/zerolog/log"

	"github.com/opinionsim/internal/deliberation"
	"github.com/opinionsim/internal/session"
)

// DeliberationArgs asks a worker to run one session
type DeliberationArgs struct {
	SessionID string            `json:"session_id"`
	Mode      session.StartMode `json:"mode"`
}

// Kind returns the job kind
func (DeliberationArgs) Kind() string {
	return "deliberation_run"
}

// DeliberationWorker runs sessions from the registry
type DeliberationWorker struct {
	river.WorkerDefaults[DeliberationArgs]
	registry *deliberation.Registry
}

// NewDeliberationWorker creates a worker backed by registry
func NewDeliberationWorker(registry *deliberation.Registry) *DeliberationWorker {
	return &DeliberationWorker{registry: registry}
}

// startMode resumes from the message log on every retry
func startMode(args DeliberationArgs, attempt int) session.StartMode {
	if attempt > 1 || args.Mode == session.StartResume {
		return session.StartResume
	}
	return session.StartFresh
}

// Work runs the session until its run ends. Configuration errors cancel
// the job, collaborator failures are returned so River retries with a
// resume, and a user cancellation completes the job.
func (w *DeliberationWorker) Work(ctx context.Context, job *river.Job[DeliberationArgs]) error {
	args := job.Args
	mode := startMode(args, job.Attempt)

	log.Info().
		Str("session_id", args.SessionID).
		Str("mode", string(mode)).
		Int("attempt", job.Attempt).
		Msg("Processing deliberation job")

	m, err := w.registry.Get(ctx, args.SessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return river.JobCancel(err)
		}
		return fmt.Errorf("failed to load session %s: %w", args.SessionID, err)
	}
	if err := m.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to refresh session %s: %w", args.SessionID, err)
	}

	if err := m.Start(mode); err != nil {
		if errors.Is(err, deliberation.ErrNoAgents) || errors.Is(err, deliberation.ErrMissingCredential) {
			return river.JobCancel(err)
		}
		return err
	}

	status, err := m.Wait(ctx)
	if err != nil {
		// job timeout or worker shutdown; the retry resumes from the log
		if _, cerr := m.Cancel(); cerr == nil {
			_, _ = m.Wait(context.Background())
		}
		return fmt.Errorf("deliberation %s interrupted: %w", args.SessionID, err)
	}

	switch status.Phase {
	case session.PhaseError:
		log.Warn().Str("session_id", args.SessionID).Str("error", status.Error).Msg("Deliberation run failed")
		return fmt.Errorf("deliberation %s failed: %s", args.SessionID, status.Error)
	default:
		log.Info().
			Str("session_id", args.SessionID).
			Str("phase", string(status.Phase)).
			Int("messages", status.TotalMessages).
			Msg("Deliberation job finished")
		return nil
	}
}

// JobQueue manages the River job queue
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	config QueueConfig
}

// NewJobQueue creates a new job queue instance. A nil registry creates an
// insert-only queue that enqueues jobs without working them.
func NewJobQueue(ctx context.Context, databaseURL string, registry *deliberation.Registry, config QueueConfig) (*JobQueue, error) {
	config = config.withDefaults()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	riverConfig := &river.Config{}
	if registry != nil {
		workers := river.NewWorkers()
		river.AddWorker(workers, NewDeliberationWorker(registry))
		riverConfig.Queues = config.RiverQueueConfig()
		riverConfig.Workers = workers
		riverConfig.JobTimeout = config.JobTimeout
	}

	client, err := river.NewClient(riverpgxv5.New(pool), riverConfig)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create River client: %w", err)
	}

	return &JobQueue{
		client: client,
		pool:   pool,
		config: config,
	}, nil
}

// Migrate creates or upgrades River's tables
func (jq *JobQueue) Migrate(ctx context.Context) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(jq.pool), nil)
	if err != nil {
		return fmt.Errorf("failed to create River migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("failed to migrate River schema: %w", err)
	}
	if len(res.Versions) > 0 {
		log.Info().Int("versions", len(res.Versions)).Msg("Applied River migrations")
	}
	return nil
}

// Start starts the job queue workers
func (jq *JobQueue) Start(ctx context.Context) error {
	return jq.client.Start(ctx)
}

// Stop stops the job queue workers and closes the pool
func (jq *JobQueue) Stop(ctx context.Context) error {
	defer jq.pool.Close()
	return jq.client.Stop(ctx)
}

// Close releases the pool of an insert-only queue
func (jq *JobQueue) Close() {
	jq.pool.Close()
}

// EnqueueDeliberation queues a run of sessionID and returns the job id
func (jq *JobQueue) EnqueueDeliberation(ctx context.Context, sessionID string, mode session.StartMode) (int64, error) {
	args := DeliberationArgs{SessionID: sessionID, Mode: mode}

	res, err := jq.client.Insert(ctx, args, &river.InsertOpts{MaxAttempts: jq.config.MaxAttempts})
	if err != nil {
		return 0, fmt.Errorf("failed to queue deliberation job: %w", err)
	}

	log.Info().Str("session_id", sessionID).Int64("job_id", res.Job.ID).Msg("Queued deliberation job")
	return res.Job.ID, nil
}
