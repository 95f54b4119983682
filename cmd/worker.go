package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/opinionsim/internal/jobqueue"
	"github.com/opinionsim/internal/session"
)

func queueConfig(rt *runtime) jobqueue.QueueConfig {
	cfg := jobqueue.DefaultQueueConfig()
	if rt.cfg.Queue.MaxWorkers > 0 {
		cfg.MaxWorkers = rt.cfg.Queue.MaxWorkers
	}
	return cfg
}

// WorkerCommand returns the command that works queued deliberations
func WorkerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Run queued deliberations from the River job queue",
		Action: func(c *cli.Context) error {
			rt, err := newRuntime(c)
			if err != nil {
				return err
			}
			defer rt.Close()

			url := databaseURL(rt.cfg)
			if url == "" {
				return fmt.Errorf("the worker needs database.url or DATABASE_URL")
			}

			jq, err := jobqueue.NewJobQueue(c.Context, url, rt.registry, queueConfig(rt))
			if err != nil {
				return err
			}
			if err := jq.Migrate(c.Context); err != nil {
				jq.Close()
				return err
			}
			if err := jq.Start(c.Context); err != nil {
				return fmt.Errorf("failed to start job queue: %w", err)
			}
			log.Info().Int("max_workers", queueConfig(rt).MaxWorkers).Msg("Deliberation worker started")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
			<-quit

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := rt.registry.Shutdown(ctx); err != nil {
				log.Warn().Err(err).Msg("Runs did not stop before shutdown timeout")
			}
			return jq.Stop(ctx)
		},
	}
}

// EnqueueCommand returns the command that queues a deliberation run
func EnqueueCommand() *cli.Command {
	return &cli.Command{
		Name:  "enqueue",
		Usage: "Queue a run of a persisted session for the worker",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "session",
				Aliases:  []string{"s"},
				Usage:    "Session id",
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "resume",
				Usage: "Resume from the message log instead of starting fresh",
			},
			&cli.BoolFlag{
				Name:  "create",
				Usage: "Create the session from the configuration first",
			},
		},
		Action: func(c *cli.Context) error {
			rt, err := newRuntime(c)
			if err != nil {
				return err
			}
			defer rt.Close()

			url := databaseURL(rt.cfg)
			if url == "" {
				return fmt.Errorf("enqueue needs database.url or DATABASE_URL")
			}

			id := c.String("session")
			if c.Bool("create") {
				st, err := rt.cfg.NewState(id)
				if err != nil {
					return err
				}
				if _, err := rt.registry.Create(c.Context, st); err != nil {
					return err
				}
			} else if _, err := rt.store.LoadSession(c.Context, id); err != nil {
				return fmt.Errorf("failed to load session %s: %w", id, err)
			}

			mode := session.StartFresh
			if c.Bool("resume") {
				mode = session.StartResume
			}

			jq, err := jobqueue.NewJobQueue(c.Context, url, nil, queueConfig(rt))
			if err != nil {
				return err
			}
			defer jq.Close()
			if err := jq.Migrate(c.Context); err != nil {
				return err
			}

			jobID, err := jq.EnqueueDeliberation(c.Context, id, mode)
			if err != nil {
				return err
			}
			fmt.Printf("Queued %s run of session %s as job %d\n", mode, id, jobID)
			return nil
		},
	}
}
