package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/opinionsim/internal/session"
)

// RunCommand returns the command that creates a session from the
// configuration and deliberates it in the foreground
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Create a session from the configuration and run it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "session",
				Aliases: []string{"s"},
				Usage:   "Session id (generated when empty)",
			},
			&cli.StringFlag{
				Name:    "topic",
				Aliases: []string{"t"},
				Usage:   "Override general.topic",
			},
			&cli.IntFlag{
				Name:    "rounds",
				Aliases: []string{"r"},
				Usage:   "Override general.rounds",
			},
			&cli.StringFlag{
				Name:  "mode",
				Usage: "Override general.mode (sequential or random)",
			},
		},
		Action: runDeliberation,
	}
}

func runDeliberation(c *cli.Context) error {
	rt, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	if v := c.String("topic"); v != "" {
		rt.cfg.General.Topic = v
	}
	if v := c.Int("rounds"); v > 0 {
		rt.cfg.General.Rounds = v
	}
	if v := c.String("mode"); v != "" {
		rt.cfg.General.Mode = v
	}
	if rt.cfg.General.Topic == "" {
		return fmt.Errorf("a topic is required (general.topic or --topic)")
	}

	id := c.String("session")
	if id == "" {
		id = uuid.NewString()
	}
	st, err := rt.cfg.NewState(id)
	if err != nil {
		return err
	}
	m, err := rt.registry.Create(c.Context, st)
	if err != nil {
		return err
	}

	fmt.Printf("Session %s: %q with %d agents, %d rounds\n\n", id, rt.cfg.General.Topic, len(st.Agents()), rt.cfg.General.Rounds)
	if err := m.Start(session.StartFresh); err != nil {
		return err
	}
	status, err := superviseRun(c.Context, m)
	if err != nil {
		return err
	}
	printSummary(status, id)
	if status.Phase == session.PhaseError {
		return fmt.Errorf("run failed: %s", status.Error)
	}
	return nil
}

// ResumeCommand returns the command that continues a persisted session
// from its message log
func ResumeCommand() *cli.Command {
	return &cli.Command{
		Name:  "resume",
		Usage: "Resume an interrupted session by replaying its message log",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "session",
				Aliases:  []string{"s"},
				Usage:    "Session id",
				Required: true,
			},
		},
		Action: resumeDeliberation,
	}
}

func resumeDeliberation(c *cli.Context) error {
	rt, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	id := c.String("session")
	m, err := rt.registry.Get(c.Context, id)
	if err != nil {
		return fmt.Errorf("failed to load session %s: %w", id, err)
	}

	fmt.Printf("Resuming session %s from %d recorded messages\n\n", id, len(m.Messages()))
	if err := m.Start(session.StartResume); err != nil {
		return err
	}
	status, err := superviseRun(c.Context, m)
	if err != nil {
		return err
	}
	printSummary(status, id)
	if status.Phase == session.PhaseError {
		return fmt.Errorf("run failed: %s", status.Error)
	}
	return nil
}
