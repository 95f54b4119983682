package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/opinionsim/internal/session"
)

// ExportCommand returns the command that writes a session's result snapshot
func ExportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Write the result snapshot of a session as JSON",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "session",
				Aliases:  []string{"s"},
				Usage:    "Session id",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Output file path (stdout when empty)",
			},
		},
		Action: runExport,
	}
}

func runExport(c *cli.Context) error {
	rt, err := newRuntime(c)
	if err != nil {
		return err
	}
	defer rt.Close()

	id := c.String("session")
	snap, err := rt.store.LatestSnapshot(c.Context, id)
	if errors.Is(err, session.ErrNotFound) {
		var st *session.State
		st, err = session.Load(c.Context, rt.store, id)
		if err == nil {
			snap = st.Snapshot()
		}
	}
	if err != nil {
		return fmt.Errorf("failed to export session %s: %w", id, err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	out := c.String("output")
	if out == "" {
		fmt.Println(string(data))
		return nil
	}
	if err := os.WriteFile(out, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}
	fmt.Printf("Wrote snapshot of session %s to %s\n", id, out)
	return nil
}
