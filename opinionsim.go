package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/opinionsim/cmd"
)

const (
	version = "0.1.0"
)

func main() {
	app := &cli.App{
		Name:    "opinionsim",
		Usage:   "Simulate how opinions evolve when LLM-driven agents deliberate a topic",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				Value:   "opinionsim.toml",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from `FILE` before reading the configuration",
			},
		},
		Commands: []*cli.Command{
			cmd.RunCommand(),
			cmd.ResumeCommand(),
			cmd.ExportCommand(),
			cmd.ConfigCommand(),
			cmd.APICommand(),
			cmd.WorkerCommand(),
			cmd.EnqueueCommand(),
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
