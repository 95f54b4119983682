package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/opinionsim/internal/config"
)

// ConfigCommand returns the config command
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a configuration file seeded with a topic, a roster and peer trust",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output file path",
						Value:   "opinionsim.toml",
					},
					&cli.StringFlag{
						Name:    "topic",
						Aliases: []string{"t"},
						Usage:   "Discussion topic (a sample topic when empty)",
					},
					&cli.IntFlag{
						Name:    "rounds",
						Aliases: []string{"r"},
						Usage:   "Number of rounds",
					},
					&cli.StringFlag{
						Name:  "mode",
						Usage: "Speaking order: sequential or random",
					},
					&cli.StringFlag{
						Name:  "provider",
						Usage: "Default model provider (openai, anthropic, gemini, cohere, ollama)",
					},
					&cli.StringFlag{
						Name:  "model",
						Usage: "Default model name",
					},
					&cli.StringSliceFlag{
						Name:    "agent",
						Aliases: []string{"a"},
						Usage:   "Agent as `ID[:NAME[:PERSONA]]`, repeatable (two sample agents when none)",
					},
					&cli.Float64Flag{
						Name:  "peer-trust",
						Usage: "Initial trust weight between every pair of agents, 0 for none",
						Value: config.DefaultInitOptions().PeerTrust,
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Overwrite an existing file",
					},
				},
				Action: runConfigInit,
			},
			{
				Name:   "validate",
				Usage:  "Validate the configuration file and check agent credentials",
				Action: runConfigValidate,
			},
		},
	}
}

func runConfigInit(c *cli.Context) error {
	outputPath := c.String("output")

	opts := config.InitOptions{
		Topic:     c.String("topic"),
		Rounds:    c.Int("rounds"),
		Mode:      c.String("mode"),
		Provider:  c.String("provider"),
		Model:     c.String("model"),
		PeerTrust: c.Float64("peer-trust"),
		Force:     c.Bool("force"),
	}
	for _, spec := range c.StringSlice("agent") {
		a, err := config.ParseAgentSpec(spec)
		if err != nil {
			return err
		}
		opts.Agents = append(opts.Agents, a)
	}

	if err := config.InitConfig(outputPath, opts); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	cfg, err := config.LoadConfig(outputPath)
	if err != nil {
		return err
	}
	fmt.Printf("Created configuration file at %s\n", outputPath)
	fmt.Printf("Topic: %q, %d rounds, %s order\n", cfg.General.Topic, cfg.General.Rounds, cfg.General.Mode)
	for _, a := range cfg.Agents {
		fmt.Printf("   - %s (%s)\n", a.ID, a.Name)
	}
	if missing := CheckCredentials(cfg).Missing; len(missing) > 0 {
		fmt.Printf("Set a vendor api_key or the provider's API key variable before running (%d agents need one)\n", len(missing))
	}
	return nil
}

func runConfigValidate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	result := CheckCredentials(cfg)
	PrintConfigCheck(result)
	if len(result.Missing) > 0 {
		return fmt.Errorf("%d agents have no credential", len(result.Missing))
	}

	fmt.Println("Configuration is valid")
	return nil
}
