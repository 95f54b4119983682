package cmd

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/opinionsim/internal/api"
)

// APICommand returns the CLI command for starting the API server
func APICommand() *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Start the deliberation API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server (defaults to api.port)",
			},
		},
		Action: func(c *cli.Context) error {
			rt, err := newRuntime(c)
			if err != nil {
				return err
			}
			defer rt.Close()

			port := rt.cfg.API.Port
			if p := c.Int("port"); p > 0 {
				port = p
			}
			fmt.Printf("Starting opinionsim API server on port %d...\n", port)

			server := api.NewServer(api.ServerOptions{
				Port:      port,
				Registry:  rt.registry,
				JWTSecret: rt.cfg.API.JWTSecret,
			})
			return server.Start()
		},
		Subcommands: []*cli.Command{
			{
				Name:  "token",
				Usage: "Issue a bearer token for the API",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "subject",
						Usage: "Token subject",
						Value: "cli",
					},
					&cli.DurationFlag{
						Name:  "ttl",
						Usage: "Token lifetime",
						Value: 24 * time.Hour,
					},
				},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					token, err := api.IssueToken(cfg.API.JWTSecret, c.String("subject"), c.Duration("ttl"))
					if err != nil {
						return err
					}
					fmt.Println(token)
					return nil
				},
			},
		},
	}
}
