package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/joi/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "joi",
		Usage: "Personal assistant front end for a remote agent",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewInitCommand(),
			NewServeCommand(),
			NewAskCommand(),
			NewTasksCommand(),
			NewScheduleCommand(),
			NewEventsCommand(),
			NewStatusCommand(),
			NewSecretCommand(),
		},
	}
}
