package commands

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	wsclient "github.com/dohr-michael/joi/clients/ws"
	"github.com/dohr-michael/joi/internal/gateway/ws"
	"github.com/dohr-michael/joi/internal/scheduler"
)

// NewScheduleCommand returns the schedule subcommand.
func NewScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "schedule",
		Usage:     "Schedule a background task through the running joi serve",
		ArgsUsage: "<title>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "user",
				Aliases:  []string{"u"},
				Usage:    "User the task runs for and reports to",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "description",
				Aliases: []string{"d"},
				Usage:   "What the agent should do",
			},
			&cli.DurationFlag{
				Name:  "in",
				Usage: "Run once after this delay (e.g. 30m)",
			},
			&cli.StringFlag{
				Name:  "at",
				Usage: "Run once at this ISO-8601 time",
			},
			&cli.StringFlag{
				Name:  "cron",
				Usage: "Run on this 5-field cron schedule",
			},
		},
		Action: runSchedule,
	}
}

func runSchedule(ctx context.Context, cmd *cli.Command) error {
	title := cmd.Args().First()
	if title == "" {
		return fmt.Errorf("usage: joi schedule --user <id> [--in 30m | --at <time> | --cron <expr>] <title>")
	}

	req := scheduler.Request{
		UserID:       cmd.String("user"),
		Title:        title,
		Description:  cmd.String("description"),
		When:         cmd.String("at"),
		DelaySeconds: int(cmd.Duration("in").Seconds()),
	}
	if expr := cmd.String("cron"); expr != "" {
		req.When = expr
		req.Recurring = true
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	client, err := wsclient.Dial(ctx, gatewayWSURL(cfg))
	if err != nil {
		return fmt.Errorf("connect to joi serve: %w", err)
	}
	defer client.Close()

	var res scheduler.Result
	if err := client.Call(ws.MethodScheduleTask, req, &res); err != nil {
		return err
	}
	fmt.Println(res.Message)
	return nil
}
