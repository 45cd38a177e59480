package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	wsclient "github.com/dohr-michael/joi/clients/ws"
	"github.com/dohr-michael/joi/internal/events"
	"github.com/dohr-michael/joi/internal/gateway/ws"
	"github.com/dohr-michael/joi/internal/storage"
)

// NewEventsCommand returns the events subcommand.
func NewEventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "Show the event log, or follow live events",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "thread",
				Usage: "Thread id (empty = events bound to no thread)",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Number of events to show",
				Value: 20,
			},
			&cli.BoolFlag{
				Name:    "follow",
				Aliases: []string{"f"},
				Usage:   "Stream live events from the running joi serve",
			},
		},
		Action: runEvents,
	}
}

func runEvents(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	printEvent := func(e events.Event) {
		payload, _ := json.Marshal(e.Payload)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Source, e.Type, payload)
	}

	if !cmd.Bool("follow") {
		list, err := storage.ReadLog(cfg.Events.LogDir, cmd.String("thread"), int(cmd.Int("limit")))
		if err != nil {
			return fmt.Errorf("read event log: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No events found.")
			return nil
		}
		for _, e := range list {
			printEvent(e)
		}
		return w.Flush()
	}

	client, err := wsclient.Dial(ctx, gatewayWSURL(cfg))
	if err != nil {
		return fmt.Errorf("connect to joi serve: %w", err)
	}
	defer client.Close()

	thread := cmd.String("thread")
	for {
		f, err := client.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		if f.Type != ws.FrameTypeEvent || (thread != "" && f.ThreadID != thread) {
			continue
		}
		var e events.Event
		if err := json.Unmarshal(f.Payload, &e); err != nil {
			continue
		}
		printEvent(e)
		w.Flush()
	}
}
