package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	wsclient "github.com/dohr-michael/joi/clients/ws"
	"github.com/dohr-michael/joi/internal/gateway/ws"
	"github.com/dohr-michael/joi/internal/tasks"
)

// NewTasksCommand returns the tasks subcommand.
func NewTasksCommand() *cli.Command {
	userFlag := &cli.StringFlag{
		Name:    "user",
		Aliases: []string{"u"},
		Usage:   "Owner user id (empty = every user)",
	}
	return &cli.Command{
		Name:  "tasks",
		Usage: "Inspect and cancel background tasks",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List tasks, newest first",
				Flags: []cli.Flag{
					userFlag,
					&cli.StringFlag{Name: "status", Usage: "Only tasks in this status"},
				},
				Action: runTasksList,
			},
			{
				Name:      "show",
				Usage:     "Show task details and history",
				ArgsUsage: "<task_id>",
				Flags:     []cli.Flag{userFlag},
				Action:    runTasksShow,
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a task through the running joi serve",
				ArgsUsage: "<task_id>",
				Flags: []cli.Flag{
					userFlag,
					&cli.StringFlag{Name: "reason", Usage: "Reason recorded in the task log"},
				},
				Action: runTasksCancel,
			},
		},
		DefaultCommand: "list",
	}
}

// withTaskStore opens the configured store for the duration of fn.
func withTaskStore(ctx context.Context, cmd *cli.Command, fn func(*tasks.Store) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	kv, err := openStore(ctx, cfg, newAgentClient(cfg, nil))
	if err != nil {
		return err
	}
	defer kv.Close()
	return fn(tasks.NewStore(kv))
}

// findTask loads a task by id, searching every user when userID is empty.
func findTask(ctx context.Context, store *tasks.Store, userID, taskID string) (*tasks.Task, error) {
	if userID != "" {
		return store.Get(ctx, userID, taskID)
	}
	all, err := store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range all {
		if t.TaskID == taskID {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", tasks.ErrNotFound, taskID)
}

func runTasksList(ctx context.Context, cmd *cli.Command) error {
	var statuses []tasks.TaskStatus
	if s := cmd.String("status"); s != "" {
		st, err := tasks.ParseStatus(s)
		if err != nil {
			return err
		}
		statuses = append(statuses, st)
	}

	return withTaskStore(ctx, cmd, func(store *tasks.Store) error {
		var (
			list []*tasks.Task
			err  error
		)
		if user := cmd.String("user"); user != "" {
			list, err = store.ListUser(ctx, user, statuses...)
		} else {
			list, err = store.ListAll(ctx, statuses...)
		}
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No tasks found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUSER\tSTATUS\tWHEN\tTITLE")
		for _, t := range list {
			when := "-"
			switch {
			case t.Schedule != "":
				when = "cron: " + t.Schedule
			case t.ScheduledAt != nil:
				when = t.ScheduledAt.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.TaskID, t.UserID, t.Status, when, t.Title)
		}
		return w.Flush()
	})
}

func runTasksShow(ctx context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: joi tasks show <task_id>")
	}

	return withTaskStore(ctx, cmd, func(store *tasks.Store) error {
		t, err := findTask(ctx, store, cmd.String("user"), taskID)
		if err != nil {
			return fmt.Errorf("get task: %w", err)
		}

		fmt.Printf("ID:          %s\n", t.TaskID)
		fmt.Printf("Title:       %s\n", t.Title)
		fmt.Printf("User:        %s\n", t.UserID)
		fmt.Printf("Status:      %s\n", t.Status)
		fmt.Printf("Thread:      %s\n", t.ThreadID)
		fmt.Printf("Created:     %s\n", t.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		if t.ScheduledAt != nil {
			fmt.Printf("Scheduled:   %s\n", t.ScheduledAt.Local().Format("2006-01-02 15:04:05"))
		}
		if t.Schedule != "" {
			fmt.Printf("Cron:        %s (%s)\n", t.Schedule, t.CronID)
		}
		if t.Question != "" {
			fmt.Printf("Question:    %s\n", t.Question)
		}
		if t.HasInterrupt() {
			fmt.Println("Approval:    pending")
		}

		if t.Description != "" {
			fmt.Printf("\nDescription:\n%s\n", t.Description)
		}

		if len(t.Log) > 0 {
			fmt.Println("\nLog:")
			for _, e := range t.Log {
				fmt.Printf("  [%s] %s: %s\n", e.At.Local().Format("01-02 15:04:05"), e.Event, e.Detail)
			}
		}

		queued, err := store.ListMessages(ctx, t.UserID, t.TaskID)
		if err == nil && len(queued) > 0 {
			fmt.Printf("\nQueued messages: %d\n", len(queued))
		}
		return nil
	})
}

func runTasksCancel(ctx context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: joi tasks cancel <task_id>")
	}

	userID := cmd.String("user")
	if userID == "" {
		err := withTaskStore(ctx, cmd, func(store *tasks.Store) error {
			t, err := findTask(ctx, store, "", taskID)
			if err != nil {
				return err
			}
			userID = t.UserID
			return nil
		})
		if err != nil {
			return fmt.Errorf("get task: %w", err)
		}
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

	var res map[string]string
	params := map[string]string{"user_id": userID, "task_id": taskID, "reason": cmd.String("reason")}
	if err := client.Call(ws.MethodCancelTask, params, &res); err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	fmt.Println(res["message"])
	return nil
}

