package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dohr-michael/joi/internal/orchestrator"
	"github.com/dohr-michael/joi/internal/tasks"
)

// Runner starts task executions on the agent server.
type Runner interface {
	// ScheduleOnce runs the task's thread with prompt after delay.
	ScheduleOnce(ctx context.Context, t *tasks.Task, delay time.Duration, prompt string) error
	// ScheduleCron fires prompt into the task's thread on every schedule tick
	// and returns the schedule id.
	ScheduleCron(ctx context.Context, t *tasks.Task, schedule, prompt string) (string, error)
	// Unschedule drops a recurring schedule or a pending delayed run.
	Unschedule(ctx context.Context, t *tasks.Task) error
	// Resume answers a pending interrupt on the task's thread.
	Resume(ctx context.Context, t *tasks.Task, value any) error
	// Send starts an immediate run on the task's thread with a new message.
	Send(ctx context.Context, t *tasks.Task, content string) error
}

// RemoteRunner delegates delayed runs and crons to the agent server.
type RemoteRunner struct {
	api *orchestrator.Client
}

var _ Runner = (*RemoteRunner)(nil)

// NewRemoteRunner wraps api.
func NewRemoteRunner(api *orchestrator.Client) *RemoteRunner {
	return &RemoteRunner{api: api}
}

func (r *RemoteRunner) ScheduleOnce(ctx context.Context, t *tasks.Task, delay time.Duration, prompt string) error {
	after := int(delay / time.Second)
	if after < 1 {
		after = 1
	}
	run, err := r.api.CreateRun(ctx, t.ThreadID, orchestrator.RunRequest{
		Input:        orchestrator.UserInput(prompt),
		Config:       orchestrator.UserConfig(t.UserID),
		AfterSeconds: after,
		IfNotExists:  "create",
	})
	if err != nil {
		return err
	}
	slog.Info("scheduler: task run scheduled", "task_id", t.TaskID, "thread_id", t.ThreadID, "after", after, "run_id", run.RunID)
	return nil
}

func (r *RemoteRunner) ScheduleCron(ctx context.Context, t *tasks.Task, schedule, prompt string) (string, error) {
	cron, err := r.api.CreateCron(ctx, t.ThreadID, orchestrator.RunRequest{
		Input:    orchestrator.UserInput(prompt),
		Config:   orchestrator.UserConfig(t.UserID),
		Schedule: schedule,
	})
	if err != nil {
		return "", err
	}
	slog.Info("scheduler: task cron created", "task_id", t.TaskID, "thread_id", t.ThreadID, "schedule", schedule, "cron_id", cron.CronID)
	return cron.CronID, nil
}

// Unschedule removes the cron. Delayed runs already queued on the server are
// left alone; the task's cancelled status tells the agent to stop.
func (r *RemoteRunner) Unschedule(ctx context.Context, t *tasks.Task) error {
	if t.CronID == "" {
		return nil
	}
	return r.api.DeleteCron(ctx, t.CronID)
}

func (r *RemoteRunner) Resume(ctx context.Context, t *tasks.Task, value any) error {
	_, err := r.api.CreateRun(ctx, t.ThreadID, orchestrator.RunRequest{
		Command: &orchestrator.Command{Resume: value},
		Config:  orchestrator.UserConfig(t.UserID),
	})
	if err != nil {
		return fmt.Errorf("resume task %s: %w", t.TaskID, err)
	}
	slog.Info("scheduler: task interrupt resumed", "task_id", t.TaskID, "thread_id", t.ThreadID)
	return nil
}

func (r *RemoteRunner) Send(ctx context.Context, t *tasks.Task, content string) error {
	_, err := r.api.CreateRun(ctx, t.ThreadID, orchestrator.RunRequest{
		Input:       orchestrator.UserInput(content),
		Config:      orchestrator.UserConfig(t.UserID),
		IfNotExists: "create",
	})
	if err != nil {
		return fmt.Errorf("send to task %s: %w", t.TaskID, err)
	}
	slog.Info("scheduler: task resumed", "task_id", t.TaskID, "thread_id", t.ThreadID)
	return nil
}
