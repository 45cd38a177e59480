// Package scheduler creates background tasks, applies the updates a running
// task reports, and routes user answers and approvals back into task threads.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dohr-michael/joi/internal/events"
	"github.com/dohr-michael/joi/internal/metrics"
	"github.com/dohr-michael/joi/internal/tasks"
)

// DefaultRetryMinutes is used when a retry does not say when.
const DefaultRetryMinutes = 5

// ValidationError is a user-facing rejection. No side effects happened.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// Config holds dependencies for the scheduler.
type Config struct {
	Store   *tasks.Store
	Runner  Runner
	Bus     *events.Bus
	Metrics *metrics.Metrics
}

// Scheduler owns the task lifecycle.
type Scheduler struct {
	store   *tasks.Store
	runner  Runner
	bus     *events.Bus
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		store:   cfg.Store,
		runner:  cfg.Runner,
		bus:     cfg.Bus,
		metrics: cfg.Metrics,
		now:     time.Now,
	}
}

// Store returns the task store the scheduler writes to.
func (s *Scheduler) Store() *tasks.Store { return s.store }

// Request describes a task to schedule. One-shot tasks need DelaySeconds or
// an ISO-8601 When; recurring tasks need a cron expression in When.
type Request struct {
	UserID       string `json:"user_id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	When         string `json:"when,omitempty"`
	DelaySeconds int    `json:"delay_seconds,omitempty"`
	Recurring    bool   `json:"recurring,omitempty"`
}

// Result is a scheduled task and the confirmation shown to the caller.
type Result struct {
	Task    *tasks.Task `json:"task"`
	Message string      `json:"message"`
}

// Schedule validates req, persists the task and registers its execution.
func (s *Scheduler) Schedule(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, invalid("A user is required to schedule a task")
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, invalid("Title is required")
	}
	if req.Recurring {
		return s.scheduleRecurring(ctx, req)
	}
	return s.scheduleOnce(ctx, req)
}

func (s *Scheduler) newTask(req Request) *tasks.Task {
	id := tasks.NewTaskID()
	return &tasks.Task{
		TaskID:      id,
		Title:       req.Title,
		Status:      tasks.StatusScheduled,
		CreatedAt:   s.now().UTC(),
		ThreadID:    tasks.ThreadID(req.UserID, id),
		UserID:      req.UserID,
		Description: req.Description,
	}
}

func (s *Scheduler) scheduleRecurring(ctx context.Context, req Request) (*Result, error) {
	expr := strings.TrimSpace(req.When)
	if expr == "" {
		return nil, invalid("Recurring tasks need a cron expression in 'when'")
	}
	if _, err := ParseCron(expr); err != nil {
		return nil, invalid("Invalid cron expression %q: %v", expr, errors.Unwrap(err))
	}

	t := s.newTask(req)
	now := t.CreatedAt
	t.ScheduledAt = &now
	t.Schedule = expr
	t.AppendLog("created", "Recurring task: "+expr)
	if err := s.store.Put(ctx, t); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}

	cronID, err := s.runner.ScheduleCron(ctx, t, expr, TaskPrompt(t))
	if err != nil {
		return nil, s.scheduleFailed(ctx, t, err)
	}
	t.CronID = cronID
	if err := s.store.Put(ctx, t); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}

	slog.Info("scheduler: recurring task created", "task_id", t.TaskID, "user_id", t.UserID, "schedule", expr, "cron_id", cronID)
	s.metrics.TaskScheduled("recurring")
	s.publish(t, events.TaskScheduledPayload{UserID: t.UserID, TaskID: t.TaskID, Title: t.Title, ScheduledAt: t.ScheduledAt, Schedule: expr})
	return &Result{
		Task:    t,
		Message: fmt.Sprintf("Recurring task scheduled: %s (cron: %s, task_id: %s)", t.Title, expr, t.TaskID),
	}, nil
}

func (s *Scheduler) scheduleOnce(ctx context.Context, req Request) (*Result, error) {
	now := s.now().UTC()
	var target time.Time
	switch {
	case req.DelaySeconds > 0:
		target = now.Add(time.Duration(req.DelaySeconds) * time.Second)
	case strings.TrimSpace(req.When) != "":
		at, err := ParseWhen(req.When)
		if err != nil {
			return nil, invalid("Invalid time %q: use an ISO datetime like 2026-02-16T15:30:00Z", req.When)
		}
		target = at
	default:
		return nil, invalid("One-shot tasks need 'when' (ISO datetime) or 'delay_seconds'")
	}

	delay := max(int(target.Sub(now)/time.Second), 1)

	t := s.newTask(req)
	t.ScheduledAt = &target
	t.AppendLog("created", fmt.Sprintf("Scheduled for %s, delay=%ds", target.Format(time.RFC3339), delay))
	if err := s.store.Put(ctx, t); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}

	if err := s.runner.ScheduleOnce(ctx, t, time.Duration(delay)*time.Second, TaskPrompt(t)); err != nil {
		return nil, s.scheduleFailed(ctx, t, err)
	}
	if err := s.store.Put(ctx, t); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}

	slog.Info("scheduler: task created", "task_id", t.TaskID, "user_id", t.UserID, "scheduled_at", target, "delay", delay)
	s.metrics.TaskScheduled("once")
	s.publish(t, events.TaskScheduledPayload{UserID: t.UserID, TaskID: t.TaskID, Title: t.Title, ScheduledAt: t.ScheduledAt})
	return &Result{
		Task:    t,
		Message: fmt.Sprintf("Task scheduled: %s (in %ds, task_id: %s)", t.Title, delay, t.TaskID),
	}, nil
}

// scheduleFailed records a registration failure on the task so the notifier
// reports it, and returns the wrapped cause.
func (s *Scheduler) scheduleFailed(ctx context.Context, t *tasks.Task, cause error) error {
	t.AppendLog("error", cause.Error())
	t.Status = tasks.StatusFailed
	t.Notified = false
	if err := s.store.Put(ctx, t); err != nil {
		slog.Error("scheduler: persist failed task", "task_id", t.TaskID, "error", err)
	}
	slog.Error("scheduler: register task failed", "task_id", t.TaskID, "error", cause)
	return fmt.Errorf("schedule task %s: %w", t.TaskID, cause)
}

// ParseWhen parses an ISO-8601 timestamp. "Z" and numeric offsets are
// accepted; timestamps without a zone are taken as UTC.
func ParseWhen(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	layouts := []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04:05", "2006-01-02 15:04"}
	var firstErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return time.Time{}, firstErr
}

// TaskPrompt is the message that starts every execution of t.
func TaskPrompt(t *tasks.Task) string {
	kind := "Background Task"
	if t.Recurring() {
		kind = "Recurring Task"
	}
	id := t.TaskID
	var b strings.Builder
	fmt.Fprintf(&b, "[%s: %s] (task_id: %s)\n\n", kind, t.Title, id)
	fmt.Fprintf(&b, "%s\n\n", t.Description)
	b.WriteString("You are executing a scheduled background task. Work autonomously.\n")
	fmt.Fprintf(&b, "First: update_task(task_id='%s', action='start') before doing anything else.\n", id)
	fmt.Fprintf(&b, "Log progress: update_task(task_id='%s', action='progress', detail='...').\n", id)
	fmt.Fprintf(&b, "When done: update_task(task_id='%s', action='complete', detail='summary').\n", id)
	fmt.Fprintf(&b, "On failure: update_task(task_id='%s', action='fail', detail='reason').\n", id)
	fmt.Fprintf(&b, "If blocked: update_task(task_id='%s', action='retry', retry_in=minutes) or "+
		"update_task(task_id='%s', action='ask', question='...').", id, id)
	return b.String()
}

// AnswerPrompt is the message that resumes a task after the user answered.
func AnswerPrompt(answer string) string {
	return "[User answered your question]\n\n" + answer + "\n\nContinue the task with this information."
}

func (s *Scheduler) publish(t *tasks.Task, p events.EventPayload) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.NewTypedEventWithThread(events.SourceScheduler, p, t.ThreadID))
}
