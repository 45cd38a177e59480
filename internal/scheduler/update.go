package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dohr-michael/joi/internal/approval"
	"github.com/dohr-michael/joi/internal/events"
	"github.com/dohr-michael/joi/internal/tasks"
)

// Actions a running task may report.
const (
	ActionStart    = "start"
	ActionProgress = "progress"
	ActionComplete = "complete"
	ActionFail     = "fail"
	ActionRetry    = "retry"
	ActionAsk      = "ask"
	ActionCancel   = "cancel"
)

// UpdateRequest is one task update, normally issued by the task's own run.
type UpdateRequest struct {
	UserID   string `json:"user_id"`
	TaskID   string `json:"task_id"`
	Action   string `json:"action"`
	Detail   string `json:"detail,omitempty"`
	RetryIn  int    `json:"retry_in,omitempty"` // minutes
	Question string `json:"question,omitempty"`
	Message  string `json:"message,omitempty"` // queued for the user
}

func (s *Scheduler) load(ctx context.Context, userID, taskID string) (*tasks.Task, error) {
	t, err := s.store.Get(ctx, userID, taskID)
	if errors.Is(err, tasks.ErrNotFound) {
		return nil, invalid("Task %s not found.", taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	return t, nil
}

// Update applies req to the task's state machine and returns the
// confirmation for the caller. Every transition except retry and progress
// re-arms notification.
func (s *Scheduler) Update(ctx context.Context, req UpdateRequest) (string, error) {
	t, err := s.load(ctx, req.UserID, req.TaskID)
	if err != nil {
		return "", err
	}

	switch req.Action {
	case ActionStart:
		t.Status = tasks.StatusRunning
		t.Notified = false
		t.AppendLog("started", orDefault(req.Detail, "Task started"))

	case ActionProgress:
		t.AppendLog("progress", req.Detail)

	case ActionComplete:
		t.Status = tasks.StatusCompleted
		t.Notified = false
		t.AppendLog("completed", orDefault(req.Detail, "Task completed"))

	case ActionFail:
		t.Status = tasks.StatusFailed
		t.Notified = false
		t.AppendLog("failed", orDefault(req.Detail, "Task failed"))

	case ActionCancel:
		t.Status = tasks.StatusCancelled
		t.Notified = false
		t.AppendLog("cancelled", orDefault(req.Detail, "Task cancelled"))
		if err := s.runner.Unschedule(ctx, t); err != nil {
			slog.Warn("scheduler: unschedule cancelled task", "task_id", t.TaskID, "error", err)
		}

	case ActionAsk:
		if strings.TrimSpace(req.Question) == "" {
			return "", invalid("Question is required for action=ask")
		}
		t.Status = tasks.StatusWaitingUser
		t.Question = req.Question
		t.QuestionMsgID = ""
		t.Notified = false
		t.AppendLog("asked", req.Question)

	case ActionRetry:
		return s.retry(ctx, t, req)

	default:
		return "", invalid("Unknown action: %s. Valid: start, progress, complete, fail, retry, ask, cancel", req.Action)
	}

	enqueue(t, req.Message)
	if err := s.store.Put(ctx, t); err != nil {
		return "", fmt.Errorf("persist task %s: %w", t.TaskID, err)
	}
	s.updated(t, req.Action)

	return fmt.Sprintf("Task %s: %s — %s", t.TaskID, req.Action, firstNonEmpty(req.Detail, req.Question, "done")), nil
}

func (s *Scheduler) retry(ctx context.Context, t *tasks.Task, req UpdateRequest) (string, error) {
	minutes := req.RetryIn
	if minutes <= 0 {
		minutes = DefaultRetryMinutes
	}
	at := s.now().UTC().Add(time.Duration(minutes) * time.Minute)

	t.Status = tasks.StatusRetry
	t.ScheduledAt = &at
	t.AppendLog("retry", orDefault(req.Detail, fmt.Sprintf("Retrying in %dm", minutes)))
	enqueue(t, req.Message)
	if err := s.store.Put(ctx, t); err != nil {
		return "", fmt.Errorf("persist task %s: %w", t.TaskID, err)
	}

	if err := s.runner.ScheduleOnce(ctx, t, time.Duration(minutes)*time.Minute, TaskPrompt(t)); err != nil {
		return "", s.scheduleFailed(ctx, t, err)
	}
	s.updated(t, ActionRetry)
	return fmt.Sprintf("Task %s will retry in %d minutes.", t.TaskID, minutes), nil
}

func (s *Scheduler) updated(t *tasks.Task, action string) {
	slog.Info("scheduler: task updated", "task_id", t.TaskID, "user_id", t.UserID, "action", action, "status", t.Status)
	s.metrics.TaskUpdated(action)
	s.publish(t, events.TaskUpdatedPayload{UserID: t.UserID, TaskID: t.TaskID, Action: action, Status: string(t.Status)})
}

// Cancel stops a task on behalf of the user.
func (s *Scheduler) Cancel(ctx context.Context, userID, taskID, reason string) (string, error) {
	return s.Update(ctx, UpdateRequest{UserID: userID, TaskID: taskID, Action: ActionCancel, Detail: orDefault(reason, "Cancelled by user")})
}

// Answer delivers the user's reply to a task waiting on a question and
// resumes its thread.
func (s *Scheduler) Answer(ctx context.Context, userID, taskID, answer string) error {
	t, err := s.load(ctx, userID, taskID)
	if err != nil {
		return err
	}
	if t.Status != tasks.StatusWaitingUser {
		return invalid("Task %s is not waiting for an answer.", taskID)
	}
	if strings.TrimSpace(answer) == "" {
		return invalid("Answer is empty.")
	}

	t.Status = tasks.StatusRunning
	t.Question = ""
	t.QuestionMsgID = ""
	t.Notified = false
	t.AppendLog("answered", answer)
	if err := s.store.Put(ctx, t); err != nil {
		return fmt.Errorf("persist task %s: %w", t.TaskID, err)
	}
	if err := s.runner.Send(ctx, t, AnswerPrompt(answer)); err != nil {
		return s.scheduleFailed(ctx, t, err)
	}
	s.updated(t, "answer")
	return nil
}

// ResolveInterrupt resumes a task suspended on an approval with the user's
// decision. The stored interrupt is cleared only once the resume was accepted.
func (s *Scheduler) ResolveInterrupt(ctx context.Context, userID, taskID string, approved bool) error {
	t, err := s.load(ctx, userID, taskID)
	if err != nil {
		return err
	}
	if !t.HasInterrupt() {
		return invalid("Task %s has no pending approval.", taskID)
	}

	in := approval.FromRaw(t.InterruptData)
	if err := s.runner.Resume(ctx, t, in.BuildResumeValue(approved)); err != nil {
		return fmt.Errorf("resume task %s: %w", taskID, err)
	}

	decision := "rejected"
	if approved {
		decision = "approved"
	}
	t.InterruptData = nil
	t.InterruptMsgID = ""
	t.AppendLog("interrupt_resolved", decision)
	if err := s.store.Put(ctx, t); err != nil {
		return fmt.Errorf("persist task %s: %w", t.TaskID, err)
	}
	s.updated(t, "interrupt_"+decision)
	return nil
}

// List renders the user's tasks, newest first, optionally filtered by status.
func (s *Scheduler) List(ctx context.Context, userID, statusFilter string) (string, error) {
	var statuses []tasks.TaskStatus
	if statusFilter != "" {
		st, err := tasks.ParseStatus(statusFilter)
		if err != nil {
			return "", invalid("Unknown status: %s. Valid: %s", statusFilter, statusNames())
		}
		statuses = append(statuses, st)
	}

	list, err := s.store.ListUser(ctx, userID, statuses...)
	if err != nil {
		return "", fmt.Errorf("list tasks: %w", err)
	}
	if len(list) == 0 {
		return "No tasks found.", nil
	}

	lines := make([]string, 0, len(list))
	for _, t := range list {
		lines = append(lines, FormatListLine(t))
	}
	return strings.Join(lines, "\n"), nil
}

// FormatListLine renders one task as "- [status] title | id:… | at:… | last: …".
func FormatListLine(t *tasks.Task) string {
	sched := "—"
	if t.ScheduledAt != nil {
		sched = t.ScheduledAt.Format("2006-01-02 15:04")
	}
	cron := ""
	if t.Schedule != "" {
		cron = " (cron: " + t.Schedule + ")"
	}
	last := "—"
	if e, ok := t.LastLog(); ok {
		last = e.Detail
	}
	return fmt.Sprintf("- [%s] %s | id:%s | at:%s%s | last: %s", t.Status, t.Title, t.TaskID, sched, cron, last)
}

func statusNames() string {
	names := make([]string, len(tasks.AllStatuses))
	for i, st := range tasks.AllStatuses {
		names[i] = string(st)
	}
	return strings.Join(names, ", ")
}

func enqueue(t *tasks.Task, msg string) {
	if strings.TrimSpace(msg) != "" {
		t.PendingMessages = append(t.PendingMessages, msg)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
