// Package tasks holds the background task model and its key-value persistence.
package tasks

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	StatusScheduled   TaskStatus = "scheduled"
	StatusRunning     TaskStatus = "running"
	StatusCompleted   TaskStatus = "completed"
	StatusFailed      TaskStatus = "failed"
	StatusWaitingUser TaskStatus = "waiting_user"
	StatusRetry       TaskStatus = "retry"
	StatusCancelled   TaskStatus = "cancelled"
	StatusClosed      TaskStatus = "closed"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []TaskStatus{
	StatusScheduled, StatusRunning, StatusCompleted, StatusFailed,
	StatusWaitingUser, StatusRetry, StatusCancelled, StatusClosed,
}

// ParseStatus validates a status string.
func ParseStatus(s string) (TaskStatus, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	names := make([]string, len(AllStatuses))
	for i, st := range AllStatuses {
		names[i] = string(st)
	}
	return "", fmt.Errorf("unknown status: %s. Valid: %s", s, strings.Join(names, ", "))
}

// Notifiable reports whether the status is a terminal state the notifier reports.
func (s TaskStatus) Notifiable() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusWaitingUser, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether a run may still be executing (and so may suspend on an interrupt).
func (s TaskStatus) Active() bool {
	switch s {
	case StatusScheduled, StatusRunning, StatusRetry:
		return true
	}
	return false
}

// LogEntry is one line of a task's append-only history.
type LogEntry struct {
	At     time.Time `json:"at"`
	Event  string    `json:"event"`
	Detail string    `json:"detail"`
}

// Task is the unit of background work.
type Task struct {
	TaskID          string          `json:"task_id"`
	Title           string          `json:"title"`
	Status          TaskStatus      `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	ScheduledAt     *time.Time      `json:"scheduled_at,omitempty"`
	ThreadID        string          `json:"thread_id"`
	UserID          string          `json:"user_id"`
	CronID          string          `json:"cron_id,omitempty"`
	Schedule        string          `json:"schedule,omitempty"`
	Notified        bool            `json:"notified"`
	Question        string          `json:"question,omitempty"`
	QuestionMsgID   string          `json:"question_msg_id,omitempty"`
	Description     string          `json:"description"`
	InterruptData   json.RawMessage `json:"interrupt_data,omitempty"`
	InterruptMsgID  string          `json:"interrupt_msg_id,omitempty"`
	Log             []LogEntry      `json:"log"`
	PendingMessages []string        `json:"pending_messages"`
}

// Recurring reports whether the task is driven by a cron schedule.
func (t *Task) Recurring() bool {
	return t.CronID != "" || t.Schedule != ""
}

// AppendLog records an event. The log is never reordered or truncated.
func (t *Task) AppendLog(event, detail string) {
	t.Log = append(t.Log, LogEntry{At: time.Now().UTC(), Event: event, Detail: detail})
}

// LastLog returns the most recent log entry, if any.
func (t *Task) LastLog() (LogEntry, bool) {
	if len(t.Log) == 0 {
		return LogEntry{}, false
	}
	return t.Log[len(t.Log)-1], true
}

// HasInterrupt reports whether an approval prompt is outstanding.
func (t *Task) HasInterrupt() bool {
	s := strings.TrimSpace(string(t.InterruptData))
	return s != "" && s != "null"
}

// NewTaskID returns a 12-character hex identifier.
func NewTaskID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// ThreadID derives the deterministic execution thread of a task, so every
// fire of the same task replays into one thread.
func ThreadID(userID, taskID string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte("task-"+userID+"-"+taskID)).String()
}
