// Package notifier reports background task outcomes to their owners.
//
// A Notifier polls the task store on a fixed interval. Each cycle delivers
// messages queued by running tasks, announces terminal states once, and
// surfaces approval prompts for tasks whose thread is suspended on an
// interrupt.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dohr-michael/joi/internal/approval"
	"github.com/dohr-michael/joi/internal/events"
	"github.com/dohr-michael/joi/internal/metrics"
	"github.com/dohr-michael/joi/internal/orchestrator"
	"github.com/dohr-michael/joi/internal/tasks"
)

// DefaultInterval is the poll interval when none is configured.
const DefaultInterval = 5 * time.Second

// TaskCallbackPrefix marks approve/reject buttons bound to a task interrupt.
const TaskCallbackPrefix = "tsk:"

// Channel delivers text to a user. Message ids are channel specific.
type Channel interface {
	Send(ctx context.Context, recipient, text string) (string, error)
	// SendConfirm sends text with approve/reject buttons whose callback data
	// is callback followed by ":1" or ":0".
	SendConfirm(ctx context.Context, recipient, text, callback string) (string, error)
	Edit(ctx context.Context, recipient, messageID, text string) error
}

// StateReader reads the pending interrupts of an agent thread.
type StateReader interface {
	GetState(ctx context.Context, threadID string) (*orchestrator.ThreadState, error)
}

// Config holds dependencies for the notifier.
type Config struct {
	Store    *tasks.Store
	Channel  Channel
	State    StateReader // nil disables interrupt detection
	Bus      *events.Bus
	Metrics  *metrics.Metrics
	Interval time.Duration
}

// Notifier polls tasks and reports on them.
type Notifier struct {
	store    *tasks.Store
	channel  Channel
	state    StateReader
	bus      *events.Bus
	metrics  *metrics.Metrics
	interval time.Duration
}

// New creates a Notifier.
func New(cfg Config) *Notifier {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Notifier{
		store:    cfg.Store,
		channel:  cfg.Channel,
		state:    cfg.State,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		interval: interval,
	}
}

// Run polls until ctx is cancelled. The first cycle runs immediately.
func (n *Notifier) Run(ctx context.Context) {
	slog.Info("notifier: started", "interval", n.interval)
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		n.Cycle(ctx)
		select {
		case <-ctx.Done():
			slog.Info("notifier: stopped")
			return
		case <-ticker.C:
		}
	}
}

// Cycle runs one poll over every stored task. Failures are logged per task
// and never abort the cycle. A cycle over unchanged state sends nothing.
func (n *Notifier) Cycle(ctx context.Context) {
	start := time.Now()
	defer func() { n.metrics.ObserveNotifierCycle(time.Since(start)) }()

	all, err := n.store.ListAll(ctx)
	if err != nil {
		n.metrics.NotifierError()
		slog.Warn("notifier: list tasks failed", "error", err)
		return
	}

	for _, t := range all {
		if ctx.Err() != nil {
			return
		}
		if err := n.process(ctx, t); err != nil {
			n.metrics.NotifierError()
			slog.Error("notifier: task failed", "task_id", t.TaskID, "user_id", t.UserID, "error", err)
		}
	}
}

func (n *Notifier) process(ctx context.Context, t *tasks.Task) error {
	if err := n.drain(ctx, t); err != nil {
		return err
	}
	if t.Status.Notifiable() && !t.Notified {
		return n.notify(ctx, t)
	}
	if n.state != nil && t.Status.Active() && !t.HasInterrupt() {
		return n.detectInterrupt(ctx, t)
	}
	return nil
}

// drain delivers pending_messages, then messages queued in the store, in
// order. A message is removed only after it was sent; the first failure
// leaves it and everything after it for the next cycle.
func (n *Notifier) drain(ctx context.Context, t *tasks.Task) error {
	if len(t.PendingMessages) > 0 {
		sent := 0
		var sendErr error
		for _, msg := range t.PendingMessages {
			if _, sendErr = n.channel.Send(ctx, t.UserID, msg); sendErr != nil {
				break
			}
			sent++
			n.metrics.NotifierSent("message")
		}
		if sent > 0 {
			t.PendingMessages = append([]string{}, t.PendingMessages[sent:]...)
			if err := n.store.Put(ctx, t); err != nil {
				return fmt.Errorf("persist drained task: %w", err)
			}
		}
		if sendErr != nil {
			return fmt.Errorf("send pending message: %w", sendErr)
		}
	}

	queued, err := n.store.ListMessages(ctx, t.UserID, t.TaskID)
	if err != nil {
		return err
	}
	for _, m := range queued {
		if _, err := n.channel.Send(ctx, t.UserID, m.Text); err != nil {
			return fmt.Errorf("send queued message: %w", err)
		}
		n.metrics.NotifierSent("message")
		if err := n.store.DeleteMessage(ctx, t.UserID, t.TaskID, m.Key); err != nil {
			return fmt.Errorf("delete queued message: %w", err)
		}
	}
	return nil
}

func (n *Notifier) notify(ctx context.Context, t *tasks.Task) error {
	msgID, err := n.channel.Send(ctx, t.UserID, FormatNotification(t))
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	n.metrics.NotifierSent(string(t.Status))

	t.Notified = true
	switch {
	case t.Status == tasks.StatusWaitingUser:
		t.QuestionMsgID = msgID
	case !t.Recurring():
		t.Status = tasks.StatusClosed
	}
	if err := n.store.Put(ctx, t); err != nil {
		return fmt.Errorf("persist notified task: %w", err)
	}

	slog.Info("notifier: sent notification", "task_id", t.TaskID, "user_id", t.UserID, "status", t.Status)
	n.publish(t, events.TaskNotifiedPayload{UserID: t.UserID, TaskID: t.TaskID, Status: string(t.Status), MessageID: msgID})
	return nil
}

func (n *Notifier) detectInterrupt(ctx context.Context, t *tasks.Task) error {
	state, err := n.state.GetState(ctx, t.ThreadID)
	if err != nil {
		// the thread may not exist before its first run
		slog.Debug("notifier: get state failed", "task_id", t.TaskID, "error", err)
		return nil
	}
	if state == nil || len(state.Interrupts) == 0 {
		return nil
	}

	in := approval.FromInterrupts(state.Interrupts)
	text := fmt.Sprintf("Task **%s** needs approval:\n\n%s", t.Title, in.FormatText())
	msgID, err := n.channel.SendConfirm(ctx, t.UserID, text, TaskCallbackPrefix+t.TaskID)
	if err != nil {
		return fmt.Errorf("send approval prompt: %w", err)
	}
	n.metrics.NotifierSent("interrupt")

	t.InterruptData = json.RawMessage(state.Interrupts[0])
	t.InterruptMsgID = msgID
	t.AppendLog("interrupt", strings.Join(in.ActionNames(), ", "))
	if err := n.store.Put(ctx, t); err != nil {
		return fmt.Errorf("persist interrupted task: %w", err)
	}

	slog.Info("notifier: sent interrupt", "task_id", t.TaskID, "user_id", t.UserID, "actions", in.ActionCount)
	n.publish(t, events.TaskInterruptPayload{UserID: t.UserID, TaskID: t.TaskID, MessageID: msgID})
	return nil
}

func (n *Notifier) publish(t *tasks.Task, p events.EventPayload) {
	n.bus.Publish(events.NewTypedEventWithThread(events.SourceNotifier, p, t.ThreadID))
}

// FormatNarrative renders the task title and its log, one "HH:MM [event]
// detail" line per entry.
func FormatNarrative(t *tasks.Task) string {
	lines := []string{"**" + t.Title + "**"}
	for _, e := range t.Log {
		lines = append(lines, fmt.Sprintf("  %s [%s] %s", e.At.Format("15:04"), e.Event, e.Detail))
	}
	return strings.Join(lines, "\n")
}

// FormatNotification renders the terminal message for t.
func FormatNotification(t *tasks.Task) string {
	switch t.Status {
	case tasks.StatusCompleted:
		return "Task completed:\n" + FormatNarrative(t)
	case tasks.StatusFailed:
		return "Task failed:\n" + FormatNarrative(t)
	case tasks.StatusCancelled:
		return "Task cancelled: " + t.Title
	case tasks.StatusWaitingUser:
		q := t.Question
		if q == "" {
			q = "Need your input"
		}
		return fmt.Sprintf("Task needs your input: %s\n\n%s\n\n(Reply to this message to answer)", t.Title, q)
	default:
		return fmt.Sprintf("Task update: %s — %s", t.Title, t.Status)
	}
}
