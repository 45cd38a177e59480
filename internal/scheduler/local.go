package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	cron "github.com/netresearch/go-cron"

	"github.com/dohr-michael/joi/internal/orchestrator"
	"github.com/dohr-michael/joi/internal/tasks"
)

const localCronPrefix = "local-"

// LocalRunner keeps timers and cron entries in-process and starts an
// immediate run on the agent server when they fire. It serves agent servers
// that lack delayed runs or crons. Schedules do not survive a restart on
// their own; call Recover at start-up.
type LocalRunner struct {
	remote *RemoteRunner
	engine *cron.Cron

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	crons  map[string]cron.EntryID
	timers map[string]*time.Timer
}

var _ Runner = (*LocalRunner)(nil)

// NewLocalRunner creates a runner evaluating cron expressions in loc.
func NewLocalRunner(api *orchestrator.Client, loc *time.Location) *LocalRunner {
	if loc == nil {
		loc = time.Local
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalRunner{
		remote: NewRemoteRunner(api),
		engine: cron.New(cron.WithParser(cronParser), cron.WithLocation(loc)),
		ctx:    ctx,
		cancel: cancel,
		crons:  make(map[string]cron.EntryID),
		timers: make(map[string]*time.Timer),
	}
}

func localKey(t *tasks.Task) string {
	return t.UserID + "/" + t.TaskID
}

// Start begins evaluating cron entries.
func (l *LocalRunner) Start() {
	l.engine.Start()
	slog.Info("scheduler: local runner started")
}

// Stop halts the cron engine and every pending timer.
func (l *LocalRunner) Stop() {
	<-l.engine.Stop().Done()
	l.cancel()

	l.mu.Lock()
	defer l.mu.Unlock()
	for k, t := range l.timers {
		t.Stop()
		delete(l.timers, k)
	}
	slog.Info("scheduler: local runner stopped")
}

func (l *LocalRunner) fire(t *tasks.Task, prompt, trigger string) {
	ctx, cancel := context.WithTimeout(l.ctx, time.Minute)
	defer cancel()
	if err := l.remote.Send(ctx, t, prompt); err != nil {
		slog.Error("scheduler: local fire failed", "task_id", t.TaskID, "trigger", trigger, "error", err)
		return
	}
	slog.Info("scheduler: local fire", "task_id", t.TaskID, "trigger", trigger)
}

func (l *LocalRunner) ScheduleOnce(_ context.Context, t *tasks.Task, delay time.Duration, prompt string) error {
	if delay < time.Second {
		delay = time.Second
	}
	task := *t
	key := localKey(t)

	l.mu.Lock()
	defer l.mu.Unlock()
	if old, ok := l.timers[key]; ok {
		old.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		l.mu.Lock()
		if l.timers[key] == timer {
			delete(l.timers, key)
		}
		l.mu.Unlock()
		l.fire(&task, prompt, "timer")
	})
	l.timers[key] = timer
	slog.Info("scheduler: local run armed", "task_id", t.TaskID, "delay", delay)
	return nil
}

func (l *LocalRunner) ScheduleCron(_ context.Context, t *tasks.Task, schedule, prompt string) (string, error) {
	task := *t
	key := localKey(t)

	l.mu.Lock()
	defer l.mu.Unlock()
	if old, ok := l.crons[key]; ok {
		l.engine.Remove(old)
	}
	id, err := l.engine.AddFunc(schedule, func() { l.fire(&task, prompt, "cron") })
	if err != nil {
		return "", err
	}
	l.crons[key] = id
	slog.Info("scheduler: local cron armed", "task_id", t.TaskID, "schedule", schedule)
	return localCronPrefix + t.TaskID, nil
}

func (l *LocalRunner) Unschedule(_ context.Context, t *tasks.Task) error {
	key := localKey(t)
	l.mu.Lock()
	defer l.mu.Unlock()
	if id, ok := l.crons[key]; ok {
		l.engine.Remove(id)
		delete(l.crons, key)
	}
	if timer, ok := l.timers[key]; ok {
		timer.Stop()
		delete(l.timers, key)
	}
	return nil
}

func (l *LocalRunner) Resume(ctx context.Context, t *tasks.Task, value any) error {
	return l.remote.Resume(ctx, t, value)
}

func (l *LocalRunner) Send(ctx context.Context, t *tasks.Task, content string) error {
	return l.remote.Send(ctx, t, content)
}

// Pending returns the number of armed timers and cron entries.
func (l *LocalRunner) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers) + len(l.crons)
}

// Recover re-arms schedules from persisted tasks: recurring tasks that were
// registered locally and are not cancelled or closed, and one-shot tasks
// still waiting to run.
func (l *LocalRunner) Recover(ctx context.Context, store *tasks.Store) (int, error) {
	all, err := store.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	armed := 0
	for _, t := range all {
		switch {
		case t.Recurring():
			if t.Status == tasks.StatusCancelled || t.Status == tasks.StatusClosed {
				continue
			}
			if !strings.HasPrefix(t.CronID, localCronPrefix) || t.Schedule == "" {
				continue
			}
			if _, err := l.ScheduleCron(ctx, t, t.Schedule, TaskPrompt(t)); err != nil {
				slog.Warn("scheduler: recover cron failed", "task_id", t.TaskID, "error", err)
				continue
			}
			armed++
		case t.Status == tasks.StatusScheduled || t.Status == tasks.StatusRetry:
			delay := time.Second
			if t.ScheduledAt != nil {
				delay = max(t.ScheduledAt.Sub(now), time.Second)
			}
			if err := l.ScheduleOnce(ctx, t, delay, TaskPrompt(t)); err != nil {
				slog.Warn("scheduler: recover run failed", "task_id", t.TaskID, "error", err)
				continue
			}
			armed++
		}
	}
	slog.Info("scheduler: recovered local schedules", "armed", armed)
	return armed, nil
}
