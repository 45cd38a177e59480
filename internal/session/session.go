// Package session runs interactive exchanges: one user message streamed
// through the agent, with tool calls paused for human approval.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/joi/internal/approval"
	"github.com/dohr-michael/joi/internal/events"
	"github.com/dohr-michael/joi/internal/metrics"
	"github.com/dohr-michael/joi/internal/orchestrator"
	"github.com/dohr-michael/joi/internal/stream"
)

// Defaults for the run and approval timeouts.
const (
	DefaultRunTimeout      = 10 * time.Minute
	DefaultApprovalTimeout = 5 * time.Minute
)

// CancelledText is shown when an approval is rejected or times out.
const CancelledText = "Action cancelled."

// ErrRunTimeout is returned when the whole exchange exceeded its deadline.
var ErrRunTimeout = errors.New("run timed out")

// Prompter asks the user to approve an interrupt. The user's answer is
// delivered separately through Gate.Resolve with the same key.
type Prompter interface {
	AskApproval(ctx context.Context, key, text string) error
	// SettleApproval replaces the prompt once it is no longer actionable.
	SettleApproval(ctx context.Context, key string, outcome approval.Outcome) error
}

// ThreadID derives the persistent conversation thread of a user on a channel.
func ThreadID(channel, userID string) string {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(channel+"-"+userID)).String()
}

// Config holds dependencies for the runner.
type Config struct {
	API             *orchestrator.Client
	Channel         string // thread namespace, e.g. "telegram"
	Gate            *approval.Gate
	Policy          *approval.Policy
	Bus             *events.Bus
	Metrics         *metrics.Metrics
	RunTimeout      time.Duration
	ApprovalTimeout time.Duration
}

// Runner executes interactive runs.
type Runner struct {
	api             *orchestrator.Client
	channel         string
	gate            *approval.Gate
	policy          *approval.Policy
	bus             *events.Bus
	metrics         *metrics.Metrics
	runTimeout      time.Duration
	approvalTimeout time.Duration
}

// New creates a Runner.
func New(cfg Config) *Runner {
	r := &Runner{
		api:             cfg.API,
		channel:         cfg.Channel,
		gate:            cfg.Gate,
		policy:          cfg.Policy,
		bus:             cfg.Bus,
		metrics:         cfg.Metrics,
		runTimeout:      cfg.RunTimeout,
		approvalTimeout: cfg.ApprovalTimeout,
	}
	if r.gate == nil {
		r.gate = approval.NewGate(approval.DefaultEarlyTTL)
	}
	if r.policy == nil {
		r.policy = approval.NewPolicy(nil)
	}
	if r.runTimeout <= 0 {
		r.runTimeout = DefaultRunTimeout
	}
	if r.approvalTimeout <= 0 {
		r.approvalTimeout = DefaultApprovalTimeout
	}
	return r
}

// Gate returns the gate approvals are resolved on.
func (r *Runner) Gate() *approval.Gate { return r.gate }

// Policy returns the auto-approval policy.
func (r *Runner) Policy() *approval.Policy { return r.policy }

// Request is one user message.
type Request struct {
	UserID   string
	Content  string
	Renderer stream.Renderer
	Prompter Prompter
}

// Run streams the message and resolves every interrupt the run raises,
// resuming until the run completes. On failure one error message is shown
// after whatever text was already streamed.
func (r *Runner) Run(ctx context.Context, req Request) error {
	ctx, cancel := context.WithTimeout(ctx, r.runTimeout)
	defer cancel()

	thread := ThreadID(r.channel, req.UserID)
	client := stream.NewClient(r.api, stream.Options{
		ThreadID: thread,
		UserID:   req.UserID,
		Renderer: req.Renderer,
		Bus:      r.bus,
		Metrics:  r.metrics,
	})

	in, err := client.Run(ctx, req.Content)
	for err == nil && in != nil {
		approved := r.decide(ctx, thread, req, in)
		if !approved {
			if sendErr := req.Renderer.SendText(ctx, CancelledText); sendErr != nil {
				slog.Warn("session: send cancel notice", "thread_id", thread, "error", sendErr)
			}
		}
		in, err = client.Resume(ctx, in, approved)
	}
	if err == nil {
		return nil
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %w", ErrRunTimeout, r.runTimeout, err)
	}
	// the run context may be gone; the error notice gets its own budget
	showCtx, showCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer showCancel()
	if showErr := req.Renderer.ShowError(showCtx, ErrorText(err)); showErr != nil {
		slog.Warn("session: show error", "thread_id", thread, "error", showErr)
	}
	return err
}

// decide returns the user's verdict on in, auto-approving when the policy
// allows every action.
func (r *Runner) decide(ctx context.Context, thread string, req Request, in *approval.InterruptData) bool {
	if r.policy.Allows(thread, in) {
		slog.Info("session: auto-approved", "thread_id", thread, "actions", in.ActionNames())
		r.metrics.ApprovalOutcome("auto")
		return true
	}
	if req.Prompter == nil {
		slog.Warn("session: no prompter, rejecting interrupt", "thread_id", thread)
		r.metrics.ApprovalOutcome("rejected")
		return false
	}

	key := approval.NewKey()
	text := in.FormatText()
	if err := req.Prompter.AskApproval(ctx, key, text); err != nil {
		slog.Error("session: ask approval", "thread_id", thread, "error", err)
		r.metrics.ApprovalOutcome("error")
		return false
	}
	r.publish(thread, events.ApprovalRequestedPayload{Key: key, UserID: req.UserID, Text: text})

	approved, outcome := r.gate.Wait(ctx, key, r.approvalTimeout)
	slog.Info("session: approval settled", "thread_id", thread, "key", key, "outcome", outcome)
	r.metrics.ApprovalOutcome(string(outcome))
	r.publish(thread, events.ApprovalResolvedPayload{Key: key, Approved: approved, Outcome: string(outcome)})

	if err := req.Prompter.SettleApproval(context.WithoutCancel(ctx), key, outcome); err != nil {
		slog.Warn("session: settle approval", "thread_id", thread, "error", err)
	}
	return approved
}

func (r *Runner) publish(thread string, p events.EventPayload) {
	r.bus.Publish(events.NewTypedEventWithThread(events.SourceSession, p, thread))
}

// ErrorText renders err for the user.
func ErrorText(err error) string {
	var se *orchestrator.StatusError
	switch {
	case errors.Is(err, ErrRunTimeout):
		return "Error: the request took too long and was stopped."
	case errors.As(err, &se):
		return fmt.Sprintf("Error: the agent returned %d.", se.Code)
	default:
		return "Error: " + err.Error()
	}
}
