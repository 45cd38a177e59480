// Package stream drives one interactive agent run: it decodes the run's event
// stream, folds it into a tool timeline and token usage, and forwards text,
// status and completion to a Renderer.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dohr-michael/joi/internal/approval"
	"github.com/dohr-michael/joi/internal/events"
	"github.com/dohr-michael/joi/internal/metrics"
	"github.com/dohr-michael/joi/internal/orchestrator"
)

var streamModes = []string{"updates", "custom"}

// Options configures a Client.
type Options struct {
	ThreadID string
	UserID   string
	Renderer Renderer
	Bus      *events.Bus
	Metrics  *metrics.Metrics
}

// Client runs and resumes one thread. Tool and usage state accumulate across
// Run and Resume so the completion summary covers the whole exchange.
type Client struct {
	api      *orchestrator.Client
	threadID string
	userID   string
	reducer  *Reducer
	bus      *events.Bus
	metrics  *metrics.Metrics
}

// NewClient creates a stream client for one user message.
func NewClient(api *orchestrator.Client, opts Options) *Client {
	return &Client{
		api:      api,
		threadID: opts.ThreadID,
		userID:   opts.UserID,
		reducer:  NewReducer(opts.Renderer),
		bus:      opts.Bus,
		metrics:  opts.Metrics,
	}
}

// Reducer exposes the accumulated run state.
func (c *Client) Reducer() *Reducer { return c.reducer }

func (c *Client) config() *orchestrator.RunConfig {
	if c.userID == "" {
		return nil
	}
	return orchestrator.UserConfig(c.userID)
}

// Run sends content as a new user message and consumes the run until it
// completes or suspends on an interrupt.
func (c *Client) Run(ctx context.Context, content string) (*approval.InterruptData, error) {
	c.publish(events.RunStartedPayload{UserID: c.userID})
	s, err := c.api.StreamRun(ctx, c.threadID, orchestrator.RunRequest{
		Input:           orchestrator.UserInput(content),
		Config:          c.config(),
		StreamMode:      streamModes,
		StreamSubgraphs: true,
		IfNotExists:     "create",
	})
	if err != nil {
		c.fail(err)
		return nil, fmt.Errorf("start run: %w", err)
	}
	return c.consume(ctx, s)
}

// Resume answers a pending interrupt and consumes the continued run.
func (c *Client) Resume(ctx context.Context, in *approval.InterruptData, approved bool) (*approval.InterruptData, error) {
	c.publish(events.RunStartedPayload{UserID: c.userID, Resume: true})
	s, err := c.api.StreamRun(ctx, c.threadID, orchestrator.RunRequest{
		Command:         &orchestrator.Command{Resume: in.BuildResumeValue(approved)},
		Config:          c.config(),
		StreamMode:      streamModes,
		StreamSubgraphs: true,
	})
	if err != nil {
		c.fail(err)
		return nil, fmt.Errorf("resume run: %w", err)
	}
	return c.consume(ctx, s)
}

func (c *Client) consume(ctx context.Context, s *orchestrator.Stream) (*approval.InterruptData, error) {
	defer s.Close()
	for {
		frame, err := s.Next()
		if errors.Is(err, io.EOF) {
			c.reducer.Complete(ctx)
			c.completed()
			return nil, nil
		}
		if err != nil {
			c.reducer.Flush(ctx)
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			c.fail(err)
			return nil, fmt.Errorf("read run stream: %w", err)
		}

		evs, err := ParseFrame(frame)
		if err != nil {
			slog.Debug("stream: skipping malformed event", "thread_id", c.threadID, "event", frame.Event, "error", err)
			c.metrics.StreamEvent("malformed")
			continue
		}
		for _, ev := range evs {
			c.metrics.StreamEvent(Kind(ev))
			if in := c.reducer.Apply(ctx, ev); in != nil {
				slog.Info("stream: run interrupted", "thread_id", c.threadID, "actions", in.ActionNames())
				c.metrics.RunOutcome("interrupted")
				c.publish(events.RunInterruptedPayload{UserID: c.userID, InterruptID: in.InterruptID, Actions: in.ActionNames()})
				return in, nil
			}
		}
	}
}

func (c *Client) completed() {
	u := c.reducer.Usage()
	names := make([]string, 0, len(c.reducer.Tools()))
	for _, t := range c.reducer.Tools() {
		names = append(names, t.Name)
	}
	slog.Info("stream: run completed", "thread_id", c.threadID, "tools", len(names), "usage", u.Format())
	c.metrics.RunOutcome("completed")
	c.metrics.AddTokens(u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheCreationTokens)
	c.publish(events.RunCompletedPayload{
		UserID:              c.userID,
		Tools:               names,
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CacheReadTokens:     u.CacheReadTokens,
		CacheCreationTokens: u.CacheCreationTokens,
	})
}

func (c *Client) fail(err error) {
	slog.Error("stream: run failed", "thread_id", c.threadID, "error", err)
	c.metrics.RunOutcome("error")
	c.publish(events.RunErrorPayload{UserID: c.userID, Error: err.Error()})
}

func (c *Client) publish(p events.EventPayload) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.NewTypedEventWithThread(events.SourceSession, p, c.threadID))
}
