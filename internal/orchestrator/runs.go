package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
)

// Message is one chat message sent as run input.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Input starts a run with new user messages.
type Input struct {
	Messages []Message `json:"messages"`
}

// Command resumes a suspended run.
type Command struct {
	Resume any `json:"resume"`
}

// RunConfig carries per-run configuration for the graph.
type RunConfig struct {
	Configurable map[string]any `json:"configurable,omitempty"`
}

// RunRequest is the body of run, stream and cron requests.
type RunRequest struct {
	AssistantID     string     `json:"assistant_id"`
	Input           *Input     `json:"input,omitempty"`
	Command         *Command   `json:"command,omitempty"`
	Config          *RunConfig `json:"config,omitempty"`
	StreamMode      []string   `json:"stream_mode,omitempty"`
	StreamSubgraphs bool       `json:"stream_subgraphs,omitempty"`
	IfNotExists     string     `json:"if_not_exists,omitempty"`
	AfterSeconds    int        `json:"after_seconds,omitempty"`
	Schedule        string     `json:"schedule,omitempty"`
}

// UserInput builds an input with a single user message.
func UserInput(content string) *Input {
	return &Input{Messages: []Message{{Role: "user", Content: content}}}
}

// UserConfig binds a run to a user.
func UserConfig(userID string) *RunConfig {
	return &RunConfig{Configurable: map[string]any{"user_id": userID}}
}

// Run is the server's view of a created run.
type Run struct {
	RunID    string `json:"run_id"`
	ThreadID string `json:"thread_id"`
	Status   string `json:"status,omitempty"`
}

// Cron is the server's view of a created schedule.
type Cron struct {
	CronID   string `json:"cron_id"`
	ThreadID string `json:"thread_id,omitempty"`
	Schedule string `json:"schedule,omitempty"`
}

// ThreadState holds the interrupts pending on a thread.
type ThreadState struct {
	Interrupts []json.RawMessage
}

func threadPath(threadID, suffix string) string {
	return "/threads/" + url.PathEscape(threadID) + suffix
}

func (c *Client) fill(req *RunRequest) {
	if req.AssistantID == "" {
		req.AssistantID = c.assistantID
	}
}

// StreamRun starts (or resumes) a run and returns its event stream. The
// request is retried only until the server answers; a stream that breaks
// midway is the caller's concern.
func (c *Client) StreamRun(ctx context.Context, threadID string, req RunRequest) (*Stream, error) {
	c.fill(&req)
	path := threadPath(threadID, "/runs/stream")
	body, err := encodeBody(http.MethodPost, path, req)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			wait := c.backoff << (attempt - 1)
			slog.Debug("orchestrator: retrying stream", "thread_id", threadID, "attempt", attempt+1, "wait", wait, "error", lastErr)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
		stream, err := c.openStream(ctx, path, body)
		if err == nil {
			return stream, nil
		}
		if !retryable(ctx, err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("stream run %s: giving up after %d attempts: %w", threadID, c.attempts, lastErr)
}

func (c *Client) openStream(ctx context.Context, path string, body []byte) (*Stream, error) {
	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", path, err)
	}
	if err := checkStatus(http.MethodPost, path, resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return newStream(resp.Body), nil
}

// CreateRun starts a background run, delayed by req.AfterSeconds.
func (c *Client) CreateRun(ctx context.Context, threadID string, req RunRequest) (*Run, error) {
	c.fill(&req)
	var run Run
	if err := c.do(ctx, http.MethodPost, threadPath(threadID, "/runs"), req, &run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return &run, nil
}

// CreateCron attaches a recurring schedule to a thread.
func (c *Client) CreateCron(ctx context.Context, threadID string, req RunRequest) (*Cron, error) {
	c.fill(&req)
	var cron Cron
	if err := c.do(ctx, http.MethodPost, threadPath(threadID, "/runs/crons"), req, &cron); err != nil {
		return nil, fmt.Errorf("create cron: %w", err)
	}
	if cron.CronID == "" {
		return nil, fmt.Errorf("create cron: response has no cron_id")
	}
	return &cron, nil
}

// DeleteCron removes a schedule. A schedule the server no longer knows is not an error.
func (c *Client) DeleteCron(ctx context.Context, cronID string) error {
	err := c.do(ctx, http.MethodDelete, "/runs/crons/"+url.PathEscape(cronID), nil, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete cron: %w", err)
	}
	return nil
}

type stateResponse struct {
	Interrupts json.RawMessage `json:"interrupts"`
	Tasks      []struct {
		Interrupts []json.RawMessage `json:"interrupts"`
	} `json:"tasks"`
}

// GetState returns the pending interrupts of a thread. Top-level interrupts
// are preferred; older servers only report them per task.
func (c *Client) GetState(ctx context.Context, threadID string) (*ThreadState, error) {
	var resp stateResponse
	if err := c.do(ctx, http.MethodGet, threadPath(threadID, "/state"), nil, &resp); err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}
	st := &ThreadState{Interrupts: interruptList(resp.Interrupts)}
	if len(st.Interrupts) == 0 {
		for _, t := range resp.Tasks {
			st.Interrupts = append(st.Interrupts, t.Interrupts...)
		}
	}
	return st, nil
}

// interruptList accepts both the list form and the map form keyed by task id.
func interruptList(raw json.RawMessage) []json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var byTask map[string][]json.RawMessage
	if err := json.Unmarshal(raw, &byTask); err != nil {
		return nil
	}
	keys := make([]string, 0, len(byTask))
	for k := range byTask {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		list = append(list, byTask[k]...)
	}
	return list
}
