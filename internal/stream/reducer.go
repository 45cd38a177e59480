package stream

import (
	"context"
	"log/slog"

	"github.com/dohr-michael/joi/internal/approval"
)

// Renderer receives the user-visible output of a run.
type Renderer interface {
	SendText(ctx context.Context, text string) error
	UpdateStatus(ctx context.Context, status string) error
	ShowError(ctx context.Context, message string) error
	ShowCompletion(ctx context.Context, tools []*ToolState, usage TokenUsage) error
}

// Reducer folds run events into a tool timeline, token usage and ordered
// assistant text. One Reducer spans a run and all of its resumes.
type Reducer struct {
	renderer Renderer

	tools []*ToolState // top level, arrival order
	all   []*ToolState // every tool including children, arrival order
	usage TokenUsage

	node    string
	pending []string
	texts   map[string]bool // message ids whose text was buffered
	counted map[string]bool // message ids whose usage was added

	completed bool
}

// NewReducer creates a reducer writing to r.
func NewReducer(r Renderer) *Reducer {
	return &Reducer{
		renderer: r,
		texts:    make(map[string]bool),
		counted:  make(map[string]bool),
	}
}

// Tools returns the top-level tool timeline.
func (r *Reducer) Tools() []*ToolState { return r.tools }

// Usage returns the accumulated token usage.
func (r *Reducer) Usage() TokenUsage { return r.usage }

// Apply folds one event. It returns non-nil interrupt data when the run
// suspended for approval; the caller must stop consuming the stream then.
func (r *Reducer) Apply(ctx context.Context, ev Event) *approval.InterruptData {
	switch e := ev.(type) {
	case ToolEvent:
		r.applyTool(e)
		r.status(ctx, FormatStatus(r.tools))
	case NodeUpdate:
		r.applyUpdate(ctx, e)
	case InterruptEvent:
		if len(e.Interrupts) == 0 {
			return nil
		}
		r.flush(ctx)
		if len(r.tools) > 0 {
			r.status(ctx, FormatStatus(r.tools)+" PAUSED")
		}
		return approval.FromInterrupts(e.Interrupts)
	case ErrorEvent:
		r.flush(ctx)
		if err := r.renderer.ShowError(ctx, "Error: "+e.Message); err != nil {
			slog.Warn("stream: show error failed", "error", err)
		}
	case EndEvent:
		r.Complete(ctx)
	}
	return nil
}

func (r *Reducer) applyTool(e ToolEvent) {
	switch e.Kind {
	case ToolStarted:
		t := &ToolState{Name: e.Tool, Display: e.Display, Status: ToolRunning}
		if parent := r.nestParent(e); parent != nil {
			t.IsChild = true
			parent.Children = append(parent.Children, t)
		} else {
			r.tools = append(r.tools, t)
		}
		r.all = append(r.all, t)
	case ToolFinished:
		if t := r.find(e.Tool); t != nil {
			t.Status = ToolDone
		}
	case ToolFailed:
		if t := r.find(e.Tool); t != nil {
			t.Status = ToolError
		}
	case ToolRetried:
		if t := r.find(e.Tool); t != nil {
			t.Status = ToolRetry
			t.RetryCount = e.Attempt
		}
	}
}

// nestParent picks the most recently started top-level tool that is still
// running, for events emitted by a delegated run.
func (r *Reducer) nestParent(e ToolEvent) *ToolState {
	if !e.Nested {
		return nil
	}
	for i := len(r.tools) - 1; i >= 0; i-- {
		if r.tools[i].Status == ToolRunning {
			return r.tools[i]
		}
	}
	return nil
}

// find returns the most recent in-flight tool with that name, falling back to
// the most recent one in any state so the last event always wins.
func (r *Reducer) find(name string) *ToolState {
	var latest *ToolState
	for i := len(r.all) - 1; i >= 0; i-- {
		t := r.all[i]
		if t.Name != name {
			continue
		}
		if t.Status == ToolRunning || t.Status == ToolRetry {
			return t
		}
		if latest == nil {
			latest = t
		}
	}
	return latest
}

func (r *Reducer) applyUpdate(ctx context.Context, u NodeUpdate) {
	identity := u.Namespace + "|" + u.Node
	for _, m := range u.Messages {
		// parent and subgraph views of one message share its id; messages
		// without an id cannot be matched and are always taken
		if m.Usage != nil && (m.ID == "" || !r.counted[m.ID]) {
			if m.ID != "" {
				r.counted[m.ID] = true
			}
			r.usage.Add(*m.Usage)
		}
		if m.Text == "" || (m.ID != "" && r.texts[m.ID]) {
			continue
		}
		if m.ID != "" {
			r.texts[m.ID] = true
		}
		if r.node != "" && r.node != identity {
			r.flush(ctx)
		}
		r.node = identity
		r.pending = append(r.pending, m.Text)
	}
}

func (r *Reducer) flush(ctx context.Context) {
	for _, text := range r.pending {
		if err := r.renderer.SendText(ctx, text); err != nil {
			slog.Warn("stream: send text failed", "error", err)
		}
	}
	r.pending = r.pending[:0]
}

func (r *Reducer) status(ctx context.Context, s string) {
	if err := r.renderer.UpdateStatus(ctx, s); err != nil {
		slog.Debug("stream: status update failed", "error", err)
	}
}

// Flush emits buffered text without completing the run.
func (r *Reducer) Flush(ctx context.Context) { r.flush(ctx) }

// Complete flushes text and shows the completion summary. Only the first
// call has an effect.
func (r *Reducer) Complete(ctx context.Context) {
	r.flush(ctx)
	if r.completed {
		return
	}
	r.completed = true
	if err := r.renderer.ShowCompletion(ctx, r.tools, r.usage); err != nil {
		slog.Warn("stream: show completion failed", "error", err)
	}
}

// Completed reports whether the completion summary was shown.
func (r *Reducer) Completed() bool { return r.completed }
