package telegram

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/dohr-michael/joi/internal/approval"
	"github.com/dohr-michael/joi/internal/session"
	"github.com/dohr-michael/joi/internal/stream"
)

// ConfirmPrefix marks approve/reject buttons of an interactive run.
const ConfirmPrefix = "cfm:"

// chatRenderer shows one exchange in a chat: text as messages, the tool
// timeline as a single status message edited in place, and approval prompts.
type chatRenderer struct {
	ch     *Channel
	chatID int64

	mu       sync.Mutex
	statusID int
	prompts  map[string]int // gate key → prompt message id
}

var (
	_ stream.Renderer  = (*chatRenderer)(nil)
	_ session.Prompter = (*chatRenderer)(nil)
)

func newChatRenderer(ch *Channel, chatID int64) *chatRenderer {
	return &chatRenderer{ch: ch, chatID: chatID, prompts: make(map[string]int)}
}

func (r *chatRenderer) SendText(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	_, err := r.ch.send(ctx, r.chatID, text, nil)
	return err
}

// UpdateStatus edits the status message, creating it on first use. Status
// failures are logged; they never interrupt the run.
func (r *chatRenderer) UpdateStatus(ctx context.Context, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.statusID != 0 {
		if err := r.ch.edit(ctx, r.chatID, r.statusID, status); err != nil {
			slog.Warn("telegram: status update failed", "chat_id", r.chatID, "error", err)
		}
		return nil
	}
	msg, err := r.ch.send(ctx, r.chatID, status, nil)
	if err != nil {
		slog.Warn("telegram: status update failed", "chat_id", r.chatID, "error", err)
		return nil
	}
	r.statusID = msg.MessageID
	return nil
}

// ShowError sends the error as its own message so the completion summary,
// which edits the status message, cannot overwrite it.
func (r *chatRenderer) ShowError(ctx context.Context, message string) error {
	if !strings.HasPrefix(message, "Error: ") {
		message = "Error: " + message
	}
	_, err := r.ch.send(ctx, r.chatID, message, nil)
	return err
}

func (r *chatRenderer) ShowCompletion(ctx context.Context, tools []*stream.ToolState, usage stream.TokenUsage) error {
	if text := CompletionText(tools, usage); text != "" {
		return r.UpdateStatus(ctx, text)
	}
	return nil
}

// CompletionText summarises a finished run: the tool timeline and token
// usage, joined by " | ". Empty when there is nothing to show.
func CompletionText(tools []*stream.ToolState, usage stream.TokenUsage) string {
	var parts []string
	if len(tools) > 0 {
		parts = append(parts, stream.FormatStatus(tools))
	}
	if usage.Total() > 0 {
		parts = append(parts, usage.Format())
	}
	return strings.Join(parts, " | ")
}

func (r *chatRenderer) AskApproval(ctx context.Context, key, text string) error {
	msg, err := r.ch.send(ctx, r.chatID, text, confirmKeyboard(ConfirmPrefix+key))
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.prompts[key] = msg.MessageID
	r.mu.Unlock()
	return nil
}

func (r *chatRenderer) SettleApproval(ctx context.Context, key string, outcome approval.Outcome) error {
	r.mu.Lock()
	id, ok := r.prompts[key]
	delete(r.prompts, key)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.ch.edit(ctx, r.chatID, id, OutcomeLabel(outcome))
}

// OutcomeLabel is the text a settled prompt is replaced with.
func OutcomeLabel(outcome approval.Outcome) string {
	switch outcome {
	case approval.OutcomeApproved:
		return "Approved"
	case approval.OutcomeTimeout:
		return "Rejected (no answer)"
	default:
		return "Rejected"
	}
}
