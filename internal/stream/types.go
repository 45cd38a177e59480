package stream

import (
	"fmt"
	"strings"
)

// ToolStatus is the lifecycle state of one tool invocation.
type ToolStatus string

const (
	ToolPending ToolStatus = "pending"
	ToolRunning ToolStatus = "running"
	ToolDone    ToolStatus = "done"
	ToolError   ToolStatus = "error"
	ToolRetry   ToolStatus = "retry"
)

// ToolState is one observed tool invocation. Nested invocations made by a
// delegated run hang off their parent as children.
type ToolState struct {
	Name       string       `json:"name"`
	Display    string       `json:"display"`
	Status     ToolStatus   `json:"status"`
	RetryCount int          `json:"retry_count,omitempty"`
	Children   []*ToolState `json:"children,omitempty"`
	IsChild    bool         `json:"is_child,omitempty"`
}

// Format renders "<status> <display>", or "retry #N <display>" while retrying.
func (t *ToolState) Format() string {
	var s string
	if t.Status == ToolRetry {
		s = fmt.Sprintf("retry #%d %s", t.RetryCount, t.Display)
	} else {
		s = string(t.Status) + " " + t.Display
	}
	if len(t.Children) == 0 {
		return s
	}
	kids := make([]string, len(t.Children))
	for i, c := range t.Children {
		kids[i] = c.Format()
	}
	return s + " > " + strings.Join(kids, ", ")
}

// FormatStatus renders the status line for the top-level tools.
func FormatStatus(tools []*ToolState) string {
	parts := make([]string, 0, len(tools))
	for _, t := range tools {
		if t.IsChild {
			continue
		}
		parts = append(parts, t.Format())
	}
	if len(parts) == 0 {
		return "Processing..."
	}
	return strings.Join(parts, " -> ")
}

// TokenUsage accumulates model token counts. Counters only grow.
type TokenUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_tokens"`
	CacheCreationTokens int `json:"cache_creation_tokens"`
}

// Add accumulates o into u.
func (u *TokenUsage) Add(o TokenUsage) {
	u.InputTokens += o.InputTokens
	u.OutputTokens += o.OutputTokens
	u.CacheReadTokens += o.CacheReadTokens
	u.CacheCreationTokens += o.CacheCreationTokens
}

// Total is input plus output tokens.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Format renders "1.2k in / 300 out".
func (u TokenUsage) Format() string {
	return formatCount(u.InputTokens) + " in / " + formatCount(u.OutputTokens) + " out"
}

func formatCount(n int) string {
	if n >= 1000 {
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}
