package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"charm.land/lipgloss/v2"
	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"github.com/dohr-michael/joi/internal/stream"
)

var (
	toolStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true)
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	askStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#7C3AED")).Bold(true)
)

// termRenderer prints an exchange to a terminal. Agent text goes through
// glamour when stdout is a TTY; status lines are only repainted when the
// tool timeline changes.
type termRenderer struct {
	out io.Writer
	md  *glamour.TermRenderer
	tty bool

	mu         sync.Mutex
	lastStatus string
}

var _ stream.Renderer = (*termRenderer)(nil)

func newTermRenderer(out *os.File) *termRenderer {
	r := &termRenderer{out: out}
	fd := int(out.Fd())
	if !term.IsTerminal(fd) {
		return r
	}
	r.tty = true

	width := 100
	if w, _, err := term.GetSize(fd); err == nil && w > 0 {
		width = min(w-2, 120)
	}
	md, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err == nil {
		r.md = md
	}
	return r
}

func (r *termRenderer) style(s lipgloss.Style, text string) string {
	if !r.tty {
		return text
	}
	return s.Render(text)
}

func (r *termRenderer) SendText(_ context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if r.md != nil {
		if rendered, err := r.md.Render(text); err == nil {
			text = strings.TrimRight(rendered, "\n")
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := fmt.Fprintln(r.out, text)
	return err
}

func (r *termRenderer) UpdateStatus(_ context.Context, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status == r.lastStatus {
		return nil
	}
	r.lastStatus = status
	_, err := fmt.Fprintln(r.out, r.style(toolStyle, status))
	return err
}

func (r *termRenderer) ShowError(_ context.Context, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := fmt.Fprintln(r.out, r.style(errorStyle, message))
	return err
}

func (r *termRenderer) ShowCompletion(_ context.Context, tools []*stream.ToolState, usage stream.TokenUsage) error {
	var parts []string
	if len(tools) > 0 {
		parts = append(parts, stream.FormatStatus(tools))
	}
	if usage.Total() > 0 {
		parts = append(parts, usage.Format())
	}
	if len(parts) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := fmt.Fprintln(r.out, r.style(mutedStyle, strings.Join(parts, " | ")))
	return err
}
