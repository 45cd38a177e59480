package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/joi/internal/approval"
	"github.com/dohr-michael/joi/internal/events"
	"github.com/dohr-michael/joi/internal/metrics"
	"github.com/dohr-michael/joi/internal/session"
)

// cliChannel namespaces conversation threads started from the terminal.
const cliChannel = "cli"

// NewAskCommand returns the ask subcommand.
func NewAskCommand() *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "Send a message to the agent and print the response",
		ArgsUsage: "<message>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "user",
				Aliases: []string{"u"},
				Usage:   "User id the conversation thread belongs to",
				Value:   "local",
			},
			&cli.BoolFlag{
				Name:    "dangerously-accept-all",
				Aliases: []string{"y"},
				Usage:   "Auto-approve all tool calls (no confirmation prompts)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Run timeout (0 = config value)",
			},
		},
		Action: runAsk,
	}
}

func runAsk(ctx context.Context, cmd *cli.Command) error {
	message := strings.Join(cmd.Args().Slice(), " ")
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("usage: joi ask <message>")
	}

	setupLogging(cmd)
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	bus := events.NewBus(64)
	defer bus.Close()

	runTimeout := cfg.Session.RunTimeout.Duration()
	if d := cmd.Duration("timeout"); d > 0 {
		runTimeout = d
	}

	gate := approval.NewGate(approval.DefaultEarlyTTL)
	policy := approval.NewPolicy(cfg.Approval.AutoApprove)
	userID := cmd.String("user")
	if cmd.Bool("dangerously-accept-all") {
		policy.AcceptAll(session.ThreadID(cliChannel, userID))
	}

	m := metrics.New()
	runner := session.New(session.Config{
		API:             newAgentClient(cfg, m),
		Channel:         cliChannel,
		Gate:            gate,
		Policy:          policy,
		Bus:             bus,
		Metrics:         m,
		RunTimeout:      runTimeout,
		ApprovalTimeout: cfg.Approval.Timeout.Duration(),
	})

	return runner.Run(ctx, session.Request{
		UserID:   userID,
		Content:  message,
		Renderer: newTermRenderer(os.Stdout),
		Prompter: newStdinPrompter(os.Stdin, os.Stdout, gate),
	})
}

// stdinPrompter asks approval questions on the terminal and feeds the
// answer to the gate. One goroutine owns stdin; prompts receive its lines.
type stdinPrompter struct {
	out   io.Writer
	gate  *approval.Gate
	lines chan string

	mu      sync.Mutex
	pending map[string]chan struct{}
}

func newStdinPrompter(in io.Reader, out io.Writer, gate *approval.Gate) *stdinPrompter {
	p := &stdinPrompter{
		out:     out,
		gate:    gate,
		lines:   make(chan string),
		pending: make(map[string]chan struct{}),
	}
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			p.lines <- scanner.Text()
		}
		close(p.lines)
	}()
	return p
}

func (p *stdinPrompter) AskApproval(ctx context.Context, key, text string) error {
	done := make(chan struct{})
	p.mu.Lock()
	p.pending[key] = done
	p.mu.Unlock()

	fmt.Fprintf(p.out, "\n%s\n%s ", text, askStyle.Render("Approve? [y/N]"))
	go func() {
		select {
		case line, ok := <-p.lines:
			answer := strings.ToLower(strings.TrimSpace(line))
			p.gate.Resolve(key, ok && (answer == "y" || answer == "yes"))
		case <-done:
		case <-ctx.Done():
		}
	}()
	return nil
}

func (p *stdinPrompter) SettleApproval(_ context.Context, key string, outcome approval.Outcome) error {
	p.mu.Lock()
	done, ok := p.pending[key]
	delete(p.pending, key)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	close(done)
	if outcome == approval.OutcomeTimeout {
		fmt.Fprintln(p.out, mutedStyle.Render("\nNo answer, rejected."))
	}
	return nil
}
