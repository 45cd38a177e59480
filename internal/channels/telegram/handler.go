package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/dohr-michael/joi/internal/approval"
	"github.com/dohr-michael/joi/internal/debounce"
	"github.com/dohr-michael/joi/internal/events"
	"github.com/dohr-michael/joi/internal/notifier"
	"github.com/dohr-michael/joi/internal/scheduler"
	"github.com/dohr-michael/joi/internal/session"
	"github.com/dohr-michael/joi/internal/tasks"
)

// ChannelName namespaces conversation threads of Telegram users.
const ChannelName = "tg"

// DefaultTypingInterval is how often the typing indicator is refreshed.
const DefaultTypingInterval = 4 * time.Second

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	Channel        *Channel
	Runner         *session.Runner
	Scheduler      *scheduler.Scheduler
	Bus            *events.Bus
	AllowedUsers   []int64 // empty allows everyone
	Debounce       time.Duration
	TypingInterval time.Duration
}

// Handler routes incoming updates. Plain messages are debounced per user and
// run as one interactive exchange; replies to a task question answer that
// task; button presses resolve approvals.
type Handler struct {
	ch        *Channel
	runner    *session.Runner
	sched     *scheduler.Scheduler
	bus       *events.Bus
	debouncer *debounce.Debouncer[int64]
	typing    time.Duration

	ctx context.Context

	mu      sync.RWMutex
	allowed map[int64]bool

	locksMu sync.Mutex
	locks   map[string]*userLock // present while a run of that user holds or awaits it
}

// NewHandler creates a Handler.
func NewHandler(opts HandlerOptions) *Handler {
	window := opts.Debounce
	if window <= 0 {
		window = 500 * time.Millisecond
	}
	typing := opts.TypingInterval
	if typing <= 0 {
		typing = DefaultTypingInterval
	}
	h := &Handler{
		ch:        opts.Channel,
		runner:    opts.Runner,
		sched:     opts.Scheduler,
		bus:       opts.Bus,
		debouncer: debounce.New[int64](window),
		typing:    typing,
		ctx:       context.Background(),
		locks:     make(map[string]*userLock),
	}
	h.SetAllowedUsers(opts.AllowedUsers)
	return h
}

// SetAllowedUsers replaces the allow-list. Empty allows everyone.
func (h *Handler) SetAllowedUsers(ids []int64) {
	allowed := make(map[int64]bool, len(ids))
	for _, id := range ids {
		allowed[id] = true
	}
	h.mu.Lock()
	h.allowed = allowed
	h.mu.Unlock()
}

// SetDebounce changes the quiet window for later messages.
func (h *Handler) SetDebounce(window time.Duration) {
	h.debouncer.SetWindow(window)
}

func (h *Handler) isAllowed(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allowed) == 0 || h.allowed[userID]
}

// Start long-polls the bot for updates until ctx is cancelled.
func (h *Handler) Start(ctx context.Context) error {
	bot := h.ch.bot
	if bot == nil {
		return errors.New("telegram: no bot configured")
	}
	h.ctx = ctx

	updates, err := bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{Timeout: 30})
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}
	bh, err := th.NewBotHandler(bot, updates)
	if err != nil {
		return fmt.Errorf("create bot handler: %w", err)
	}

	bh.HandleCallbackQuery(func(c *th.Context, q telego.CallbackQuery) error {
		h.handleCallback(c, q)
		return nil
	}, th.AnyCallbackQuery())
	bh.HandleMessage(func(c *th.Context, m telego.Message) error {
		h.handleMessage(c, m)
		return nil
	}, th.AnyMessage())

	slog.Info("telegram: bot connected", "username", bot.Username())
	go bh.Start()
	go func() {
		<-ctx.Done()
		bh.Stop()
		h.debouncer.Stop()
		slog.Info("telegram: bot stopped")
	}()
	return nil
}

func (h *Handler) reply(ctx context.Context, chatID int64, text string) {
	if _, err := h.ch.send(ctx, chatID, text, nil); err != nil {
		slog.Warn("telegram: reply failed", "chat_id", chatID, "error", err)
	}
}

func (h *Handler) handleMessage(ctx context.Context, m telego.Message) {
	if m.From == nil || strings.TrimSpace(m.Text) == "" {
		return
	}
	if !h.isAllowed(m.From.ID) {
		slog.Debug("telegram: message rejected by allowlist", "user_id", m.From.ID)
		return
	}
	userID := formatID(m.From.ID)
	chatID := m.Chat.ID
	slog.Info("telegram: message", "user_id", userID, "length", len(m.Text))

	if strings.HasPrefix(m.Text, "/") && h.handleCommand(ctx, userID, chatID, m.Text) {
		return
	}
	if h.tryTaskReply(ctx, userID, chatID, m) {
		return
	}

	h.bus.Publish(events.NewTypedEvent(events.SourceTelegram, events.IncomingMessagePayload{
		Channel: ChannelName, UserID: userID, Content: m.Text,
	}))
	if err := h.ch.typing(ctx, chatID); err != nil {
		slog.Debug("telegram: typing failed", "chat_id", chatID, "error", err)
	}
	h.debouncer.Add(userID, m.Text, chatID, func(combined string, chatID int64) {
		h.runSession(userID, chatID, combined)
	})
}

// handleCommand answers bot commands; unknown commands go to the agent.
func (h *Handler) handleCommand(ctx context.Context, userID string, chatID int64, text string) bool {
	fields := strings.Fields(text)
	cmd, _, _ := strings.Cut(fields[0], "@")
	args := fields[1:]
	thread := session.ThreadID(ChannelName, userID)

	switch cmd {
	case "/start":
		h.reply(ctx, chatID, "Ready. Ask me anything.")
	case "/tasks":
		filter := ""
		if len(args) > 0 {
			filter = args[0]
		}
		out, err := h.sched.List(ctx, userID, filter)
		h.reply(ctx, chatID, userText(out, err))
	case "/cancel":
		if len(args) == 0 {
			h.reply(ctx, chatID, "Usage: /cancel <task_id>")
			return true
		}
		out, err := h.sched.Cancel(ctx, userID, args[0], "Cancelled from Telegram")
		h.reply(ctx, chatID, userText(out, err))
	case "/yolo":
		h.runner.Policy().AcceptAll(thread)
		h.reply(ctx, chatID, "Tool calls in this chat are approved automatically. /safe to undo.")
	case "/safe":
		h.runner.Policy().Forget(thread)
		h.reply(ctx, chatID, "Tool calls in this chat need approval again.")
	default:
		return false
	}
	return true
}

func userText(out string, err error) string {
	var verr *scheduler.ValidationError
	switch {
	case err == nil:
		return out
	case errors.As(err, &verr):
		return verr.Msg
	default:
		slog.Error("telegram: command failed", "error", err)
		return "Sorry, something went wrong."
	}
}

// tryTaskReply routes a reply to a task question into that task.
func (h *Handler) tryTaskReply(ctx context.Context, userID string, chatID int64, m telego.Message) bool {
	if m.ReplyToMessage == nil || h.sched == nil {
		return false
	}
	replyID := formatID(m.ReplyToMessage.MessageID)

	waiting, err := h.sched.Store().ListUser(ctx, userID, tasks.StatusWaitingUser)
	if err != nil {
		slog.Warn("telegram: task reply check failed", "user_id", userID, "error", err)
		return false
	}
	for _, t := range waiting {
		if t.QuestionMsgID != replyID {
			continue
		}
		if err := h.sched.Answer(ctx, userID, t.TaskID, m.Text); err != nil {
			h.reply(ctx, chatID, userText("", err))
			return true
		}
		h.reply(ctx, chatID, "Got it, resuming the task...")
		slog.Info("telegram: task reply routed", "user_id", userID, "task_id", t.TaskID)
		return true
	}
	return false
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// lockUser blocks until no other run of userID is active. The returned func
// releases the lock and forgets it once nobody else is waiting.
func (h *Handler) lockUser(userID string) func() {
	h.locksMu.Lock()
	l, ok := h.locks[userID]
	if !ok {
		l = &userLock{}
		h.locks[userID] = l
	}
	l.refs++
	h.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		h.locksMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(h.locks, userID)
		}
		h.locksMu.Unlock()
	}
}

// runSession runs one debounced batch. Runs of the same user are serialised.
func (h *Handler) runSession(userID string, chatID int64, content string) {
	unlock := h.lockUser(userID)
	defer unlock()

	ctx := h.ctx
	stop := h.keepTyping(ctx, chatID)
	defer stop()

	r := newChatRenderer(h.ch, chatID)
	if err := h.runner.Run(ctx, session.Request{UserID: userID, Content: content, Renderer: r, Prompter: r}); err != nil {
		slog.Error("telegram: session failed", "user_id", userID, "error", err)
	}
}

// keepTyping refreshes the typing indicator until the returned func is called.
func (h *Handler) keepTyping(ctx context.Context, chatID int64) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(h.typing)
		defer ticker.Stop()
		for {
			_ = h.ch.typing(ctx, chatID)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// parseCallback splits "<prefix><id>:<1|0>".
func parseCallback(data, prefix string) (id string, approved bool, ok bool) {
	rest, found := strings.CutPrefix(data, prefix)
	if !found {
		return "", false, false
	}
	i := strings.LastIndex(rest, ":")
	if i <= 0 {
		return "", false, false
	}
	switch rest[i+1:] {
	case "1":
		approved = true
	case "0":
	default:
		return "", false, false
	}
	return rest[:i], approved, true
}

func (h *Handler) answerCallback(ctx context.Context, q telego.CallbackQuery, text string) {
	if err := h.ch.api.AnswerCallbackQuery(ctx, tu.CallbackQuery(q.ID).WithText(text)); err != nil {
		slog.Debug("telegram: answer callback failed", "error", err)
	}
}

func (h *Handler) handleCallback(ctx context.Context, q telego.CallbackQuery) {
	if !h.isAllowed(q.From.ID) {
		h.answerCallback(ctx, q, "Not allowed")
		return
	}

	if key, approved, ok := parseCallback(q.Data, ConfirmPrefix); ok {
		label := OutcomeLabel(verdictOutcome(approved))
		if !h.runner.Gate().Resolve(key, approved) {
			label = "This prompt has expired."
		}
		h.answerCallback(ctx, q, label)
		return
	}

	if taskID, approved, ok := parseCallback(q.Data, notifier.TaskCallbackPrefix); ok {
		userID := formatID(q.From.ID)
		if err := h.sched.ResolveInterrupt(ctx, userID, taskID, approved); err != nil {
			slog.Error("telegram: resolve task interrupt", "task_id", taskID, "error", err)
			h.answerCallback(ctx, q, userText("", err))
			return
		}
		label := OutcomeLabel(verdictOutcome(approved))
		h.answerCallback(ctx, q, label)
		if m, ok := q.Message.(*telego.Message); ok && m != nil {
			if err := h.ch.edit(ctx, m.Chat.ID, m.MessageID, m.Text+"\n\n"+label); err != nil {
				slog.Debug("telegram: edit task prompt failed", "error", err)
			}
		}
		return
	}

	h.answerCallback(ctx, q, "")
}

func verdictOutcome(approved bool) approval.Outcome {
	if approved {
		return approval.OutcomeApproved
	}
	return approval.OutcomeRejected
}
