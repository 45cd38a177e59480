package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/joi/internal/approval"
	"github.com/dohr-michael/joi/internal/channels/telegram"
	"github.com/dohr-michael/joi/internal/config"
	"github.com/dohr-michael/joi/internal/events"
	"github.com/dohr-michael/joi/internal/gateway"
	"github.com/dohr-michael/joi/internal/heartbeat"
	"github.com/dohr-michael/joi/internal/metrics"
	"github.com/dohr-michael/joi/internal/notifier"
	"github.com/dohr-michael/joi/internal/scheduler"
	"github.com/dohr-michael/joi/internal/session"
	"github.com/dohr-michael/joi/internal/storage"
	"github.com/dohr-michael/joi/internal/tasks"
)

// NewServeCommand returns the serve subcommand.
func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the Telegram bot, task notifier and gateway",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "host",
				Usage: "Gateway host to listen on",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "Gateway port to listen on",
			},
			&cli.StringFlag{
				Name:  "scheduler",
				Usage: "Where schedules live: remote or local",
			},
		},
		Action: runServe,
	}
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	setupLogging(cmd)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.IsSet("host") {
		cfg.Gateway.Host = cmd.String("host")
	}
	if cmd.IsSet("port") {
		cfg.Gateway.Port = int(cmd.Int("port"))
	}
	if cmd.IsSet("scheduler") {
		cfg.Scheduler.Mode = cmd.String("scheduler")
	}

	// Event bus, audit log and metrics
	bus := events.NewBus(cfg.Events.BufferSize)
	defer bus.Close()

	eventLog := storage.NewEventLogger(cfg.Events.LogDir, bus)
	defer eventLog.Close()

	m := metrics.New()

	// Agent server and task storage
	api := newAgentClient(cfg, m)

	kv, err := openStore(ctx, cfg, api)
	if err != nil {
		return err
	}
	defer kv.Close()

	usage := storage.NewUsageTracker(bus, kv)
	defer usage.Close()

	store := tasks.NewStore(kv)

	// Scheduler
	var (
		runner scheduler.Runner
		local  *scheduler.LocalRunner
	)
	switch cfg.Scheduler.Mode {
	case "remote":
		runner = scheduler.NewRemoteRunner(api)
	case "local":
		local = scheduler.NewLocalRunner(api, nil)
		local.Start()
		defer local.Stop()
		armed, err := local.Recover(ctx, store)
		if err != nil {
			return fmt.Errorf("recover schedules: %w", err)
		}
		slog.Info("scheduler: schedules recovered", "armed", armed)
		runner = local
	default:
		return fmt.Errorf("unknown scheduler mode %q (remote, local)", cfg.Scheduler.Mode)
	}
	sched := scheduler.New(scheduler.Config{Store: store, Runner: runner, Bus: bus, Metrics: m})

	// Interactive sessions
	gate := approval.NewGate(approval.DefaultEarlyTTL)
	policy := approval.NewPolicy(cfg.Approval.AutoApprove)
	sessions := session.New(session.Config{
		API:             api,
		Channel:         telegram.ChannelName,
		Gate:            gate,
		Policy:          policy,
		Bus:             bus,
		Metrics:         m,
		RunTimeout:      cfg.Session.RunTimeout.Duration(),
		ApprovalTimeout: cfg.Approval.Timeout.Duration(),
	})

	// Telegram bot and notifier
	var handler *telegram.Handler
	if cfg.Telegram.Token != "" {
		bot, err := telegram.NewBot(cfg.Telegram.Token, cfg.Telegram.Proxy)
		if err != nil {
			return err
		}
		ch := telegram.NewChannel(bot)
		handler = telegram.NewHandler(telegram.HandlerOptions{
			Channel:      ch,
			Runner:       sessions,
			Scheduler:    sched,
			Bus:          bus,
			AllowedUsers: cfg.Telegram.AllowedUsers,
			Debounce:     cfg.Telegram.Debounce.Duration(),
		})
		if err := handler.Start(ctx); err != nil {
			return err
		}

		n := notifier.New(notifier.Config{
			Store:    store,
			Channel:  ch,
			State:    api,
			Bus:      bus,
			Metrics:  m,
			Interval: cfg.Notifier.Interval.Duration(),
		})
		go n.Run(ctx)
	} else {
		slog.Warn("telegram token not configured, bot and notifier disabled")
	}

	// Hot reload
	reloader := config.NewReloader(cmd.String("config"), config.DotenvPath(), cfg)
	reloader.BeforeLoad(decryptSecrets)
	reloader.OnReload(func(c *config.Config) {
		policy.SetPatterns(c.Approval.AutoApprove)
		if handler != nil {
			handler.SetAllowedUsers(c.Telegram.AllowedUsers)
			handler.SetDebounce(c.Telegram.Debounce.Duration())
		}
	})
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-hup:
				if err := reloader.Reload(); err != nil {
					slog.Error("config reload failed", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Gateway
	server := gateway.NewServer(gateway.Options{
		Bus:       bus,
		Scheduler: sched,
		Gate:      gate,
		KV:        kv,
		Metrics:   m,
		Host:      cfg.Gateway.Host,
		Port:      cfg.Gateway.Port,
	})
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	hb := heartbeat.NewWriter(heartbeat.Options{
		Path:      heartbeatPath(),
		Gateway:   fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
		Scheduler: cfg.Scheduler.Mode,
		Probe: func() map[string]int {
			g := map[string]int{"pending_approvals": gate.Pending()}
			if local != nil {
				g["armed_timers"] = local.Pending()
			}
			return g
		},
	})
	hb.Start()
	defer hb.Stop()

	slog.Info("joi serving", "scheduler", cfg.Scheduler.Mode, "store", cfg.Store.Driver, "telegram", handler != nil)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
