package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/joi/internal/config"
	"github.com/dohr-michael/joi/internal/kvstore"
	"github.com/dohr-michael/joi/internal/metrics"
	"github.com/dohr-michael/joi/internal/orchestrator"
	"github.com/dohr-michael/joi/internal/secrets"
)

func setupLogging(cmd *cli.Command) {
	if cmd.Bool("debug") {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}
}

// decryptSecrets replaces ENC[age:...] values loaded from .env with their
// plaintext before config templates are expanded.
func decryptSecrets() error {
	names, err := secrets.DecryptEnvFromKeyFile(secrets.KeyPath())
	if err != nil {
		return err
	}
	if len(names) > 0 {
		slog.Debug("secrets decrypted", "vars", names)
	}
	return nil
}

// loadConfig decrypts secrets and reads the config named by --config,
// falling back to defaults when the file is missing.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	if err := decryptSecrets(); err != nil {
		return nil, fmt.Errorf("decrypt secrets: %w", err)
	}
	path := cmd.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			slog.Warn("config not found, using defaults", "path", path)
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// newAgentClient builds the agent-run API client. m may be nil.
func newAgentClient(cfg *config.Config, m *metrics.Metrics) *orchestrator.Client {
	var httpClient *http.Client
	if m != nil {
		httpClient = &http.Client{Transport: m.InstrumentTransport(http.DefaultTransport)}
	}
	return orchestrator.New(orchestrator.Options{
		URL:         cfg.Agent.URL,
		APIKey:      cfg.Agent.APIKey,
		AssistantID: cfg.Agent.AssistantID,
		Timeout:     cfg.Agent.Timeout.Duration(),
		Attempts:    cfg.Agent.Retry.Attempts,
		Backoff:     cfg.Agent.Retry.Backoff.Duration(),
		HTTPClient:  httpClient,
	})
}

// openStore opens the configured key-value backend.
func openStore(ctx context.Context, cfg *config.Config, api *orchestrator.Client) (kvstore.Store, error) {
	var (
		store kvstore.Store
		err   error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Store.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		var s *kvstore.SQLite
		if s, err = kvstore.OpenSQLite(cfg.Store.DSN); err == nil {
			store = s
		}
	case "postgres":
		var s *kvstore.Postgres
		if s, err = kvstore.OpenPostgres(ctx, cfg.Store.DSN); err == nil {
			store = s
		}
	case "file":
		var s *kvstore.File
		if s, err = kvstore.NewFile(cfg.Store.DSN); err == nil {
			store = s
		}
	case "memory":
		store = kvstore.NewMemory()
	case "remote":
		store = orchestrator.NewRemoteStore(api)
	default:
		return nil, fmt.Errorf("unknown store driver %q (sqlite, postgres, file, memory, remote)", cfg.Store.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	slog.Debug("store opened", "driver", cfg.Store.Driver)
	return store, nil
}

func gatewayBaseURL(cfg *config.Config) string {
	return fmt.Sprintf("http://%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
}

func gatewayWSURL(cfg *config.Config) string {
	return fmt.Sprintf("ws://%s:%d/api/ws", cfg.Gateway.Host, cfg.Gateway.Port)
}

func heartbeatPath() string {
	return filepath.Join(config.JoiPath(), "heartbeat.json")
}
