package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/dohr-michael/joi/internal/config"
	"github.com/dohr-michael/joi/internal/secrets"
)

// NewInitCommand returns the onboarding subcommand.
func NewInitCommand() *cli.Command {
	return &cli.Command{
		Name:   "init",
		Usage:  "Initialize the joi home directory (~/.joi)",
		Action: runInit,
	}
}

func runInit(_ context.Context, _ *cli.Command) error {
	root := config.JoiPath()
	created := false

	for _, d := range []string{root, filepath.Join(root, "logs")} {
		if _, err := os.Stat(d); err != nil {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return fmt.Errorf("create dir %s: %w", d, err)
			}
			fmt.Printf("  Created %s\n", d)
			created = true
		}
	}

	configPath := config.ConfigPath()
	if _, err := os.Stat(configPath); err != nil {
		if err := os.WriteFile(configPath, []byte(defaultConfig), 0o644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("  Created %s\n", configPath)
		created = true
	}

	dotenvPath := config.DotenvPath()
	if _, err := os.Stat(dotenvPath); err != nil {
		if err := os.WriteFile(dotenvPath, []byte(defaultDotenv), 0o600); err != nil {
			return fmt.Errorf("write .env: %w", err)
		}
		fmt.Printf("  Created %s\n", dotenvPath)
		created = true
	}

	keyPath := secrets.KeyPath()
	if _, err := os.Stat(keyPath); err != nil {
		if err := secrets.GenerateIdentity(keyPath); err != nil {
			return fmt.Errorf("generate age key: %w", err)
		}
		fmt.Printf("  Created %s\n", keyPath)
		created = true
	}

	if !created {
		fmt.Printf("%s is already set up. Nothing to do.\n", root)
		return nil
	}

	fmt.Printf(`
  Home set up at %s

  Next steps:
    1. joi secret set TELEGRAM_BOT_TOKEN <token>
    2. Point "agent.url" in %s at your agent server
    3. Run: joi serve
`, root, configPath)
	return nil
}

const defaultConfig = `{
	// joi configuration

	"agent": {
		"url": "http://127.0.0.1:2024",
		"assistant_id": "agent",
		"api_key": "${{ .Env.JOI_AGENT_API_KEY }}"
	},

	"telegram": {
		"token": "${{ .Env.TELEGRAM_BOT_TOKEN }}",
		// Telegram user ids allowed to talk to the bot; empty allows everyone
		"allowed_users": [],
		"debounce": "500ms"
	},

	// sqlite (default), postgres, file, memory or remote
	"store": {
		"driver": "sqlite"
	},

	// remote: schedules live on the agent server; local: in this process
	"scheduler": {
		"mode": "remote"
	},

	"approval": {
		"timeout": "5m",
		// action names approved without asking, glob patterns
		"auto_approve": []
	},

	"notifier": {
		"interval": "5s"
	},

	"gateway": {
		"host": "127.0.0.1",
		"port": 18421
	}
}
`

const defaultDotenv = `# joi environment variables
# This file is loaded automatically. Existing env vars are never overridden.
# Values may be encrypted with: joi secret set NAME value

# TELEGRAM_BOT_TOKEN=
# JOI_AGENT_API_KEY=
`
