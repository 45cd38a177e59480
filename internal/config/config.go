package config

import "time"

// Config is the root configuration for joi.
type Config struct {
	Agent     AgentConfig     `json:"agent"`
	Store     StoreConfig     `json:"store"`
	Telegram  TelegramConfig  `json:"telegram"`
	Notifier  NotifierConfig  `json:"notifier"`
	Approval  ApprovalConfig  `json:"approval"`
	Session   SessionConfig   `json:"session"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Gateway   GatewayConfig   `json:"gateway"`
	Events    EventsConfig    `json:"events"`
}

// AgentConfig points at the agent-run HTTP API.
type AgentConfig struct {
	URL         string      `json:"url"`
	APIKey      string      `json:"api_key,omitempty"` // Direct key or ${{ .Env.VAR }} template
	AssistantID string      `json:"assistant_id"`
	Timeout     Duration    `json:"timeout,omitempty"`
	Retry       RetryConfig `json:"retry"`
}

// RetryConfig bounds retries of transport failures.
type RetryConfig struct {
	Attempts int      `json:"attempts"`
	Backoff  Duration `json:"backoff"`
}

// StoreConfig selects the hierarchical key-value backend.
type StoreConfig struct {
	Driver string `json:"driver"` // "sqlite", "postgres", "file", "memory", "remote"
	DSN    string `json:"dsn,omitempty"`
}

// TelegramConfig configures the chat channel.
type TelegramConfig struct {
	Token        string   `json:"token,omitempty"`
	AllowedUsers []int64  `json:"allowed_users,omitempty"` // empty = everyone
	Debounce     Duration `json:"debounce,omitempty"`
	Proxy        string   `json:"proxy,omitempty"`
}

// NotifierConfig configures the background task notifier.
type NotifierConfig struct {
	Interval Duration `json:"interval,omitempty"`
}

// ApprovalConfig configures human approval of tool calls.
type ApprovalConfig struct {
	Timeout     Duration `json:"timeout,omitempty"`
	AutoApprove []string `json:"auto_approve,omitempty"` // glob patterns over action names
}

// SessionConfig configures interactive runs.
type SessionConfig struct {
	RunTimeout Duration `json:"run_timeout,omitempty"`
}

// SchedulerConfig selects where schedules live.
type SchedulerConfig struct {
	Mode string `json:"mode"` // "remote" (agent server crons) or "local"
}

// GatewayConfig holds the gateway server settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int    `json:"buffer_size"`
	LogDir     string `json:"log_dir,omitempty"`
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
