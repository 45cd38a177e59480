package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDotenv(t *testing.T) {
	content := `# Agent server
JOI_TEST_AGENT_URL=http://agent:2024
export JOI_TEST_ASSISTANT=assistant

# Quoted values
JOI_TEST_TOKEN="123:abc \"x\""
JOI_TEST_SINGLE='single-quoted'

JOI_TEST_SPACED = spaced_value
`

	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	for _, k := range []string{"JOI_TEST_AGENT_URL", "JOI_TEST_ASSISTANT", "JOI_TEST_TOKEN", "JOI_TEST_SINGLE", "JOI_TEST_SPACED"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	if err := LoadDotenv(path); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		key, want string
	}{
		{"JOI_TEST_AGENT_URL", "http://agent:2024"},
		{"JOI_TEST_ASSISTANT", "assistant"},
		{"JOI_TEST_TOKEN", `123:abc "x"`},
		{"JOI_TEST_SINGLE", "single-quoted"},
		{"JOI_TEST_SPACED", "spaced_value"},
	}
	for _, tt := range tests {
		if got := os.Getenv(tt.key); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestLoadDotenvNoOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("JOI_TEST_EXISTING=new-value"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("JOI_TEST_EXISTING", "original")

	if err := LoadDotenv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("JOI_TEST_EXISTING"); got != "original" {
		t.Errorf("expected existing var to be preserved, got %q", got)
	}

	if err := ReloadDotenv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("JOI_TEST_EXISTING"); got != "new-value" {
		t.Errorf("ReloadDotenv should override, got %q", got)
	}
}

func TestLoadDotenvMissingFile(t *testing.T) {
	if err := LoadDotenv("/nonexistent/.env"); err != nil {
		t.Errorf("missing file should be silently ignored, got: %v", err)
	}
}
