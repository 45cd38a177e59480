package secrets

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dohr-michael/joi/internal/config"
)

func TestSetEntry_NewFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")

	if err := SetEntry(path, "TELEGRAM_BOT_TOKEN", "ENC[age:abc]"); err != nil {
		t.Fatalf("SetEntry: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("permissions = %o, want 0600", info.Mode().Perm())
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "TELEGRAM_BOT_TOKEN=ENC[age:abc]") {
		t.Errorf("unexpected content:\n%s", data)
	}
}

func TestSetEntry_UpdateExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	initial := "# joi\nJOI_AGENT_URL=http://a\nexport LANGGRAPH_API_KEY=old\n"
	if err := os.WriteFile(path, []byte(initial), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := SetEntry(path, "LANGGRAPH_API_KEY", "new"); err != nil {
		t.Fatalf("SetEntry: %v", err)
	}

	data, _ := os.ReadFile(path)
	content := string(data)
	if !strings.Contains(content, "LANGGRAPH_API_KEY=new") || strings.Contains(content, "old") {
		t.Errorf("key not replaced in place:\n%s", content)
	}
	if !strings.Contains(content, "# joi") || !strings.Contains(content, "JOI_AGENT_URL=http://a") {
		t.Errorf("other lines lost:\n%s", content)
	}
}

func TestSetEntry_QuotedValueReadsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	value := `has "quotes" and $dollar`

	if err := SetEntry(path, "JOI_TEST_QUOTED", value); err != nil {
		t.Fatalf("SetEntry: %v", err)
	}

	t.Setenv("JOI_TEST_QUOTED", "")
	os.Unsetenv("JOI_TEST_QUOTED")
	if err := config.LoadDotenv(path); err != nil {
		t.Fatalf("LoadDotenv: %v", err)
	}
	if got := os.Getenv("JOI_TEST_QUOTED"); got != value {
		t.Errorf("read back %q, want %q", got, value)
	}
}
