package main

import (
	"bytes"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lukasbauer/voiceassist/internal/httpapi"
)

// execute runs the CLI with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	// Flag variables outlive a single Execute
	sayOpen = false
	rulesCheck = ""
	tokenSubject, tokenDeviceToken, tokenExpiry = "", "", 0
	eventsLimit = 100

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestSay(t *testing.T) {
	out, err := execute(t, "say", "Abrir", "Google")
	require.NoError(t, err)
	assert.Contains(t, out, "open: https://www.google.com\n")
	assert.Contains(t, out, "Abrindo Google...")
}

func TestSay_SpokenReply(t *testing.T) {
	out, err := execute(t, "say", "que horas são")
	require.NoError(t, err)
	assert.Contains(t, out, "say: São ")
	assert.NotContains(t, out, "open:")
}

func TestSay_FallbackSearch(t *testing.T) {
	out, err := execute(t, "say", "pesquisar receita de pão")
	require.NoError(t, err)
	assert.Contains(t, out, "open: https://www.google.com/search?q=receita%20de%20p%C3%A3o")
	assert.Contains(t, out, "open: https://chat.openai.com")
	assert.Contains(t, out, "Buscando: receita de pão")
}

func TestRules(t *testing.T) {
	out, err := execute(t, "rules")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "quick triggers: "))
	assert.Contains(t, out, " 1. chatgpt\n")
	assert.Contains(t, out, "search (fallback)")
}

func TestRulesCheck(t *testing.T) {
	prev := fs
	fs = afero.NewMemMapFs()
	t.Cleanup(func() { fs = prev })

	require.NoError(t, afero.WriteFile(fs, "/etc/voiceassist/good.yaml", []byte(`
rules:
  - name: docs
    match:
      contains: ["docs"]
    open: ["https://go.dev/doc"]
    display: "Abrindo docs..."
`), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/etc/voiceassist/bad.yaml", []byte(`
rules:
  - name: broken
    open: ["https://go.dev"]
`), 0o644))

	out, err := execute(t, "rules", "--check", "/etc/voiceassist/good.yaml")
	require.NoError(t, err)
	assert.Equal(t, "/etc/voiceassist/good.yaml: ok (1 rules)\n", out)

	_, err = execute(t, "rules", "--check", "/etc/voiceassist/bad.yaml")
	assert.Error(t, err)

	_, err = execute(t, "rules", "--check", "/etc/voiceassist/missing.yaml")
	assert.Error(t, err)
}

func TestToken(t *testing.T) {
	prev := cfg.JWTSecret
	t.Cleanup(func() { cfg.JWTSecret = prev })

	cfg.JWTSecret = ""
	_, err := execute(t, "token", "--subject", "ana")
	assert.Error(t, err, "no secret configured")

	cfg.JWTSecret = "test-secret"
	_, err = execute(t, "token")
	assert.Error(t, err, "subject is required")

	out, err := execute(t, "token", "--subject", "ana", "--device-token", "abc123", "--expiry", "1h")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "."), 3)
}

func TestEvents_RequiresDatabase(t *testing.T) {
	prev := cfg.DatabaseURL
	t.Cleanup(func() { cfg.DatabaseURL = prev })
	cfg.DatabaseURL = ""

	_, err := execute(t, "events", "s-1")
	assert.Error(t, err)
}

func TestShutdown_ClosesLingeringSessions(t *testing.T) {
	logger = zap.NewNop().Sugar()
	sessions := httpapi.NewSessionRegistry()

	var done func()
	closed := make(chan struct{})
	done, ok := sessions.Add(func() {
		close(closed)
		done()
	})
	require.True(t, ok)

	start := time.Now()
	err := shutdown(&http.Server{}, sessions, 50*time.Millisecond)
	require.NoError(t, err)

	select {
	case <-closed:
	default:
		t.Fatal("lingering session was not closed")
	}
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, sessions.IsDraining())
	assert.Zero(t, sessions.ActiveCount())
}

func TestShutdown_WaitsForFinishingSessions(t *testing.T) {
	logger = zap.NewNop().Sugar()
	sessions := httpapi.NewSessionRegistry()

	done, ok := sessions.Add(func() { t.Error("finished session should not be closed") })
	require.True(t, ok)
	time.AfterFunc(20*time.Millisecond, done)

	require.NoError(t, shutdown(&http.Server{}, sessions, 5*time.Second))
	assert.Zero(t, sessions.ActiveCount())
}
