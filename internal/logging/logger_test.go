package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "app.log")
	logger := New(Options{Level: "debug", File: path})
	logger.Info().Str("k", "v").Msg("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"message":"hello"`) {
		t.Errorf("log content = %q", data)
	}
}

func TestNewLevelParsing(t *testing.T) {
	if got := New(Options{Level: "warn"}).GetLevel(); got != zerolog.WarnLevel {
		t.Errorf("level = %s, want warn", got)
	}
	if got := New(Options{Level: "nonsense"}).GetLevel(); got != zerolog.InfoLevel {
		t.Errorf("bad level fell back to %s, want info", got)
	}
	if got := New(Options{}).GetLevel(); got != zerolog.InfoLevel {
		t.Errorf("default level = %s, want info", got)
	}
}

func TestDiscardDropsEverything(t *testing.T) {
	// Must not panic and must not write anywhere observable.
	l := Discard()
	l.Error().Msg("dropped")
	if got := l.GetLevel(); got != zerolog.TraceLevel {
		t.Errorf("discard logger level = %s", got)
	}
}
