package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, ok := ParseLevel(in)
		if !ok || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, ok)
		}
	}
	if _, ok := ParseLevel("loud"); ok {
		t.Fatalf("expected unknown level to be rejected")
	}
}

func TestInitLoggerJSONWithComponent(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	logger := InitLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})
	NewComponentLogger(logger, "relay").Debug("relay_test_event", "stream_sid", "MZ1")

	out := buf.String()
	if !strings.Contains(out, `"component":"relay"`) {
		t.Fatalf("expected component attribute, got %s", out)
	}
	if !strings.Contains(out, `"msg":"relay_test_event"`) {
		t.Fatalf("expected debug event, got %s", out)
	}
}

func TestInitLoggerFallsBackToText(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	InitLogger(LogConfig{Level: "nope", Format: "xml", Output: &buf})
	out := buf.String()
	if !strings.Contains(out, "invalid log level specified") {
		t.Fatalf("expected level warning, got %s", out)
	}
	if !strings.Contains(out, "invalid log format specified") {
		t.Fatalf("expected format warning, got %s", out)
	}
}
