package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestHelpersWriteKeyValuePairs(t *testing.T) {
	prev := log
	t.Cleanup(func() { log = prev })

	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	Warn("usage limit reached", "policy_code", "PROMO-1", "attempt", 2)

	out := buf.String()
	if !strings.Contains(out, "level=WARN") {
		t.Fatalf("expected warn level, got %q", out)
	}
	if !strings.Contains(out, "policy_code=PROMO-1") || !strings.Contains(out, "attempt=2") {
		t.Fatalf("expected key/value pairs in output, got %q", out)
	}
}

func TestSetLoggerIgnoresNil(t *testing.T) {
	prev := log
	t.Cleanup(func() { log = prev })

	SetLogger(nil)
	if L() != prev {
		t.Fatalf("expected nil logger to be ignored")
	}
}
