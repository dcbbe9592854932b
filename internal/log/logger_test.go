package log

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"loud":    slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoggerAddsComponentOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Handler: slog.NewTextHandler(&buf, nil), Component: ComponentApp}).
		WithComponent(ComponentSession)

	logger.Info("hello", FieldSessionRef, "s1")

	out := buf.String()
	if strings.Count(out, "component=") != 1 || !strings.Contains(out, "component=session") {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if got := FromContext(context.Background()).Component(); got != "unknown" {
		t.Fatalf("component = %q, want unknown", got)
	}

	logger := New(Config{Handler: slog.NewTextHandler(&bytes.Buffer{}, nil), Component: ComponentHTTP})
	ctx := context.WithValue(context.Background(), LoggerContextKey, logger)
	if got := FromContext(ctx); got != logger {
		t.Fatalf("expected logger from context")
	}
}

func TestLogAuthOutcome(t *testing.T) {
	var buf bytes.Buffer
	sl := NewStructuredLogger(New(Config{Handler: slog.NewTextHandler(&buf, nil)}))

	sl.LogAuthOutcome(context.Background(), OpLogin, "ref-1", "user-1", nil)
	sl.LogAuthOutcome(context.Background(), OpLogin, "ref-2", "", errors.New("Invalid credentials"))

	out := buf.String()
	if !strings.Contains(out, "session_ref=ref-1") || !strings.Contains(out, "user_id=user-1") {
		t.Fatalf("missing success fields: %s", out)
	}
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, `error="Invalid credentials"`) {
		t.Fatalf("missing failure fields: %s", out)
	}
}

func TestLogAuthOutcomeKeepsLoggerComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Handler: slog.NewTextHandler(&buf, nil)}).WithComponent(ComponentSession)
	sl := NewStructuredLogger(logger)

	sl.LogAuthOutcome(context.Background(), OpLogout, "ref-1", "", nil)

	out := buf.String()
	if n := strings.Count(out, "component="); n != 1 {
		t.Fatalf("component logged %d times: %s", n, out)
	}
	if !strings.Contains(out, "component=session") {
		t.Fatalf("missing component: %s", out)
	}
}
