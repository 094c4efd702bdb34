package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.Info("program built", "kernel", "space_to_depth")

	output := buf.String()
	if !strings.Contains(output, "program built") {
		t.Fatalf("expected message in output, got: %s", output)
	}
	if !strings.Contains(output, `"kernel":"space_to_depth"`) {
		t.Fatalf("expected kernel attr in JSON output, got: %s", output)
	}
	if !strings.Contains(output, `"level":"INFO"`) {
		t.Fatalf("expected level INFO in output, got: %s", output)
	}
}

func TestJSONLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("should not appear")
	log.Debug("also should not appear")

	if buf.Len() > 0 {
		t.Fatalf("expected no output for info/debug at warn level, got: %s", buf.String())
	}

	log.Warn("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("expected warn message in output, got: %s", buf.String())
	}
}

func TestDiscardDropsEverything(t *testing.T) {
	t.Parallel()
	log := Discard()
	log.Error("nothing")
	log.With("k", "v").WithGroup("g").Info("still nothing")
}

func TestOrDiscardAndEnabled(t *testing.T) {
	t.Parallel()
	if OrDiscard(nil) == nil {
		t.Fatal("OrDiscard(nil) returned nil")
	}
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	if OrDiscard(log) != log {
		t.Fatal("OrDiscard replaced a non-nil logger")
	}
	if log.Enabled(slog.LevelDebug) {
		t.Fatal("debug should be disabled at info level")
	}
	if !log.Enabled(slog.LevelWarn) {
		t.Fatal("warn should be enabled at info level")
	}
}

func TestForFormat(t *testing.T) {
	t.Parallel()

	for _, format := range []string{"pretty", "json", "text", ""} {
		var buf bytes.Buffer
		log, err := ForFormat(format, &buf, slog.LevelInfo)
		if err != nil {
			t.Fatalf("ForFormat(%q): %v", format, err)
		}
		log.Info("hello")
		if !strings.Contains(buf.String(), "hello") {
			t.Fatalf("ForFormat(%q): missing message in %q", format, buf.String())
		}
	}

	if _, err := ForFormat("xml", &bytes.Buffer{}, slog.LevelInfo); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestWith(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	childLog := log.With("component", "tuner")
	childLog.Info("child message")

	output := buf.String()
	if !strings.Contains(output, `"component":"tuner"`) {
		t.Fatalf("expected component=tuner in output, got: %s", output)
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)

	ctx := WithContext(context.Background(), log)
	FromContext(ctx).Info("roundtrip test")
	if !strings.Contains(buf.String(), "roundtrip test") {
		t.Fatalf("expected message via context logger, got: %s", buf.String())
	}
}

func TestFromContextDefault(t *testing.T) {
	t.Parallel()
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext with no logger returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{" info ", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tc := range tests {
		if got := ParseLevel(tc.input); got != tc.expected {
			t.Errorf("ParseLevel(%q): expected %v, got %v", tc.input, tc.expected, got)
		}
	}
}

func TestPrettyLevelTags(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelDebug)
	log.Debug("d")
	log.Warn("w")

	output := buf.String()
	if !strings.Contains(output, "DBG") || !strings.Contains(output, "WRN") {
		t.Fatalf("expected compact level tags, got: %s", output)
	}
}

func TestPrettyHandlerEnabled(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})

	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected info to be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("expected error to be enabled at warn level")
	}
}

func TestPrettyHandlerGroups(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)

	logger := slog.New(h.WithGroup("tuner").WithAttrs([]slog.Attr{slog.String("kernel", "s2d")}).WithGroup("lws"))
	logger.Info("tuned", "x", 4)

	output := buf.String()
	if !strings.Contains(output, "tuner.kernel=s2d") {
		t.Fatalf("expected grouped handler attr, got: %s", output)
	}
	if !strings.Contains(output, "tuner.lws.x=4") {
		t.Fatalf("expected nested group prefix, got: %s", output)
	}
}

func TestPrettyHandlerEmptyGroup(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, nil)
	if h.WithGroup("") != h {
		t.Fatal("WithGroup empty string should return same handler")
	}
}

func TestPrettyFormatsValues(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(NewPrettyHandler(&buf, nil))
	logger.Info("trial", "msg", "hello world", "elapsed", 1500*time.Microsecond, "key", "simple")

	output := buf.String()
	if !strings.Contains(output, `msg="hello world"`) {
		t.Fatalf("expected quoted string with spaces, got: %s", output)
	}
	if !strings.Contains(output, "elapsed=1.5ms") {
		t.Fatalf("expected duration formatting, got: %s", output)
	}
	if !strings.Contains(output, "key=simple") {
		t.Fatalf("expected unquoted simple string, got: %s", output)
	}
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected bool
	}{
		{"simple", false},
		{"has space", true},
		{"has\ttab", true},
		{`has"quote`, true},
		{"a=b", true},
		{"", true},
	}

	for _, tc := range tests {
		if got := needsQuoting(tc.input); got != tc.expected {
			t.Errorf("needsQuoting(%q): expected %v, got %v", tc.input, tc.expected, got)
		}
	}
}
