package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"testing"
)

var linePattern = regexp.MustCompile(`^\[\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z\] \[(DEBUG|INFO|WARN|ERROR)\] `)

func TestLineFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewLineHandler(&buf, slog.LevelInfo))

	logger.Info("reconcile complete", "projects", 2)

	line := strings.TrimSuffix(buf.String(), "\n")
	if !linePattern.MatchString(line) {
		t.Fatalf("line %q does not match expected prefix", line)
	}
	if !strings.Contains(line, "[INFO] reconcile complete ") {
		t.Fatalf("line %q missing level/message", line)
	}

	metaStart := strings.Index(line, "{")
	if metaStart < 0 {
		t.Fatalf("line %q missing JSON meta", line)
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(line[metaStart:]), &meta); err != nil {
		t.Fatalf("meta is not valid JSON: %v", err)
	}
	if meta["projects"] != float64(2) {
		t.Fatalf("meta = %v", meta)
	}
}

func TestNoMetaWhenNoAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewLineHandler(&buf, slog.LevelInfo))
	logger.Info("plain message")

	line := strings.TrimSuffix(buf.String(), "\n")
	if strings.Contains(line, "{") {
		t.Fatalf("line %q should not carry meta", line)
	}
	if !strings.HasSuffix(line, "plain message") {
		t.Fatalf("line %q should end with the message", line)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewLineHandler(&buf, slog.LevelWarn))

	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatal("info line emitted at warn level")
	}
	if !strings.Contains(out, "[WARN] kept") {
		t.Fatalf("warn line missing: %q", out)
	}
}

func TestWithAttrsCarried(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewLineHandler(&buf, slog.LevelInfo)).With("component", "scheduler")
	logger.Info("tick")

	if !strings.Contains(buf.String(), `"component":"scheduler"`) {
		t.Fatalf("attr from With not carried: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
		"ERROR":   slog.LevelError,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
