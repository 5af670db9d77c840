package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func captureLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))
	return &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	return out
}

func TestSetupWriterText(t *testing.T) {
	logger = nil
	once = *new(sync.Once)

	var buf bytes.Buffer
	SetupWriter("DEBUG", "text", &buf)
	if logger == nil {
		t.Fatal("Logger should not be nil")
	}

	Debug("hello", "k", "v")
	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("expected text handler output, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"garbage": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestContextHelpers(t *testing.T) {
	buf := captureLogger(t)

	WithComponent("test-comp").Info("hello")

	out := decodeLine(t, buf)
	if out["component"] != "test-comp" {
		t.Errorf("Expected component 'test-comp', got %v", out["component"])
	}
	if out["msg"] != "hello" {
		t.Errorf("Expected msg 'hello', got %v", out["msg"])
	}
}

func TestWithGenerator(t *testing.T) {
	buf := captureLogger(t)

	WithGenerator("lines").Info("generator msg")

	out := decodeLine(t, buf)
	if out["generator"] != "lines" {
		t.Errorf("Expected generator 'lines', got %v", out["generator"])
	}
}

func TestWithRun(t *testing.T) {
	buf := captureLogger(t)

	WithRun("run-123").Info("run msg")

	out := decodeLine(t, buf)
	if out["run_id"] != "run-123" {
		t.Errorf("Expected run_id 'run-123', got %v", out["run_id"])
	}
}
