package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v (%q)", err, buf.String())
	}
	return out
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestConfigureFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	Configure(Options{Level: "WARN", Output: &buf})

	Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected INFO to be filtered, got %q", buf.String())
	}

	Warn("kept", "k", "v")
	out := decodeLine(t, &buf)
	if out["msg"] != "kept" || out["k"] != "v" {
		t.Errorf("unexpected record: %v", out)
	}
}

func TestConfigureTextFormat(t *testing.T) {
	var buf bytes.Buffer
	Configure(Options{Level: "INFO", Format: "text", Output: &buf})

	Info("plain")
	if !strings.Contains(buf.String(), "msg=plain") {
		t.Errorf("expected text handler output, got %q", buf.String())
	}
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	Configure(Options{Level: "DEBUG", Output: &buf})

	WithComponent("dispatch").Info("hello")
	out := decodeLine(t, &buf)
	if out["component"] != "dispatch" {
		t.Errorf("Expected component 'dispatch', got %v", out["component"])
	}

	buf.Reset()
	WithInvocation("inv-1").Info("run")
	out = decodeLine(t, &buf)
	if out["invocation_id"] != "inv-1" {
		t.Errorf("Expected invocation_id 'inv-1', got %v", out["invocation_id"])
	}

	buf.Reset()
	WithDevice("192.168.4.2").Info("poll")
	out = decodeLine(t, &buf)
	if out["device"] != "192.168.4.2" {
		t.Errorf("Expected device '192.168.4.2', got %v", out["device"])
	}
}
