package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	WithComponent(logger, "pruner").Info("tick")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if rec["component"] != "pruner" {
		t.Errorf("component attribute = %v", rec["component"])
	}
	if rec["msg"] != "tick" {
		t.Errorf("msg = %v", rec["msg"])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		" Info ":  slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}

	for input, want := range cases {
		if got := parseLevel(input); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestFieldName(t *testing.T) {
	cases := map[string]string{
		"error":      "ERROR",
		"helper_pid": "HELPER_PID",
		"socket-1":   "SOCKET_1",
		"1st":        "X1ST",
		"":           "X",
	}

	for input, want := range cases {
		if got := fieldName(input); got != want {
			t.Errorf("fieldName(%q) = %q, want %q", input, got, want)
		}
	}
}
