package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/vikashloomba/mcp-hub-go/pkg/mcpmgr"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := newLogger(&buf, "json", "warn")
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "server", "alpha")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %q", lines)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode %q: %v", lines[0], err)
	}
	if rec["msg"] != "shown" || rec["server"] != "alpha" || rec["level"] != "WARN" {
		t.Fatalf("record = %v", rec)
	}
}

func TestNewLoggerRejectsInvalidFlags(t *testing.T) {
	t.Parallel()

	if _, err := newLogger(&bytes.Buffer{}, "text", "loud"); err == nil || !strings.Contains(err.Error(), "--log-level") {
		t.Fatalf("level error = %v", err)
	}
	if _, err := newLogger(&bytes.Buffer{}, "xml", "info"); err == nil || !strings.Contains(err.Error(), "--log-format") {
		t.Fatalf("format error = %v", err)
	}
	if _, err := newLogger(&bytes.Buffer{}, "", "DEBUG"); err != nil {
		t.Fatalf("default format: %v", err)
	}
}

func TestCancelledAttemptIsNotLoggedAsFailure(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger, err := newLogger(&buf, "json", "warn")
	if err != nil {
		t.Fatal(err)
	}
	events := make(chan mcpmgr.Event, 3)
	events <- mcpmgr.Event{Type: mcpmgr.EventStatus, ServerID: "alpha", State: mcpmgr.StateError, Error: mcpmgr.AttemptCancelled}
	events <- mcpmgr.Event{Type: mcpmgr.EventStatus, ServerID: "alpha", State: mcpmgr.StateDisconnected}
	events <- mcpmgr.Event{Type: mcpmgr.EventStatus, ServerID: "beta", State: mcpmgr.StateError, Error: "process exited with status 1"}
	close(events)

	if err := logManagerEvents(context.Background(), logger, events); err != nil {
		t.Fatalf("logManagerEvents: %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "alpha") {
		t.Fatalf("cancelled attempt logged at warn: %s", out)
	}
	if !strings.Contains(out, `"server":"beta"`) {
		t.Fatalf("real failure missing: %s", out)
	}
}
