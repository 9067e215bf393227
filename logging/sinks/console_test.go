package sinks

import (
	"bytes"
	"strings"
	"testing"

	"holosync/server/logging"
)

func TestConsoleSinkFormatsEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleSink(&buf, logging.ConsoleConfig{})

	err := sink.Write(logging.Event{
		Type:     "replication.resync_triggered",
		Tick:     7,
		Actor:    logging.EntityRef{ID: "peer-1", Kind: logging.EntityKindPeer},
		Severity: logging.SeverityInfo,
		Category: "replication",
	})
	if err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	line := buf.String()
	for _, want := range []string{"[replication.resync_triggered]", "tick=7", "actor=peer:peer-1", "severity=info", "category=replication"} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected output to contain %q, got %q", want, line)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("expected no color codes without UseColor, got %q", line)
	}
}

func TestConsoleSinkColorsWarnings(t *testing.T) {
	var buf bytes.Buffer
	sink := NewConsoleSink(&buf, logging.ConsoleConfig{UseColor: true})

	if err := sink.Write(logging.Event{
		Type:     "network.peer_stale",
		Severity: logging.SeverityWarn,
	}); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}

	if line := buf.String(); !strings.Contains(line, "\x1b[33mwarn\x1b[0m") {
		t.Fatalf("expected colored warn severity, got %q", line)
	}
}
