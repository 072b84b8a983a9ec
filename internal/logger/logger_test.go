package logger

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestNewFiltersByLevelAndTagsService(t *testing.T) {
	var buf bytes.Buffer
	log := newWithWriter(&buf, "WARN", "heartbeat-worker")

	log.Info("dropped")
	log.Warn("kept", "connection_id", "conn-1")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1: %s", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal(lines[0], &entry); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if entry["msg"] != "kept" || entry["service"] != "heartbeat-worker" || entry["connection_id"] != "conn-1" {
		t.Fatalf("entry = %#v", entry)
	}
}
