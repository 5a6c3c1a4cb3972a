package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoggerAppendsOneJSONLinePerEvent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.jsonl")
	l, err := NewLogger(path, nil)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	l.Success("user:abc", "read_file", map[string]any{"path": "/tmp/x"})
	l.Denied("user:abc", "shell", "tool in denylist")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var lines []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("unmarshal line: %v", err)
		}
		lines = append(lines, ev)
	}
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0].Status != "success" || lines[1].Status != "denied" {
		t.Fatalf("unexpected events: %+v", lines)
	}
}

func TestSubscriberFiresAfterWrite(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(filepath.Join(dir, "audit.jsonl"), nil)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer l.Close()

	seen := make(chan Event, 1)
	unsub := l.Subscribe(func(e Event) { seen <- e })
	defer unsub()

	l.Blocked("user:abc", "rm -rf /", "matched dangerous pattern")

	select {
	case e := <-seen:
		if e.Severity != SeverityCritical {
			t.Errorf("expected critical severity, got %s", e.Severity)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was not notified")
	}
}
