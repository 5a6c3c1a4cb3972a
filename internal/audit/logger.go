package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Subscriber is notified after an Event has been durably appended.
type Subscriber func(Event)

// Logger appends Events to a single JSONL file. Writes are funneled through
// one goroutine so that lines are never interleaved across writers, and
// every successful write fans out to any registered Subscribers.
type Logger struct {
	path    string
	file    *os.File
	logger  *slog.Logger
	writeCh chan Event
	done    chan struct{}

	mu   sync.RWMutex
	subs []Subscriber
}

// NewLogger opens (creating if necessary) the JSONL file at path in append
// mode with 0600 permissions and starts the single writer goroutine.
func NewLogger(path string, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}

	l := &Logger{
		path:    path,
		file:    f,
		logger:  logger,
		writeCh: make(chan Event, 256),
		done:    make(chan struct{}),
	}
	go l.run()
	return l, nil
}

func (l *Logger) run() {
	defer close(l.done)
	for ev := range l.writeCh {
		line, err := json.Marshal(ev)
		if err != nil {
			l.logger.Error("audit: marshal event failed", "error", err, "id", ev.ID)
			continue
		}
		line = append(line, '\n')
		if _, err := l.file.Write(line); err != nil {
			// Fatal per the error taxonomy: logged, process continues,
			// operator must intervene (disk full, permission revoked).
			l.logger.Error("audit: write failed, audit trail incomplete", "error", err, "id", ev.ID)
			continue
		}
		l.notify(ev)
	}
}

func (l *Logger) notify(ev Event) {
	l.mu.RLock()
	subs := append([]Subscriber(nil), l.subs...)
	l.mu.RUnlock()
	for _, sub := range subs {
		sub(ev)
	}
}

// Subscribe registers fn to run after each event is durably written.
// Returns an unsubscribe function.
func (l *Logger) Subscribe(fn Subscriber) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = append(l.subs, fn)
	idx := len(l.subs) - 1
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if idx < len(l.subs) {
			l.subs = append(l.subs[:idx], l.subs[idx+1:]...)
		}
	}
}

// Log records ev. ID and Timestamp are populated if unset. Enqueueing is
// decoupled from notification by the single writer goroutine and a
// 256-event buffer; Log blocks only once that buffer is full, e.g. behind
// a slow subscriber.
func (l *Logger) Log(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	l.writeCh <- ev
}

// Attempt records a tool-invocation attempt; severity mirrors the tool's
// trust level (critical↔critical, high↔warning, standard↔info).
func (l *Logger) Attempt(actor, tool string, severity Severity, context map[string]any) {
	l.Log(Event{Severity: severity, Actor: actor, Action: "tool.attempt", Target: tool, Status: "attempted", Context: context})
}

// Success records a successful tool execution.
func (l *Logger) Success(actor, tool string, context map[string]any) {
	l.Log(Event{Severity: SeverityInfo, Actor: actor, Action: "tool.execute", Target: tool, Status: "success", Context: context})
}

// Failure records a failed tool execution.
func (l *Logger) Failure(actor, tool string, errMsg string, context map[string]any) {
	if context == nil {
		context = map[string]any{}
	}
	context["error"] = errMsg
	l.Log(Event{Severity: SeverityWarning, Actor: actor, Action: "tool.execute", Target: tool, Status: "error", Context: context})
}

// Denied records a policy-denied tool invocation.
func (l *Logger) Denied(actor, tool, reason string) {
	l.Log(Event{Severity: SeverityWarning, Actor: actor, Action: "tool.deny", Target: tool, Status: "denied", Context: map[string]any{"reason": reason}})
}

// Blocked records a rails-blocked command at critical severity.
func (l *Logger) Blocked(actor, command, reason string) {
	l.Log(Event{Severity: SeverityCritical, Actor: actor, Action: "rails.block", Target: command, Status: "blocked", Context: map[string]any{"reason": reason}})
}

// Alert records an operator-facing gap, e.g. Guardian running disabled.
func (l *Logger) Alert(actor, action, detail string) {
	l.Log(Event{Severity: SeverityAlert, Actor: actor, Action: action, Status: "alert", Context: map[string]any{"detail": detail}})
}

// Close flushes pending writes and closes the underlying file.
func (l *Logger) Close() error {
	close(l.writeCh)
	<-l.done
	return l.file.Close()
}
