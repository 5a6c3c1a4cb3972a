package remindertool

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pocketpaw/pocketpaw/internal/agent"
	"github.com/pocketpaw/pocketpaw/internal/config"
	"github.com/pocketpaw/pocketpaw/internal/cron"
)

func newTestScheduler(t *testing.T) *cron.Scheduler {
	t.Helper()
	s, err := cron.NewScheduler(config.CronConfig{})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return s
}

func TestExecuteRequiresChatContext(t *testing.T) {
	tool := NewTool(newTestScheduler(t))
	params := json.RawMessage(`{"content": "stretch", "cron": "0 9 * * *"}`)

	result, err := tool.Execute(context.Background(), params)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected error result without a chat_id in context, got %+v", result)
	}
}

func TestExecuteRequiresCronOrAt(t *testing.T) {
	tool := NewTool(newTestScheduler(t))
	ctx := agent.WithChatID(context.Background(), "telegram:12345")
	params := json.RawMessage(`{"content": "stretch"}`)

	result, err := tool.Execute(ctx, params)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected error result without cron or at, got %+v", result)
	}
}

func TestExecuteRejectsUnparsableAt(t *testing.T) {
	tool := NewTool(newTestScheduler(t))
	ctx := agent.WithChatID(context.Background(), "telegram:12345")
	params := json.RawMessage(`{"content": "stretch", "at": "not a timestamp"}`)

	result, err := tool.Execute(ctx, params)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected error result for unparsable at, got %+v", result)
	}
}

func TestExecuteSchedulesOneOffReminder(t *testing.T) {
	tool := NewTool(newTestScheduler(t))
	ctx := agent.WithChatID(context.Background(), "telegram:12345")
	at := time.Now().Add(time.Hour).Format(time.RFC3339)
	params := json.RawMessage(`{"content": "stretch", "at": "` + at + `"}`)

	result, err := tool.Execute(ctx, params)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %+v", result)
	}

	var out struct {
		ID        string `json:"id"`
		NextRun   string `json:"next_run"`
		NextRunIn string `json:"next_run_in"`
	}
	if err := json.Unmarshal([]byte(result.Content), &out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if out.ID == "" {
		t.Fatal("expected a job id in the result")
	}
	if out.NextRunIn == "" {
		t.Fatal("expected a human-readable next_run_in in the result")
	}
}

func TestExecuteRejectsUnrecognizedChatID(t *testing.T) {
	tool := NewTool(newTestScheduler(t))
	ctx := agent.WithChatID(context.Background(), "no-colon-here")
	params := json.RawMessage(`{"content": "stretch", "cron": "0 9 * * *"}`)

	result, err := tool.Execute(ctx, params)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected error result for malformed chat id, got %+v", result)
	}
}
