// Package remindertool lets the agent schedule one-off or recurring
// reminders on behalf of the chat it is serving, registering them as
// message-type cron jobs. Grounded on the teacher's internal/tools/reminders
// package, which wraps the same scheduler behind a thin tool surface rather
// than giving the model direct access to cron internals.
package remindertool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pocketpaw/pocketpaw/internal/agent"
	"github.com/pocketpaw/pocketpaw/internal/config"
	"github.com/pocketpaw/pocketpaw/internal/cron"
	"github.com/pocketpaw/pocketpaw/internal/datetime"
)

func toolError(message string) *agent.ToolResult {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &agent.ToolResult{Content: message, IsError: true}
	}
	return &agent.ToolResult{Content: string(payload), IsError: true}
}

// Tool creates reminders that are delivered back to whichever chat invoked
// it. The target chat is read from the context the agent loop attaches to
// every tool call, not from the model's parameters, so a reminder can never
// be misdirected at a different conversation.
type Tool struct {
	scheduler *cron.Scheduler
}

// NewTool creates a reminder tool backed by scheduler.
func NewTool(scheduler *cron.Scheduler) *Tool {
	return &Tool{scheduler: scheduler}
}

func (t *Tool) Name() string { return "schedule_reminder" }

func (t *Tool) Description() string {
	return "Schedule a reminder message to be sent back to this conversation, once or on a recurring cron schedule."
}

func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"content": {"type": "string", "description": "Reminder text to send."},
			"cron": {"type": "string", "description": "Standard 5-field cron expression for recurring reminders."},
			"at": {"type": "string", "description": "RFC3339 timestamp for a one-off reminder; mutually exclusive with cron."}
		},
		"required": ["content"]
	}`)
}

func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if t.scheduler == nil {
		return toolError("reminders are disabled"), nil
	}
	var input struct {
		Content string `json:"content"`
		Cron    string `json:"cron"`
		At      string `json:"at"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(input.Content) == "" {
		return toolError("content is required"), nil
	}
	if input.Cron == "" && input.At == "" {
		return toolError("one of cron or at is required"), nil
	}
	if input.At != "" {
		normalized := datetime.NormalizeTimestamp(input.At)
		if normalized == nil {
			return toolError("at: unrecognized timestamp format, expected RFC3339"), nil
		}
		input.At = normalized.TimestampUTC
	}

	chatID, ok := agent.ChatIDFromContext(ctx)
	if !ok || chatID == "" {
		return toolError("no chat context to deliver the reminder to"), nil
	}
	channel, channelID, ok := splitChatID(chatID)
	if !ok {
		return toolError("unrecognized chat id: " + chatID), nil
	}

	jobCfg := config.CronJobConfig{
		ID:      uuid.NewString(),
		Name:    "reminder",
		Type:    "message",
		Enabled: true,
		Schedule: config.CronScheduleConfig{
			Cron: input.Cron,
			At:   input.At,
		},
		Message: &config.CronMessageConfig{
			Channel:   channel,
			ChannelID: channelID,
			Content:   input.Content,
		},
	}

	job, err := t.scheduler.RegisterJob(jobCfg)
	if err != nil {
		return toolError(fmt.Sprintf("schedule reminder: %v", err)), nil
	}

	payload, err := json.MarshalIndent(map[string]any{
		"id":          job.ID,
		"next_run":    job.NextRun,
		"next_run_in": datetime.FormatRelativeTime(job.NextRun, time.Now()),
	}, "", "  ")
	if err != nil {
		return toolError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &agent.ToolResult{Content: string(payload)}, nil
}

// splitChatID reverses the channel-prefixed "<channel>:<native_id>" bus
// chat_id format (internal/channels.ChatID) without depending on the
// channels package just for this one string operation.
func splitChatID(chatID string) (channel, nativeID string, ok bool) {
	idx := strings.Index(chatID, ":")
	if idx <= 0 || idx == len(chatID)-1 {
		return "", "", false
	}
	return chatID[:idx], chatID[idx+1:], true
}
