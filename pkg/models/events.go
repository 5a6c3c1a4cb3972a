package models

import "encoding/json"

// InboundMessage is the unit every channel adapter publishes to the bus's
// inbound topic: one user message, independent of which platform it arrived
// on. The agent loop subscribes to exactly this shape.
type InboundMessage struct {
	Channel  ChannelType    `json:"channel"`
	SenderID string         `json:"sender_id"`
	ChatID   string         `json:"chat_id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// OutboundMessage is one delivery unit published by the agent loop back to
// the bus's outbound topic. Exactly one of IsStreamChunk or IsStreamEnd is
// true for a streaming turn; both are false for a single non-streaming
// reply. A chat_id's outbound messages always arrive in publish order.
type OutboundMessage struct {
	ChatID        string         `json:"chat_id"`
	Content       string         `json:"content"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	IsStreamChunk bool           `json:"is_stream_chunk,omitempty"`
	IsStreamEnd   bool           `json:"is_stream_end,omitempty"`
	Usage         *Usage         `json:"usage,omitempty"`
}

// Usage reports token consumption for a completed turn, attached to the
// OutboundMessage carrying IsStreamEnd.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// SystemEventType names the kind of out-of-band signal a SystemEvent
// carries. Transports may define additional UI-only signals beyond these.
type SystemEventType string

const (
	SystemEventToolUse      SystemEventType = "tool_use"
	SystemEventToolResult   SystemEventType = "tool_result"
	SystemEventThinking     SystemEventType = "thinking"
	SystemEventThinkingDone SystemEventType = "thinking_done"
	SystemEventError        SystemEventType = "error"
	SystemEventInboxUpdate  SystemEventType = "inbox_update"
	SystemEventHealthUpdate SystemEventType = "health_update"
	SystemEventPlanProposed SystemEventType = "plan_proposed"
)

// SystemEvent is an out-of-band signal published to the bus's system_events
// topic: progress and status information that rides alongside the outbound
// text stream rather than inside it.
type SystemEvent struct {
	ChatID    string          `json:"chat_id,omitempty"`
	EventType SystemEventType `json:"event_type"`
	Content   string          `json:"content,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// TrustLevel categorizes how much latitude a tool is given before execution:
// standard tools run immediately, high-trust tools are logged more loudly,
// and critical tools are subject to Plan Mode interposition.
type TrustLevel string

const (
	TrustStandard TrustLevel = "standard"
	TrustHigh     TrustLevel = "high"
	TrustCritical TrustLevel = "critical"
)

// ToolDefinition is the process-wide-unique description of one callable
// tool, as advertised to the model and consulted by the invocation
// pipeline's policy and Plan Mode checks.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
	TrustLevel  TrustLevel      `json:"trust_level"`
}
