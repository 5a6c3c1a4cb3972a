package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	agentctx "github.com/pocketpaw/pocketpaw/internal/agent/context"
	"github.com/pocketpaw/pocketpaw/internal/audit"
	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/guardian"
	"github.com/pocketpaw/pocketpaw/internal/plan"
	"github.com/pocketpaw/pocketpaw/internal/rails"
	"github.com/pocketpaw/pocketpaw/internal/tools/policy"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// shellToolNames lists the tools rails and Guardian must scan before
// execution. Anything not in this set skips the shell-specific checks
// entirely (step 4 of the invocation pipeline is a no-op for them).
var shellToolNames = map[string]bool{
	"shell": true,
	"exec":  true,
}

// MessageStore persists the conversation a chat_id accumulates across
// turns. It is the loop's only dependency on durable storage; internal/memory
// implements a richer superset for semantic recall.
type MessageStore interface {
	History(ctx context.Context, chatID string) ([]*models.Message, error)
	Append(ctx context.Context, msg *models.Message) error
}

// PlanModePolicy decides, per chat_id, whether critical-trust tool calls
// must be interposed through Plan Mode before they execute.
type PlanModePolicy func(chatID string) bool

// ToolTrustResolver maps a tool name to its trust level. Unregistered tools
// default to TrustStandard.
type ToolTrustResolver func(toolName string) models.TrustLevel

// LoopConfig wires a Loop to the bus and the cross-cutting guard layer.
type LoopConfig struct {
	Bus       *bus.Bus
	Provider  LLMProvider
	Registry  *ToolRegistry
	Store     MessageStore
	AuditLog  *audit.Logger
	PlanMgr   *plan.Manager
	Guardian  *guardian.Scanner
	Resolver  *policy.Resolver
	Policy    *policy.Policy
	Trust     ToolTrustResolver
	PlanMode  PlanModePolicy
	Packer   *agentctx.Packer
	Options  RuntimeOptions
	Model    string
	System   string

	// Router, if set, picks the model for each turn from the inbound
	// message's text (the Model Router of §4.7) instead of always using
	// Model. Model remains the fallback when Router returns "".
	Router func(text string) string
}

// Loop is the single process-wide Agent Loop: it subscribes to the bus's
// inbound topic and, for every InboundMessage, drives one turn of context
// assembly, model invocation, tool execution, and streamed reply.
type Loop struct {
	bus      *bus.Bus
	provider LLMProvider
	registry *ToolRegistry
	store    MessageStore
	auditLog *audit.Logger
	planMgr  *plan.Manager
	guardian *guardian.Scanner
	resolver *policy.Resolver
	toolPol  *policy.Policy
	trust    ToolTrustResolver
	planMode PlanModePolicy
	packer   *agentctx.Packer
	opts     RuntimeOptions
	model    string
	router   func(text string) string
	system   string
	locks    *sessionLocks
	logger   *slog.Logger

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc
}

// NewLoop constructs a Loop from cfg, filling in defaults for anything left
// unset (a nil trust resolver classifies shell/exec as critical and
// everything else standard; a nil PlanMode disables Plan Mode entirely).
func NewLoop(cfg LoopConfig) *Loop {
	opts := cfg.Options
	if opts.MaxIterations <= 0 {
		opts = DefaultRuntimeOptions()
	}
	trust := cfg.Trust
	if trust == nil {
		trust = defaultTrustResolver
	}
	planMode := cfg.PlanMode
	if planMode == nil {
		planMode = func(string) bool { return false }
	}
	packer := cfg.Packer
	if packer == nil {
		packer = agentctx.NewPacker(agentctx.DefaultPackOptions())
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = policy.NewResolver()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Loop{
		bus:      cfg.Bus,
		provider: cfg.Provider,
		registry: cfg.Registry,
		store:    cfg.Store,
		auditLog: cfg.AuditLog,
		planMgr:  cfg.PlanMgr,
		guardian: cfg.Guardian,
		resolver: resolver,
		toolPol:  cfg.Policy,
		trust:    trust,
		planMode: planMode,
		packer:   packer,
		opts:     opts,
		model:    cfg.Model,
		router:   cfg.Router,
		system:   cfg.System,
		locks:    newSessionLocks(),
		logger:   logger,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// defaultTrustResolver marks the shell-class tools critical and leaves
// everything else at standard trust.
func defaultTrustResolver(toolName string) models.TrustLevel {
	if shellToolNames[policy.NormalizeTool(toolName)] {
		return models.TrustCritical
	}
	return models.TrustStandard
}

// Run subscribes to the bus's inbound topic and processes InboundMessages
// until ctx is cancelled. Turns for distinct chat_ids run concurrently;
// turns for the same chat_id are serialized through the session lock so a
// reminder replay never races a live conversation.
func (l *Loop) Run(ctx context.Context) {
	ch, unsubscribe := l.bus.Subscribe(bus.TopicInbound)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			inbound, ok := env.Payload.(*models.InboundMessage)
			if !ok {
				l.logger.Warn("loop: dropping inbound envelope with unexpected payload", "chat_id", env.ChatID)
				continue
			}
			go l.runTurn(ctx, inbound)
		}
	}
}

func (l *Loop) runTurn(ctx context.Context, in *models.InboundMessage) {
	unlock := l.locks.Lock(in.ChatID)
	defer unlock()

	turnCtx, cancel := context.WithCancel(ctx)
	l.setCancel(in.ChatID, cancel)
	defer func() {
		l.clearCancel(in.ChatID, cancel)
		cancel()
	}()

	if err := l.turn(turnCtx, in); err != nil {
		if errors.Is(err, context.Canceled) {
			l.bus.Publish(bus.TopicSystemEvents, in.ChatID, &models.SystemEvent{
				ChatID:    in.ChatID,
				EventType: models.SystemEventError,
				Content:   "turn stopped by request",
			})
			l.bus.Publish(bus.TopicOutbound, in.ChatID, &models.OutboundMessage{
				ChatID:      in.ChatID,
				IsStreamEnd: true,
			})
			return
		}
		l.logger.Error("loop: turn failed", "chat_id", in.ChatID, "error", err)
		l.bus.Publish(bus.TopicOutbound, in.ChatID, &models.OutboundMessage{
			ChatID:        in.ChatID,
			Content:       "Something went wrong processing that message.",
			IsStreamChunk: true,
		})
		l.bus.Publish(bus.TopicSystemEvents, in.ChatID, &models.SystemEvent{
			ChatID:    in.ChatID,
			EventType: models.SystemEventError,
			Content:   err.Error(),
		})
		l.bus.Publish(bus.TopicOutbound, in.ChatID, &models.OutboundMessage{
			ChatID:      in.ChatID,
			IsStreamEnd: true,
		})
	}
}

// Cancel stops the in-flight turn for chatID, if any, reporting whether one
// was found. The cancelled turn still publishes its stream-end marker so
// streaming clients see a clean close rather than a hang.
func (l *Loop) Cancel(chatID string) bool {
	l.cancelMu.Lock()
	cancel, ok := l.cancels[chatID]
	l.cancelMu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (l *Loop) setCancel(chatID string, cancel context.CancelFunc) {
	l.cancelMu.Lock()
	l.cancels[chatID] = cancel
	l.cancelMu.Unlock()
}

// clearCancel removes chatID's cancel entry. The session lock in runTurn
// already serializes turns per chat_id, so there is never a newer turn's
// entry to clobber here.
func (l *Loop) clearCancel(chatID string, _ context.CancelFunc) {
	l.cancelMu.Lock()
	delete(l.cancels, chatID)
	l.cancelMu.Unlock()
}

// turn runs one complete agent turn for in: context assembly, model
// invocation, tool-use iteration, and the terminating stream-end marker.
func (l *Loop) turn(ctx context.Context, in *models.InboundMessage) error {
	var history []*models.Message
	if l.store != nil {
		h, err := l.store.History(ctx, in.ChatID)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		history = h
	}

	userMsg := &models.Message{
		ID:        uuid.NewString(),
		ChannelID: in.ChatID,
		Channel:   in.Channel,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   in.Content,
		Metadata:  in.Metadata,
		CreatedAt: time.Now().UTC(),
	}

	packed, err := l.packer.Pack(history, userMsg, nil)
	if err != nil {
		return fmt.Errorf("pack context: %w", err)
	}

	tools := l.registry.AsLLMTools()
	tools = filterToolsByPolicy(l.resolver, l.toolPol, tools)

	messages := messagesToCompletion(packed)

	turnModel := l.model
	if l.router != nil {
		if m := l.router(in.Content); m != "" {
			turnModel = m
		}
	}

	var usage models.Usage
	var assistantText strings.Builder

	for iteration := 0; iteration < l.maxIterations(); iteration++ {
		req := &CompletionRequest{
			Model:    turnModel,
			System:   l.system,
			Messages: messages,
			Tools:    tools,
		}

		chunks, err := l.provider.Complete(ctx, req)
		if err != nil {
			return &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: err}
		}

		var pendingCalls []models.ToolCall
		var turnText strings.Builder

		for chunk := range chunks {
			if chunk.Error != nil {
				return &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: chunk.Error}
			}
			if chunk.Text != "" {
				turnText.WriteString(chunk.Text)
				assistantText.WriteString(chunk.Text)
				l.bus.Publish(bus.TopicOutbound, in.ChatID, &models.OutboundMessage{
					ChatID:        in.ChatID,
					Content:       chunk.Text,
					IsStreamChunk: true,
				})
			}
			if chunk.ToolCall != nil {
				pendingCalls = append(pendingCalls, *chunk.ToolCall)
			}
			if chunk.Done {
				usage.InputTokens += chunk.InputTokens
				usage.OutputTokens += chunk.OutputTokens
			}
		}

		messages = append(messages, CompletionMessage{Role: "assistant", Content: turnText.String(), ToolCalls: pendingCalls})

		if len(pendingCalls) == 0 {
			break
		}

		results := make([]models.ToolResult, 0, len(pendingCalls))
		for _, tc := range pendingCalls {
			res := l.invokeTool(ctx, in, tc)
			results = append(results, res)
			l.bus.Publish(bus.TopicSystemEvents, in.ChatID, &models.SystemEvent{
				ChatID:    in.ChatID,
				EventType: models.SystemEventToolResult,
				Content:   truncateForLog(res.Content, 200),
				Metadata:  map[string]any{"tool_call_id": res.ToolCallID},
			})
		}
		results = guardToolResults(l.opts.ToolResultGuard, pendingCalls, results, l.resolver)
		messages = append(messages, CompletionMessage{Role: "tool", ToolResults: results})
	}

	l.bus.Publish(bus.TopicOutbound, in.ChatID, &models.OutboundMessage{
		ChatID:      in.ChatID,
		IsStreamEnd: true,
		Usage:       &usage,
	})

	if l.store != nil {
		if err := l.store.Append(ctx, userMsg); err != nil {
			l.logger.Error("loop: persist user message failed", "error", err)
		}
		assistantMsg := &models.Message{
			ID:        uuid.NewString(),
			ChannelID: in.ChatID,
			Channel:   in.Channel,
			Direction: models.DirectionOutbound,
			Role:      models.RoleAssistant,
			Content:   assistantText.String(),
			CreatedAt: time.Now().UTC(),
		}
		if err := l.store.Append(ctx, assistantMsg); err != nil {
			l.logger.Error("loop: persist assistant message failed", "error", err)
		}
	}

	return nil
}

func (l *Loop) maxIterations() int {
	if l.opts.MaxIterations > 0 {
		return l.opts.MaxIterations
	}
	return 5
}

// invokeTool runs the six-step invocation pipeline for one tool call: policy
// deny check, audit attempt, Plan Mode interposition for critical-trust
// tools, a Guardian scan for shell-class tools, execution, and a
// 200-character truncated audit record of the outcome.
func (l *Loop) invokeTool(ctx context.Context, in *models.InboundMessage, tc models.ToolCall) models.ToolResult {
	actor := in.SenderID
	sessionKey := in.ChatID
	trust := l.trust(tc.Name)

	if l.resolver != nil && l.toolPol != nil && !l.resolver.IsAllowed(l.toolPol, tc.Name) {
		if l.auditLog != nil {
			l.auditLog.Denied(actor, tc.Name, "policy")
		}
		return models.ToolResult{ToolCallID: tc.ID, Content: "tool denied by policy: " + tc.Name, IsError: true}
	}

	if l.auditLog != nil {
		l.auditLog.Attempt(actor, tc.Name, trustSeverity(trust), map[string]any{"tool_call_id": tc.ID})
	}

	if l.opts.ApprovalChecker != nil {
		if decision, reason := l.opts.ApprovalChecker.Check(ctx, actor, tc); decision == ApprovalDenied {
			if l.auditLog != nil {
				l.auditLog.Denied(actor, tc.Name, reason)
			}
			return models.ToolResult{ToolCallID: tc.ID, Content: "tool denied: " + reason, IsError: true}
		}
	}

	if trust == models.TrustCritical && l.planMgr != nil && l.planMode(sessionKey) {
		preview := toolPreview(tc.Name, tc.Input)
		l.planMgr.AddStep(sessionKey, tc.Name, tc.Input, preview)
		l.bus.Publish(bus.TopicSystemEvents, in.ChatID, &models.SystemEvent{
			ChatID:    in.ChatID,
			EventType: models.SystemEventPlanProposed,
			Content:   preview,
			Metadata:  map[string]any{"tool_name": tc.Name, "tool_call_id": tc.ID},
		})

		status, err := l.planMgr.WaitForApproval(ctx, sessionKey, 5*time.Minute)
		if err != nil || status != plan.StatusApproved {
			if l.auditLog != nil {
				l.auditLog.Denied(actor, tc.Name, "plan mode: "+string(status))
			}
			return models.ToolResult{ToolCallID: tc.ID, Content: "tool call awaiting approval was not approved", IsError: true}
		}
		l.planMgr.MarkExecuting(sessionKey)
		defer l.planMgr.MarkCompleted(sessionKey)
	}

	if shellToolNames[policy.NormalizeTool(tc.Name)] {
		command := shellCommandFromInput(tc.Input)
		if v := rails.CheckCommand(command); v.Blocked {
			if l.auditLog != nil {
				l.auditLog.Blocked(actor, command, v.Reason)
			}
			return models.ToolResult{ToolCallID: tc.ID, Content: "command blocked: " + v.Reason, IsError: true}
		}
		if l.guardian != nil {
			if safe, reason := l.guardian.Scan(ctx, actor, command); !safe {
				if l.auditLog != nil {
					l.auditLog.Blocked(actor, command, reason)
				}
				return models.ToolResult{ToolCallID: tc.ID, Content: "command blocked by guardian: " + reason, IsError: true}
			}
		}
	}

	result, err := l.registry.Execute(WithChatID(ctx, sessionKey), tc.Name, tc.Input)
	if err != nil {
		if l.auditLog != nil {
			l.auditLog.Failure(actor, tc.Name, err.Error(), nil)
		}
		return models.ToolResult{ToolCallID: tc.ID, Content: truncateForLog(err.Error(), 200), IsError: true}
	}

	if result.IsError {
		if l.auditLog != nil {
			l.auditLog.Failure(actor, tc.Name, truncateForLog(result.Content, 200), nil)
		}
	} else if l.auditLog != nil {
		l.auditLog.Success(actor, tc.Name, map[string]any{"result_preview": truncateForLog(result.Content, 200)})
	}

	return models.ToolResult{ToolCallID: tc.ID, Content: result.Content, IsError: result.IsError}
}

func trustSeverity(t models.TrustLevel) audit.Severity {
	switch t {
	case models.TrustCritical:
		return audit.SeverityCritical
	case models.TrustHigh:
		return audit.SeverityWarning
	default:
		return audit.SeverityInfo
	}
}

// toolPreview summarizes a tool call for display in a plan_proposed system
// event, e.g. "Write to /workspace/notes.md" for a write_file call.
func toolPreview(name string, input json.RawMessage) string {
	switch policy.NormalizeTool(name) {
	case "write_file", "writefile":
		var args struct {
			Path string `json:"path"`
		}
		if json.Unmarshal(input, &args) == nil && args.Path != "" {
			return "Write to " + args.Path
		}
		return "Write to a file"
	case "shell", "exec":
		return "Run: " + truncateForLog(shellCommandFromInput(input), 120)
	default:
		return "Invoke " + name
	}
}

func shellCommandFromInput(input json.RawMessage) string {
	var args struct {
		Command string `json:"command"`
	}
	if json.Unmarshal(input, &args) == nil {
		return args.Command
	}
	return string(input)
}

func truncateForLog(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...[truncated]"
}

// messagesToCompletion converts packed conversation history into the
// provider-agnostic CompletionMessage shape the Loop sends to providers.
func messagesToCompletion(msgs []*models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		role := string(m.Role)
		if role == "" {
			role = "user"
		}
		out = append(out, CompletionMessage{
			Role:        role,
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
			Attachments: m.Attachments,
		})
	}
	return out
}
