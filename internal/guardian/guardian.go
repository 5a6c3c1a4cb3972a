// Package guardian implements the secondary-model shell-command scanner:
// a classifier that asks a second LLM call whether a command that has
// already passed the static rails (internal/rails) is safe to run.
package guardian

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pocketpaw/pocketpaw/internal/audit"
)

// CompletionMessage is one turn of a model request, kept local to this
// package (rather than imported from internal/agent) so the agent package
// can depend on guardian without an import cycle: agent.Loop wires a
// Scanner over its own provider via a small adapter.
type CompletionMessage struct {
	Role    string
	Content string
}

// CompletionRequest is the minimal request shape the Scanner needs to send
// to a secondary model.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []CompletionMessage
	MaxTokens int
}

// CompletionChunk is one piece of a streamed model response.
type CompletionChunk struct {
	Text  string
	Error error
}

// Provider sends a CompletionRequest and streams back CompletionChunks.
// internal/agent.LLMProvider satisfies a richer version of this via an
// adapter rather than this package depending on internal/agent directly.
type Provider interface {
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}

const systemPrompt = `You are a security reviewer for a shell command about to be executed by an autonomous agent.
Respond with strict JSON only, no prose, no markdown fences, matching exactly:
{"status": "SAFE", "reason": "..."} or {"status": "DANGEROUS", "reason": "..."}
Mark DANGEROUS if the command could destroy data, exfiltrate secrets, escalate privileges,
modify system configuration outside the workspace, or otherwise act against the operator's
interests. When uncertain, prefer DANGEROUS.`

// Scanner classifies shell commands using a secondary model call.
type Scanner struct {
	provider Provider
	model    string
	auditLog *audit.Logger
}

// NewScanner builds a Scanner bound to provider and model. A nil provider
// means no API key is configured at all, so the scanner runs disabled.
func NewScanner(provider Provider, model string, auditLog *audit.Logger) *Scanner {
	return &Scanner{provider: provider, model: model, auditLog: auditLog}
}

type verdict struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// Scan returns (is_safe, reason) for command. Invoked only by the shell
// tool, only after CheckCommand has already passed.
func (s *Scanner) Scan(ctx context.Context, actor, command string) (bool, string) {
	if s.provider == nil {
		reason := "Guardian disabled"
		if s.auditLog != nil {
			s.auditLog.Alert(actor, "guardian.disabled", "no model API key configured; shell commands bypass the secondary scan")
		}
		return true, reason
	}

	req := &CompletionRequest{
		Model:     s.model,
		System:    systemPrompt,
		Messages:  []CompletionMessage{{Role: "user", Content: command}},
		MaxTokens: 256,
	}

	chunks, err := s.provider.Complete(ctx, req)
	if err != nil {
		return s.fail(actor, command, err)
	}

	var text strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return s.fail(actor, command, chunk.Error)
		}
		text.WriteString(chunk.Text)
	}

	v, err := parseVerdict(text.String())
	if err != nil {
		return s.fail(actor, command, err)
	}

	safe := strings.EqualFold(v.Status, "SAFE")
	if s.auditLog != nil {
		sev := audit.SeverityInfo
		if !safe {
			sev = audit.SeverityWarning
		}
		s.auditLog.Log(audit.Event{
			Severity: sev,
			Actor:    actor,
			Action:   "guardian.scan",
			Target:   command,
			Status:   strings.ToLower(v.Status),
			Context:  map[string]any{"reason": v.Reason},
		})
	}
	return safe, v.Reason
}

func (s *Scanner) fail(actor, command string, cause error) (bool, string) {
	if s.auditLog != nil {
		s.auditLog.Log(audit.Event{
			Severity: audit.SeverityWarning,
			Actor:    actor,
			Action:   "guardian.scan",
			Target:   command,
			Status:   "error",
			Context:  map[string]any{"error": cause.Error()},
		})
	}
	// Fail-safe: provider unreachable means the command is refused.
	return false, "guardian error"
}

func parseVerdict(raw string) (verdict, error) {
	raw = strings.TrimSpace(raw)
	// Models occasionally wrap JSON in a fenced code block despite instructions.
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end < start {
		return verdict{}, fmt.Errorf("guardian: no JSON object in model response")
	}

	var v verdict
	if err := json.Unmarshal([]byte(raw[start:end+1]), &v); err != nil {
		return verdict{}, fmt.Errorf("guardian: parse verdict: %w", err)
	}
	if v.Status == "" {
		return verdict{}, fmt.Errorf("guardian: empty status in verdict")
	}
	return v, nil
}
