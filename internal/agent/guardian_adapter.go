package agent

import (
	"context"

	"github.com/pocketpaw/pocketpaw/internal/guardian"
)

// guardianProviderAdapter narrows an LLMProvider down to the minimal shape
// guardian.Provider expects, so a Scanner can be built over the same
// provider the Loop uses without internal/guardian importing internal/agent
// (which would cycle back through this package).
type guardianProviderAdapter struct {
	provider LLMProvider
}

// NewGuardianProvider wraps provider for use with guardian.NewScanner.
func NewGuardianProvider(provider LLMProvider) guardian.Provider {
	return guardianProviderAdapter{provider: provider}
}

func (a guardianProviderAdapter) Complete(ctx context.Context, req *guardian.CompletionRequest) (<-chan *guardian.CompletionChunk, error) {
	agentMessages := make([]CompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		agentMessages = append(agentMessages, CompletionMessage{Role: m.Role, Content: m.Content})
	}

	chunks, err := a.provider.Complete(ctx, &CompletionRequest{
		Model:     req.Model,
		System:    req.System,
		Messages:  agentMessages,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan *guardian.CompletionChunk)
	go func() {
		defer close(out)
		for c := range chunks {
			out <- &guardian.CompletionChunk{Text: c.Text, Error: c.Error}
		}
	}()
	return out, nil
}
