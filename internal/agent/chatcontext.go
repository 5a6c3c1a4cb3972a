package agent

import "context"

type chatIDKey struct{}

// WithChatID attaches the chat_id of the turn being processed to ctx, so a
// Tool's Execute method can scope its side effects (e.g. where a scheduled
// reminder should be delivered) without the registry threading it through
// as an explicit parameter.
func WithChatID(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, chatIDKey{}, chatID)
}

// ChatIDFromContext returns the chat_id stored by WithChatID, if any.
func ChatIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(chatIDKey{}).(string)
	return v, ok
}
