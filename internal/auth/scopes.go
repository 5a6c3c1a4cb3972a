package auth

import "strings"

// Scope is one unit of authorization granted to an API key or OAuth token.
type Scope string

const (
	ScopeChat          Scope = "chat"
	ScopeSessions      Scope = "sessions"
	ScopeSettingsRead  Scope = "settings:read"
	ScopeSettingsWrite Scope = "settings:write"
	ScopeChannels      Scope = "channels"
	ScopeMemory        Scope = "memory"
	ScopeAdmin         Scope = "admin"
)

// ParseScopes splits a space-separated scope string into Scope values,
// matching the OAuth2 convention used by the token endpoint.
func ParseScopes(raw string) []Scope {
	fields := strings.Fields(raw)
	scopes := make([]Scope, 0, len(fields))
	for _, f := range fields {
		scopes = append(scopes, Scope(f))
	}
	return scopes
}

// FormatScopes joins scopes back into the space-separated wire format.
func FormatScopes(scopes []Scope) string {
	parts := make([]string, len(scopes))
	for i, s := range scopes {
		parts[i] = string(s)
	}
	return strings.Join(parts, " ")
}

// Satisfies reports whether held grants access given required: admin
// satisfies any requirement, otherwise the two sets must intersect.
func Satisfies(held []Scope, required ...Scope) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[Scope]struct{}, len(held))
	for _, s := range held {
		if s == ScopeAdmin {
			return true
		}
		set[s] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}
