package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/pocketpaw/pocketpaw/internal/auth"
	"github.com/pocketpaw/pocketpaw/internal/ratelimit"
)

type principalKey struct{}

// principal describes who authenticated a request and what they may do.
type principal struct {
	tier   string
	scopes []auth.Scope
}

func withPrincipal(ctx context.Context, p principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (principal, bool) {
	p, ok := ctx.Value(principalKey{}).(principal)
	return p, ok
}

// authMiddleware enforces one of five credential tiers, tried in
// descending order of trust: a loopback remote address needs no
// credential at all; everything else must present a master token,
// session token, API key, or OAuth access token as a Bearer credential.
// Grounded on the teacher's tiered AuthMiddleware, adapted to this
// gateway's token types instead of a single JWT service.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isLoopback(r.RemoteAddr) {
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal{tier: "loopback"})))
			return
		}

		token := bearerToken(r)
		if token == "" {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		if s.sessionTokens.VerifyMaster(token) {
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal{tier: "master"})))
			return
		}

		if s.sessionTokens.Verify(token) {
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal{tier: "session"})))
			return
		}

		if rec, ok := s.apiKeys.Validate(token); ok {
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal{tier: "api_key", scopes: rec.Scopes})))
			return
		}

		if oauthTok, ok := s.oauth.Validate(token); ok {
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), principal{
				tier:   "oauth",
				scopes: auth.ParseScopes(oauthTok.Scope),
			})))
			return
		}

		http.Error(w, "invalid or expired credential", http.StatusUnauthorized)
	})
}

// requireScope wraps a handler so that, for principals whose tier carries
// explicit scopes (API keys, OAuth tokens), at least one of required must
// be present. The loopback, master, and session tiers carry implicit full
// access and are never scope-checked.
func requireScope(next http.HandlerFunc, required ...auth.Scope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := principalFromContext(r.Context())
		if !ok {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		switch p.tier {
		case "loopback", "master", "session":
			next(w, r)
			return
		}
		if auth.Satisfies(p.scopes, required...) {
			next(w, r)
			return
		}
		http.Error(w, "insufficient scope", http.StatusForbidden)
	}
}

// rateLimitMiddleware enforces the configured token-bucket limit per
// principal tier + remote IP, matching the api_limiter described in §8:
// the 31st request within a burst window is denied with a Retry-After
// header giving the caller the wait time for its next token. Runs after
// authMiddleware so the bucket key can include the resolved tier.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := rateLimitKey(r)
		if !s.limiter.Allow(key) {
			wait := s.limiter.WaitTime(key)
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(wait.Seconds()+0.999)))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateLimitKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	tier := "anon"
	if p, ok := principalFromContext(r.Context()); ok {
		tier = p.tier
	}
	return ratelimit.CompositeKey(tier, host)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(h), "bearer ") {
		return strings.TrimSpace(h[len("bearer "):])
	}
	return ""
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
