package gateway

import (
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"time"

	"github.com/pocketpaw/pocketpaw/internal/auth"
	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/channels"
	"github.com/pocketpaw/pocketpaw/internal/memory"
	"github.com/pocketpaw/pocketpaw/internal/plan"
	"github.com/pocketpaw/pocketpaw/internal/security"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// registerRoutes mounts every REST/SSE endpoint behind authMiddleware,
// except the health check which startHTTPServer mounts unauthenticated.
// Grouped the way the teacher's http_server.go groups its mux.Handle
// calls: one section per concern rather than one giant router file.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	withAuth := func(next http.Handler) http.Handler {
		return s.authMiddleware(s.rateLimitMiddleware(next))
	}

	mux.Handle("/auth/session", withAuth(http.HandlerFunc(s.handleAuthSession)))
	mux.Handle("/auth/login", s.rateLimitMiddleware(http.HandlerFunc(s.handleAuthLogin)))
	mux.Handle("/auth/logout", withAuth(http.HandlerFunc(s.handleAuthLogout)))
	mux.Handle("/auth/api-keys", withAuth(http.HandlerFunc(s.handleAPIKeys)))
	mux.Handle("/auth/api-keys/{id}", withAuth(http.HandlerFunc(s.handleAPIKeyByID)))

	mux.Handle("/oauth/authorize", s.rateLimitMiddleware(http.HandlerFunc(s.handleOAuthAuthorize)))
	mux.Handle("/oauth/authorize/consent", s.rateLimitMiddleware(http.HandlerFunc(s.handleOAuthConsent)))
	mux.Handle("/oauth/token", s.rateLimitMiddleware(http.HandlerFunc(s.handleOAuthToken)))
	mux.Handle("/oauth/revoke", s.rateLimitMiddleware(http.HandlerFunc(s.handleOAuthRevoke)))

	mux.Handle("/chat/stream", withAuth(http.HandlerFunc(s.handleChatStream)))
	mux.Handle("/chat/stop", withAuth(http.HandlerFunc(s.handleChatStop)))
	mux.Handle("/events/stream", withAuth(http.HandlerFunc(s.handleEventsStream)))

	mux.Handle("/sessions", withAuth(requireScope(s.handleSessions, auth.ScopeSessions)))
	mux.Handle("/sessions/search", withAuth(requireScope(s.handleSessionsSearch, auth.ScopeSessions)))
	mux.Handle("/sessions/{id}", withAuth(requireScope(s.handleSessionByID, auth.ScopeSessions)))

	mux.Handle("/channels/status", withAuth(requireScope(s.handleChannelsStatus, auth.ScopeChannels)))
	mux.Handle("/channels/save", withAuth(requireScope(s.handleChannelsSave, auth.ScopeChannels)))
	mux.Handle("/channels/toggle", withAuth(requireScope(s.handleChannelsToggle, auth.ScopeChannels)))

	mux.Handle("/memory/long_term", withAuth(requireScope(s.handleMemoryLongTerm, auth.ScopeMemory)))
	mux.Handle("/memory/stats", withAuth(requireScope(s.handleMemoryStats, auth.ScopeMemory)))
	mux.Handle("/memory/settings", withAuth(http.HandlerFunc(s.handleMemorySettings)))

	mux.Handle("/settings", withAuth(http.HandlerFunc(s.handleSettings)))

	mux.Handle("/plan/approve", withAuth(http.HandlerFunc(s.handlePlanApprove)))
	mux.Handle("/plan/reject", withAuth(http.HandlerFunc(s.handlePlanReject)))

	mux.Handle("/reminders", withAuth(http.HandlerFunc(s.handleReminders)))

	mux.Handle("/audit", withAuth(requireScope(s.handleAuditLog, auth.ScopeAdmin)))
	mux.Handle("/security-audit", withAuth(requireScope(s.handleSecurityAudit, auth.ScopeAdmin)))
	mux.Handle("/self-audit/security", withAuth(requireScope(s.handleSecurityAudit, auth.ScopeAdmin)))
	mux.Handle("/self-audit/channels", withAuth(requireScope(s.handleChannelsStatus, auth.ScopeAdmin)))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// --- auth ---

// handleAuthSession exchanges the already-validated credential (master
// token, API key, or OAuth token, per authMiddleware) for a short-lived
// session token suitable for browser/UI use.
func (s *Server) handleAuthSession(w http.ResponseWriter, r *http.Request) {
	ttl := s.config.Auth.SessionTokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	token, expiresAt, err := s.sessionTokens.Create(ttl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "expires_at": expiresAt})
}

// handleAuthLogin validates the master token presented in the request
// body and, on success, mints a session token the same way
// handleAuthSession does. It exists as an unauthenticated entrypoint so a
// client holding only the master token (never the loopback address) can
// bootstrap into a session token.
func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.sessionTokens.VerifyMaster(body.Token) {
		writeError(w, http.StatusUnauthorized, "invalid master token")
		return
	}
	ttl := s.config.Auth.SessionTokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	token, expiresAt, err := s.sessionTokens.Create(ttl)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "expires_at": expiresAt})
}

// handleAuthLogout revokes the bearer session token presented with the
// request. API keys and OAuth tokens have their own revoke/rotate paths;
// this endpoint only understands the short-lived session tokens
// handleAuthSession and handleAuthLogin mint.
func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusBadRequest, "missing bearer token")
		return
	}
	if err := s.sessionTokens.Revoke(token); err != nil {
		writeError(w, http.StatusBadRequest, "not a session token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAPIKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"keys": s.apiKeys.List()})
	case http.MethodPost:
		var body struct {
			Name   string   `json:"name"`
			Scopes []string `json:"scopes"`
			TTL    string   `json:"ttl"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		var ttl time.Duration
		if body.TTL != "" {
			parsed, err := time.ParseDuration(body.TTL)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid ttl")
				return
			}
			ttl = parsed
		}
		scopes := make([]auth.Scope, 0, len(body.Scopes))
		for _, sc := range body.Scopes {
			scopes = append(scopes, auth.Scope(sc))
		}
		plaintext, rec, err := s.apiKeys.Create(body.Name, scopes, ttl)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"key": plaintext, "record": rec})
	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or POST required")
	}
}

// handleAPIKeyByID serves DELETE and rotation for one key: DELETE revokes
// it outright, POST issues a new plaintext value for the same record while
// invalidating the old one.
func (s *Server) handleAPIKeyByID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	switch r.Method {
	case http.MethodDelete:
		if err := s.apiKeys.Revoke(id); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPost:
		plaintext, rec, err := s.apiKeys.Rotate(id)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": plaintext, "record": rec})
	default:
		writeError(w, http.StatusMethodNotAllowed, "DELETE or POST required")
	}
}

// --- oauth ---

// oauthConsentTemplate renders the PKCE consent screen: it restates the
// requesting client and scope and posts the user's allow/deny decision
// along with every parameter /oauth/token will later need, without this
// server holding any session state in between.
var oauthConsentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html>
<head><title>Authorize {{.ClientID}}</title></head>
<body>
<h1>Authorize access</h1>
<p><strong>{{.ClientID}}</strong> is requesting access{{if .Scope}} with scope <code>{{.Scope}}</code>{{end}}.</p>
<form method="POST" action="/oauth/authorize/consent">
<input type="hidden" name="client_id" value="{{.ClientID}}">
<input type="hidden" name="redirect_uri" value="{{.RedirectURI}}">
<input type="hidden" name="scope" value="{{.Scope}}">
<input type="hidden" name="state" value="{{.State}}">
<input type="hidden" name="code_challenge" value="{{.CodeChallenge}}">
<input type="hidden" name="code_challenge_method" value="{{.CodeChallengeMethod}}">
<button type="submit" name="decision" value="allow">Allow</button>
<button type="submit" name="decision" value="deny">Deny</button>
</form>
</body>
</html>`))

type oauthConsentView struct {
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// handleOAuthAuthorize renders the consent form for the requested grant.
// The authorization code is not issued here: it is only minted once the
// user explicitly allows the request at /oauth/authorize/consent.
func (s *Server) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") == "" || q.Get("redirect_uri") == "" {
		writeError(w, http.StatusBadRequest, "client_id and redirect_uri are required")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	oauthConsentTemplate.Execute(w, oauthConsentView{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	})
}

// handleOAuthConsent resolves the user's allow/deny decision from the
// consent form: allow issues the authorization code and 302-redirects to
// redirect_uri with ?code=&state=; deny redirects with ?error=access_denied
// instead, per the OAuth2 authorization response contract.
func (s *Server) handleOAuthConsent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}

	redirectURI := r.Form.Get("redirect_uri")
	parsed, err := url.Parse(redirectURI)
	if err != nil || redirectURI == "" {
		writeError(w, http.StatusBadRequest, "invalid redirect_uri")
		return
	}
	query := parsed.Query()
	if state := r.Form.Get("state"); state != "" {
		query.Set("state", state)
	}

	if r.Form.Get("decision") != "allow" {
		query.Set("error", "access_denied")
		parsed.RawQuery = query.Encode()
		http.Redirect(w, r, parsed.String(), http.StatusFound)
		return
	}

	code, err := s.oauth.IssueAuthorizationCode(
		r.Form.Get("client_id"), redirectURI, r.Form.Get("scope"),
		r.Form.Get("code_challenge"), r.Form.Get("code_challenge_method"),
	)
	if err != nil {
		query.Set("error", "invalid_request")
		parsed.RawQuery = query.Encode()
		http.Redirect(w, r, parsed.String(), http.StatusFound)
		return
	}
	query.Set("code", code)
	parsed.RawQuery = query.Encode()
	http.Redirect(w, r, parsed.String(), http.StatusFound)
}

func (s *Server) handleOAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	var (
		tok *auth.OAuthToken
		err error
	)
	switch r.Form.Get("grant_type") {
	case "refresh_token":
		tok, err = s.oauth.RefreshToken(r.Form.Get("refresh_token"))
	default:
		tok, err = s.oauth.ExchangeCode(
			r.Form.Get("code"), r.Form.Get("client_id"), r.Form.Get("redirect_uri"), r.Form.Get("code_verifier"),
		)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tok)
}

func (s *Server) handleOAuthRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return
	}
	if err := s.oauth.Revoke(r.Form.Get("token")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- chat ---

// handleChatStream publishes one inbound message onto the bus and streams
// the agent's outbound replies back as Server-Sent Events until
// IsStreamEnd or the client disconnects.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var body struct {
		ChatID  string `json:"chat_id"`
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.ChatID == "" || body.Content == "" {
		writeError(w, http.StatusBadRequest, "chat_id and content are required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, unsubscribe := s.bus.Subscribe(bus.TopicOutbound)
	defer unsubscribe()

	s.bus.Publish(bus.TopicInbound, body.ChatID, &models.InboundMessage{
		ChatID:  body.ChatID,
		Content: body.Content,
	})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-ch:
			if !ok {
				return
			}
			out, ok := env.Payload.(*models.OutboundMessage)
			if !ok || out.ChatID != body.ChatID {
				continue
			}
			payload, _ := json.Marshal(out)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			if out.IsStreamEnd {
				return
			}
		}
	}
}

// handleChatStop cancels the in-flight turn for a chat_id, if any. The
// cancelled turn still emits its own stream-end marker, so a caller with an
// open /chat/stream connection sees it close cleanly rather than hang.
func (s *Server) handleChatStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var body struct {
		ChatID string `json:"chat_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ChatID == "" {
		writeError(w, http.StatusBadRequest, "chat_id is required")
		return
	}
	if !s.loop.Cancel(body.ChatID) {
		writeError(w, http.StatusNotFound, "no in-flight turn for chat_id")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEventsStream mirrors every outbound message across every chat as
// Server-Sent Events, sending a keepalive comment every 30 seconds so
// intermediary proxies don't time out an idle connection.
func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, unsubscribe := s.bus.Subscribe(bus.TopicOutbound)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case env, ok := <-ch:
			if !ok {
				return
			}
			payload, _ := json.Marshal(env.Payload)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// --- sessions ---

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "GET required")
		return
	}
	list, err := s.sessions.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) handleSessionsSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	results, err := s.sessions.Search(query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": results})
}

// handleSessionByID serves single-session retrieval and deletion.
func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	switch r.Method {
	case http.MethodGet:
		sess, err := s.sessions.Get(id)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, sess)
	case http.MethodDelete:
		if err := s.sessions.Delete(id); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or DELETE required")
	}
}

// --- channels ---

func (s *Server) handleChannelsStatus(w http.ResponseWriter, r *http.Request) {
	health := s.channels.HealthSnapshot(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"channels": health})
}

// handleChannelsSave stores free-form per-channel settings (bot tokens,
// webhook URLs, and the like) for a channel type. It does not hot-swap the
// adapter already built at startup: changes take effect the next time the
// gateway restarts and reloads config, but are visible immediately through
// this same endpoint so a UI can confirm what was saved.
func (s *Server) handleChannelsSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var body struct {
		Channel string            `json:"channel"`
		Config  map[string]string `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Channel == "" {
		writeError(w, http.StatusBadRequest, "channel is required")
		return
	}
	s.channelSettingsMu.Lock()
	s.channelSettings[body.Channel] = body.Config
	s.channelSettingsMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"channel": body.Channel, "config": body.Config})
}

// handleChannelsToggle starts or stops an already-registered adapter's
// lifecycle without rebuilding it, for channels that support being taken
// offline at runtime (anything satisfying channels.LifecycleAdapter).
func (s *Server) handleChannelsToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var body struct {
		Channel string `json:"channel"`
		Enabled bool   `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Channel == "" {
		writeError(w, http.StatusBadRequest, "channel is required")
		return
	}
	adapter, ok := s.channels.Get(models.ChannelType(body.Channel))
	if !ok {
		writeError(w, http.StatusNotFound, "channel is not registered")
		return
	}
	lifecycle, ok := adapter.(channels.LifecycleAdapter)
	if !ok {
		writeError(w, http.StatusConflict, "channel does not support runtime toggling")
		return
	}
	var err error
	if body.Enabled {
		err = lifecycle.Start(r.Context())
	} else {
		err = lifecycle.Stop(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel": body.Channel, "enabled": body.Enabled})
}

// --- memory ---

func (s *Server) handleMemoryLongTerm(w http.ResponseWriter, r *http.Request) {
	if s.memoryMgr == nil {
		writeError(w, http.StatusServiceUnavailable, "memory is disabled")
		return
	}
	switch r.Method {
	case http.MethodGet:
		limit := 50
		entries, err := s.memoryMgr.GetByType(r.Context(), models.MemoryTypeLongTerm, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "id is required")
			return
		}
		if err := s.memoryMgr.Delete(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or DELETE required")
	}
}

func (s *Server) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	if s.memoryMgr == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	longTerm, err := s.memoryMgr.GetByType(r.Context(), models.MemoryTypeLongTerm, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": true, "long_term_count": len(longTerm)})
}

// handleMemorySettings reads or updates the memory manager's runtime
// knobs (auto-indexing, minimum content length, default search limit).
func (s *Server) handleMemorySettings(w http.ResponseWriter, r *http.Request) {
	if s.memoryMgr == nil {
		writeError(w, http.StatusServiceUnavailable, "memory is disabled")
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.memoryMgr.Settings())
	case http.MethodPut:
		var settings memory.Settings
		if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		s.memoryMgr.UpdateSettings(settings)
		writeJSON(w, http.StatusOK, s.memoryMgr.Settings())
	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or PUT required")
	}
}

// --- settings ---

// gatewaySettings is the runtime-adjustable surface of the loaded config:
// identity, user profile, and tool-approval policy. Changes apply
// immediately to the running process but are not persisted back to the
// config file; a restart reloads from disk and loses them, the same
// tradeoff the in-memory OAuth code cache makes for simplicity.
type gatewaySettings struct {
	IdentityName     string   `json:"identity_name"`
	UserName         string   `json:"user_name"`
	UserTimezone     string   `json:"user_timezone"`
	ApprovalProfile  string   `json:"approval_profile"`
	ApprovalAllowlist []string `json:"approval_allowlist"`
	ApprovalDenylist []string `json:"approval_denylist"`
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		current := gatewaySettings{
			IdentityName:      s.config.Identity.Name,
			UserName:          s.config.User.Name,
			UserTimezone:      s.config.User.Timezone,
			ApprovalProfile:   s.toolPol.Profile,
			ApprovalAllowlist: s.toolPol.Allow,
			ApprovalDenylist:  s.toolPol.Deny,
		}
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, current)
	case http.MethodPut:
		var body gatewaySettings
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		s.mu.Lock()
		s.config.Identity.Name = body.IdentityName
		s.config.User.Name = body.UserName
		s.config.User.Timezone = body.UserTimezone
		s.toolPol.Profile = body.ApprovalProfile
		s.toolPol.Allow = body.ApprovalAllowlist
		s.toolPol.Deny = body.ApprovalDenylist
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, body)
	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or PUT required")
	}
}

// --- plan mode ---

func (s *Server) handlePlanApprove(w http.ResponseWriter, r *http.Request) {
	s.resolvePlan(w, r, s.planMgr.Approve)
}

func (s *Server) handlePlanReject(w http.ResponseWriter, r *http.Request) {
	s.resolvePlan(w, r, s.planMgr.Reject)
}

func (s *Server) resolvePlan(w http.ResponseWriter, r *http.Request, transition func(string) (plan.Plan, bool)) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var body struct {
		ChatID string `json:"chat_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ChatID == "" {
		writeError(w, http.StatusBadRequest, "chat_id is required")
		return
	}
	result, ok := transition(body.ChatID)
	if !ok {
		writeError(w, http.StatusNotFound, "no active plan for chat_id")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- reminders ---

func (s *Server) handleReminders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"jobs": s.scheduler.Jobs()})
	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "id is required")
			return
		}
		if !s.scheduler.UnregisterJob(id) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "GET or DELETE required")
	}
}

// --- ops ---

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotImplemented, "audit log retrieval is not yet exposed over HTTP")
}

func (s *Server) handleSecurityAudit(w http.ResponseWriter, r *http.Request) {
	findings := security.AuditGatewayConfig(s.config)
	writeJSON(w, http.StatusOK, map[string]any{"findings": findings})
}
