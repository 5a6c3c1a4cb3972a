// Package teams adapts Microsoft Teams into the channel Adapter contract.
// Outbound delivery goes through the Microsoft Graph API, authenticated via
// an OAuth2 client-credentials flow; inbound activities arrive over an HTTP
// webhook the gateway mounts at /channels/hooks/teams.
package teams

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/channels"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

// Config holds the Teams adapter's configuration.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Logger       *slog.Logger
}

// Adapter is the Microsoft Teams channel connector. It is also an
// http.Handler: mount it at the bot's webhook path to receive activities.
type Adapter struct {
	bus    *bus.Bus
	config Config
	logger *slog.Logger
	oauth  *clientcredentials.Config
	http   *http.Client

	mu     sync.RWMutex
	status channels.Status
}

// New constructs a Teams adapter backed by a client-credentials OAuth2
// token source scoped to the Graph API.
func New(b *bus.Bus, cfg Config) (*Adapter, error) {
	if cfg.TenantID == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("teams: tenant_id, client_id, and client_secret are required: %w", channels.ErrTransportUnavailable)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	oauth := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	return &Adapter{bus: b, config: cfg, logger: logger, oauth: oauth, http: &http.Client{Timeout: 30 * time.Second}}, nil
}

// Type returns the channel type.
func (a *Adapter) Type() models.ChannelType { return models.ChannelTeams }

// Start begins the outbound relay. Inbound delivery is driven by the
// gateway routing webhook POSTs to ServeHTTP, not a background goroutine.
func (a *Adapter) Start(ctx context.Context) error {
	go channels.Relay(ctx, a.bus, models.ChannelTeams, a.logger, a.send)
	a.setStatus(true, "")
	return nil
}

// Stop marks the adapter disconnected; the relay goroutine exits when ctx
// (passed to Start) is cancelled by the caller.
func (a *Adapter) Stop(ctx context.Context) error {
	a.setStatus(false, "")
	return nil
}

// activity is the subset of a Bot Framework/Graph change-notification
// payload this adapter understands.
type activity struct {
	ConversationID string `json:"conversation_id"`
	From           string `json:"from"`
	Text           string `json:"text"`
}

// ServeHTTP decodes one inbound activity and publishes it to the bus.
// Mount this at the gateway's Teams webhook route.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var act activity
	if err := json.NewDecoder(r.Body).Decode(&act); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if act.Text != "" && act.ConversationID != "" {
		channels.Publish(a.bus, models.ChannelTeams, act.From, act.ConversationID, act.Text, nil)
	}
	w.WriteHeader(http.StatusOK)
}

// send posts one OutboundMessage to a Teams conversation via Graph.
func (a *Adapter) send(ctx context.Context, nativeConversationID string, msg *models.OutboundMessage) error {
	if msg.Content == "" {
		return nil
	}
	token, err := a.oauth.Token(ctx)
	if err != nil {
		return fmt.Errorf("teams: token: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"body": map[string]any{"contentType": "text", "content": msg.Content},
	})
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/chats/%s/messages", graphBaseURL, nativeConversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("teams: graph API returned %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

// Status returns the current connection status.
func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// HealthCheck verifies the client-credentials token can still be minted.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	start := time.Now()
	_, err := a.oauth.Token(ctx)
	health := channels.HealthStatus{LastCheck: start, Latency: time.Since(start)}
	if err != nil {
		health.Message = err.Error()
		return health
	}
	health.Healthy = true
	health.Message = "healthy"
	return health
}

func (a *Adapter) setStatus(connected bool, errMsg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = channels.Status{Connected: connected, Error: errMsg, LastPing: time.Now().Unix()}
}
