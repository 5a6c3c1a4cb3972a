// Package googlechat adapts Google Chat into the channel Adapter contract.
// Outbound delivery goes through the Google Chat REST API, authenticated as
// a service account via golang.org/x/oauth2/google's JWT config; inbound
// events arrive over an HTTP webhook the gateway mounts at
// /channels/hooks/googlechat.
package googlechat

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

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/channels"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

const chatAPIBaseURL = "https://chat.googleapis.com/v1"

// Config holds the Google Chat adapter's configuration.
type Config struct {
	// ServiceAccountJSON is the raw service account credentials JSON used
	// to mint bearer tokens for the Chat API.
	ServiceAccountJSON []byte
	Logger             *slog.Logger
}

// Adapter is the Google Chat channel connector. It is also an
// http.Handler: mount it at the bot's webhook path to receive events.
type Adapter struct {
	bus    *bus.Bus
	config Config
	logger *slog.Logger
	source oauth2.TokenSource
	http   *http.Client

	mu     sync.RWMutex
	status channels.Status
}

// New constructs a Google Chat adapter from service account credentials.
func New(b *bus.Bus, cfg Config) (*Adapter, error) {
	if len(cfg.ServiceAccountJSON) == 0 {
		return nil, fmt.Errorf("googlechat: service_account_json is required: %w", channels.ErrTransportUnavailable)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	creds, err := google.CredentialsFromJSON(context.Background(), cfg.ServiceAccountJSON, "https://www.googleapis.com/auth/chat.bot")
	if err != nil {
		return nil, fmt.Errorf("googlechat: parse credentials: %w", err)
	}
	return &Adapter{bus: b, config: cfg, logger: logger, source: creds.TokenSource, http: &http.Client{Timeout: 30 * time.Second}}, nil
}

// Type returns the channel type.
func (a *Adapter) Type() models.ChannelType { return models.ChannelGoogleChat }

// Start begins the outbound relay. Inbound delivery is driven by the
// gateway routing webhook POSTs to ServeHTTP.
func (a *Adapter) Start(ctx context.Context) error {
	go channels.Relay(ctx, a.bus, models.ChannelGoogleChat, a.logger, a.send)
	a.setStatus(true, "")
	return nil
}

// Stop marks the adapter disconnected.
func (a *Adapter) Stop(ctx context.Context) error {
	a.setStatus(false, "")
	return nil
}

// chatEvent is the subset of a Google Chat webhook event payload this
// adapter understands (MESSAGE events).
type chatEvent struct {
	Type    string `json:"type"`
	Message struct {
		Name   string `json:"name"`
		Text   string `json:"text"`
		Space  struct{ Name string `json:"name"` } `json:"space"`
		Sender struct{ Name string `json:"name"` } `json:"sender"`
	} `json:"message"`
}

// ServeHTTP decodes one inbound Chat event and publishes it to the bus.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var evt chatEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if evt.Type == "MESSAGE" && evt.Message.Text != "" {
		channels.Publish(a.bus, models.ChannelGoogleChat, evt.Message.Sender.Name, evt.Message.Space.Name, evt.Message.Text, nil)
	}
	w.WriteHeader(http.StatusOK)
}

// send posts one OutboundMessage to a Google Chat space.
func (a *Adapter) send(ctx context.Context, nativeSpaceName string, msg *models.OutboundMessage) error {
	if msg.Content == "" {
		return nil
	}
	token, err := a.source.Token()
	if err != nil {
		return fmt.Errorf("googlechat: token: %w", err)
	}

	body, err := json.Marshal(map[string]any{"text": msg.Content})
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/%s/messages", chatAPIBaseURL, nativeSpaceName)
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
		return fmt.Errorf("googlechat: chat API returned %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

// Status returns the current connection status.
func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// HealthCheck verifies the service account token source is still usable.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	start := time.Now()
	_, err := a.source.Token()
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
