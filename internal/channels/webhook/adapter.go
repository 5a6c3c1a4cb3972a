// Package webhook adapts generic HTTP webhook integrations into the
// channel Adapter contract: any external service that can POST JSON to a
// named slot. A slot can be driven fire-and-forget (the caller supplies a
// callback_url and gets a 202 immediately) or in sync mode, where the HTTP
// response blocks until the agent loop's reply for this request arrives,
// or the slot's sync_timeout elapses.
package webhook

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/channels"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

const (
	defaultMaxBodyBytes = 256 * 1024
	defaultSyncTimeout  = 30 * time.Second
)

// SlotConfig names one inbound webhook endpoint mounted at
// /webhook/inbound/{name}.
type SlotConfig struct {
	Name        string
	SyncTimeout time.Duration
}

// Config holds the webhook adapter's configuration.
type Config struct {
	// Token is the shared secret inbound requests must present in the
	// Authorization header as "Bearer <token>".
	Token        string
	MaxBodyBytes int64
	// SyncTimeout is the default sync-mode wait for a slot that doesn't
	// set its own.
	SyncTimeout time.Duration
	// Slots restricts delivery to these named endpoints. Empty accepts
	// any name, defaulting every request's timeout to SyncTimeout.
	Slots  []SlotConfig
	Logger *slog.Logger
}

// InboundRequest is the body POSTed to /webhook/inbound/{name}.
type InboundRequest struct {
	Content string `json:"content"`
	Sender  string `json:"sender,omitempty"`
	// SessionKey pins the request to a recurring conversation; omitted,
	// each request gets its own one-shot chat_id.
	SessionKey string `json:"session_key,omitempty"`
	// Sync makes the handler block for the agent's reply instead of
	// returning immediately.
	Sync bool `json:"sync,omitempty"`
	// CallbackURL is an alternative to Sync: the loop's reply is POSTed
	// here once it arrives, instead of being held in the HTTP response.
	CallbackURL string `json:"callback_url,omitempty"`
}

// Adapter is the generic named-slot webhook channel connector.
type Adapter struct {
	bus    *bus.Bus
	config Config
	logger *slog.Logger
	http   *http.Client

	slots map[string]SlotConfig // empty: any name accepted

	mu        sync.Mutex
	status    channels.Status
	waiters   map[string]chan *models.OutboundMessage // chat_id -> sync waiter
	callbacks map[string]string                        // chat_id -> callback_url
}

// New constructs a webhook adapter.
func New(b *bus.Bus, cfg Config) (*Adapter, error) {
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = defaultSyncTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	slots := make(map[string]SlotConfig, len(cfg.Slots))
	for _, slot := range cfg.Slots {
		name := strings.TrimSpace(slot.Name)
		if name == "" {
			continue
		}
		if slot.SyncTimeout <= 0 {
			slot.SyncTimeout = cfg.SyncTimeout
		}
		slots[name] = slot
	}
	return &Adapter{
		bus:       b,
		config:    cfg,
		logger:    logger,
		http:      &http.Client{Timeout: 15 * time.Second},
		slots:     slots,
		waiters:   make(map[string]chan *models.OutboundMessage),
		callbacks: make(map[string]string),
	}, nil
}

// Type returns the channel type.
func (a *Adapter) Type() models.ChannelType { return models.ChannelWebhook }

// Start begins the outbound relay. Inbound delivery is driven entirely by
// ServeSlot, which the gateway mounts as a route; there is no background
// connection to maintain.
func (a *Adapter) Start(ctx context.Context) error {
	go channels.Relay(ctx, a.bus, models.ChannelWebhook, a.logger, a.send)
	a.setStatus(true, "")
	return nil
}

// Stop marks the adapter disconnected.
func (a *Adapter) Stop(ctx context.Context) error {
	a.setStatus(false, "")
	return nil
}

// ListSlots serves GET /webhooks: the configured named inbound endpoints.
func (a *Adapter) ListSlots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET required", http.StatusMethodNotAllowed)
		return
	}
	type slotInfo struct {
		Name               string  `json:"name"`
		SyncTimeoutSeconds float64 `json:"sync_timeout_seconds"`
	}
	out := make([]slotInfo, 0, len(a.slots))
	for _, slot := range a.slots {
		out = append(out, slotInfo{Name: slot.Name, SyncTimeoutSeconds: slot.SyncTimeout.Seconds()})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"slots": out})
}

// ServeSlot serves /webhook/inbound/{name}: GET reports the slot's
// configuration, POST delivers content to the loop, in sync or
// fire-and-forget mode.
func (a *Adapter) ServeSlot(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		http.Error(w, "slot name is required", http.StatusBadRequest)
		return
	}
	slot, ok := a.resolveSlot(name)
	if !ok {
		http.Error(w, "unknown webhook slot", http.StatusNotFound)
		return
	}
	if a.config.Token != "" && !a.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"name": slot.Name, "sync_timeout_seconds": slot.SyncTimeout.Seconds()})
	case http.MethodPost:
		a.handlePost(w, r, slot)
	default:
		http.Error(w, "GET or POST required", http.StatusMethodNotAllowed)
	}
}

func (a *Adapter) resolveSlot(name string) (SlotConfig, bool) {
	if slot, ok := a.slots[name]; ok {
		return slot, true
	}
	if len(a.slots) > 0 {
		return SlotConfig{}, false
	}
	return SlotConfig{Name: name, SyncTimeout: a.config.SyncTimeout}, true
}

func (a *Adapter) handlePost(w http.ResponseWriter, r *http.Request, slot SlotConfig) {
	body := http.MaxBytesReader(w, r.Body, a.config.MaxBodyBytes)
	defer body.Close()

	var req InboundRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		http.Error(w, "content is required", http.StatusBadRequest)
		return
	}

	nativeID := strings.TrimSpace(req.SessionKey)
	if nativeID == "" {
		nativeID = slot.Name + ":" + uuid.NewString()
	}

	if req.CallbackURL != "" {
		a.mu.Lock()
		a.callbacks[nativeID] = req.CallbackURL
		a.mu.Unlock()
	}

	var future chan *models.OutboundMessage
	if req.Sync {
		future = a.registerWaiter(nativeID)
		defer a.removeWaiter(nativeID)
	}

	channels.Publish(a.bus, models.ChannelWebhook, req.Sender, nativeID, req.Content, map[string]any{"slot": slot.Name})

	if !req.Sync {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{"request_id": nativeID})
		return
	}

	timeout := slot.SyncTimeout
	if timeout <= 0 {
		timeout = a.config.SyncTimeout
	}
	select {
	case out := <-future:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"request_id": nativeID, "content": out.Content})
	case <-time.After(timeout):
		http.Error(w, "timed out waiting for agent response", http.StatusGatewayTimeout)
	case <-r.Context().Done():
	}
}

func (a *Adapter) registerWaiter(nativeID string) chan *models.OutboundMessage {
	ch := make(chan *models.OutboundMessage, 1)
	a.mu.Lock()
	a.waiters[nativeID] = ch
	a.mu.Unlock()
	return ch
}

func (a *Adapter) removeWaiter(nativeID string) {
	a.mu.Lock()
	delete(a.waiters, nativeID)
	a.mu.Unlock()
}

func (a *Adapter) authorized(r *http.Request) bool {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) < len(prefix) || header[:len(prefix)] != prefix {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(header[len(prefix):]), []byte(a.config.Token)) == 1
}

// send delivers one OutboundMessage for nativeID: a pending sync waiter
// takes priority over a registered callback; a request with neither is
// dropped, since the generic webhook channel has no persistent transport
// to push unsolicited replies to.
func (a *Adapter) send(ctx context.Context, nativeID string, msg *models.OutboundMessage) error {
	a.mu.Lock()
	future, hasFuture := a.waiters[nativeID]
	url, hasCallback := a.callbacks[nativeID]
	a.mu.Unlock()

	if hasFuture {
		select {
		case future <- msg:
		default:
		}
		return nil
	}
	if !hasCallback || msg.Content == "" {
		return nil
	}
	return a.postCallback(ctx, url, nativeID, msg)
}

func (a *Adapter) postCallback(ctx context.Context, url, nativeID string, msg *models.OutboundMessage) error {
	payload, err := json.Marshal(map[string]any{"request_id": nativeID, "content": msg.Content, "is_stream_end": msg.IsStreamEnd})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook: callback returned %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

// Status returns the current connection status.
func (a *Adapter) Status() channels.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// HealthCheck always reports healthy: there is no persistent connection to
// probe, only registered slots and waiters.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	return channels.HealthStatus{LastCheck: time.Now(), Healthy: true, Message: "healthy"}
}

func (a *Adapter) setStatus(connected bool, errMsg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = channels.Status{Connected: connected, Error: errMsg, LastPing: time.Now().Unix()}
}
