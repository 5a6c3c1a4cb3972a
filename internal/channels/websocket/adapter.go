// Package websocket adapts raw WebSocket clients into the channel Adapter
// contract via gorilla/websocket: each connection is one chat session,
// every text frame becomes a bus InboundMessage, and bus OutboundMessages
// addressed to that connection's chat_id are written back as frames.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/channels"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 45 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Config holds the WebSocket adapter's configuration.
type Config struct {
	Logger *slog.Logger
}

// clientFrame is one inbound WebSocket message.
type clientFrame struct {
	Content string `json:"content"`
}

// Adapter is the raw-WebSocket channel connector. It is also an
// http.Handler: the gateway mounts it at /channels/hooks/websocket.
type Adapter struct {
	bus    *bus.Bus
	config Config
	logger *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*websocket.Conn // chat_id -> connection
}

// New constructs a WebSocket adapter.
func New(b *bus.Bus, cfg Config) (*Adapter, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		bus:    b,
		config: cfg,
		logger: logger,
		conns:  make(map[string]*websocket.Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

// Type returns the channel type.
func (a *Adapter) Type() models.ChannelType { return models.ChannelWebSocket }

// Start begins the outbound relay. Inbound connections are accepted by
// ServeHTTP as the gateway routes them; there is no single connection to
// maintain at the adapter level.
func (a *Adapter) Start(ctx context.Context) error {
	go channels.Relay(ctx, a.bus, models.ChannelWebSocket, a.logger, a.send)
	return nil
}

// Stop closes every active connection.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for chatID, conn := range a.conns {
		conn.Close()
		delete(a.conns, chatID)
	}
	return nil
}

// ServeHTTP upgrades the request to a WebSocket connection and services it
// until the client disconnects or the request context ends.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket: upgrade failed", "error", err)
		return
	}

	chatID := channels.ChatID(models.ChannelWebSocket, uuid.NewString())
	a.mu.Lock()
	a.conns[chatID] = conn
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.conns, chatID)
		a.mu.Unlock()
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go a.pingLoop(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Content == "" {
			continue
		}
		nativeID, _ := channels.SplitChatID(models.ChannelWebSocket, chatID)
		channels.Publish(a.bus, models.ChannelWebSocket, "", nativeID, frame.Content, nil)
	}
}

func (a *Adapter) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			return
		}
	}
}

// send writes one OutboundMessage to the WebSocket connection for
// nativeChatID, if it is still open.
func (a *Adapter) send(ctx context.Context, nativeChatID string, msg *models.OutboundMessage) error {
	chatID := channels.ChatID(models.ChannelWebSocket, nativeChatID)
	a.mu.RLock()
	conn, ok := a.conns[chatID]
	a.mu.RUnlock()
	if !ok {
		return nil
	}
	body, err := json.Marshal(map[string]any{
		"content":         msg.Content,
		"is_stream_chunk": msg.IsStreamChunk,
		"is_stream_end":   msg.IsStreamEnd,
	})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, body)
}

// Status returns a connection status summarizing whether any client is
// currently attached.
func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return channels.Status{Connected: len(a.conns) > 0, LastPing: time.Now().Unix()}
}

// HealthCheck always reports healthy: readiness is per-connection, not
// adapter-wide.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	return channels.HealthStatus{LastCheck: time.Now(), Healthy: true, Message: "healthy"}
}
