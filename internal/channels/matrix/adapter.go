// Package matrix adapts a Matrix client-server session into the channel
// Adapter contract via maunium.net/go/mautrix.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/channels"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// Config holds the Matrix adapter's configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	DeviceID    string
	Logger      *slog.Logger
}

// Adapter is the Matrix channel connector.
type Adapter struct {
	bus    *bus.Bus
	config Config
	logger *slog.Logger
	client *mautrix.Client

	mu     sync.RWMutex
	status channels.Status
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Matrix client and adapter. It does not start syncing
// until Start is called.
func New(b *bus.Bus, cfg Config) (*Adapter, error) {
	if cfg.Homeserver == "" || cfg.UserID == "" || cfg.AccessToken == "" {
		return nil, fmt.Errorf("matrix: homeserver, user_id, and access_token are required: %w", channels.ErrTransportUnavailable)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, err
	}
	if cfg.DeviceID != "" {
		client.DeviceID = id.DeviceID(cfg.DeviceID)
	}
	return &Adapter{bus: b, config: cfg, logger: logger, client: client}, nil
}

// Type returns the channel type.
func (a *Adapter) Type() models.ChannelType { return models.ChannelMatrix }

// Start registers the message event handler and begins the /sync loop and
// the outbound relay.
func (a *Adapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	syncer := a.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(evtCtx context.Context, evt *event.Event) {
		a.handleMessage(evt)
	})
	syncer.OnEventType(event.StateMember, func(evtCtx context.Context, evt *event.Event) {
		a.handleMemberEvent(runCtx, evt)
	})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.client.SyncWithContext(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("matrix: sync failed", "error", err)
			a.setStatus(false, err.Error())
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		channels.Relay(runCtx, a.bus, models.ChannelMatrix, a.logger, a.send)
	}()

	a.setStatus(true, "")
	return nil
}

// Stop stops the sync loop and waits for both goroutines to exit.
func (a *Adapter) Stop(ctx context.Context) error {
	a.client.StopSync()
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() { a.wg.Wait(); close(done) }()
	select {
	case <-done:
		a.setStatus(false, "")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Adapter) handleMessage(evt *event.Event) {
	if evt.Sender.String() == a.config.UserID {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || (content.MsgType != event.MsgText && content.MsgType != event.MsgNotice) {
		return
	}
	channels.Publish(a.bus, models.ChannelMatrix, evt.Sender.String(), evt.RoomID.String(), content.Body, nil)
}

// handleMemberEvent auto-joins rooms this account is invited to.
func (a *Adapter) handleMemberEvent(ctx context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok || content.Membership != event.MembershipInvite {
		return
	}
	if evt.GetStateKey() != a.config.UserID {
		return
	}
	if _, err := a.client.JoinRoom(ctx, evt.RoomID.String(), nil); err != nil {
		a.logger.Warn("matrix: failed to join invited room", "room_id", evt.RoomID, "error", err)
	}
}

// send delivers one OutboundMessage to a Matrix room.
func (a *Adapter) send(ctx context.Context, nativeRoomID string, msg *models.OutboundMessage) error {
	if msg.Content == "" {
		return nil
	}
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: msg.Content}
	_, err := a.client.SendMessageEvent(ctx, id.RoomID(nativeRoomID), event.EventMessage, content)
	return err
}

// Status returns the current connection status.
func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// HealthCheck verifies connectivity by calling whoami.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	start := time.Now()
	_, err := a.client.Whoami(ctx)
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
