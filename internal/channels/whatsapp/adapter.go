// Package whatsapp adapts a whatsmeow multi-device session into the channel
// Adapter contract. Session state (device keys, the QR-login pairing) is
// persisted in a local SQLite database via whatsmeow's own sqlstore, using
// mattn/go-sqlite3 as the CGo driver whatsmeow's store layer expects.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for whatsmeow's sqlstore
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/channels"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// Config holds the WhatsApp adapter's configuration.
type Config struct {
	// SessionPath is the SQLite database file whatsmeow persists its
	// pairing and device state to.
	SessionPath string
	Logger      *slog.Logger
}

// Adapter is the WhatsApp channel connector.
type Adapter struct {
	bus    *bus.Bus
	config Config
	logger *slog.Logger

	store  *sqlstore.Container
	client *whatsmeow.Client
	qrChan chan string

	mu     sync.RWMutex
	status channels.Status
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New opens (or creates) the whatsmeow SQLite store. It does not connect to
// WhatsApp until Start is called.
func New(b *bus.Bus, cfg Config) (*Adapter, error) {
	if cfg.SessionPath == "" {
		cfg.SessionPath = "./data/whatsapp/session.db"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SessionPath), 0o755); err != nil {
		return nil, fmt.Errorf("whatsapp: create session dir: %w", err)
	}

	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	container, err := sqlstore.New(initCtx, "sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", cfg.SessionPath), waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("whatsapp: open store: %w", err)
	}

	return &Adapter{bus: b, config: cfg, logger: logger, store: container, qrChan: make(chan string, 1)}, nil
}

// Type returns the channel type.
func (a *Adapter) Type() models.ChannelType { return models.ChannelWhatsApp }

// Start connects to WhatsApp, surfacing a QR login code on QR() if the
// device has not yet paired, and starts the outbound relay.
func (a *Adapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	device, err := a.store.GetFirstDevice(runCtx)
	if err != nil {
		return fmt.Errorf("whatsapp: get device: %w", err)
	}

	a.client = whatsmeow.NewClient(device, waLog.Noop)
	a.client.AddEventHandler(a.handleEvent)

	if a.client.Store.ID == nil {
		qrChan, err := a.client.GetQRChannel(runCtx)
		if err != nil {
			return fmt.Errorf("whatsapp: get QR channel: %w", err)
		}
		if err := a.client.Connect(); err != nil {
			return fmt.Errorf("whatsapp: connect: %w", err)
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			for evt := range qrChan {
				if evt.Event == "code" {
					select {
					case a.qrChan <- evt.Code:
					default:
					}
				}
			}
		}()
	} else if err := a.client.Connect(); err != nil {
		return fmt.Errorf("whatsapp: connect: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		channels.Relay(runCtx, a.bus, models.ChannelWhatsApp, a.logger, a.send)
	}()

	a.setStatus(true, "")
	return nil
}

// QR returns the channel on which login QR codes are delivered when the
// session hasn't paired yet.
func (a *Adapter) QR() <-chan string { return a.qrChan }

// Stop disconnects the WhatsApp client and closes the session store.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() { a.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if a.client != nil {
		a.client.Disconnect()
	}
	a.setStatus(false, "")
	return a.store.Close()
}

func (a *Adapter) handleEvent(evt any) {
	msg, ok := evt.(*events.Message)
	if !ok || msg.Message == nil {
		return
	}
	text := msg.Message.GetConversation()
	if ext := msg.Message.GetExtendedTextMessage(); text == "" && ext != nil {
		text = ext.GetText()
	}
	if text == "" {
		return
	}
	channels.Publish(a.bus, models.ChannelWhatsApp, msg.Info.Sender.String(), msg.Info.Chat.String(), text, nil)
}

// send delivers one OutboundMessage to a WhatsApp JID.
func (a *Adapter) send(ctx context.Context, nativeChatID string, msg *models.OutboundMessage) error {
	if msg.Content == "" {
		return nil
	}
	jid, err := types.ParseJID(nativeChatID)
	if err != nil {
		return fmt.Errorf("whatsapp: invalid jid %q: %w", nativeChatID, err)
	}
	if a.client == nil || !a.client.IsConnected() {
		return errors.New("whatsapp: not connected")
	}
	_, err = a.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(msg.Content)})
	return err
}

// Status returns the current connection status.
func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// HealthCheck reports whether the whatsmeow client is currently connected.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	start := time.Now()
	if a.client == nil || !a.client.IsConnected() {
		return channels.HealthStatus{LastCheck: start, Message: "not connected"}
	}
	return channels.HealthStatus{LastCheck: start, Latency: time.Since(start), Healthy: true, Message: "healthy"}
}

func (a *Adapter) setStatus(connected bool, errMsg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = channels.Status{Connected: connected, Error: errMsg, LastPing: time.Now().Unix()}
}
