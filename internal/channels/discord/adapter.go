// Package discord adapts a Discord bot session into the channel Adapter
// contract via bwmarrin/discordgo.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/channels"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// Config holds the Discord adapter's configuration.
type Config struct {
	Token      string
	BotUserID  string // excluded from inbound relay to avoid self-loops
	Logger     *slog.Logger
}

// Adapter is the Discord channel connector.
type Adapter struct {
	bus    *bus.Bus
	config Config
	logger *slog.Logger

	mu      sync.RWMutex
	session *discordgo.Session
	status  channels.Status
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Discord adapter.
func New(b *bus.Bus, cfg Config) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: token is required: %w", channels.ErrTransportUnavailable)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{bus: b, config: cfg, logger: logger}, nil
}

// Type returns the channel type.
func (a *Adapter) Type() models.ChannelType { return models.ChannelDiscord }

// Start opens the gateway session and begins relaying outbound messages.
func (a *Adapter) Start(ctx context.Context) error {
	dg, err := discordgo.New("Bot " + a.config.Token)
	if err != nil {
		a.setStatus(false, err.Error())
		return fmt.Errorf("discord: new session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages
	dg.AddHandler(a.handleMessageCreate)

	if err := dg.Open(); err != nil {
		a.setStatus(false, err.Error())
		return fmt.Errorf("discord: open session: %w", err)
	}

	a.mu.Lock()
	a.session = dg
	a.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		channels.Relay(runCtx, a.bus, models.ChannelDiscord, a.logger, a.send)
	}()

	a.setStatus(true, "")
	return nil
}

// Stop closes the gateway session and waits for the relay goroutine to exit.
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

	a.mu.RLock()
	session := a.session
	a.mu.RUnlock()
	if session != nil {
		if err := session.Close(); err != nil {
			return err
		}
	}
	a.setStatus(false, "")
	return nil
}

// handleMessageCreate relays a Discord message-create gateway event as a bus
// InboundMessage, skipping messages authored by the bot itself.
func (a *Adapter) handleMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == a.config.BotUserID || m.Content == "" {
		return
	}
	channels.Publish(a.bus, models.ChannelDiscord, m.Author.ID, m.ChannelID, m.Content, map[string]any{"guild_id": m.GuildID})
}

// send posts one OutboundMessage to a Discord channel.
func (a *Adapter) send(ctx context.Context, nativeChannelID string, msg *models.OutboundMessage) error {
	if msg.Content == "" {
		return nil
	}
	a.mu.RLock()
	session := a.session
	a.mu.RUnlock()
	if session == nil {
		return errors.New("discord: session not open")
	}
	_, err := session.ChannelMessageSend(nativeChannelID, msg.Content, discordgo.WithContext(ctx))
	return err
}

// Status returns the current connection status.
func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// HealthCheck reports whether the gateway session is open.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	start := time.Now()
	a.mu.RLock()
	session := a.session
	a.mu.RUnlock()
	if session == nil {
		return channels.HealthStatus{LastCheck: start, Message: "session not open"}
	}
	return channels.HealthStatus{LastCheck: start, Latency: time.Since(start), Healthy: true, Message: "healthy"}
}

func (a *Adapter) setStatus(connected bool, errMsg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = channels.Status{Connected: connected, Error: errMsg, LastPing: time.Now().Unix()}
}
