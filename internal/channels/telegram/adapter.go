// Package telegram adapts Telegram Bot API long-polling into the channel
// Adapter contract: every text message becomes a bus InboundMessage, and
// every bus OutboundMessage addressed to this channel is sent back through
// the bot client.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/channels"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// Config holds the Telegram adapter's configuration.
type Config struct {
	Token  string
	Logger *slog.Logger
}

// Adapter is the Telegram channel connector.
type Adapter struct {
	bus    *bus.Bus
	config Config
	logger *slog.Logger

	mu      sync.RWMutex
	bot     *tgbot.Bot
	status  channels.Status
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a Telegram adapter. The bot connection is not established
// until Start is called.
func New(b *bus.Bus, cfg Config) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token is required: %w", channels.ErrTransportUnavailable)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{bus: b, config: cfg, logger: logger}, nil
}

// Type returns the channel type.
func (a *Adapter) Type() models.ChannelType { return models.ChannelTelegram }

// Start establishes the bot connection and begins long-polling for updates,
// then starts the outbound relay goroutine.
func (a *Adapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	b, err := tgbot.New(a.config.Token, tgbot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		a.setStatus(false, err.Error())
		return fmt.Errorf("telegram: new bot: %w", err)
	}
	a.mu.Lock()
	a.bot = b
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		b.Start(runCtx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		channels.Relay(runCtx, a.bus, models.ChannelTelegram, a.logger, a.send)
	}()

	a.setStatus(true, "")
	return nil
}

// Stop cancels the polling loop and waits for both goroutines to exit.
func (a *Adapter) Stop(ctx context.Context) error {
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

// handleUpdate is the bot's default update handler: it turns a Telegram
// message update into a bus InboundMessage.
func (a *Adapter) handleUpdate(ctx context.Context, _ *tgbot.Bot, update *tgmodels.Update) {
	if update == nil || update.Message == nil || update.Message.Text == "" {
		return
	}
	senderID := ""
	if update.Message.From != nil {
		senderID = strconv.FormatInt(update.Message.From.ID, 10)
	}
	nativeChatID := strconv.FormatInt(update.Message.Chat.ID, 10)
	channels.Publish(a.bus, models.ChannelTelegram, senderID, nativeChatID, update.Message.Text, nil)
}

// send delivers one OutboundMessage to a Telegram chat.
func (a *Adapter) send(ctx context.Context, nativeChatID string, msg *models.OutboundMessage) error {
	if msg.Content == "" {
		return nil
	}
	chatID, err := strconv.ParseInt(nativeChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", nativeChatID, err)
	}
	a.mu.RLock()
	b := a.bot
	a.mu.RUnlock()
	if b == nil {
		return errors.New("telegram: bot not started")
	}
	_, err = b.SendMessage(ctx, &tgbot.SendMessageParams{ChatID: chatID, Text: msg.Content})
	return err
}

// Status returns the current connection status.
func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// HealthCheck verifies connectivity by calling getMe.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	start := time.Now()
	a.mu.RLock()
	b := a.bot
	a.mu.RUnlock()
	if b == nil {
		return channels.HealthStatus{LastCheck: start, Message: "bot not started"}
	}
	_, err := b.GetMe(ctx)
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
