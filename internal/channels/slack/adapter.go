// Package slack adapts Slack Socket Mode into the channel Adapter contract
// via slack-go/slack.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/channels"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// Config holds the Slack adapter's configuration.
type Config struct {
	BotToken string // xoxb- token for API calls
	AppToken string // xapp- token for Socket Mode
	Logger   *slog.Logger
}

// Adapter is the Slack channel connector.
type Adapter struct {
	bus    *bus.Bus
	config Config
	logger *slog.Logger

	client *slack.Client
	socket *socketmode.Client

	mu     sync.RWMutex
	status channels.Status
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Slack adapter.
func New(b *bus.Bus, cfg Config) (*Adapter, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("slack: bot_token and app_token are required: %w", channels.ErrTransportUnavailable)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	socket := socketmode.New(client)
	return &Adapter{bus: b, config: cfg, logger: logger, client: client, socket: socket}, nil
}

// Type returns the channel type.
func (a *Adapter) Type() models.ChannelType { return models.ChannelSlack }

// Start begins listening via Socket Mode and starts the outbound relay.
func (a *Adapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.handleEvents(runCtx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.socket.RunContext(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("slack: socket mode run failed", "error", err)
		}
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		channels.Relay(runCtx, a.bus, models.ChannelSlack, a.logger, a.send)
	}()

	a.setStatus(true, "")
	return nil
}

// Stop cancels every running goroutine and waits for them to exit.
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

// handleEvents drains the Socket Mode event stream and relays message
// events (DMs and thread replies) onto the bus.
func (a *Adapter) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-a.socket.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			a.socket.Ack(*evt.Request)

			apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok || apiEvent.Type != slackevents.CallbackEvent {
				continue
			}
			inner, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
			if !ok {
				continue
			}
			a.handleMessage(inner)
		}
	}
}

func (a *Adapter) handleMessage(event *slackevents.MessageEvent) {
	text := strings.TrimSpace(event.Text)
	if text == "" || event.BotID != "" {
		return
	}
	channels.Publish(a.bus, models.ChannelSlack, event.User, event.Channel, text, map[string]any{"thread_ts": event.ThreadTimeStamp})
}

// send posts one OutboundMessage to a Slack channel.
func (a *Adapter) send(ctx context.Context, nativeChannelID string, msg *models.OutboundMessage) error {
	if msg.Content == "" {
		return nil
	}
	_, _, err := a.client.PostMessageContext(ctx, nativeChannelID, slack.MsgOptionText(msg.Content, false))
	return err
}

// Status returns the current connection status.
func (a *Adapter) Status() channels.Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// HealthCheck verifies connectivity by calling auth.test.
func (a *Adapter) HealthCheck(ctx context.Context) channels.HealthStatus {
	start := time.Now()
	_, err := a.client.AuthTestContext(ctx)
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
