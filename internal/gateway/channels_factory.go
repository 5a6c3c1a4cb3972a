package gateway

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/channels"
	"github.com/pocketpaw/pocketpaw/internal/channels/discord"
	"github.com/pocketpaw/pocketpaw/internal/channels/googlechat"
	"github.com/pocketpaw/pocketpaw/internal/channels/matrix"
	"github.com/pocketpaw/pocketpaw/internal/channels/signal"
	"github.com/pocketpaw/pocketpaw/internal/channels/slack"
	"github.com/pocketpaw/pocketpaw/internal/channels/teams"
	"github.com/pocketpaw/pocketpaw/internal/channels/telegram"
	"github.com/pocketpaw/pocketpaw/internal/channels/webhook"
	"github.com/pocketpaw/pocketpaw/internal/channels/websocket"
	"github.com/pocketpaw/pocketpaw/internal/channels/whatsapp"
	"github.com/pocketpaw/pocketpaw/internal/config"
)

// httpMountable is implemented by adapters that also serve their own inbound
// HTTP requests (webhook-driven channels rather than long-lived sockets).
type httpMountable interface {
	channels.Adapter
	http.Handler
}

// buildChannels constructs and registers every adapter configured in cfg,
// returning the registry, the set of adapters that must be mounted as HTTP
// handlers under the gateway's /channels/hooks/ prefix, and the webhook
// adapter on its own (it mounts at the fixed /webhooks and
// /webhook/inbound/{name} paths instead of the generic prefix, since its
// named-slot routing doesn't present as a single http.Handler). Only the
// bus is required to build an adapter; the gateway never talks to adapters
// except through it and this registry.
func buildChannels(b *bus.Bus, cfg *config.Config, logger *slog.Logger) (*channels.Registry, map[string]httpMountable, *webhook.Adapter, error) {
	registry := channels.NewRegistry()
	mounts := make(map[string]httpMountable)

	if cfg.Channels.Telegram.Enabled {
		a, err := telegram.New(b, telegram.Config{Token: cfg.Channels.Telegram.BotToken, Logger: logger})
		if err != nil {
			return nil, nil, nil, err
		}
		registry.Register(a)
	}

	if cfg.Channels.Discord.Enabled {
		a, err := discord.New(b, discord.Config{Token: cfg.Channels.Discord.BotToken, Logger: logger})
		if err != nil {
			return nil, nil, nil, err
		}
		registry.Register(a)
	}

	if cfg.Channels.Slack.Enabled {
		a, err := slack.New(b, slack.Config{
			BotToken: cfg.Channels.Slack.BotToken,
			AppToken: cfg.Channels.Slack.AppToken,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		registry.Register(a)
	}

	if cfg.Channels.WhatsApp.Enabled {
		a, err := whatsapp.New(b, whatsapp.Config{SessionPath: cfg.Channels.WhatsApp.SessionPath, Logger: logger})
		if err != nil {
			return nil, nil, nil, err
		}
		registry.Register(a)
	}

	if cfg.Channels.Signal.Enabled {
		a, err := signal.New(b, signal.Config{
			Account:       cfg.Channels.Signal.Account,
			SignalCLIPath: cfg.Channels.Signal.SignalCLIPath,
			ConfigDir:     cfg.Channels.Signal.ConfigDir,
			Logger:        logger,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		registry.Register(a)
	}

	if cfg.Channels.Matrix.Enabled {
		a, err := matrix.New(b, matrix.Config{
			Homeserver:  cfg.Channels.Matrix.Homeserver,
			UserID:      cfg.Channels.Matrix.UserID,
			AccessToken: cfg.Channels.Matrix.AccessToken,
			DeviceID:    cfg.Channels.Matrix.DeviceID,
			Logger:      logger,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		registry.Register(a)
	}

	if cfg.Channels.Teams.Enabled {
		a, err := teams.New(b, teams.Config{
			TenantID:     cfg.Channels.Teams.TenantID,
			ClientID:     cfg.Channels.Teams.ClientID,
			ClientSecret: cfg.Channels.Teams.ClientSecret,
			Logger:       logger,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		registry.Register(a)
		mounts["teams"] = a
	}

	// Google Chat has no dedicated config block yet; it activates only via
	// explicit environment-provided service account JSON, consistent with
	// how the rest of the gateway treats channels with no YAML surface.
	if sa := googleChatServiceAccountFromEnv(); len(sa) > 0 {
		a, err := googlechat.New(b, googlechat.Config{ServiceAccountJSON: sa, Logger: logger})
		if err != nil {
			return nil, nil, nil, err
		}
		registry.Register(a)
		mounts["googlechat"] = a
	}

	// The generic webhook and raw WebSocket adapters have no on/off switch
	// of their own: they are always available as inbound slots, gated by
	// the shared webhook-hooks token and by auth on the WS upgrade path.
	slots := make([]webhook.SlotConfig, 0, len(cfg.Gateway.WebhookHooks.Slots))
	for _, slot := range cfg.Gateway.WebhookHooks.Slots {
		slots = append(slots, webhook.SlotConfig{Name: slot.Name, SyncTimeout: slot.SyncTimeout})
	}
	webhookAdapter, err := webhook.New(b, webhook.Config{
		Token:        cfg.Gateway.WebhookHooks.Token,
		MaxBodyBytes: cfg.Gateway.WebhookHooks.MaxBodyBytes,
		SyncTimeout:  cfg.Gateway.WebhookHooks.SyncTimeout,
		Slots:        slots,
		Logger:       logger,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	registry.Register(webhookAdapter)

	wsAdapter, err := websocket.New(b, websocket.Config{Logger: logger})
	if err != nil {
		return nil, nil, nil, err
	}
	registry.Register(wsAdapter)
	mounts["websocket"] = wsAdapter

	return registry, mounts, webhookAdapter, nil
}

// googleChatServiceAccountFromEnv reads raw service account JSON from
// POCKETPAW_GOOGLECHAT_CREDENTIALS, the only surface this channel exposes
// until it earns a first-class config block.
func googleChatServiceAccountFromEnv() []byte {
	path := os.Getenv("POCKETPAW_GOOGLECHAT_CREDENTIALS")
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return data
}
