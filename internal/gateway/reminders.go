package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/channels"
	"github.com/pocketpaw/pocketpaw/internal/config"
	"github.com/pocketpaw/pocketpaw/pkg/models"
)

// reminderMessageSender is the cron.MessageSender wired into the
// scheduler for "message"-type jobs. A fired reminder is not delivered
// directly to a transport: it is synthesized into an InboundMessage and
// republished onto the bus's inbound topic, so the agent loop picks it up
// and runs a fresh turn exactly as it would for a message the user typed,
// rather than bypassing the loop with a canned notification.
type reminderMessageSender struct {
	bus *bus.Bus
}

func (s reminderMessageSender) Send(ctx context.Context, message *config.CronMessageConfig) error {
	if message == nil {
		return errors.New("gateway: reminder message is nil")
	}
	channel := strings.TrimSpace(message.Channel)
	channelID := strings.TrimSpace(message.ChannelID)
	if channel == "" || channelID == "" {
		return errors.New("gateway: reminder message missing channel")
	}
	chatID := channels.ChatID(models.ChannelType(channel), channelID)
	s.bus.Publish(bus.TopicInbound, chatID, &models.InboundMessage{
		Channel: models.ChannelType(channel),
		ChatID:  chatID,
		Content: message.Content,
	})
	return nil
}
