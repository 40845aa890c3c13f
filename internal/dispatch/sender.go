package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/carepulse/internal/db"
	"github.com/lalithlochan/carepulse/internal/relay"
)

// Delivery is one attempt to reach one recipient over one channel.
type Delivery struct {
	Notification *db.NotificationEvent
	Recipient    *db.StaffMember
	Event        relay.Event
	Alert        *db.Alert
	Tier         db.Tier
}

// Sender is the unified interface for all notification channels.
// Implementations: push (FCM), email (SES), SMS (SNS), websocket.
type Sender interface {
	Send(ctx context.Context, d Delivery) error
	SupportsChannel(channel string) bool
}

// MultiSender routes deliveries to the sender that owns the channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

func (m *MultiSender) Send(ctx context.Context, d Delivery) error {
	channel := d.Notification.Channel
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			m.logger.Debug("routing notification to sender",
				zap.String("channel", channel),
				zap.String("notification_id", d.Notification.ID.String()),
			)
			return sender.Send(ctx, d)
		}
	}

	return fmt.Errorf("no sender found for channel: %s", channel)
}

func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender logs deliveries instead of sending them. The gateway falls back
// to it for channels whose provider is not configured.
type LogSender struct {
	channels map[string]bool
	logger   *zap.Logger
}

func NewLogSender(logger *zap.Logger, channels ...string) *LogSender {
	set := make(map[string]bool, len(channels))
	for _, c := range channels {
		set[c] = true
	}
	return &LogSender{channels: set, logger: logger}
}

func (s *LogSender) Send(ctx context.Context, d Delivery) error {
	s.logger.Info("logging notification (development mode)",
		zap.String("id", d.Notification.ID.String()),
		zap.String("channel", d.Notification.Channel),
		zap.String("user_id", d.Recipient.UserID.String()),
		zap.String("event", d.Notification.EventType),
		zap.String("subject", Subject(d)),
	)
	return nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	return s.channels[channel]
}
