package dispatch

import (
	"context"
	"fmt"
	"strconv"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/lalithlochan/carepulse/internal/db"
)

// multicastAPI is the part of the FCM client PushSender uses.
type multicastAPI interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// PushSender sends push notifications to every registered device of the
// recipient through Firebase Cloud Messaging.
type PushSender struct {
	client multicastAPI
	logger *zap.Logger
}

type PushConfig struct {
	CredentialsFile string
}

func NewPushSender(ctx context.Context, cfg PushConfig, logger *zap.Logger) (*PushSender, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(cfg.CredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase messaging: %w", err)
	}
	return &PushSender{client: client, logger: logger}, nil
}

// Send succeeds when at least one device accepted the message.
func (s *PushSender) Send(ctx context.Context, d Delivery) error {
	if d.Notification.Channel != db.ChannelPush {
		return fmt.Errorf("push sender only supports push, got: %s", d.Notification.Channel)
	}
	if len(d.Recipient.PushTokens) == 0 {
		return fmt.Errorf("recipient %s has no push tokens", d.Recipient.UserID)
	}

	msg := &messaging.MulticastMessage{
		Tokens: d.Recipient.PushTokens,
		Notification: &messaging.Notification{
			Title: Subject(d),
			Body:  Body(d),
		},
		Data: map[string]string{
			"alert_id":    d.Alert.ID.String(),
			"hospital_id": d.Alert.HospitalID.String(),
			"event":       string(d.Event.Type),
			"urgency":     strconv.Itoa(d.Alert.UrgencyLevel),
			"dedup_key":   d.Notification.DedupKey,
		},
		Android: &messaging.AndroidConfig{Priority: "high"},
	}

	resp, err := s.client.SendEachForMulticast(ctx, msg)
	if err != nil {
		return fmt.Errorf("fcm send failed: %w", err)
	}
	if resp.SuccessCount == 0 {
		var firstErr error
		for _, r := range resp.Responses {
			if r.Error != nil {
				firstErr = r.Error
				break
			}
		}
		return fmt.Errorf("fcm rejected all %d tokens: %v", len(d.Recipient.PushTokens), firstErr)
	}

	s.logger.Info("push sent via FCM",
		zap.String("id", d.Notification.ID.String()),
		zap.String("user_id", d.Recipient.UserID.String()),
		zap.Int("delivered", resp.SuccessCount),
		zap.Int("failed", resp.FailureCount),
	)
	return nil
}

func (s *PushSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelPush
}
