package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lalithlochan/carepulse/internal/db"
	"github.com/lalithlochan/carepulse/internal/relay"
)

// Presence reports whether a user has an open relay connection.
type Presence interface {
	Connected(userID uuid.UUID) bool
}

// DirectMessenger writes a frame straight to a user's sockets.
type DirectMessenger interface {
	Presence
	SendToUser(userID uuid.UUID, msg relay.Message) error
}

// WebsocketSender delivers a notification frame over the relay. The frame
// carries the dedup key so clients can drop repeats.
type WebsocketSender struct {
	hub DirectMessenger
}

func NewWebsocketSender(hub DirectMessenger) *WebsocketSender {
	return &WebsocketSender{hub: hub}
}

func (s *WebsocketSender) Send(ctx context.Context, d Delivery) error {
	if d.Notification.Channel != db.ChannelWebsocket {
		return fmt.Errorf("websocket sender only supports websocket, got: %s", d.Notification.Channel)
	}
	err := s.hub.SendToUser(d.Recipient.UserID, relay.Message{
		Kind:     relay.KindNotification,
		DedupKey: d.Notification.DedupKey,
		Event:    d.Event,
	})
	if err != nil {
		return fmt.Errorf("websocket send to %s: %w", d.Recipient.UserID, err)
	}
	return nil
}

func (s *WebsocketSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelWebsocket
}
