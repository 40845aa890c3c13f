package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const subjectPrefix = "carepulse.alerts."

// Subject returns the NATS subject carrying a hospital's alert events.
func Subject(hospitalID uuid.UUID) string {
	return subjectPrefix + hospitalID.String()
}

// NATSBus fans events out across gateway instances. Every instance publishes
// to its hospital subject and subscribes to all of them, so a websocket client
// connected to any instance receives events produced by every instance.
// NATS preserves order per subject for a single publisher connection.
type NATSBus struct {
	conn     *nats.Conn
	sub      *nats.Subscription
	handlers handlerSet
	logger   *zap.Logger
}

// NewNATSBus connects to url and starts the wildcard subscription.
func NewNATSBus(url string, logger *zap.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(url,
		nats.Name("carepulse-relay"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return newNATSBus(conn, logger)
}

func newNATSBus(conn *nats.Conn, logger *zap.Logger) (*NATSBus, error) {
	b := &NATSBus{conn: conn, logger: logger}

	sub, err := conn.Subscribe(subjectPrefix+"*", b.onMessage)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s*: %w", subjectPrefix, err)
	}
	b.sub = sub

	logger.Info("nats relay bus ready", zap.String("url", conn.ConnectedUrl()))
	return b, nil
}

func (b *NATSBus) onMessage(msg *nats.Msg) {
	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		b.logger.Error("invalid event on bus",
			zap.String("subject", msg.Subject),
			zap.Error(err),
		)
		return
	}
	b.handlers.deliver(ev)
}

func (b *NATSBus) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.conn.Publish(Subject(ev.HospitalID), data); err != nil {
		return fmt.Errorf("publish to nats: %w", err)
	}
	return nil
}

func (b *NATSBus) Subscribe(handler func(Event)) func() {
	return b.handlers.add(handler)
}

// Close drains the subscription and the connection.
func (b *NATSBus) Close() error {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}
