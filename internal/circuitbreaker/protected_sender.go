package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/carepulse/internal/dispatch"
)

// ProtectedSender guards a channel sender with a breaker. While the breaker
// is open, sends fail with ErrCircuitOpen without reaching the provider; the
// dispatcher counts that as a failed attempt like any other.
type ProtectedSender struct {
	sender  dispatch.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

var _ dispatch.Sender = (*ProtectedSender)(nil)

func NewProtectedSender(sender dispatch.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedSender) Send(ctx context.Context, d dispatch.Delivery) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.Name()),
			zap.String("notification_id", d.Notification.ID.String()),
			zap.String("channel", d.Notification.Channel),
		)
		return fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	if err := p.sender.Send(ctx, d); err != nil {
		p.breaker.RecordFailure()
		return err
	}
	p.breaker.RecordSuccess()
	return nil
}

func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}

func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
