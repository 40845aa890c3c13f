package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lalithlochan/carepulse/internal/db"
	"github.com/lalithlochan/carepulse/internal/metrics"
	"github.com/lalithlochan/carepulse/internal/relay"
)

// Store is the durable escalation state.
type Store interface {
	GetAlert(ctx context.Context, id uuid.UUID) (*db.Alert, error)
	GetEscalationState(ctx context.Context, alertID uuid.UUID) (*db.EscalationState, error)
	AdvanceTier(ctx context.Context, alertID uuid.UUID, from, to db.Tier, at time.Time) (*db.EscalationState, error)
	ListPendingEscalations(ctx context.Context) ([]db.PendingEscalation, error)
}

// Notifier fans an event out to the on-duty staff of a tier without blocking.
type Notifier interface {
	Notify(ctx context.Context, ev relay.Event, a *db.Alert, tier db.Tier)
}

type Config struct {
	Policy Policy
	// SweepSpec is a cron spec for re-reconciling with the store, e.g. "@every 30s".
	// Empty disables the sweep.
	SweepSpec string
	Now       func() time.Time
}

// Service escalates unacknowledged alerts from nurse to doctor to head doctor.
//
// The in-memory due queue is only a cache of the store: every timeout
// re-reads the alert and its tier, and the tier advance is a compare-and-swap,
// so a timeout that races an acknowledgment or another instance is a no-op.
// Start rebuilds the queue from persisted tier entry times, and the periodic
// sweep repeats that so a missed or lost timer is picked up within one sweep.
type Service struct {
	store    Store
	bus      relay.Publisher
	notifier Notifier
	policy   Policy
	now      func() time.Time
	logger   *zap.Logger

	mu    sync.Mutex
	queue *dueQueue
	wake  chan struct{}

	sweepSpec string
	cron      *cron.Cron
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewService(store Store, bus relay.Publisher, notifier Notifier, cfg Config, logger *zap.Logger) *Service {
	if cfg.Policy == (Policy{}) {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:     store,
		bus:       bus,
		notifier:  notifier,
		policy:    cfg.Policy,
		now:       cfg.Now,
		logger:    logger,
		queue:     newDueQueue(),
		wake:      make(chan struct{}, 1),
		sweepSpec: cfg.SweepSpec,
	}
}

// Start reconciles with the store and starts the timer loop and the sweep.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Reconcile(ctx); err != nil {
		return fmt.Errorf("initial reconcile: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.sweepSpec != "" {
		s.cron = cron.New()
		_, err := s.cron.AddFunc(s.sweepSpec, func() {
			if err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("escalation sweep failed", zap.Error(err))
			}
		})
		if err != nil {
			cancel()
			return fmt.Errorf("schedule sweep %q: %w", s.sweepSpec, err)
		}
		s.cron.Start()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()

	s.logger.Info("escalation service started",
		zap.Int("pending", s.Pending()),
		zap.String("sweep", s.sweepSpec),
	)
	return nil
}

// Stop halts the loop and the sweep and waits for in-flight timeouts.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
	s.logger.Info("escalation service stopped")
}

// ScheduleEscalation arms the nurse-tier timeout of a newly created alert.
func (s *Service) ScheduleEscalation(alertID uuid.UUID, urgency int) {
	s.schedule(alertID, s.now().Add(s.policy.TimeoutFor(db.TierNurse, urgency)))
}

// CancelEscalation disarms the alert's timeout. Cancelling an alert with no
// pending timeout is a no-op.
func (s *Service) CancelEscalation(alertID uuid.UUID) {
	s.mu.Lock()
	removed := s.queue.remove(alertID)
	depth := s.queue.size()
	s.mu.Unlock()

	if removed {
		metrics.SetEscalationQueueDepth(depth)
		s.signal()
	}
}

func (s *Service) schedule(alertID uuid.UUID, due time.Time) {
	s.mu.Lock()
	s.queue.set(alertID, due)
	depth := s.queue.size()
	s.mu.Unlock()

	metrics.SetEscalationQueueDepth(depth)
	s.signal()
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of armed timeouts.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.size()
}

// DueAt returns when the alert's current timeout fires.
func (s *Service) DueAt(alertID uuid.UUID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.dueAt(alertID)
}

// Reconcile arms a timeout for every active, non-terminal alert in the store,
// due at its tier entry time plus the tier timeout. Overdue alerts fire on the
// next loop iteration.
func (s *Service) Reconcile(ctx context.Context) error {
	pending, err := s.store.ListPendingEscalations(ctx)
	if err != nil {
		return fmt.Errorf("list pending escalations: %w", err)
	}

	s.mu.Lock()
	for _, p := range pending {
		s.queue.set(p.AlertID, p.TierEnteredAt.Add(s.policy.TimeoutFor(p.CurrentTier, p.UrgencyLevel)))
	}
	depth := s.queue.size()
	s.mu.Unlock()

	metrics.SetEscalationQueueDepth(depth)
	s.signal()

	s.logger.Debug("escalations reconciled", zap.Int("pending", len(pending)))
	return nil
}

func (s *Service) run(ctx context.Context) {
	for {
		s.mu.Lock()
		next, ok := s.queue.peek()
		var wait time.Duration
		if ok {
			wait = next.due.Sub(s.now())
		}
		s.mu.Unlock()

		var timer *time.Timer
		var fire <-chan time.Time
		if ok {
			if wait < 0 {
				wait = 0
			}
			timer = time.NewTimer(wait)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
		case <-fire:
			s.fireDue(ctx)
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (s *Service) fireDue(ctx context.Context) {
	s.mu.Lock()
	due := s.queue.popDue(s.now())
	depth := s.queue.size()
	s.mu.Unlock()
	metrics.SetEscalationQueueDepth(depth)

	for _, id := range due {
		s.wg.Add(1)
		go func(id uuid.UUID) {
			defer s.wg.Done()
			if err := s.OnTimeout(ctx, id); err != nil && ctx.Err() == nil {
				s.logger.Error("escalation timeout failed",
					zap.String("alert_id", id.String()),
					zap.Error(err),
				)
			}
		}(id)
	}
}

// OnTimeout escalates the alert one tier if it is still active and its current
// tier's timeout has elapsed. Stale timeouts return nil without side effects.
func (s *Service) OnTimeout(ctx context.Context, alertID uuid.UUID) error {
	a, err := s.store.GetAlert(ctx, alertID)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load alert: %w", err)
	}
	if a.Status != db.StatusActive {
		s.CancelEscalation(alertID)
		return nil
	}

	st, err := s.store.GetEscalationState(ctx, alertID)
	if err != nil {
		return fmt.Errorf("load escalation state: %w", err)
	}
	if st.CurrentTier.Terminal() {
		s.CancelEscalation(alertID)
		return nil
	}

	now := s.now()
	due := st.TierEnteredAt.Add(s.policy.TimeoutFor(st.CurrentTier, a.UrgencyLevel))
	if now.Before(due) {
		s.schedule(alertID, due)
		return nil
	}

	next := st.CurrentTier.Next()
	if _, err := s.store.AdvanceTier(ctx, alertID, st.CurrentTier, next, now); err != nil {
		if errors.Is(err, db.ErrStaleState) {
			s.logger.Debug("escalation skipped, state changed",
				zap.String("alert_id", alertID.String()),
				zap.Error(err),
			)
			return nil
		}
		return fmt.Errorf("advance tier: %w", err)
	}
	metrics.RecordEscalation(string(next))

	s.logger.Warn("alert escalated",
		zap.String("alert_id", alertID.String()),
		zap.String("from", string(st.CurrentTier)),
		zap.String("to", string(next)),
		zap.Int("urgency", a.UrgencyLevel),
	)

	ev, err := relay.NewEvent(relay.EventEscalated, a, next, now)
	if err != nil {
		return err
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Error("failed to publish escalation",
			zap.String("alert_id", alertID.String()),
			zap.Error(err),
		)
	}
	s.notifier.Notify(ctx, ev, a, next)

	if next.Terminal() {
		s.CancelEscalation(alertID)
	} else {
		s.schedule(alertID, now.Add(s.policy.TimeoutFor(next, a.UrgencyLevel)))
	}
	return nil
}
