package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/carepulse/internal/db"
	"github.com/lalithlochan/carepulse/internal/metrics"
	"github.com/lalithlochan/carepulse/internal/relay"
)

// Result status values. Sent and failed mirror the persisted notification
// status; deduplicated and skipped never create a record.
const (
	ResultSent         = "sent"
	ResultFailed       = "failed"
	ResultDeduplicated = "deduplicated"
	ResultSkipped      = "skipped"
)

var ErrNotRetryable = errors.New("notification is not in failed state")

// Result is the outcome of one recipient/channel pair.
type Result struct {
	RecipientUserID uuid.UUID `json:"recipient_user_id"`
	Channel         string    `json:"channel"`
	NotificationID  uuid.UUID `json:"notification_id,omitempty"`
	Status          string    `json:"status"`
	Attempts        int       `json:"attempts"`
	Err             error     `json:"-"`
}

// Store is the notification persistence the dispatcher needs.
type Store interface {
	CreateNotificationEvent(ctx context.Context, n *db.NotificationEvent) (bool, error)
	GetNotificationEvent(ctx context.Context, id uuid.UUID) (*db.NotificationEvent, error)
	UpdateNotificationEvent(ctx context.Context, id uuid.UUID, status string, attempts int, lastError *string) error
	ReopenFailedNotification(ctx context.Context, id uuid.UUID) (bool, error)
	GetStaffMember(ctx context.Context, userID uuid.UUID) (*db.StaffMember, error)
}

// Deduplicator claims a dedup key across instances. Claim reports false when
// the key was already claimed.
type Deduplicator interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// FailureQueue receives notifications that exhausted their attempts.
type FailureQueue interface {
	EnqueueFailure(ctx context.Context, n *db.NotificationEvent) error
}

type Config struct {
	MaxAttempts int
	// Backoff[i] is the wait after attempt i+1 fails. The last entry repeats.
	Backoff    []time.Duration
	SMSEnabled bool
	Now        func() time.Time
	Sleep      func(ctx context.Context, d time.Duration) error
}

// Dispatcher fans an event out to recipients on every channel they can be
// reached on. Each recipient/channel pair is delivered independently with
// its own retries, so one failing provider never delays another.
type Dispatcher struct {
	store    Store
	sender   Sender
	dedup    Deduplicator
	failures FailureQueue
	presence Presence
	cfg      Config
	logger   *zap.Logger
}

// Option configures optional collaborators.
type Option func(*Dispatcher)

func WithDeduplicator(d Deduplicator) Option { return func(x *Dispatcher) { x.dedup = d } }
func WithFailureQueue(q FailureQueue) Option { return func(x *Dispatcher) { x.failures = q } }
func WithPresence(p Presence) Option         { return func(x *Dispatcher) { x.presence = p } }

func New(store Store, sender Sender, cfg Config, logger *zap.Logger, opts ...Option) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = []time.Duration{time.Second, 4 * time.Second, 16 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}
	d := &Dispatcher{
		store:  store,
		sender: sender,
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DedupKey identifies one delivery of one event to one recipient on one
// channel. Escalations carry the tier so each escalation step is distinct.
func DedupKey(ev relay.Event, tier db.Tier, recipient uuid.UUID, channel string) string {
	eventType := string(ev.Type)
	if ev.Type == relay.EventEscalated && tier != "" {
		eventType += "." + string(tier)
	}
	return fmt.Sprintf("%s:%s:%s:%s", ev.AlertID, recipient, eventType, channel)
}

// Channels returns the channels a recipient is reached on for an event type.
// Acknowledgment and resolution are informational and skip email and SMS.
func (d *Dispatcher) Channels(t relay.EventType, r *db.StaffMember) []string {
	var out []string
	if len(r.PushTokens) > 0 {
		out = append(out, db.ChannelPush)
	}
	if d.presence != nil && d.presence.Connected(r.UserID) {
		out = append(out, db.ChannelWebsocket)
	}
	if t == relay.EventAcknowledged || t == relay.EventResolved {
		return out
	}
	if r.Email != "" {
		out = append(out, db.ChannelEmail)
	}
	if r.Phone != "" && d.cfg.SMSEnabled {
		out = append(out, db.ChannelSMS)
	}
	return out
}

// Dispatch delivers ev to every recipient and blocks until each channel has
// either succeeded or exhausted its attempts. It never returns an error:
// failures are reported per channel in the results.
func (d *Dispatcher) Dispatch(ctx context.Context, ev relay.Event, recipients []*db.StaffMember) []Result {
	payload, err := ev.Decode()
	if err != nil || payload.Alert == nil {
		d.logger.Error("cannot dispatch event with invalid payload",
			zap.String("alert_id", ev.AlertID.String()),
			zap.String("event", string(ev.Type)),
			zap.Error(err),
		)
		return nil
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []Result
	)
	seen := make(map[uuid.UUID]bool, len(recipients))
	for _, r := range recipients {
		if r == nil || seen[r.UserID] {
			continue
		}
		seen[r.UserID] = true

		for _, ch := range d.Channels(ev.Type, r) {
			wg.Add(1)
			go func(r *db.StaffMember, ch string) {
				defer wg.Done()
				res := d.deliver(ctx, ev, payload, r, ch)
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
			}(r, ch)
		}
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool {
		if results[i].RecipientUserID != results[j].RecipientUserID {
			return results[i].RecipientUserID.String() < results[j].RecipientUserID.String()
		}
		return results[i].Channel < results[j].Channel
	})
	return results
}

func (d *Dispatcher) deliver(ctx context.Context, ev relay.Event, p *relay.Payload, r *db.StaffMember, channel string) Result {
	res := Result{RecipientUserID: r.UserID, Channel: channel}
	if !d.sender.SupportsChannel(channel) {
		res.Status = ResultSkipped
		return res
	}

	key := DedupKey(ev, p.Tier, r.UserID, channel)
	claimed := false
	if d.dedup != nil {
		fresh, err := d.dedup.Claim(ctx, key)
		switch {
		case err != nil:
			d.logger.Warn("dedup registry unavailable, relying on store",
				zap.String("dedup_key", key),
				zap.Error(err),
			)
		case !fresh:
			metrics.RecordDedupHit()
			res.Status = ResultDeduplicated
			return res
		default:
			claimed = true
		}
	}

	now := d.cfg.Now()
	n := &db.NotificationEvent{
		ID:              uuid.New(),
		AlertID:         ev.AlertID,
		HospitalID:      ev.HospitalID,
		RecipientUserID: r.UserID,
		Channel:         channel,
		EventType:       string(ev.Type),
		DedupKey:        key,
		Payload:         ev.Payload,
		Status:          db.NotificationPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	created, err := d.store.CreateNotificationEvent(ctx, n)
	if err != nil {
		if claimed {
			if rerr := d.dedup.Release(ctx, key); rerr != nil {
				d.logger.Warn("failed to release dedup key", zap.String("dedup_key", key), zap.Error(rerr))
			}
		}
		d.logger.Error("failed to record notification",
			zap.String("dedup_key", key),
			zap.Error(err),
		)
		res.Status = ResultFailed
		res.Err = err
		return res
	}
	if !created {
		metrics.RecordDedupHit()
		res.Status = ResultDeduplicated
		return res
	}

	res.NotificationID = n.ID
	return d.attempt(ctx, n, Delivery{Notification: n, Recipient: r, Event: ev, Alert: p.Alert, Tier: p.Tier}, res)
}

// attempt runs up to MaxAttempts sends, persisting the attempt count after
// each one. The record ends as sent exactly once or as failed.
func (d *Dispatcher) attempt(ctx context.Context, n *db.NotificationEvent, del Delivery, res Result) Result {
	start := time.Now()
	base := n.AttemptCount
	var lastErr error

	for i := 1; i <= d.cfg.MaxAttempts; i++ {
		attempts := base + i
		res.Attempts = attempts

		err := d.sender.Send(ctx, del)
		if err == nil {
			if uerr := d.store.UpdateNotificationEvent(ctx, n.ID, db.NotificationSent, attempts, nil); uerr != nil {
				d.logger.Error("failed to mark notification sent",
					zap.String("id", n.ID.String()),
					zap.Error(uerr),
				)
			}
			n.Status, n.AttemptCount = db.NotificationSent, attempts
			metrics.RecordNotificationProcessed(ResultSent, n.Channel, attempts, time.Since(start))
			res.Status = ResultSent
			return res
		}

		lastErr = err
		errMsg := err.Error()
		d.logger.Warn("notification attempt failed",
			zap.String("id", n.ID.String()),
			zap.String("channel", n.Channel),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		if uerr := d.store.UpdateNotificationEvent(ctx, n.ID, db.NotificationPending, attempts, &errMsg); uerr != nil {
			d.logger.Error("failed to record attempt", zap.String("id", n.ID.String()), zap.Error(uerr))
		}

		if i == d.cfg.MaxAttempts {
			break
		}
		if err := d.cfg.Sleep(ctx, d.backoff(i)); err != nil {
			lastErr = fmt.Errorf("retry aborted: %w", err)
			break
		}
	}

	errMsg := lastErr.Error()
	if uerr := d.store.UpdateNotificationEvent(context.WithoutCancel(ctx), n.ID, db.NotificationFailed, res.Attempts, &errMsg); uerr != nil {
		d.logger.Error("failed to mark notification failed", zap.String("id", n.ID.String()), zap.Error(uerr))
	}
	n.Status, n.AttemptCount, n.LastError = db.NotificationFailed, res.Attempts, &errMsg
	metrics.RecordNotificationProcessed(ResultFailed, n.Channel, res.Attempts, time.Since(start))

	d.logger.Error("notification delivery failed",
		zap.String("id", n.ID.String()),
		zap.String("alert_id", n.AlertID.String()),
		zap.String("recipient", n.RecipientUserID.String()),
		zap.String("channel", n.Channel),
		zap.Int("attempts", res.Attempts),
		zap.Error(lastErr),
	)
	if d.failures != nil {
		if err := d.failures.EnqueueFailure(context.WithoutCancel(ctx), n); err != nil {
			d.logger.Error("failed to enqueue delivery failure", zap.String("id", n.ID.String()), zap.Error(err))
		}
	}

	res.Status = ResultFailed
	res.Err = lastErr
	return res
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	idx := attempt - 1
	if idx >= len(d.cfg.Backoff) {
		idx = len(d.cfg.Backoff) - 1
	}
	return d.cfg.Backoff[idx]
}

// Redeliver retries a failed notification with a fresh set of attempts.
// Concurrent calls for the same notification deliver at most once; the
// losers get ErrNotRetryable.
func (d *Dispatcher) Redeliver(ctx context.Context, notificationID uuid.UUID) (Result, error) {
	n, err := d.store.GetNotificationEvent(ctx, notificationID)
	if err != nil {
		return Result{}, err
	}
	if n.Status != db.NotificationFailed {
		return Result{}, ErrNotRetryable
	}
	if !d.sender.SupportsChannel(n.Channel) {
		return Result{}, fmt.Errorf("no sender configured for channel %s", n.Channel)
	}

	r, err := d.store.GetStaffMember(ctx, n.RecipientUserID)
	if err != nil {
		return Result{}, fmt.Errorf("load recipient: %w", err)
	}
	ev := relay.Event{
		Type:       relay.EventType(n.EventType),
		AlertID:    n.AlertID,
		HospitalID: n.HospitalID,
		Timestamp:  d.cfg.Now(),
		Payload:    n.Payload,
	}
	p, err := ev.Decode()
	if err != nil {
		return Result{}, err
	}

	reopened, err := d.store.ReopenFailedNotification(ctx, n.ID)
	if err != nil {
		return Result{}, err
	}
	if !reopened {
		return Result{}, ErrNotRetryable
	}
	n.Status = db.NotificationPending

	d.logger.Info("redelivering notification",
		zap.String("id", n.ID.String()),
		zap.String("channel", n.Channel),
		zap.Int("previous_attempts", n.AttemptCount),
	)
	res := Result{RecipientUserID: r.UserID, Channel: n.Channel, NotificationID: n.ID}
	return d.attempt(ctx, n, Delivery{Notification: n, Recipient: r, Event: ev, Alert: p.Alert, Tier: p.Tier}, res), nil
}
