package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/carepulse/internal/db"
	"github.com/lalithlochan/carepulse/internal/metrics"
	"github.com/lalithlochan/carepulse/internal/relay"
)

// Store is the persistence the alert service needs.
type Store interface {
	CreateAlert(ctx context.Context, a *db.Alert) error
	GetAlert(ctx context.Context, id uuid.UUID) (*db.Alert, error)
	ListAlerts(ctx context.Context, f db.AlertFilter) ([]*db.Alert, error)
	TransitionAlert(ctx context.Context, id uuid.UUID, from, to db.AlertStatus, actor uuid.UUID, at time.Time) (*db.Alert, error)
	GetEscalationState(ctx context.Context, alertID uuid.UUID) (*db.EscalationState, error)
}

// Scheduler arms and disarms escalation timers.
type Scheduler interface {
	ScheduleEscalation(alertID uuid.UUID, urgency int)
	CancelEscalation(alertID uuid.UUID)
}

// Notifier fans an event out to the on-duty staff of a tier. It must not
// block the caller on delivery.
type Notifier interface {
	Notify(ctx context.Context, ev relay.Event, a *db.Alert, tier db.Tier)
}

type Config struct {
	// AllowDirectResolve lets roles holding resolve_unacknowledged resolve an
	// alert that was never acknowledged.
	AllowDirectResolve bool
	Now                func() time.Time
}

// CreateAlertRequest is the input to Create.
type CreateAlertRequest struct {
	HospitalID   uuid.UUID `json:"hospital_id"`
	RoomNumber   string    `json:"room_number"`
	Department   string    `json:"department"`
	UrgencyLevel int       `json:"urgency_level"`
	AlertType    string    `json:"alert_type"`
	Description  *string   `json:"description,omitempty"`
}

// Validate checks the request fields.
func (r *CreateAlertRequest) Validate() error {
	if r.HospitalID == uuid.Nil {
		return &ValidationError{Field: "hospital_id", Message: "is required"}
	}
	if strings.TrimSpace(r.RoomNumber) == "" {
		return &ValidationError{Field: "room_number", Message: "is required"}
	}
	if len(r.RoomNumber) > 32 {
		return &ValidationError{Field: "room_number", Message: "must be at most 32 characters"}
	}
	if r.UrgencyLevel < 1 || r.UrgencyLevel > 5 {
		return &ValidationError{Field: "urgency_level", Message: "must be between 1 and 5"}
	}
	if strings.TrimSpace(r.AlertType) == "" {
		return &ValidationError{Field: "alert_type", Message: "is required"}
	}
	return nil
}

// Service owns the alert lifecycle. Every status change is a compare-and-swap
// against the store, so concurrent acknowledge, resolve and escalation
// attempts settle on exactly one winner.
type Service struct {
	store     Store
	scheduler Scheduler
	bus       relay.Publisher
	notifier  Notifier
	cfg       Config
	logger    *zap.Logger
}

func NewService(store Store, scheduler Scheduler, bus relay.Publisher, notifier Notifier, cfg Config, logger *zap.Logger) *Service {
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:     store,
		scheduler: scheduler,
		bus:       bus,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger,
	}
}

// Create raises a new alert at the nurse tier and starts its escalation clock.
func (s *Service) Create(ctx context.Context, actor Actor, req CreateAlertRequest) (*db.Alert, error) {
	if !Can(actor.Role, CapCreateAlert) {
		return nil, ErrForbidden
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.HospitalID != actor.HospitalID {
		return nil, fmt.Errorf("create alert in hospital %s: %w", req.HospitalID, ErrForbidden)
	}

	now := s.cfg.Now()
	a := &db.Alert{
		ID:              uuid.New(),
		HospitalID:      req.HospitalID,
		RoomNumber:      strings.TrimSpace(req.RoomNumber),
		Department:      strings.TrimSpace(req.Department),
		UrgencyLevel:    req.UrgencyLevel,
		AlertType:       strings.TrimSpace(req.AlertType),
		Description:     req.Description,
		Status:          db.StatusActive,
		CreatedByUserID: actor.UserID,
		CreatedAt:       now,
	}
	if err := s.store.CreateAlert(ctx, a); err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}
	metrics.RecordAlertTransition(string(db.StatusActive))

	s.scheduler.ScheduleEscalation(a.ID, a.UrgencyLevel)
	s.announce(ctx, relay.EventCreated, a, db.TierNurse, now)

	s.logger.Info("alert raised",
		zap.String("alert_id", a.ID.String()),
		zap.String("room", a.RoomNumber),
		zap.Int("urgency", a.UrgencyLevel),
		zap.String("created_by", actor.UserID.String()),
	)
	return a, nil
}

// Acknowledge takes ownership of an active alert and stops its escalation.
func (s *Service) Acknowledge(ctx context.Context, actor Actor, id uuid.UUID) (*db.Alert, error) {
	if !Can(actor.Role, CapAcknowledgeAlert) {
		return nil, ErrForbidden
	}
	a, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if a.Status != db.StatusActive {
		return nil, fmt.Errorf("acknowledge %s alert: %w", a.Status, ErrInvalidTransition)
	}

	return s.transition(ctx, actor, a, db.StatusActive, db.StatusAcknowledged, relay.EventAcknowledged)
}

// Resolve closes an alert. Acknowledged alerts may always be resolved; active
// ones only by roles allowed to skip acknowledgment, when policy permits it.
func (s *Service) Resolve(ctx context.Context, actor Actor, id uuid.UUID) (*db.Alert, error) {
	if !Can(actor.Role, CapResolveAlert) {
		return nil, ErrForbidden
	}
	a, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}

	switch a.Status {
	case db.StatusAcknowledged:
	case db.StatusActive:
		if !Can(actor.Role, CapResolveUnacknowledged) {
			return nil, fmt.Errorf("resolve unacknowledged alert: %w", ErrForbidden)
		}
		if !s.cfg.AllowDirectResolve {
			return nil, fmt.Errorf("alert must be acknowledged before it is resolved: %w", ErrInvalidTransition)
		}
	default:
		return nil, fmt.Errorf("resolve %s alert: %w", a.Status, ErrInvalidTransition)
	}

	return s.transition(ctx, actor, a, a.Status, db.StatusResolved, relay.EventResolved)
}

func (s *Service) transition(ctx context.Context, actor Actor, a *db.Alert, from, to db.AlertStatus, evType relay.EventType) (*db.Alert, error) {
	now := s.cfg.Now()
	updated, err := s.store.TransitionAlert(ctx, a.ID, from, to, actor.UserID, now)
	if errors.Is(err, db.ErrStaleState) {
		return nil, fmt.Errorf("alert %s changed concurrently: %w", a.ID, ErrInvalidTransition)
	}
	if err != nil {
		return nil, fmt.Errorf("update alert: %w", err)
	}
	metrics.RecordAlertTransition(string(to))

	s.scheduler.CancelEscalation(a.ID)

	tier := db.TierNurse
	if st, err := s.store.GetEscalationState(ctx, a.ID); err == nil {
		tier = st.CurrentTier
	} else {
		s.logger.Warn("escalation state unavailable", zap.String("alert_id", a.ID.String()), zap.Error(err))
	}
	s.announce(ctx, evType, updated, tier, now)

	s.logger.Info("alert status changed",
		zap.String("alert_id", a.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", actor.UserID.String()),
		zap.String("role", string(actor.Role)),
	)
	return updated, nil
}

// announce publishes the event and notifies the tier. Neither can fail the
// operation that has already been committed.
func (s *Service) announce(ctx context.Context, t relay.EventType, a *db.Alert, tier db.Tier, at time.Time) {
	ev, err := relay.NewEvent(t, a, tier, at)
	if err != nil {
		s.logger.Error("failed to build event", zap.Error(err))
		return
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Error("failed to publish event",
			zap.String("type", string(t)),
			zap.String("alert_id", a.ID.String()),
			zap.Error(err),
		)
	}
	s.notifier.Notify(ctx, ev, a, tier)
}

// load reads an alert, hiding alerts of other hospitals.
func (s *Service) load(ctx context.Context, actor Actor, id uuid.UUID) (*db.Alert, error) {
	a, err := s.store.GetAlert(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load alert: %w", err)
	}
	if a.HospitalID != actor.HospitalID {
		return nil, ErrNotFound
	}
	return a, nil
}

// Get returns one alert.
func (s *Service) Get(ctx context.Context, actor Actor, id uuid.UUID) (*db.Alert, error) {
	if !Can(actor.Role, CapViewAlerts) {
		return nil, ErrForbidden
	}
	return s.load(ctx, actor, id)
}

// List returns the actor's hospital alerts, newest first. It backs both the
// dashboard and the relay client's refetch.
func (s *Service) List(ctx context.Context, actor Actor, status db.AlertStatus, limit, offset int) ([]*db.Alert, error) {
	if !Can(actor.Role, CapViewAlerts) {
		return nil, ErrForbidden
	}
	if status != "" && !status.Valid() {
		return nil, &ValidationError{Field: "status", Message: "must be active, acknowledged or resolved"}
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListAlerts(ctx, db.AlertFilter{
		HospitalID: actor.HospitalID,
		Status:     status,
		Limit:      limit,
		Offset:     offset,
	})
}

// Escalation returns an alert's escalation state and history.
func (s *Service) Escalation(ctx context.Context, actor Actor, id uuid.UUID) (*db.EscalationState, error) {
	if !Can(actor.Role, CapViewAlerts) {
		return nil, ErrForbidden
	}
	if _, err := s.load(ctx, actor, id); err != nil {
		return nil, err
	}
	st, err := s.store.GetEscalationState(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	return st, err
}
