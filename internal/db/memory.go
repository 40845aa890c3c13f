package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process implementation of the repository used by
// tests and by the gateway when STORE=memory. A single mutex gives the same
// compare-and-swap guarantees the Postgres row lock does.
type MemoryRepository struct {
	mu            sync.Mutex
	alerts        map[uuid.UUID]*Alert
	escalations   map[uuid.UUID]*EscalationState
	notifications map[uuid.UUID]*NotificationEvent
	dedup         map[string]uuid.UUID
	shifts        map[uuid.UUID]*ShiftAssignment
	staff         map[uuid.UUID]*StaffMember
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		alerts:        make(map[uuid.UUID]*Alert),
		escalations:   make(map[uuid.UUID]*EscalationState),
		notifications: make(map[uuid.UUID]*NotificationEvent),
		dedup:         make(map[string]uuid.UUID),
		shifts:        make(map[uuid.UUID]*ShiftAssignment),
		staff:         make(map[uuid.UUID]*StaffMember),
	}
}

func copyAlert(a *Alert) *Alert {
	c := *a
	return &c
}

func copyEscalation(st *EscalationState) *EscalationState {
	c := *st
	c.History = append([]TierTransition(nil), st.History...)
	return &c
}

func (m *MemoryRepository) CreateAlert(ctx context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.alerts[a.ID]; ok {
		return fmt.Errorf("alert %s already exists", a.ID)
	}
	m.alerts[a.ID] = copyAlert(a)
	m.escalations[a.ID] = &EscalationState{
		AlertID:       a.ID,
		CurrentTier:   TierNurse,
		TierEnteredAt: a.CreatedAt,
	}
	return nil
}

func (m *MemoryRepository) GetAlert(ctx context.Context, id uuid.UUID) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return copyAlert(a), nil
}

func (m *MemoryRepository) ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Alert
	for _, a := range m.alerts {
		if a.HospitalID != f.HospitalID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, copyAlert(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() > out[j].ID.String()
	})

	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryRepository) TransitionAlert(ctx context.Context, id uuid.UUID, from, to AlertStatus, actor uuid.UUID, at time.Time) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if a.Status != from {
		return nil, fmt.Errorf("alert %s not %s: %w", id, from, ErrStaleState)
	}

	a.Status = to
	if a.AcknowledgedAt == nil {
		t, by := at, actor
		a.AcknowledgedAt, a.AcknowledgedBy = &t, &by
	}
	if to == StatusResolved {
		t, by := at, actor
		a.ResolvedAt, a.ResolvedBy = &t, &by
	}
	return copyAlert(a), nil
}

func (m *MemoryRepository) GetEscalationState(ctx context.Context, alertID uuid.UUID) (*EscalationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.escalations[alertID]
	if !ok {
		return nil, fmt.Errorf("escalation state %s: %w", alertID, ErrNotFound)
	}
	return copyEscalation(st), nil
}

func (m *MemoryRepository) AdvanceTier(ctx context.Context, alertID uuid.UUID, from, to Tier, at time.Time) (*EscalationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[alertID]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
	}
	if a.Status != StatusActive {
		return nil, fmt.Errorf("alert %s is %s: %w", alertID, a.Status, ErrStaleState)
	}
	st := m.escalations[alertID]
	if st == nil || st.CurrentTier != from {
		return nil, fmt.Errorf("alert %s not at tier %s: %w", alertID, from, ErrStaleState)
	}

	st.CurrentTier = to
	st.TierEnteredAt = at
	st.History = append(st.History, TierTransition{From: from, To: to, At: at})
	return copyEscalation(st), nil
}

func (m *MemoryRepository) ListPendingEscalations(ctx context.Context) ([]PendingEscalation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PendingEscalation
	for id, a := range m.alerts {
		st := m.escalations[id]
		if a.Status != StatusActive || st == nil || st.CurrentTier.Terminal() {
			continue
		}
		out = append(out, PendingEscalation{
			AlertID:       id,
			UrgencyLevel:  a.UrgencyLevel,
			CurrentTier:   st.CurrentTier,
			TierEnteredAt: st.TierEnteredAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TierEnteredAt.Before(out[j].TierEnteredAt) })
	return out, nil
}

func (m *MemoryRepository) CreateNotificationEvent(ctx context.Context, n *NotificationEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.dedup[n.DedupKey]; dup {
		return false, nil
	}
	now := time.Now().UTC()
	n.CreatedAt, n.UpdatedAt = now, now
	c := *n
	m.notifications[n.ID] = &c
	m.dedup[n.DedupKey] = n.ID
	return true, nil
}

func (m *MemoryRepository) GetNotificationEvent(ctx context.Context, id uuid.UUID) (*NotificationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.notifications[id]
	if !ok {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	c := *n
	return &c, nil
}

func (m *MemoryRepository) UpdateNotificationEvent(ctx context.Context, id uuid.UUID, status string, attempts int, lastError *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.notifications[id]
	if !ok {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	n.Status = status
	n.AttemptCount = attempts
	n.LastError = lastError
	n.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryRepository) ReopenFailedNotification(ctx context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.notifications[id]
	if !ok {
		return false, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if n.Status != NotificationFailed {
		return false, nil
	}
	n.Status = NotificationPending
	n.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryRepository) ListNotificationEventsByAlert(ctx context.Context, alertID uuid.UUID) ([]*NotificationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*NotificationEvent
	for _, n := range m.notifications {
		if n.AlertID == alertID {
			c := *n
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) ActiveShift(ctx context.Context, userID, hospitalID uuid.UUID) (*ShiftAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.shifts {
		if s.UserID == userID && s.HospitalID == hospitalID && s.Active() {
			c := *s
			return &c, nil
		}
	}
	return nil, fmt.Errorf("active shift for %s: %w", userID, ErrNotFound)
}

func (m *MemoryRepository) StartShift(ctx context.Context, s *ShiftAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.shifts {
		if existing.UserID == s.UserID && existing.HospitalID == s.HospitalID && existing.Active() {
			return fmt.Errorf("user %s already on duty", s.UserID)
		}
	}
	c := *s
	m.shifts[s.ID] = &c
	return nil
}

func (m *MemoryRepository) EndShift(ctx context.Context, id uuid.UUID, at time.Time) (*ShiftAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.shifts[id]
	if !ok || !s.Active() {
		return nil, fmt.Errorf("open shift %s: %w", id, ErrNotFound)
	}
	t := at
	s.OnDutyUntil = &t
	c := *s
	return &c, nil
}

func (m *MemoryRepository) ListActiveShifts(ctx context.Context, hospitalID uuid.UUID) ([]*ShiftAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*ShiftAssignment
	for _, s := range m.shifts {
		if s.HospitalID == hospitalID && s.Active() {
			c := *s
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OnDutySince.Before(out[j].OnDutySince) })
	return out, nil
}

// AddStaff registers or replaces a staff member's contact data.
func (m *MemoryRepository) AddStaff(s *StaffMember) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *s
	c.PushTokens = append([]string(nil), s.PushTokens...)
	m.staff[s.UserID] = &c
}

func (m *MemoryRepository) OnDutyStaff(ctx context.Context, hospitalID uuid.UUID, department, role string) ([]*StaffMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[uuid.UUID]bool)
	var out []*StaffMember
	for _, s := range m.shifts {
		if s.HospitalID != hospitalID || !s.Active() || seen[s.UserID] {
			continue
		}
		if department != "" && s.Department != department {
			continue
		}
		member, ok := m.staff[s.UserID]
		if !ok || member.Role != role || member.HospitalID != hospitalID {
			continue
		}
		seen[s.UserID] = true
		c := *member
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID.String() < out[j].UserID.String() })
	return out, nil
}

func (m *MemoryRepository) GetStaffMember(ctx context.Context, userID uuid.UUID) (*StaffMember, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.staff[userID]
	if !ok {
		return nil, fmt.Errorf("staff %s: %w", userID, ErrNotFound)
	}
	c := *s
	return &c, nil
}
