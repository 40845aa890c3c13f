package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/carepulse/internal/db"
	"github.com/lalithlochan/carepulse/internal/relay"
)

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled map[uuid.UUID]int
	cancelled []uuid.UUID
}

func (f *fakeScheduler) ScheduleEscalation(id uuid.UUID, urgency int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scheduled == nil {
		f.scheduled = make(map[uuid.UUID]int)
	}
	f.scheduled[id] = urgency
}

func (f *fakeScheduler) CancelEscalation(id uuid.UUID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.scheduled, id)
	f.cancelled = append(f.cancelled, id)
}

type recordingBus struct {
	mu     sync.Mutex
	events []relay.Event
	err    error
}

func (b *recordingBus) Publish(ctx context.Context, ev relay.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return b.err
}

func (b *recordingBus) types() []relay.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []relay.EventType
	for _, ev := range b.events {
		out = append(out, ev.Type)
	}
	return out
}

type notification struct {
	ev   relay.Event
	tier db.Tier
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notification
}

func (n *recordingNotifier) Notify(ctx context.Context, ev relay.Event, a *db.Alert, tier db.Tier) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notification{ev: ev, tier: tier})
}

type serviceFixture struct {
	repo     *db.MemoryRepository
	sched    *fakeScheduler
	bus      *recordingBus
	notifier *recordingNotifier
	svc      *Service
	hospital uuid.UUID
}

func newFixture(allowDirectResolve bool) *serviceFixture {
	f := &serviceFixture{
		repo:     db.NewMemoryRepository(),
		sched:    &fakeScheduler{},
		bus:      &recordingBus{},
		notifier: &recordingNotifier{},
		hospital: uuid.New(),
	}
	f.svc = NewService(f.repo, f.sched, f.bus, f.notifier, Config{AllowDirectResolve: allowDirectResolve}, zap.NewNop())
	return f
}

func (f *serviceFixture) actor(role Role) Actor {
	return Actor{UserID: uuid.New(), Role: role, HospitalID: f.hospital}
}

func (f *serviceFixture) create(t *testing.T) *db.Alert {
	t.Helper()
	a, err := f.svc.Create(context.Background(), f.actor(RoleNurse), CreateAlertRequest{
		HospitalID:   f.hospital,
		RoomNumber:   "305",
		Department:   "cardiology",
		UrgencyLevel: 5,
		AlertType:    "cardiac",
	})
	require.NoError(t, err)
	return a
}

func TestService_Create(t *testing.T) {
	f := newFixture(true)
	a := f.create(t)

	assert.Equal(t, db.StatusActive, a.Status)
	assert.Equal(t, 5, f.sched.scheduled[a.ID])
	assert.Equal(t, []relay.EventType{relay.EventCreated}, f.bus.types())
	require.Len(t, f.notifier.calls, 1)
	assert.Equal(t, db.TierNurse, f.notifier.calls[0].tier)

	st, err := f.repo.GetEscalationState(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TierNurse, st.CurrentTier)
	assert.Equal(t, a.CreatedAt, st.TierEnteredAt)
}

func TestService_CreateValidation(t *testing.T) {
	f := newFixture(true)
	valid := CreateAlertRequest{HospitalID: f.hospital, RoomNumber: "1", UrgencyLevel: 3, AlertType: "fall"}

	tests := []struct {
		name  string
		edit  func(r *CreateAlertRequest)
		field string
	}{
		{"missing room", func(r *CreateAlertRequest) { r.RoomNumber = "  " }, "room_number"},
		{"urgency zero", func(r *CreateAlertRequest) { r.UrgencyLevel = 0 }, "urgency_level"},
		{"urgency six", func(r *CreateAlertRequest) { r.UrgencyLevel = 6 }, "urgency_level"},
		{"missing type", func(r *CreateAlertRequest) { r.AlertType = "" }, "alert_type"},
		{"missing hospital", func(r *CreateAlertRequest) { r.HospitalID = uuid.Nil }, "hospital_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.edit(&req)
			_, err := f.svc.Create(context.Background(), f.actor(RoleNurse), req)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	assert.Empty(t, f.bus.types(), "rejected alerts must not be published")
}

func TestService_CreateOtherHospitalForbidden(t *testing.T) {
	f := newFixture(true)
	_, err := f.svc.Create(context.Background(), f.actor(RoleNurse), CreateAlertRequest{
		HospitalID: uuid.New(), RoomNumber: "1", UrgencyLevel: 3, AlertType: "fall",
	})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestService_AcknowledgeThenResolve(t *testing.T) {
	f := newFixture(false)
	a := f.create(t)
	ctx := context.Background()

	nurse := f.actor(RoleNurse)
	acked, err := f.svc.Acknowledge(ctx, nurse, a.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusAcknowledged, acked.Status)
	require.NotNil(t, acked.AcknowledgedBy)
	assert.Equal(t, nurse.UserID, *acked.AcknowledgedBy)
	assert.NotContains(t, f.sched.scheduled, a.ID)

	_, err = f.svc.Acknowledge(ctx, f.actor(RoleDoctor), a.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	resolved, err := f.svc.Resolve(ctx, f.actor(RoleDoctor), a.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusResolved, resolved.Status)
	assert.NotNil(t, resolved.ResolvedAt)

	_, err = f.svc.Resolve(ctx, f.actor(RoleDoctor), a.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.Acknowledge(ctx, nurse, a.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition, "status never moves backwards")

	assert.Equal(t, []relay.EventType{relay.EventCreated, relay.EventAcknowledged, relay.EventResolved}, f.bus.types())
}

func TestService_DirectResolve(t *testing.T) {
	tests := []struct {
		name    string
		allow   bool
		role    Role
		wantErr error
	}{
		{"head doctor allowed", true, RoleHeadDoctor, nil},
		{"admin allowed", true, RoleAdmin, nil},
		{"nurse lacks capability", true, RoleNurse, ErrForbidden},
		{"doctor lacks capability", true, RoleDoctor, ErrForbidden},
		{"policy disabled", false, RoleHeadDoctor, ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(tt.allow)
			a := f.create(t)

			got, err := f.svc.Resolve(context.Background(), f.actor(tt.role), a.ID)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, db.StatusResolved, got.Status)
			assert.NotNil(t, got.AcknowledgedAt, "resolved alerts always carry an acknowledgment time")
			assert.NotContains(t, f.sched.scheduled, a.ID)
		})
	}
}

func TestService_ConcurrentAcknowledgeHasOneWinner(t *testing.T) {
	f := newFixture(true)
	a := f.create(t)

	var wg sync.WaitGroup
	results := make([]error, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.svc.Acknowledge(context.Background(), f.actor(RoleNurse), a.ID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidTransition)
	}
	assert.Equal(t, 1, wins)
}

func TestService_OtherHospitalIsNotFound(t *testing.T) {
	f := newFixture(true)
	a := f.create(t)

	outsider := Actor{UserID: uuid.New(), Role: RoleHeadDoctor, HospitalID: uuid.New()}
	_, err := f.svc.Get(context.Background(), outsider, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.Acknowledge(context.Background(), outsider, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_PublishFailureDoesNotFailOperation(t *testing.T) {
	f := newFixture(true)
	f.bus.err = errors.New("bus down")

	a := f.create(t)
	_, err := f.svc.Acknowledge(context.Background(), f.actor(RoleNurse), a.ID)
	require.NoError(t, err)
	assert.Len(t, f.notifier.calls, 2)
}

func TestService_ListAndEscalation(t *testing.T) {
	f := newFixture(true)
	ctx := context.Background()
	first := f.create(t)
	second := f.create(t)
	_, err := f.svc.Acknowledge(ctx, f.actor(RoleNurse), first.ID)
	require.NoError(t, err)

	viewer := f.actor(RoleDoctor)
	all, err := f.svc.List(ctx, viewer, "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := f.svc.List(ctx, viewer, db.StatusActive, 10, 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)

	_, err = f.svc.List(ctx, viewer, "closed", 10, 0)
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = f.repo.AdvanceTier(ctx, second.ID, db.TierNurse, db.TierDoctor, time.Now())
	require.NoError(t, err)
	st, err := f.svc.Escalation(ctx, viewer, second.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TierDoctor, st.CurrentTier)
	assert.Len(t, st.History, 1)
}
