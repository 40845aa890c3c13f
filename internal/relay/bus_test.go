package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/carepulse/internal/db"
)

func testEvent(t *testing.T, typ EventType, hospital uuid.UUID, status db.AlertStatus) Event {
	t.Helper()
	a := &db.Alert{
		ID:           uuid.New(),
		HospitalID:   hospital,
		RoomNumber:   "101",
		UrgencyLevel: 3,
		AlertType:    "pain",
		Status:       status,
		CreatedAt:    time.Now().UTC(),
	}
	ev, err := NewEvent(typ, a, "", time.Now().UTC())
	require.NoError(t, err)
	return ev
}

func TestLocalBus_DeliversInPublishOrder(t *testing.T) {
	bus := NewLocalBus(16, zap.NewNop())
	hospital := uuid.New()

	var mu sync.Mutex
	var got []uuid.UUID
	bus.Subscribe(func(ev Event) {
		mu.Lock()
		got = append(got, ev.AlertID)
		mu.Unlock()
	})

	var want []uuid.UUID
	for i := 0; i < 200; i++ {
		ev := testEvent(t, EventCreated, hospital, db.StatusActive)
		want = append(want, ev.AlertID)
		require.NoError(t, bus.Publish(context.Background(), ev))
	}
	require.NoError(t, bus.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

func TestLocalBus_Unsubscribe(t *testing.T) {
	bus := NewLocalBus(4, zap.NewNop())
	defer bus.Close()

	calls := make(chan Event, 4)
	unsubscribe := bus.Subscribe(func(ev Event) { calls <- ev })

	require.NoError(t, bus.Publish(context.Background(), testEvent(t, EventCreated, uuid.New(), db.StatusActive)))
	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("expected event before unsubscribe")
	}

	unsubscribe()
	unsubscribe()
	require.NoError(t, bus.Publish(context.Background(), testEvent(t, EventCreated, uuid.New(), db.StatusActive)))
	select {
	case <-calls:
		t.Fatal("handler called after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalBus_PublishAfterClose(t *testing.T) {
	bus := NewLocalBus(1, zap.NewNop())
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	err := bus.Publish(context.Background(), testEvent(t, EventCreated, uuid.New(), db.StatusActive))
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestEvent_RoundTripsPayload(t *testing.T) {
	hospital := uuid.New()
	ev := testEvent(t, EventAcknowledged, hospital, db.StatusAcknowledged)

	p, err := ev.Decode()
	require.NoError(t, err)
	assert.Equal(t, ev.AlertID, p.Alert.ID)
	assert.Equal(t, db.StatusAcknowledged, p.Alert.Status)
	assert.Equal(t, hospital, ev.HospitalID)
}

func TestSubject(t *testing.T) {
	id := uuid.MustParse("6f1c2a7e-8e44-4c43-9d55-1b2a3c4d5e6f")
	assert.Equal(t, "carepulse.alerts.6f1c2a7e-8e44-4c43-9d55-1b2a3c4d5e6f", Subject(id))
}
