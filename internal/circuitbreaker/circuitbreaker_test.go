package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/carepulse/internal/db"
	"github.com/lalithlochan/carepulse/internal/dispatch"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newBreaker(maxFailures int) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := New(Config{
		Name:            "test",
		MaxFailures:     maxFailures,
		RecoveryTimeout: 30 * time.Second,
		Now:             clock.Now,
	}, zap.NewNop())
	return cb, clock
}

func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb, _ := newBreaker(3)
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	tests := []struct {
		name      string
		probeOK   bool
		wantState State
	}{
		{"successful probe closes", true, StateClosed},
		{"failed probe reopens", false, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, clock := newBreaker(3)
			trip(cb, 3)
			if cb.State() != StateOpen {
				t.Fatalf("expected open after 3 failures, got %s", cb.State())
			}
			if cb.Allow() {
				t.Fatal("open breaker must reject")
			}

			clock.Advance(29 * time.Second)
			if cb.Allow() {
				t.Fatal("must reject before recovery timeout")
			}

			clock.Advance(time.Second)
			if !cb.Allow() {
				t.Fatal("must allow a probe after recovery timeout")
			}
			if cb.State() != StateHalfOpen {
				t.Fatalf("expected half-open, got %s", cb.State())
			}
			if cb.Allow() {
				t.Fatal("half-open allows a single probe")
			}

			if tt.probeOK {
				cb.RecordSuccess()
			} else {
				cb.RecordFailure()
			}
			if cb.State() != tt.wantState {
				t.Fatalf("expected %s, got %s", tt.wantState, cb.State())
			}
		})
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newBreaker(3)
	trip(cb, 2)
	cb.Allow()
	cb.RecordSuccess()
	trip(cb, 2)
	if cb.State() != StateClosed {
		t.Fatalf("failures are consecutive; expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_StatsAndReset(t *testing.T) {
	cb, _ := newBreaker(2)
	trip(cb, 2)
	cb.Allow()

	s := cb.Stats()
	if s.State != "open" || s.TotalFailures != 2 || s.TotalRejected != 1 || s.TotalRequests != 3 {
		t.Errorf("unexpected stats: %+v", s)
	}
	if s.LastFailure == "" {
		t.Error("expected last failure time")
	}

	cb.Reset()
	if cb.State() != StateClosed || !cb.Allow() {
		t.Error("reset must close the breaker")
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(9):      "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d).String() = %s, want %s", s, s.String(), want)
		}
	}
}

type failingSender struct {
	err   error
	calls int
}

func (f *failingSender) Send(ctx context.Context, d dispatch.Delivery) error {
	f.calls++
	return f.err
}

func (f *failingSender) SupportsChannel(channel string) bool { return channel == db.ChannelEmail }

func testDelivery() dispatch.Delivery {
	return dispatch.Delivery{
		Notification: &db.NotificationEvent{ID: uuid.New(), Channel: db.ChannelEmail},
		Recipient:    &db.StaffMember{UserID: uuid.New()},
	}
}

func TestProtectedSender_FailsFastWhenOpen(t *testing.T) {
	inner := &failingSender{err: errors.New("ses throttled")}
	cb, clock := newBreaker(2)
	p := NewProtectedSender(inner, cb, zap.NewNop())

	for i := 0; i < 2; i++ {
		if err := p.Send(context.Background(), testDelivery()); err == nil {
			t.Fatal("expected provider error")
		}
	}

	err := p.Send(context.Background(), testDelivery())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("open breaker must not reach the provider; calls = %d", inner.calls)
	}

	inner.err = nil
	clock.Advance(30 * time.Second)
	if err := p.Send(context.Background(), testDelivery()); err != nil {
		t.Fatalf("probe should pass: %v", err)
	}
	if p.Breaker().State() != StateClosed {
		t.Errorf("expected closed after probe, got %s", p.Breaker().State())
	}
}

func TestProtectedSender_SupportsChannel(t *testing.T) {
	cb, _ := newBreaker(1)
	p := NewProtectedSender(&failingSender{}, cb, zap.NewNop())
	if !p.SupportsChannel(db.ChannelEmail) || p.SupportsChannel(db.ChannelSMS) {
		t.Error("SupportsChannel must delegate")
	}
}
