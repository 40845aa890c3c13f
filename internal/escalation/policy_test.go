package escalation

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/lalithlochan/carepulse/internal/db"
)

func TestPolicy_TimeoutFor(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name    string
		tier    db.Tier
		urgency int
		want    time.Duration
	}{
		{"nurse urgency 1", db.TierNurse, 1, 4 * time.Minute},
		{"nurse urgency 2", db.TierNurse, 2, 2 * time.Minute},
		{"nurse urgency 5 clamps to minimum", db.TierNurse, 5, 60 * time.Second},
		{"doctor urgency 1", db.TierDoctor, 1, 8 * time.Minute},
		{"doctor urgency 4", db.TierDoctor, 4, 2 * time.Minute},
		{"doctor urgency 5", db.TierDoctor, 5, 96 * time.Second},
		{"urgency above range", db.TierNurse, 9, 60 * time.Second},
		{"urgency below range", db.TierNurse, 0, 4 * time.Minute},
		{"terminal tier", db.TierHeadDoctor, 5, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.TimeoutFor(tt.tier, tt.urgency))
		})
	}
}

func TestDueQueue(t *testing.T) {
	q := newDueQueue()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	q.set(a, base.Add(3*time.Second))
	q.set(b, base.Add(1*time.Second))
	q.set(c, base.Add(2*time.Second))
	assert.Equal(t, 3, q.size())

	next, ok := q.peek()
	assert.True(t, ok)
	assert.Equal(t, b, next.alertID)

	// rescheduling keeps one entry per alert
	q.set(b, base.Add(5*time.Second))
	assert.Equal(t, 3, q.size())
	due, ok := q.dueAt(b)
	assert.True(t, ok)
	assert.Equal(t, base.Add(5*time.Second), due)

	assert.True(t, q.remove(c))
	assert.False(t, q.remove(c))

	assert.Equal(t, []uuid.UUID{a}, q.popDue(base.Add(4*time.Second)))
	assert.Empty(t, q.popDue(base.Add(4*time.Second)))
	assert.Equal(t, []uuid.UUID{b}, q.popDue(base.Add(5*time.Second)))
	assert.Equal(t, 0, q.size())

	_, ok = q.peek()
	assert.False(t, ok)
}
