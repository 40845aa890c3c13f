package escalation

import (
	"time"

	"github.com/lalithlochan/carepulse/internal/db"
)

// Policy decides how long an unacknowledged alert waits at a tier before it
// escalates. Higher urgency shortens the wait, never below MinTimeout.
type Policy struct {
	NurseBase  time.Duration
	DoctorBase time.Duration
	MinTimeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		NurseBase:  4 * time.Minute,
		DoctorBase: 8 * time.Minute,
		MinTimeout: 60 * time.Second,
	}
}

// TimeoutFor returns base(tier) / urgency, clamped to MinTimeout.
// Urgency outside 1..5 is clamped into range. The terminal tier has no timeout.
func (p Policy) TimeoutFor(tier db.Tier, urgency int) time.Duration {
	var base time.Duration
	switch tier {
	case db.TierNurse:
		base = p.NurseBase
	case db.TierDoctor:
		base = p.DoctorBase
	default:
		return 0
	}

	if urgency < 1 {
		urgency = 1
	}
	if urgency > 5 {
		urgency = 5
	}

	d := base / time.Duration(urgency)
	if d < p.MinTimeout {
		d = p.MinTimeout
	}
	return d
}
