package dispatch

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/carepulse/internal/alert"
	"github.com/lalithlochan/carepulse/internal/db"
	"github.com/lalithlochan/carepulse/internal/relay"
)

// Roster resolves the staff on duty for a role.
type Roster interface {
	OnDuty(ctx context.Context, hospitalID uuid.UUID, department string, role alert.Role) ([]*db.StaffMember, error)
}

// TierNotifier resolves the on-duty staff of a tier and dispatches to them in
// the background. Alert and escalation services call Notify and return
// without waiting for delivery.
type TierNotifier struct {
	roster     Roster
	dispatcher *Dispatcher
	logger     *zap.Logger
	wg         sync.WaitGroup
}

func NewTierNotifier(roster Roster, dispatcher *Dispatcher, logger *zap.Logger) *TierNotifier {
	return &TierNotifier{roster: roster, dispatcher: dispatcher, logger: logger}
}

func (n *TierNotifier) Notify(ctx context.Context, ev relay.Event, a *db.Alert, tier db.Tier) {
	ctx = context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		role := alert.RoleForTier(tier)
		staff, err := n.roster.OnDuty(ctx, a.HospitalID, a.Department, role)
		if err != nil {
			n.logger.Error("failed to resolve on-duty staff",
				zap.String("alert_id", a.ID.String()),
				zap.String("role", string(role)),
				zap.Error(err),
			)
			return
		}
		if len(staff) == 0 {
			n.logger.Warn("no staff on duty for tier",
				zap.String("alert_id", a.ID.String()),
				zap.String("hospital_id", a.HospitalID.String()),
				zap.String("role", string(role)),
			)
			return
		}

		results := n.dispatcher.Dispatch(ctx, ev, staff)
		counts := make(map[string]int)
		for _, r := range results {
			counts[r.Status]++
		}
		n.logger.Info("event dispatched",
			zap.String("alert_id", a.ID.String()),
			zap.String("event", string(ev.Type)),
			zap.String("tier", string(tier)),
			zap.Int("recipients", len(staff)),
			zap.Int("sent", counts[ResultSent]),
			zap.Int("failed", counts[ResultFailed]),
			zap.Int("deduplicated", counts[ResultDeduplicated]),
		)
	}()
}

// Wait blocks until every in-flight dispatch has finished.
func (n *TierNotifier) Wait() {
	n.wg.Wait()
}
