package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles Postgres operations for alerts, escalation state,
// notification events and shifts.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new Postgres repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const alertColumns = `
	id, hospital_id, room_number, department, urgency_level, alert_type,
	description, status, created_by_user_id, created_at,
	acknowledged_at, acknowledged_by, resolved_at, resolved_by
`

func scanAlert(row pgx.Row) (*Alert, error) {
	var a Alert
	var status string
	err := row.Scan(
		&a.ID,
		&a.HospitalID,
		&a.RoomNumber,
		&a.Department,
		&a.UrgencyLevel,
		&a.AlertType,
		&a.Description,
		&status,
		&a.CreatedByUserID,
		&a.CreatedAt,
		&a.AcknowledgedAt,
		&a.AcknowledgedBy,
		&a.ResolvedAt,
		&a.ResolvedBy,
	)
	if err != nil {
		return nil, err
	}
	a.Status = AlertStatus(status)
	return &a, nil
}

// CreateAlert inserts the alert and its initial escalation state in one transaction.
// The alert starts at the nurse tier, entered at CreatedAt.
func (r *Repository) CreateAlert(ctx context.Context, a *Alert) error {
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO alerts (
				id, hospital_id, room_number, department, urgency_level, alert_type,
				description, status, created_by_user_id, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			a.ID, a.HospitalID, a.RoomNumber, a.Department, a.UrgencyLevel, a.AlertType,
			a.Description, string(a.Status), a.CreatedByUserID, a.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert alert: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO escalation_states (alert_id, current_tier, tier_entered_at)
			VALUES ($1, $2, $3)
		`, a.ID, string(TierNurse), a.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert escalation state: %w", err)
		}
		return nil
	})
	if err != nil {
		r.logger.Error("failed to create alert",
			zap.Error(err),
			zap.String("alert_id", a.ID.String()),
		)
		return err
	}

	r.logger.Info("alert created",
		zap.String("alert_id", a.ID.String()),
		zap.String("hospital_id", a.HospitalID.String()),
		zap.Int("urgency", a.UrgencyLevel),
	)
	return nil
}

// GetAlert retrieves an alert by ID. It always reads from the database so callers
// that need the source of truth never see a cached value.
func (r *Repository) GetAlert(ctx context.Context, id uuid.UUID) (*Alert, error) {
	a, err := scanAlert(r.db.Pool().QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query alert: %w", err)
	}
	return a, nil
}

// ListAlerts returns a hospital's alerts, newest first.
func (r *Repository) ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts
		WHERE hospital_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4`

	rows, err := r.db.Pool().Query(ctx, query, f.HospitalID, string(f.Status), f.Limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return alerts, nil
}

// TransitionAlert moves an alert from one status to another as a compare-and-swap.
// Reaching acknowledged or resolved stamps acknowledged_at if it is still empty,
// so a direct active -> resolved keeps the timestamp invariant.
// Returns ErrStaleState when the alert is no longer in status from.
func (r *Repository) TransitionAlert(ctx context.Context, id uuid.UUID, from, to AlertStatus, actor uuid.UUID, at time.Time) (*Alert, error) {
	query := `
		UPDATE alerts SET
			status = $3,
			acknowledged_at = COALESCE(acknowledged_at, $4),
			acknowledged_by = COALESCE(acknowledged_by, $5),
			resolved_at = CASE WHEN $3 = 'resolved' THEN $4 ELSE resolved_at END,
			resolved_by = CASE WHEN $3 = 'resolved' THEN $5 ELSE resolved_by END
		WHERE id = $1 AND status = $2
		RETURNING ` + alertColumns

	a, err := scanAlert(r.db.Pool().QueryRow(ctx, query, id, string(from), string(to), at, actor))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetAlert(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("alert %s not %s: %w", id, from, ErrStaleState)
	}
	if err != nil {
		return nil, fmt.Errorf("update alert status: %w", err)
	}

	r.logger.Info("alert status changed",
		zap.String("alert_id", id.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor", actor.String()),
	)
	return a, nil
}

// GetEscalationState returns the escalation state with its ordered history.
func (r *Repository) GetEscalationState(ctx context.Context, alertID uuid.UUID) (*EscalationState, error) {
	var st EscalationState
	var tier string
	err := r.db.Pool().QueryRow(ctx, `
		SELECT alert_id, current_tier, tier_entered_at
		FROM escalation_states WHERE alert_id = $1
	`, alertID).Scan(&st.AlertID, &tier, &st.TierEnteredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("escalation state %s: %w", alertID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query escalation state: %w", err)
	}
	st.CurrentTier = Tier(tier)

	rows, err := r.db.Pool().Query(ctx, `
		SELECT from_tier, to_tier, transitioned_at
		FROM tier_transitions WHERE alert_id = $1
		ORDER BY transitioned_at ASC, id ASC
	`, alertID)
	if err != nil {
		return nil, fmt.Errorf("query tier transitions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var from, to string
		var t TierTransition
		if err := rows.Scan(&from, &to, &t.At); err != nil {
			return nil, fmt.Errorf("scan tier transition: %w", err)
		}
		t.From, t.To = Tier(from), Tier(to)
		st.History = append(st.History, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return &st, nil
}

// AdvanceTier moves an alert's escalation from one tier to the next.
// The alert row is locked first so a concurrent acknowledge either commits
// before (and the advance becomes ErrStaleState) or waits until after.
func (r *Repository) AdvanceTier(ctx context.Context, alertID uuid.UUID, from, to Tier, at time.Time) (*EscalationState, error) {
	err := r.db.InTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM alerts WHERE id = $1 FOR UPDATE`, alertID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock alert: %w", err)
		}
		if AlertStatus(status) != StatusActive {
			return fmt.Errorf("alert %s is %s: %w", alertID, status, ErrStaleState)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE escalation_states SET current_tier = $3, tier_entered_at = $4
			WHERE alert_id = $1 AND current_tier = $2
		`, alertID, string(from), string(to), at)
		if err != nil {
			return fmt.Errorf("update escalation state: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("alert %s not at tier %s: %w", alertID, from, ErrStaleState)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO tier_transitions (alert_id, from_tier, to_tier, transitioned_at)
			VALUES ($1, $2, $3, $4)
		`, alertID, string(from), string(to), at)
		if err != nil {
			return fmt.Errorf("insert tier transition: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("alert escalated",
		zap.String("alert_id", alertID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return r.GetEscalationState(ctx, alertID)
}

// ListPendingEscalations returns every active alert whose tier can still advance.
func (r *Repository) ListPendingEscalations(ctx context.Context) ([]PendingEscalation, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT a.id, a.urgency_level, e.current_tier, e.tier_entered_at
		FROM alerts a
		JOIN escalation_states e ON e.alert_id = a.id
		WHERE a.status = 'active' AND e.current_tier <> 'head_doctor'
		ORDER BY e.tier_entered_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query pending escalations: %w", err)
	}
	defer rows.Close()

	var pending []PendingEscalation
	for rows.Next() {
		var p PendingEscalation
		var tier string
		if err := rows.Scan(&p.AlertID, &p.UrgencyLevel, &tier, &p.TierEnteredAt); err != nil {
			return nil, fmt.Errorf("scan pending escalation: %w", err)
		}
		p.CurrentTier = Tier(tier)
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return pending, nil
}
