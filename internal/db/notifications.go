package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const notificationColumns = `
	id, alert_id, hospital_id, recipient_user_id, channel, event_type, dedup_key,
	payload, status, attempt_count, last_error, created_at, updated_at
`

func scanNotification(row pgx.Row) (*NotificationEvent, error) {
	var n NotificationEvent
	err := row.Scan(
		&n.ID,
		&n.AlertID,
		&n.HospitalID,
		&n.RecipientUserID,
		&n.Channel,
		&n.EventType,
		&n.DedupKey,
		&n.Payload,
		&n.Status,
		&n.AttemptCount,
		&n.LastError,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// CreateNotificationEvent inserts a notification record unless one with the same
// dedup key already exists. created is false for a duplicate, in which case n is
// left untouched.
func (r *Repository) CreateNotificationEvent(ctx context.Context, n *NotificationEvent) (bool, error) {
	query := `
		INSERT INTO notification_events (
			id, alert_id, hospital_id, recipient_user_id, channel, event_type,
			dedup_key, payload, status, attempt_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0)
		ON CONFLICT (dedup_key) DO NOTHING
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		n.ID, n.AlertID, n.HospitalID, n.RecipientUserID, n.Channel, n.EventType,
		n.DedupKey, n.Payload, n.Status,
	).Scan(&n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		r.logger.Debug("duplicate notification skipped", zap.String("dedup_key", n.DedupKey))
		return false, nil
	}
	if err != nil {
		r.logger.Error("failed to create notification event",
			zap.Error(err),
			zap.String("dedup_key", n.DedupKey),
		)
		return false, fmt.Errorf("insert notification event: %w", err)
	}
	return true, nil
}

// GetNotificationEvent retrieves a notification record by ID.
func (r *Repository) GetNotificationEvent(ctx context.Context, id uuid.UUID) (*NotificationEvent, error) {
	n, err := scanNotification(r.db.Pool().QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notification_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification event: %w", err)
	}
	return n, nil
}

// UpdateNotificationEvent records the outcome of a delivery attempt.
func (r *Repository) UpdateNotificationEvent(ctx context.Context, id uuid.UUID, status string, attempts int, lastError *string) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE notification_events
		SET status = $2, attempt_count = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, status, attempts, lastError)
	if err != nil {
		r.logger.Error("failed to update notification event",
			zap.Error(err),
			zap.String("id", id.String()),
		)
		return fmt.Errorf("update notification event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return nil
}

// ReopenFailedNotification moves a failed notification back to pending.
// It reports false when the record is no longer failed, so only one caller
// can claim a redelivery.
func (r *Repository) ReopenFailedNotification(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE notification_events
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, NotificationPending, NotificationFailed)
	if err != nil {
		r.logger.Error("failed to reopen notification event",
			zap.Error(err),
			zap.String("id", id.String()),
		)
		return false, fmt.Errorf("reopen notification event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListNotificationEventsByAlert returns an alert's notification records in creation order.
func (r *Repository) ListNotificationEventsByAlert(ctx context.Context, alertID uuid.UUID) ([]*NotificationEvent, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT `+notificationColumns+` FROM notification_events WHERE alert_id = $1 ORDER BY created_at ASC`,
		alertID)
	if err != nil {
		return nil, fmt.Errorf("query notification events: %w", err)
	}
	defer rows.Close()

	var events []*NotificationEvent
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification event: %w", err)
		}
		events = append(events, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return events, nil
}
