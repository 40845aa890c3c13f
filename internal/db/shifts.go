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

func scanShift(row pgx.Row) (*ShiftAssignment, error) {
	var s ShiftAssignment
	if err := row.Scan(&s.ID, &s.UserID, &s.HospitalID, &s.Department, &s.OnDutySince, &s.OnDutyUntil); err != nil {
		return nil, err
	}
	return &s, nil
}

// ActiveShift returns the user's open shift in a hospital, or ErrNotFound.
func (r *Repository) ActiveShift(ctx context.Context, userID, hospitalID uuid.UUID) (*ShiftAssignment, error) {
	s, err := scanShift(r.db.Pool().QueryRow(ctx, `
		SELECT id, user_id, hospital_id, department, on_duty_since, on_duty_until
		FROM shift_assignments
		WHERE user_id = $1 AND hospital_id = $2 AND on_duty_until IS NULL
	`, userID, hospitalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("active shift for %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query active shift: %w", err)
	}
	return s, nil
}

// StartShift opens a shift. The partial unique index on open shifts rejects a
// second open shift for the same user and hospital.
func (r *Repository) StartShift(ctx context.Context, s *ShiftAssignment) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO shift_assignments (id, user_id, hospital_id, department, on_duty_since)
		VALUES ($1, $2, $3, $4, $5)
	`, s.ID, s.UserID, s.HospitalID, s.Department, s.OnDutySince)
	if err != nil {
		r.logger.Error("failed to start shift", zap.Error(err), zap.String("user_id", s.UserID.String()))
		return fmt.Errorf("insert shift: %w", err)
	}
	return nil
}

// EndShift closes an open shift.
func (r *Repository) EndShift(ctx context.Context, id uuid.UUID, at time.Time) (*ShiftAssignment, error) {
	s, err := scanShift(r.db.Pool().QueryRow(ctx, `
		UPDATE shift_assignments SET on_duty_until = $2
		WHERE id = $1 AND on_duty_until IS NULL
		RETURNING id, user_id, hospital_id, department, on_duty_since, on_duty_until
	`, id, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("open shift %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("end shift: %w", err)
	}
	return s, nil
}

// ListActiveShifts returns the open shifts of a hospital.
func (r *Repository) ListActiveShifts(ctx context.Context, hospitalID uuid.UUID) ([]*ShiftAssignment, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, user_id, hospital_id, department, on_duty_since, on_duty_until
		FROM shift_assignments
		WHERE hospital_id = $1 AND on_duty_until IS NULL
		ORDER BY on_duty_since ASC
	`, hospitalID)
	if err != nil {
		return nil, fmt.Errorf("query active shifts: %w", err)
	}
	defer rows.Close()

	var shifts []*ShiftAssignment
	for rows.Next() {
		s, err := scanShift(rows)
		if err != nil {
			return nil, fmt.Errorf("scan shift: %w", err)
		}
		shifts = append(shifts, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return shifts, nil
}

const staffColumns = `s.user_id, s.hospital_id, s.role, s.name, s.email, s.phone,
	COALESCE((SELECT array_agg(t.token) FROM push_tokens t WHERE t.user_id = s.user_id), '{}')`

func scanStaff(row pgx.Row) (*StaffMember, error) {
	var m StaffMember
	if err := row.Scan(&m.UserID, &m.HospitalID, &m.Role, &m.Name, &m.Email, &m.Phone, &m.PushTokens); err != nil {
		return nil, err
	}
	return &m, nil
}

// OnDutyStaff returns staff of the given role currently on shift in a hospital.
// An empty department matches every department.
func (r *Repository) OnDutyStaff(ctx context.Context, hospitalID uuid.UUID, department, role string) ([]*StaffMember, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT DISTINCT ON (s.user_id) `+staffColumns+`
		FROM staff s
		JOIN shift_assignments sh ON sh.user_id = s.user_id AND sh.hospital_id = s.hospital_id
		WHERE s.hospital_id = $1 AND s.role = $2 AND sh.on_duty_until IS NULL
		  AND ($3 = '' OR sh.department = $3)
		ORDER BY s.user_id
	`, hospitalID, role, department)
	if err != nil {
		return nil, fmt.Errorf("query on-duty staff: %w", err)
	}
	defer rows.Close()

	var staff []*StaffMember
	for rows.Next() {
		m, err := scanStaff(rows)
		if err != nil {
			return nil, fmt.Errorf("scan staff: %w", err)
		}
		staff = append(staff, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return staff, nil
}

// GetStaffMember looks up a staff member's contact data.
func (r *Repository) GetStaffMember(ctx context.Context, userID uuid.UUID) (*StaffMember, error) {
	m, err := scanStaff(r.db.Pool().QueryRow(ctx, `SELECT `+staffColumns+` FROM staff s WHERE s.user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("staff %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query staff: %w", err)
	}
	return m, nil
}
