package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/carepulse/internal/db"
)

// ShiftStore is the persistence the shift service needs.
type ShiftStore interface {
	ActiveShift(ctx context.Context, userID, hospitalID uuid.UUID) (*db.ShiftAssignment, error)
	StartShift(ctx context.Context, s *db.ShiftAssignment) error
	EndShift(ctx context.Context, id uuid.UUID, at time.Time) (*db.ShiftAssignment, error)
	ListActiveShifts(ctx context.Context, hospitalID uuid.UUID) ([]*db.ShiftAssignment, error)
	OnDutyStaff(ctx context.Context, hospitalID uuid.UUID, department, role string) ([]*db.StaffMember, error)
}

// ShiftService tracks who is on duty. Escalation and dispatch read the
// roster through OnDuty.
type ShiftService struct {
	store  ShiftStore
	now    func() time.Time
	logger *zap.Logger
}

func NewShiftService(store ShiftStore, logger *zap.Logger) *ShiftService {
	return &ShiftService{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// Toggle starts the actor's shift, or ends it if one is already open.
// The returned assignment has OnDutyUntil set when the shift was ended.
func (s *ShiftService) Toggle(ctx context.Context, actor Actor, hospitalID uuid.UUID, department string) (*db.ShiftAssignment, error) {
	if !Can(actor.Role, CapToggleShift) {
		return nil, ErrForbidden
	}
	if hospitalID == uuid.Nil {
		return nil, &ValidationError{Field: "hospital_id", Message: "is required"}
	}
	if hospitalID != actor.HospitalID {
		return nil, fmt.Errorf("toggle shift in hospital %s: %w", hospitalID, ErrForbidden)
	}

	open, err := s.store.ActiveShift(ctx, actor.UserID, hospitalID)
	switch {
	case err == nil:
		ended, err := s.store.EndShift(ctx, open.ID, s.now())
		if err != nil {
			return nil, fmt.Errorf("end shift: %w", err)
		}
		s.logger.Info("shift ended",
			zap.String("user_id", actor.UserID.String()),
			zap.String("department", ended.Department),
		)
		return ended, nil
	case errors.Is(err, db.ErrNotFound):
	default:
		return nil, fmt.Errorf("load shift: %w", err)
	}

	shift := &db.ShiftAssignment{
		ID:          uuid.New(),
		UserID:      actor.UserID,
		HospitalID:  hospitalID,
		Department:  strings.TrimSpace(department),
		OnDutySince: s.now(),
	}
	if err := s.store.StartShift(ctx, shift); err != nil {
		return nil, fmt.Errorf("start shift: %w", err)
	}
	s.logger.Info("shift started",
		zap.String("user_id", actor.UserID.String()),
		zap.String("department", shift.Department),
	)
	return shift, nil
}

// Roster lists the open shifts of the actor's hospital.
func (s *ShiftService) Roster(ctx context.Context, actor Actor) ([]*db.ShiftAssignment, error) {
	if !Can(actor.Role, CapViewAlerts) {
		return nil, ErrForbidden
	}
	return s.store.ListActiveShifts(ctx, actor.HospitalID)
}

// OnDuty returns the staff of a role on shift in the department, or in the
// whole hospital when nobody of that role is on shift in the department.
func (s *ShiftService) OnDuty(ctx context.Context, hospitalID uuid.UUID, department string, role Role) ([]*db.StaffMember, error) {
	staff, err := s.store.OnDutyStaff(ctx, hospitalID, department, string(role))
	if err != nil {
		return nil, err
	}
	if len(staff) == 0 && department != "" {
		return s.store.OnDutyStaff(ctx, hospitalID, "", string(role))
	}
	return staff, nil
}
