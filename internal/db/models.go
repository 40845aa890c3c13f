package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AlertStatus is the lifecycle state of an alert.
// Transitions only move forward: active -> acknowledged -> resolved.
type AlertStatus string

const (
	StatusActive       AlertStatus = "active"
	StatusAcknowledged AlertStatus = "acknowledged"
	StatusResolved     AlertStatus = "resolved"
)

// Rank orders statuses so callers can reject reverse transitions.
func (s AlertStatus) Rank() int {
	switch s {
	case StatusActive:
		return 0
	case StatusAcknowledged:
		return 1
	case StatusResolved:
		return 2
	default:
		return -1
	}
}

func (s AlertStatus) Valid() bool {
	return s.Rank() >= 0
}

// Tier is the role level currently responsible for an unacknowledged alert.
type Tier string

const (
	TierNurse      Tier = "nurse"
	TierDoctor     Tier = "doctor"
	TierHeadDoctor Tier = "head_doctor"
)

// Next returns the tier that follows t. The terminal tier returns itself.
func (t Tier) Next() Tier {
	switch t {
	case TierNurse:
		return TierDoctor
	case TierDoctor:
		return TierHeadDoctor
	default:
		return TierHeadDoctor
	}
}

// Terminal reports whether no further escalation exists past t.
func (t Tier) Terminal() bool {
	return t == TierHeadDoctor
}

func (t Tier) Rank() int {
	switch t {
	case TierNurse:
		return 0
	case TierDoctor:
		return 1
	case TierHeadDoctor:
		return 2
	default:
		return -1
	}
}

// Alert is a patient-care event scoped to a hospital.
type Alert struct {
	ID              uuid.UUID   `json:"id"`
	HospitalID      uuid.UUID   `json:"hospital_id"`
	RoomNumber      string      `json:"room_number"`
	Department      string      `json:"department"`
	UrgencyLevel    int         `json:"urgency_level"`
	AlertType       string      `json:"alert_type"`
	Description     *string     `json:"description,omitempty"`
	Status          AlertStatus `json:"status"`
	CreatedByUserID uuid.UUID   `json:"created_by_user_id"`
	CreatedAt       time.Time   `json:"created_at"`
	AcknowledgedAt  *time.Time  `json:"acknowledged_at,omitempty"`
	AcknowledgedBy  *uuid.UUID  `json:"acknowledged_by,omitempty"`
	ResolvedAt      *time.Time  `json:"resolved_at,omitempty"`
	ResolvedBy      *uuid.UUID  `json:"resolved_by,omitempty"`
}

// TierTransition is one entry of an alert's escalation history.
type TierTransition struct {
	From Tier      `json:"from"`
	To   Tier      `json:"to"`
	At   time.Time `json:"at"`
}

// EscalationState tracks which tier currently owns an alert.
type EscalationState struct {
	AlertID       uuid.UUID        `json:"alert_id"`
	CurrentTier   Tier             `json:"current_tier"`
	TierEnteredAt time.Time        `json:"tier_entered_at"`
	History       []TierTransition `json:"history"`
}

// PendingEscalation joins an active alert with its escalation state.
// It is what reconciliation needs to rebuild the due queue.
type PendingEscalation struct {
	AlertID       uuid.UUID
	UrgencyLevel  int
	CurrentTier   Tier
	TierEnteredAt time.Time
}

// Notification channels
const (
	ChannelPush      = "push"
	ChannelEmail     = "email"
	ChannelSMS       = "sms"
	ChannelWebsocket = "websocket"
)

// Notification status constants
const (
	NotificationPending = "pending"
	NotificationSent    = "sent"
	NotificationFailed  = "failed"
)

// NotificationEvent is one delivery of an alert event over one channel to one recipient.
type NotificationEvent struct {
	ID              uuid.UUID       `json:"id"`
	AlertID         uuid.UUID       `json:"alert_id"`
	HospitalID      uuid.UUID       `json:"hospital_id"`
	RecipientUserID uuid.UUID       `json:"recipient_user_id"`
	Channel         string          `json:"channel"`
	EventType       string          `json:"event_type"`
	DedupKey        string          `json:"dedup_key"`
	Payload         json.RawMessage `json:"payload"`
	Status          string          `json:"status"`
	AttemptCount    int             `json:"attempt_count"`
	LastError       *string         `json:"last_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ShiftAssignment marks a staff member as on duty for a hospital department.
type ShiftAssignment struct {
	ID          uuid.UUID  `json:"id"`
	UserID      uuid.UUID  `json:"user_id"`
	HospitalID  uuid.UUID  `json:"hospital_id"`
	Department  string     `json:"department"`
	OnDutySince time.Time  `json:"on_duty_since"`
	OnDutyUntil *time.Time `json:"on_duty_until,omitempty"`
}

// Active reports whether the shift has not been ended.
func (s *ShiftAssignment) Active() bool {
	return s.OnDutyUntil == nil
}

// StaffMember carries the contact data needed to reach a user on each channel.
type StaffMember struct {
	UserID     uuid.UUID `json:"user_id"`
	HospitalID uuid.UUID `json:"hospital_id"`
	Role       string    `json:"role"`
	Name       string    `json:"name"`
	Email      string    `json:"email,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	PushTokens []string  `json:"push_tokens,omitempty"`
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	HospitalID uuid.UUID
	Status     AlertStatus // empty means any
	Limit      int
	Offset     int
}
