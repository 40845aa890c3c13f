package alert

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/lalithlochan/carepulse/internal/db"
)

// Role is a staff member's role within a hospital.
type Role string

const (
	RoleNurse      Role = "nurse"
	RoleDoctor     Role = "doctor"
	RoleHeadDoctor Role = "head_doctor"
	RoleAdmin      Role = "admin"
)

// Capability is an action a role may be allowed to perform.
type Capability string

const (
	CapCreateAlert           Capability = "create_alert"
	CapAcknowledgeAlert      Capability = "acknowledge_alert"
	CapResolveAlert          Capability = "resolve_alert"
	CapResolveUnacknowledged Capability = "resolve_unacknowledged"
	CapViewAlerts            Capability = "view_alerts"
	CapToggleShift           Capability = "toggle_shift"
	CapRetryNotification     Capability = "retry_notification"
)

// capabilities is the single source of truth for authorization. A role not
// listed here, or a capability missing from its set, is denied.
var capabilities = map[Role]map[Capability]bool{
	RoleNurse: {
		CapCreateAlert:      true,
		CapAcknowledgeAlert: true,
		CapResolveAlert:     true,
		CapViewAlerts:       true,
		CapToggleShift:      true,
	},
	RoleDoctor: {
		CapCreateAlert:      true,
		CapAcknowledgeAlert: true,
		CapResolveAlert:     true,
		CapViewAlerts:       true,
		CapToggleShift:      true,
	},
	RoleHeadDoctor: {
		CapCreateAlert:           true,
		CapAcknowledgeAlert:      true,
		CapResolveAlert:          true,
		CapResolveUnacknowledged: true,
		CapViewAlerts:            true,
		CapToggleShift:           true,
		CapRetryNotification:     true,
	},
	RoleAdmin: {
		CapCreateAlert:           true,
		CapAcknowledgeAlert:      true,
		CapResolveAlert:          true,
		CapResolveUnacknowledged: true,
		CapViewAlerts:            true,
		CapRetryNotification:     true,
	},
}

// Can reports whether role holds capability.
func Can(role Role, c Capability) bool {
	return capabilities[role][c]
}

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if _, ok := capabilities[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// RoleForTier maps an escalation tier to the role that staffs it.
func RoleForTier(t db.Tier) Role {
	return Role(t)
}

// Actor is the authenticated caller of a service operation.
type Actor struct {
	UserID     uuid.UUID
	Role       Role
	HospitalID uuid.UUID
}
