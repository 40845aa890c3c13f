package dispatch

import (
	"fmt"
	"strings"

	"github.com/lalithlochan/carepulse/internal/db"
	"github.com/lalithlochan/carepulse/internal/relay"
)

// Subject is the one-line summary used as push title and email subject.
func Subject(d Delivery) string {
	a := d.Alert
	switch d.Event.Type {
	case relay.EventEscalated:
		return fmt.Sprintf("ESCALATED to %s: %s in room %s", tierLabel(d.Tier), a.AlertType, a.RoomNumber)
	case relay.EventAcknowledged:
		return fmt.Sprintf("Acknowledged: %s in room %s", a.AlertType, a.RoomNumber)
	case relay.EventResolved:
		return fmt.Sprintf("Resolved: %s in room %s", a.AlertType, a.RoomNumber)
	default:
		return fmt.Sprintf("[Urgency %d] %s in room %s", a.UrgencyLevel, a.AlertType, a.RoomNumber)
	}
}

// Body is the longer text used for email and SMS.
func Body(d Delivery) string {
	a := d.Alert
	var b strings.Builder
	b.WriteString(Subject(d))
	if a.Department != "" {
		fmt.Fprintf(&b, "\nDepartment: %s", a.Department)
	}
	fmt.Fprintf(&b, "\nUrgency: %d/5", a.UrgencyLevel)
	if a.Description != nil && *a.Description != "" {
		fmt.Fprintf(&b, "\n%s", *a.Description)
	}
	fmt.Fprintf(&b, "\nAlert: %s", a.ID)
	return b.String()
}

func tierLabel(t db.Tier) string {
	return strings.ReplaceAll(string(t), "_", " ")
}
