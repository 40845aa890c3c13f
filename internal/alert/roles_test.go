package alert

import (
	"testing"

	"github.com/lalithlochan/carepulse/internal/db"
)

func TestCan(t *testing.T) {
	all := []Capability{
		CapCreateAlert, CapAcknowledgeAlert, CapResolveAlert, CapResolveUnacknowledged,
		CapViewAlerts, CapToggleShift, CapRetryNotification,
	}

	allowed := map[Role][]Capability{
		RoleNurse:      {CapCreateAlert, CapAcknowledgeAlert, CapResolveAlert, CapViewAlerts, CapToggleShift},
		RoleDoctor:     {CapCreateAlert, CapAcknowledgeAlert, CapResolveAlert, CapViewAlerts, CapToggleShift},
		RoleHeadDoctor: all,
		RoleAdmin:      {CapCreateAlert, CapAcknowledgeAlert, CapResolveAlert, CapResolveUnacknowledged, CapViewAlerts, CapRetryNotification},
		Role("janitor"): nil,
	}

	for role, caps := range allowed {
		want := make(map[Capability]bool)
		for _, c := range caps {
			want[c] = true
		}
		for _, c := range all {
			if got := Can(role, c); got != want[c] {
				t.Errorf("Can(%s, %s) = %v, want %v", role, c, got, want[c])
			}
		}
	}
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"nurse", RoleNurse, false},
		{"head_doctor", RoleHeadDoctor, false},
		{"admin", RoleAdmin, false},
		{"Nurse", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRole(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRole(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseRole(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRoleForTier(t *testing.T) {
	for _, tier := range []db.Tier{db.TierNurse, db.TierDoctor, db.TierHeadDoctor} {
		if _, err := ParseRole(string(RoleForTier(tier))); err != nil {
			t.Errorf("tier %s has no matching role: %v", tier, err)
		}
	}
}
