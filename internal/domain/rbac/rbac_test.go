package rbac

import (
	"testing"
)

func TestIsElevated(t *testing.T) {
	tests := []struct {
		role string
		want bool
	}{
		{RoleAdmin, true},
		{RoleSuperAdmin, true},
		{"SUPERADMIN", true},
		{" admin ", true},
		{RoleSupport, false},
		{RoleApplicant, false},
		{RoleMobilizer, false},
		{RoleGuest, false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			if got := IsElevated(tt.role); got != tt.want {
				t.Errorf("IsElevated(%q) = %v, хотели %v", tt.role, got, tt.want)
			}
		})
	}
}

func TestIsApplicant(t *testing.T) {
	if !IsApplicant("APPLICANT") {
		t.Error("APPLICANT должен считаться заявителем")
	}
	if IsApplicant(RoleAdmin) {
		t.Error("admin не должен считаться заявителем")
	}
}

func TestHighestRole(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		want  string
	}{
		{name: "пустой набор", roles: nil, want: ""},
		{name: "одна роль", roles: []string{RoleSupport}, want: RoleSupport},
		{name: "admin выше support", roles: []string{RoleSupport, RoleAdmin}, want: RoleAdmin},
		{name: "superadmin выше всех", roles: []string{RoleAdmin, RoleSuperAdmin, RoleGuest}, want: RoleSuperAdmin},
		{name: "неизвестные роли игнорируются", roles: []string{"offline_access", RoleApplicant}, want: RoleApplicant},
		{name: "только неизвестные", roles: []string{"uma_authorization"}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HighestRole(tt.roles); got != tt.want {
				t.Errorf("HighestRole(%v) = %q, хотели %q", tt.roles, got, tt.want)
			}
		})
	}
}

func TestHasAnyRole(t *testing.T) {
	if !HasAnyRole("Support", RoleAdmin, RoleSupport) {
		t.Error("Support должен пройти проверку admin|support")
	}
	if HasAnyRole(RoleMobilizer, RoleAdmin, RoleSupport) {
		t.Error("mobilizer не должен пройти проверку admin|support")
	}
}

func TestIsValidRole(t *testing.T) {
	for _, r := range []string{RoleGuest, RoleApplicant, RoleMobilizer, RoleSupport, RoleAdmin, RoleSuperAdmin} {
		if !IsValidRole(r) {
			t.Errorf("IsValidRole(%q) = false", r)
		}
	}
	if IsValidRole("readonly") {
		t.Error("readonly не является ролью enrollsync")
	}
}
