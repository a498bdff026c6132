package storage

import (
	"time"
)

// Permission represents a specific permission in the system
type Permission string

// System permissions. A role may also hold "resource:*" or "*".
const (
	PermPatientsSearch    Permission = "patients:search"
	PermPatientsRead      Permission = "patients:read"
	PermPatientsWrite     Permission = "patients:write"
	PermAppointmentsRead  Permission = "appointments:read"
	PermAppointmentsWrite Permission = "appointments:write"
	PermEmergencyRequest  Permission = "emergency:request" // may open a break-glass request
	PermCredentialsManage Permission = "credentials:manage" // own password and MFA
	PermAuditRead         Permission = "audit:read"
	PermAdminSystem       Permission = "admin:system"
)

// Role represents a named collection of permissions. PHI marks roles whose
// holders may read protected health information at all; the permission
// list alone never implies it.
type Role struct {
	Name        string       `json:"name" yaml:"name"`
	Description string       `json:"description" yaml:"description"`
	Permissions []Permission `json:"permissions" yaml:"permissions"`
	PHI         bool         `json:"phi" yaml:"phi"`
}

// Predefined role names
const (
	RoleReceptionist = "receptionist"
	RoleNurse        = "nurse"
	RolePhysician    = "physician"
	RoleAuditor      = "auditor"
	RoleAdmin        = "admin"
)

// GetDefaultRoles returns the built-in role table used when no roles file
// is configured
func GetDefaultRoles() []Role {
	return []Role{
		{
			Name:        RoleReceptionist,
			Description: "Front desk: patient lookup and scheduling, no clinical records",
			Permissions: []Permission{
				PermPatientsSearch,
				PermAppointmentsRead,
				PermAppointmentsWrite,
				PermCredentialsManage,
			},
		},
		{
			Name:        RoleNurse,
			Description: "Clinical staff with read access to records in their branch",
			Permissions: []Permission{
				PermPatientsSearch,
				PermPatientsRead,
				PermAppointmentsRead,
				PermEmergencyRequest,
				PermCredentialsManage,
			},
			PHI: true,
		},
		{
			Name:        RolePhysician,
			Description: "Full clinical access in their branch",
			Permissions: []Permission{
				"patients:*",
				"appointments:*",
				PermEmergencyRequest,
				PermCredentialsManage,
			},
			PHI: true,
		},
		{
			Name:        RoleAuditor,
			Description: "Reads the audit trail, never clinical records",
			Permissions: []Permission{
				PermAuditRead,
				PermCredentialsManage,
			},
		},
		{
			Name:        RoleAdmin,
			Description: "System administration; clinical access still requires a PHI role",
			Permissions: []Permission{"*"},
		},
	}
}

// User is an account in the credential store
type User struct {
	Username     string   `json:"username" yaml:"username"`
	PasswordHash string   `json:"-" yaml:"password_hash"` // bcrypt
	Roles        []string `json:"roles" yaml:"roles"`
	TenantID     string   `json:"tenant_id" yaml:"tenant_id"`
	BranchID     string   `json:"branch_id" yaml:"branch_id"` // home branch, carried in tokens
	// Branches widens the scope beyond the home branch
	Branches   []string `json:"branches,omitempty" yaml:"branches"`
	SystemWide bool     `json:"system_wide" yaml:"system_wide"`
	Active     bool     `json:"active" yaml:"active"`
	TOTPSecret string   `json:"-" yaml:"totp_secret"`
	MFAEnabled bool     `json:"mfa_enabled,omitempty" yaml:"mfa_enabled"`

	PasswordChangedAt *time.Time `json:"password_changed_at,omitempty" yaml:"password_changed_at"`
}

// scopeBranches returns every branch the user may act in
func (u *User) scopeBranches() []string {
	branches := make([]string, 0, len(u.Branches)+1)
	if u.BranchID != "" {
		branches = append(branches, u.BranchID)
	}
	for _, b := range u.Branches {
		if b != u.BranchID {
			branches = append(branches, b)
		}
	}
	return branches
}
