package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role represents a named set of permissions
type Role struct {
	Model
	Name        string `json:"name" gorm:"uniqueIndex;Column:name"`
	Permissions string `json:"-" gorm:"Column:permissions;type:text"`
	Description string `json:"description" gorm:"Column:description"`
}

// SetPermissions stores the permission set as a JSON text column
func (r *Role) SetPermissions(perms []Permission) error {
	data, err := json.Marshal(perms)
	if err != nil {
		return err
	}
	r.Permissions = string(data)
	return nil
}

// PermissionList returns the decoded permission set
func (r *Role) PermissionList() []Permission {
	var perms []Permission
	if r.Permissions == "" {
		return perms
	}
	// A malformed column yields an empty set rather than an error; the
	// column is only ever written through SetPermissions.
	_ = json.Unmarshal([]byte(r.Permissions), &perms)
	return perms
}

// HasPermission reports whether the role grants the given permission
func (r *Role) HasPermission(perm Permission) bool {
	for _, p := range r.PermissionList() {
		if p == perm {
			return true
		}
	}
	return false
}

// RoleAssignment links a user to a role, optionally until an expiry time
type RoleAssignment struct {
	Model
	UserID     uuid.UUID  `json:"user_id" gorm:"type:uuid;Column:user_id;index:idx_user_role,unique"`
	RoleID     uuid.UUID  `json:"role_id" gorm:"type:uuid;Column:role_id;index:idx_user_role,unique"`
	Role       *Role      `json:"role,omitempty" gorm:"foreignKey:RoleID"`
	AssignedBy *uuid.UUID `json:"assigned_by,omitempty" gorm:"type:uuid;Column:assigned_by"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" gorm:"Column:expires_at"`
}

// IsActive reports whether the assignment currently grants its role
func (a *RoleAssignment) IsActive(now time.Time) bool {
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}
