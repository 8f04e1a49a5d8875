package domain

import "time"

type TwoFactorStatus string

const (
	TwoFactorDisabled TwoFactorStatus = "disabled"
	TwoFactorPending  TwoFactorStatus = "pending_verification"
	TwoFactorEnabled  TwoFactorStatus = "enabled"
)

type User struct {
	ID                   uint            `gorm:"primaryKey" json:"id"`
	Email                string          `gorm:"size:255;uniqueIndex;not null" json:"email"`
	PasswordHash         string          `gorm:"size:255;not null" json:"-"`
	Status               string          `gorm:"size:32;default:active" json:"status"`
	TwoFactorStatus      TwoFactorStatus `gorm:"size:32;default:disabled" json:"two_factor_status"`
	TwoFactorDestination string          `gorm:"size:255" json:"-"`
	Roles                []Role          `gorm:"many2many:user_roles" json:"roles,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

type Role struct {
	ID               uint         `gorm:"primaryKey" json:"id"`
	Name             string       `gorm:"size:64;uniqueIndex;not null" json:"name"`
	Description      string       `gorm:"size:255" json:"description"`
	RequireTwoFactor bool         `gorm:"default:false" json:"require_two_factor"`
	Permissions      []Permission `gorm:"many2many:role_permissions" json:"permissions,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Permission is one module.action grant, e.g. interventions.update.
type Permission struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Module    string    `gorm:"size:64;uniqueIndex:idx_module_action;not null" json:"module"`
	Action    string    `gorm:"size:64;uniqueIndex:idx_module_action;not null" json:"action"`
	CreatedAt time.Time `json:"created_at"`
}

func (p Permission) Name() string {
	return p.Module + "." + p.Action
}

// PermissionNames flattens the union of all role grants into module.action
// strings. Duplicates across roles collapse.
func (u *User) PermissionNames() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, role := range u.Roles {
		for _, p := range role.Permissions {
			name := p.Name()
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	return names
}

// RequiresTwoFactor reports whether any assigned role mandates 2FA.
func (u *User) RequiresTwoFactor() bool {
	for _, role := range u.Roles {
		if role.RequireTwoFactor {
			return true
		}
	}
	return false
}
