package domain

import "time"

// OTPCode is the single pending one-time code for a principal. Storing a
// new code replaces any previous row for the same principal.
type OTPCode struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	PrincipalID uint      `gorm:"uniqueIndex;not null" json:"principal_id"`
	Code        string    `gorm:"size:16;not null" json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// BackupCode is one recovery code, stored hashed. UsedAt marks consumption;
// consumed rows are deleted rather than kept.
type BackupCode struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	PrincipalID uint      `gorm:"index;not null" json:"principal_id"`
	CodeHash    string    `gorm:"size:64;index;not null" json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}
