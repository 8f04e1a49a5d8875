package domain

import "time"

// RememberToken backs the "remember me" resurrection path. The raw token
// only ever exists in the cookie; the row carries its hash.
type RememberToken struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	TokenHash   string    `gorm:"size:64;uniqueIndex;not null" json:"-"`
	PrincipalID uint      `gorm:"index;not null" json:"principal_id"`
	ExpiresAt   time.Time `gorm:"index;not null" json:"expires_at"`
	CreatedAt   time.Time `json:"created_at"`
}

func (t *RememberToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}
