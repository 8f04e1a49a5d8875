package domain

import "time"

// SessionRecord lives in the session key-value store, not the relational
// store. ID is the public cookie value and changes on rotation; CSRFKey is
// a stable handle so issued CSRF tokens survive ID rotation.
type SessionRecord struct {
	ID           string    `json:"id"`
	CSRFKey      string    `json:"csrf_key"`
	PrincipalID  *uint     `json:"principal_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	RotatedAt    time.Time `json:"rotated_at"`
	Resumed      bool      `json:"resumed,omitempty"`
}

func (s *SessionRecord) Authenticated() bool {
	return s.PrincipalID != nil
}

// CSRFToken is one live anti-forgery token scoped to a form name.
type CSRFToken struct {
	Value    string    `json:"value"`
	IssuedAt time.Time `json:"issued_at"`
}
