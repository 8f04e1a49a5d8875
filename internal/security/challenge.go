package security

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ChallengeClaims carry the half-authenticated state between a successful
// password check and OTP verification. The ticket proves the first factor
// only; it grants no session.
type ChallengeClaims struct {
	TokenType string `json:"token_type"`
	Remember  bool   `json:"remember,omitempty"`
	jwt.RegisteredClaims
}

type ChallengeManager struct {
	issuer string
	secret []byte
	ttl    time.Duration
}

func NewChallengeManager(issuer, secret string, ttl time.Duration) *ChallengeManager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ChallengeManager{issuer: issuer, secret: []byte(secret), ttl: ttl}
}

func (m *ChallengeManager) Sign(principalID uint, remember bool) (string, error) {
	claims := ChallengeClaims{
		TokenType: "twofactor",
		Remember:  remember,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   fmt.Sprintf("%d", principalID),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

func (m *ChallengeManager) Parse(raw string) (*ChallengeClaims, error) {
	claims := &ChallengeClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing algorithm")
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer))
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.TokenType != "twofactor" {
		return nil, fmt.Errorf("unexpected token type: %s", claims.TokenType)
	}
	return claims, nil
}
