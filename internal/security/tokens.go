package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// NewOpaqueToken returns a URL-safe random token with 256 bits of entropy.
func NewOpaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewSessionID returns a fresh public session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// NumericCode returns a zero-padded numeric code of the given length drawn
// from crypto/rand.
func NumericCode(digits int) (string, error) {
	if digits <= 0 {
		digits = 6
	}
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generate numeric code: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}

// RecoveryCode returns a human-typable one-time recovery code in the form
// "xxxxx-xxxxx".
func RecoveryCode() (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate recovery code: %w", err)
	}
	hexed := hex.EncodeToString(buf)
	return hexed[:5] + "-" + hexed[5:], nil
}

// ConstantTimeEquals compares two strings without leaking the mismatch
// position.
func ConstantTimeEquals(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// HashIdentifier hashes a rate-limit identifier (email, IP, API key) with a
// server-side pepper so persisted limiter state carries no PII.
func HashIdentifier(identifier, pepper string) string {
	sum := sha256.Sum256([]byte(pepper + ":" + strings.ToLower(strings.TrimSpace(identifier))))
	return hex.EncodeToString(sum[:])
}

// HashToken hashes an opaque token (remember-me, backup code) for storage.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func GetCookie(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
