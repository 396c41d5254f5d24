package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultBcryptCost is the default bcrypt cost factor
	DefaultBcryptCost = 12

	// MinAdminTokenLength keeps operator tokens out of brute-force range
	MinAdminTokenLength = 24

	// MaxAdminTokenLength is the bcrypt input limit
	MaxAdminTokenLength = 72
)

// GenerateAdminToken returns a random operator token
func GenerateAdminToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate admin token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashAdminToken hashes an operator token for AUTH admin_token_hash
func HashAdminToken(token string, cost int) (string, error) {
	if len(token) < MinAdminTokenLength {
		return "", fmt.Errorf("admin token must be at least %d characters", MinAdminTokenLength)
	}
	if len(token) > MaxAdminTokenLength {
		return "", fmt.Errorf("admin token must be at most %d characters", MaxAdminTokenLength)
	}
	if cost < bcrypt.MinCost {
		cost = DefaultBcryptCost
	}

	bytes, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash admin token: %w", err)
	}

	return string(bytes), nil
}

// VerifyAdminToken checks token against hash. An empty hash disables
// token access.
func VerifyAdminToken(token, hash string) bool {
	if hash == "" || token == "" || len(token) > MaxAdminTokenLength {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}
