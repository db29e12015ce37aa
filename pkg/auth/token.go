package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TokenPrefix marks every bearer token issued by this server.
const TokenPrefix = "perch_"

// NewBearerToken returns a fresh agent bearer token: the perch_ prefix
// followed by 32 random bytes, urlsafe base64 without padding.
func NewBearerToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// TokensEqual compares two tokens in constant time.
func TokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// TruncateToken returns the first 8 characters of a token for audit
// trails. Full tokens never appear in logs.
func TruncateToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8]
}

// LoadOrCreateAdminToken reads the admin token from path, generating and
// persisting one with 0600 permissions on first boot.
func LoadOrCreateAdminToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		token := strings.TrimSpace(string(data))
		if token == "" {
			return "", fmt.Errorf("admin token file %s is empty", path)
		}
		return token, nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read admin token: %w", err)
	}

	token, err := NewBearerToken()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("failed to create auth dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to write admin token: %w", err)
	}
	return token, nil
}
