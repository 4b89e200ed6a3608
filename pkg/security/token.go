package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// DefaultTokenBytes yields a 22-character URL-safe token.
const DefaultTokenBytes = 16

// GenerateToken returns a URL-safe random token of n bytes of entropy.
func GenerateToken(n int) (string, error) {
	if n <= 0 {
		n = DefaultTokenBytes
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
