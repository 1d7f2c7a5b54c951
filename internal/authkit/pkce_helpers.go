package authkit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

var pkceRandomSource io.Reader = rand.Reader

// deriveCodeChallenge implements the S256 transform: BASE64URL(SHA256(verifier)) without padding.
func deriveCodeChallenge(codeVerifier string) string {
	sum := sha256.Sum256([]byte(codeVerifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func randomURLSafe(byteLength int) (string, error) {
	buffer := make([]byte, byteLength)
	if _, err := io.ReadFull(pkceRandomSource, buffer); err != nil {
		return "", fmt.Errorf("pkce_store.random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}
