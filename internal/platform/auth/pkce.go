package auth

import (
	"golang.org/x/oauth2"
)

// CodeChallengeMethod is the only PKCE transform this client sends.
const CodeChallengeMethod = "S256"

// GenerateVerifier returns a fresh PKCE code verifier: 32 random bytes,
// base64url-encoded without padding (43 characters).
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// ChallengeFor returns the S256 code challenge of verifier, i.e. the
// unpadded base64url encoding of SHA-256(verifier).
func ChallengeFor(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}
