package oauth

import (
	"crypto/rand"
	"encoding/base64"

	"golang.org/x/oauth2"
)

// ChallengeMethodS256 is the only PKCE method emitted. The plain method is
// never used.
const ChallengeMethodS256 = "S256"

// stateBytes is the number of random bytes behind state and nonce values.
// 32 bytes encodes to 43 base64url characters.
const stateBytes = 32

// NewVerifier returns a PKCE code verifier: 32 random bytes, base64url-encoded
// without padding (43 characters).
func NewVerifier() string {
	return oauth2.GenerateVerifier()
}

// Challenge returns the S256 code challenge for verifier.
func Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// GeneratePKCE generates a new verifier and its S256 challenge.
func GeneratePKCE() *PKCEChallenge {
	verifier := NewVerifier()
	return &PKCEChallenge{
		CodeVerifier:        verifier,
		CodeChallenge:       Challenge(verifier),
		CodeChallengeMethod: ChallengeMethodS256,
	}
}

// NewState returns a random state parameter for CSRF protection.
func NewState() string {
	return randomToken()
}

// NewNonce returns a random nonce for OIDC ID token binding and for
// single-use tracking of pending authorizations.
func NewNonce() string {
	return randomToken()
}

func randomToken() string {
	b := make([]byte, stateBytes)
	// crypto/rand.Read never returns an error; it aborts the program if the
	// system source fails.
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
