package oauth

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// AuthChallenge is a parsed WWW-Authenticate Bearer challenge.
type AuthChallenge struct {
	Scheme string
	Realm  string

	// ResourceMetadataURL points at RFC 9728 protected resource metadata.
	ResourceMetadataURL string

	Scope            string
	Error            string
	ErrorDescription string
}

var authParamPattern = regexp.MustCompile(`(\w+)="([^"]*)"`)

// ParseChallenge parses a WWW-Authenticate header value such as
//
//	Bearer realm="https://auth.example.com", resource_metadata="https://mcp.example.com/.well-known/oauth-protected-resource"
func ParseChallenge(header string) (*AuthChallenge, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("empty WWW-Authenticate header")
	}

	parts := strings.SplitN(header, " ", 2)
	challenge := &AuthChallenge{Scheme: parts[0]}
	if len(parts) == 1 {
		return challenge, nil
	}

	for _, match := range authParamPattern.FindAllStringSubmatch(parts[1], -1) {
		value := match[2]
		switch strings.ToLower(match[1]) {
		case "realm":
			challenge.Realm = value
		case "resource_metadata":
			challenge.ResourceMetadataURL = value
		case "scope":
			challenge.Scope = value
		case "error":
			challenge.Error = value
		case "error_description":
			challenge.ErrorDescription = value
		}
	}

	return challenge, nil
}

// ChallengeFromResponse extracts a Bearer challenge from a 401 response.
// Returns nil when there is none.
func ChallengeFromResponse(resp *http.Response) *AuthChallenge {
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		return nil
	}
	challenge, err := ParseChallenge(resp.Header.Get("WWW-Authenticate"))
	if err != nil || !strings.EqualFold(challenge.Scheme, "Bearer") {
		return nil
	}
	return challenge
}
