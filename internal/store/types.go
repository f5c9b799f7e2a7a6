package store

import (
	"time"

	"tether/pkg/oauth"
)

// ClientRegistration is an OAuth client registered for one
// (tenant, resource template) pair.
type ClientRegistration struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenantId"`
	TemplateID string `json:"templateId"`

	ClientID string `json:"clientId"`
	// ClientSecret is empty for public clients.
	ClientSecret string `json:"clientSecret,omitempty"`

	Issuer                string   `json:"issuer,omitempty"`
	AuthorizationEndpoint string   `json:"authorizationEndpoint"`
	TokenEndpoint         string   `json:"tokenEndpoint"`
	EndSessionEndpoint    string   `json:"endSessionEndpoint,omitempty"`
	Scopes                []string `json:"scopes,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// IsPublic reports whether the client has no secret.
func (r *ClientRegistration) IsPublic() bool {
	return r.ClientSecret == ""
}

// Auth returns the token endpoint credentials.
func (r *ClientRegistration) Auth() oauth.ClientAuth {
	return oauth.ClientAuth{ClientID: r.ClientID, ClientSecret: r.ClientSecret}
}

// TokenRecord holds the tokens of one subject for one resource instance.
// (SubjectID, ResourceInstanceID) is unique.
type TokenRecord struct {
	ID                 string `json:"id"`
	SubjectID          string `json:"subjectId"`
	TenantID           string `json:"tenantId"`
	ResourceInstanceID string `json:"resourceInstanceId"`
	RegistrationID     string `json:"registrationId"`

	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	IDToken      string `json:"idToken,omitempty"`

	// ExpiresAt is nil for tokens without a lifetime. Those never expire.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`

	Purpose   string    `json:"purpose,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Expired reports whether the token has a lifetime that has ended by now.
func (t *TokenRecord) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// Remaining returns the validity left at now. bounded is false for tokens
// without an expiry, whose validity is unbounded.
func (t *TokenRecord) Remaining(now time.Time) (remaining time.Duration, bounded bool) {
	if t.ExpiresAt == nil {
		return 0, false
	}
	return t.ExpiresAt.Sub(now), true
}

// NeedsRefresh reports whether the token expires within threshold of now.
func (t *TokenRecord) NeedsRefresh(now time.Time, threshold time.Duration) bool {
	return t.ExpiresAt != nil && !now.Add(threshold).Before(*t.ExpiresAt)
}

// HasRefreshToken reports whether the record can be silently renewed.
func (t *TokenRecord) HasRefreshToken() bool {
	return t.RefreshToken != ""
}

// Clone returns a deep copy.
func (t *TokenRecord) Clone() *TokenRecord {
	c := *t
	if t.ExpiresAt != nil {
		at := *t.ExpiresAt
		c.ExpiresAt = &at
	}
	return &c
}

// ResourceInstance is one logical connection of a tenant to a resource
// server, created from a template.
type ResourceInstance struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	TemplateID  string    `json:"templateId"`
	Name        string    `json:"name"`
	ResourceURL string    `json:"resourceUrl"`
	CreatedAt   time.Time `json:"createdAt"`
}
