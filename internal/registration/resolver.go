// Package registration resolves the OAuth client used for a
// (tenant, resource template) pair.
//
// Resolution order: caller-supplied credentials, then the most recent stored
// registration, then dynamic client registration against the resource's
// authorization server. New registrations are persisted so later callers
// reuse them.
package registration

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"tether/internal/store"
	"tether/pkg/logging"
	"tether/pkg/oauth"
)

// Template describes a kind of resource server that tenants connect to.
type Template struct {
	ID          string
	Name        string
	ResourceURL string

	// Issuer skips protected-resource discovery when set.
	Issuer string

	Scopes  []string
	Purpose string

	// Hints are extra authorization URL parameters.
	Hints map[string]string

	// ClientID and ClientSecret are deployment-wide credentials for
	// providers without dynamic registration.
	ClientID     string
	ClientSecret string
}

// Credentials are caller-supplied client credentials. An empty ClientSecret
// means a public client.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// ProvisioningError reports a failure to obtain a usable client registration.
// It is distinct from authentication failures.
type ProvisioningError struct {
	Op         string
	TemplateID string
	Err        error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning failed during %s for template %s: %v", e.Op, e.TemplateID, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// IsProvisioningError reports whether err is a ProvisioningError.
func IsProvisioningError(err error) bool {
	var pe *ProvisioningError
	return errors.As(err, &pe)
}

// OAuthClient is the subset of *oauth.Client the resolver uses.
type OAuthClient interface {
	DiscoverMetadata(ctx context.Context, issuer string) (*oauth.Metadata, error)
	DiscoverResource(ctx context.Context, resourceURL string) (*oauth.ProtectedResourceMetadata, error)
	RegisterClient(ctx context.Context, endpoint string, req *oauth.ClientRegistrationRequest) (*oauth.ClientRegistrationResponse, error)
}

// Resolver resolves client registrations.
type Resolver struct {
	store       store.RegistrationStore
	client      OAuthClient
	redirectURI string
	clientName  string
	version     string
	now         func() time.Time

	// One dynamic registration per pair at a time within this process.
	group singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClientName sets client_name sent during dynamic registration.
func WithClientName(name string) Option {
	return func(r *Resolver) {
		r.clientName = name
	}
}

// WithSoftwareVersion sets software_version sent during dynamic registration.
func WithSoftwareVersion(v string) Option {
	return func(r *Resolver) {
		r.version = v
	}
}

// NewResolver returns a resolver that registers redirectURI for new clients.
func NewResolver(rs store.RegistrationStore, client OAuthClient, redirectURI string, opts ...Option) *Resolver {
	r := &Resolver{
		store:       rs,
		client:      client,
		redirectURI: redirectURI,
		clientName:  "tether",
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the registration to use for tenantID and tmpl.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, tmpl Template, explicit *Credentials) (*store.ClientRegistration, error) {
	if explicit == nil && tmpl.ClientID != "" {
		explicit = &Credentials{ClientID: tmpl.ClientID, ClientSecret: tmpl.ClientSecret}
	}

	if explicit != nil && explicit.ClientID != "" {
		return r.fromCredentials(ctx, tenantID, tmpl, *explicit)
	}

	cached, err := r.store.LatestRegistration(ctx, tenantID, tmpl.ID)
	if err == nil {
		logging.Debug("Registration", "Reusing registration %s for tenant %s template %s",
			logging.TruncateID(cached.ID), tenantID, tmpl.ID)
		return cached, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load registration: %w", err)
	}

	key := tenantID + "\x00" + tmpl.ID
	ch := r.group.DoChan(key, func() (interface{}, error) {
		return r.register(context.WithoutCancel(ctx), tenantID, tmpl)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*store.ClientRegistration), nil
	}
}

func (r *Resolver) fromCredentials(ctx context.Context, tenantID string, tmpl Template, creds Credentials) (*store.ClientRegistration, error) {
	cached, err := r.store.LatestRegistration(ctx, tenantID, tmpl.ID)
	if err == nil && cached.ClientID == creds.ClientID && cached.ClientSecret == creds.ClientSecret {
		return cached, nil
	}

	md, scopes, err := r.discover(ctx, tmpl)
	if err != nil {
		return nil, err
	}

	reg := newRegistration(tenantID, tmpl.ID, md, scopes)
	reg.ClientID = creds.ClientID
	reg.ClientSecret = creds.ClientSecret
	reg.CreatedAt = r.now()

	if err := r.store.SaveRegistration(ctx, reg); err != nil {
		return nil, fmt.Errorf("failed to persist registration: %w", err)
	}
	logging.Info("Registration", "Stored supplied client %s for tenant %s template %s", reg.ClientID, tenantID, tmpl.ID)
	return reg, nil
}

func (r *Resolver) register(ctx context.Context, tenantID string, tmpl Template) (*store.ClientRegistration, error) {
	// Another caller may have finished registering while we waited.
	if cached, err := r.store.LatestRegistration(ctx, tenantID, tmpl.ID); err == nil {
		return cached, nil
	}

	md, scopes, err := r.discover(ctx, tmpl)
	if err != nil {
		return nil, err
	}
	if !md.SupportsRegistration() {
		return nil, &ProvisioningError{Op: "register", TemplateID: tmpl.ID,
			Err: errors.New("authorization server does not support dynamic client registration")}
	}

	resp, err := r.client.RegisterClient(ctx, md.RegistrationEndpoint, &oauth.ClientRegistrationRequest{
		ClientName:              r.clientName,
		RedirectURIs:            []string{r.redirectURI},
		GrantTypes:              []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: oauth.AuthMethodNone,
		Scope:                   strings.Join(scopes, " "),
		SoftwareID:              "tether",
		SoftwareVersion:         r.version,
	})
	if err != nil {
		return nil, &ProvisioningError{Op: "register", TemplateID: tmpl.ID, Err: err}
	}

	reg := newRegistration(tenantID, tmpl.ID, md, scopes)
	reg.ClientID = resp.ClientID
	reg.ClientSecret = resp.ClientSecret
	reg.CreatedAt = r.now()

	if err := r.store.SaveRegistration(ctx, reg); err != nil {
		return nil, fmt.Errorf("failed to persist registration: %w", err)
	}

	logging.Info("Registration", "Dynamically registered client %s for tenant %s template %s (public=%t)",
		reg.ClientID, tenantID, tmpl.ID, reg.IsPublic())
	return reg, nil
}

// discover finds the authorization server metadata for tmpl and the scopes
// to request.
func (r *Resolver) discover(ctx context.Context, tmpl Template) (*oauth.Metadata, []string, error) {
	issuer := tmpl.Issuer
	scopes := tmpl.Scopes

	if issuer == "" {
		prm, err := r.client.DiscoverResource(ctx, tmpl.ResourceURL)
		if err == nil {
			issuer = prm.AuthorizationServers[0]
			if len(scopes) == 0 {
				scopes = prm.ScopesSupported
			}
		} else {
			origin, oerr := resourceOrigin(tmpl.ResourceURL)
			if oerr != nil {
				return nil, nil, &ProvisioningError{Op: "discover", TemplateID: tmpl.ID, Err: oerr}
			}
			logging.Debug("Registration", "No protected resource metadata for %s, using origin as issuer: %v", tmpl.ResourceURL, err)
			issuer = origin
		}
	}

	md, err := r.client.DiscoverMetadata(ctx, issuer)
	if err != nil {
		return nil, nil, &ProvisioningError{Op: "discover", TemplateID: tmpl.ID, Err: err}
	}
	if md.AuthorizationEndpoint == "" || md.TokenEndpoint == "" {
		return nil, nil, &ProvisioningError{Op: "discover", TemplateID: tmpl.ID,
			Err: errors.New("metadata lacks authorization or token endpoint")}
	}
	if !md.SupportsPKCE() {
		return nil, nil, &ProvisioningError{Op: "discover", TemplateID: tmpl.ID,
			Err: errors.New("authorization server does not support S256 PKCE")}
	}
	return md, scopes, nil
}

func newRegistration(tenantID, templateID string, md *oauth.Metadata, scopes []string) *store.ClientRegistration {
	return &store.ClientRegistration{
		TenantID:              tenantID,
		TemplateID:            templateID,
		Issuer:                md.Issuer,
		AuthorizationEndpoint: md.AuthorizationEndpoint,
		TokenEndpoint:         md.TokenEndpoint,
		EndSessionEndpoint:    md.EndSessionEndpoint,
		Scopes:                append([]string(nil), scopes...),
	}
}

func resourceOrigin(resourceURL string) (string, error) {
	u, err := url.Parse(resourceURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid resource URL %q", resourceURL)
	}
	return u.Scheme + "://" + u.Host, nil
}
