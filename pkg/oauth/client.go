package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultHTTPTimeout is the default timeout for HTTP requests.
	DefaultHTTPTimeout = 30 * time.Second

	// DefaultMetadataCacheTTL is the default TTL for cached OAuth metadata.
	DefaultMetadataCacheTTL = 30 * time.Minute

	// maxResponseBytes caps how much of a provider response is read.
	maxResponseBytes = 1 << 20
)

// metadataCacheEntry holds cached OAuth metadata with its timestamp.
type metadataCacheEntry struct {
	metadata  *Metadata
	fetchedAt time.Time
}

// Client handles OAuth 2.1 protocol operations: discovery, dynamic client
// registration, token exchange, refresh and logout.
//
// The client never retries token requests. A failed exchange means the
// caller restarts the interactive flow.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger

	// Metadata cache with mutex for thread safety
	metadataMu    sync.RWMutex
	metadataCache map[string]*metadataCacheEntry
	metadataTTL   time.Duration

	// singleflight group to deduplicate concurrent metadata fetches
	metadataGroup singleflight.Group
}

// ClientOption configures the OAuth client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMetadataCacheTTL sets the metadata cache TTL.
func WithMetadataCacheTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		c.metadataTTL = ttl
	}
}

// NewClient creates a new OAuth client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient:    &http.Client{Timeout: DefaultHTTPTimeout},
		logger:        slog.Default(),
		metadataCache: make(map[string]*metadataCacheEntry),
		metadataTTL:   DefaultMetadataCacheTTL,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// DiscoverMetadata fetches OAuth metadata from the issuer's well-known endpoint.
// It tries RFC 8414 (/.well-known/oauth-authorization-server) first,
// then falls back to OpenID Connect (/.well-known/openid-configuration).
//
// Results are cached with a TTL to reduce network requests.
func (c *Client) DiscoverMetadata(ctx context.Context, issuer string) (*Metadata, error) {
	issuer = strings.TrimSuffix(issuer, "/")

	if m := c.cachedMetadata(issuer); m != nil {
		return m, nil
	}

	// DoChan so a caller whose context ends does not wait on another
	// caller's slow fetch. The shared fetch outlives whichever caller started
	// it; the HTTP client timeout still bounds it.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.metadataGroup.DoChan(issuer, func() (interface{}, error) {
		if m := c.cachedMetadata(issuer); m != nil {
			return m, nil
		}
		return c.doDiscoverMetadata(fetchCtx, issuer)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Metadata), nil
	}
}

func (c *Client) cachedMetadata(issuer string) *Metadata {
	c.metadataMu.RLock()
	defer c.metadataMu.RUnlock()
	if entry, ok := c.metadataCache[issuer]; ok && time.Since(entry.fetchedAt) < c.metadataTTL {
		return entry.metadata
	}
	return nil
}

// doDiscoverMetadata performs the actual HTTP fetch for OAuth metadata.
func (c *Client) doDiscoverMetadata(ctx context.Context, issuer string) (*Metadata, error) {
	var metadata Metadata
	err := c.getJSON(ctx, issuer+"/.well-known/oauth-authorization-server", &metadata)
	if err == nil && metadata.TokenEndpoint != "" {
		c.cacheMetadata(issuer, &metadata)
		return &metadata, nil
	}

	c.logger.Debug("RFC 8414 metadata fetch failed, trying OIDC",
		"issuer", issuer,
		"error", err)

	metadata = Metadata{}
	err = c.getJSON(ctx, issuer+"/.well-known/openid-configuration", &metadata)
	if err == nil && metadata.TokenEndpoint == "" {
		err = fmt.Errorf("metadata has no token_endpoint")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to discover OAuth metadata for %s: %w", issuer, err)
	}

	c.cacheMetadata(issuer, &metadata)
	return &metadata, nil
}

// cacheMetadata stores metadata in the cache.
func (c *Client) cacheMetadata(issuer string, metadata *Metadata) {
	c.metadataMu.Lock()
	c.metadataCache[issuer] = &metadataCacheEntry{
		metadata:  metadata,
		fetchedAt: time.Now(),
	}
	c.metadataMu.Unlock()

	c.logger.Debug("Cached OAuth metadata",
		"issuer", issuer,
		"authorization_endpoint", metadata.AuthorizationEndpoint,
		"token_endpoint", metadata.TokenEndpoint)
}

// ClearMetadataCache clears the metadata cache.
func (c *Client) ClearMetadataCache() {
	c.metadataMu.Lock()
	c.metadataCache = make(map[string]*metadataCacheEntry)
	c.metadataMu.Unlock()
}

// DiscoverResource fetches RFC 9728 protected resource metadata for
// resourceURL. It tries the path-suffixed well-known URL, then the root one,
// then a bare request to the resource to read the resource_metadata hint
// from its WWW-Authenticate challenge.
func (c *Client) DiscoverResource(ctx context.Context, resourceURL string) (*ProtectedResourceMetadata, error) {
	u, err := url.Parse(resourceURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid resource URL %q", resourceURL)
	}

	origin := u.Scheme + "://" + u.Host
	path := strings.TrimSuffix(u.EscapedPath(), "/")

	candidates := []string{}
	if path != "" {
		candidates = append(candidates, origin+"/.well-known/oauth-protected-resource"+path)
	}
	candidates = append(candidates, origin+"/.well-known/oauth-protected-resource")

	var lastErr error
	for _, candidate := range candidates {
		var prm ProtectedResourceMetadata
		if err := c.getJSON(ctx, candidate, &prm); err != nil {
			lastErr = err
			continue
		}
		if len(prm.AuthorizationServers) == 0 {
			lastErr = fmt.Errorf("%s lists no authorization servers", candidate)
			continue
		}
		return &prm, nil
	}

	if challenge := c.fetchChallenge(ctx, resourceURL); challenge != nil && challenge.ResourceMetadataURL != "" {
		var prm ProtectedResourceMetadata
		if err := c.getJSON(ctx, challenge.ResourceMetadataURL, &prm); err == nil && len(prm.AuthorizationServers) > 0 {
			return &prm, nil
		} else if err != nil {
			lastErr = err
		}
	}

	return nil, fmt.Errorf("failed to discover protected resource metadata for %s: %w", resourceURL, lastErr)
}

// fetchChallenge issues an unauthenticated GET and parses a 401 challenge.
func (c *Client) fetchChallenge(ctx context.Context, resourceURL string) *AuthChallenge {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resourceURL, nil)
	if err != nil {
		return nil
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	return ChallengeFromResponse(resp)
}

// RegisterClient performs RFC 7591 dynamic client registration.
func (c *Client) RegisterClient(ctx context.Context, registrationEndpoint string, reg *ClientRegistrationRequest) (*ClientRegistrationResponse, error) {
	payload, err := json.Marshal(reg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, registrationEndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registration request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read registration response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		c.logger.Debug("Client registration failed",
			"status", resp.StatusCode,
			"body", string(body))
		return nil, newProviderError(resp.StatusCode, body)
	}

	var out ClientRegistrationResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse registration response: %w", err)
	}
	if out.ClientID == "" {
		return nil, fmt.Errorf("registration response has no client_id")
	}

	c.logger.Info("Registered OAuth client",
		"endpoint", registrationEndpoint,
		"auth_method", out.TokenEndpointAuthMethod,
		"confidential", out.ClientSecret != "")

	return &out, nil
}

// ExchangeCode exchanges an authorization code for tokens. client_secret is
// sent only for confidential clients (client_secret_post); public clients use
// token_endpoint_auth_method=none.
func (c *Client) ExchangeCode(ctx context.Context, tokenEndpoint string, auth ClientAuth, code, redirectURI, codeVerifier string) (*Token, error) {
	data := url.Values{
		"grant_type":    {GrantTypeAuthorizationCode},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {codeVerifier},
	}

	return c.doTokenRequest(ctx, tokenEndpoint, auth, data)
}

// RefreshToken obtains a new access token using a refresh token.
func (c *Client) RefreshToken(ctx context.Context, tokenEndpoint string, auth ClientAuth, refreshToken string) (*Token, error) {
	data := url.Values{
		"grant_type":    {GrantTypeRefreshToken},
		"refresh_token": {refreshToken},
	}

	return c.doTokenRequest(ctx, tokenEndpoint, auth, data)
}

// doTokenRequest performs a token endpoint request.
func (c *Client) doTokenRequest(ctx context.Context, tokenEndpoint string, auth ClientAuth, data url.Values) (*Token, error) {
	data.Set("client_id", auth.ClientID)
	if auth.Method() == AuthMethodClientSecretPost {
		data.Set("client_secret", auth.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("Token request failed",
			"grant_type", data.Get("grant_type"),
			"status", resp.StatusCode)
		return nil, newProviderError(resp.StatusCode, body)
	}

	var token Token
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access_token")
	}

	return &token, nil
}

// EndSession calls the provider's end-session endpoint. Callers treat any
// error as best-effort and still clear local state.
func (c *Client) EndSession(ctx context.Context, endSessionEndpoint string, reqParams EndSessionRequest) error {
	data := url.Values{}
	if reqParams.IDTokenHint != "" {
		data.Set("id_token_hint", reqParams.IDTokenHint)
	}
	if reqParams.ClientID != "" {
		data.Set("client_id", reqParams.ClientID)
	}
	if reqParams.PostLogoutRedirectURI != "" {
		data.Set("post_logout_redirect_uri", reqParams.PostLogoutRedirectURI)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endSessionEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create end-session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("end-session request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("end-session request failed with status %d", resp.StatusCode)
	}
	return nil
}

// BuildAuthorizationURL constructs an OAuth authorization URL.
func (c *Client) BuildAuthorizationURL(ar AuthorizationRequest) (string, error) {
	authURL, err := url.Parse(ar.Endpoint)
	if err != nil || authURL.Scheme == "" {
		return "", fmt.Errorf("invalid authorization endpoint %q", ar.Endpoint)
	}
	if ar.PKCE == nil {
		return "", fmt.Errorf("PKCE challenge is required")
	}

	query := authURL.Query()
	for k, v := range ar.Hints {
		if reservedAuthParams[k] || v == "" {
			continue
		}
		query.Set(k, v)
	}

	query.Set("response_type", "code")
	query.Set("client_id", ar.ClientID)
	query.Set("redirect_uri", ar.RedirectURI)
	query.Set("state", ar.State)
	query.Set("code_challenge", ar.PKCE.CodeChallenge)
	query.Set("code_challenge_method", ChallengeMethodS256)

	if len(ar.Scopes) > 0 {
		query.Set("scope", strings.Join(ar.Scopes, " "))
	}
	if ar.Nonce != "" {
		query.Set("nonce", ar.Nonce)
	}

	authURL.RawQuery = query.Encode()
	return authURL.String(), nil
}

var reservedAuthParams = map[string]bool{
	"response_type":         true,
	"client_id":             true,
	"redirect_uri":          true,
	"state":                 true,
	"scope":                 true,
	"nonce":                 true,
	"code_challenge":        true,
	"code_challenge_method": true,
}

// getJSON fetches url and decodes a 200 JSON body into out.
func (c *Client) getJSON(ctx context.Context, target string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("metadata request failed with status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse metadata: %w", err)
	}
	return nil
}
