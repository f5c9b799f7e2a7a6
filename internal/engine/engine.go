// Package engine implements the OAuth authorization code flow with PKCE and
// the lifecycle of the tokens it produces.
//
// The engine is deployment-agnostic. A single-user client pairs it with a
// SessionPendingStore and a local token store; a multi-tenant backend pairs
// it with a SealedPendingStore and a SQL store. Callbacks are validated in a
// fixed order and no request reaches the token endpoint until every check
// has passed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"tether/internal/instrumentation"
	"tether/internal/registration"
	"tether/internal/store"
	"tether/pkg/logging"
	"tether/pkg/oauth"
)

// DefaultPendingTTL bounds how long a user has to finish signing in.
const DefaultPendingTTL = 10 * time.Minute

// OAuthClient is the wire client used by the engine. *oauth.Client
// satisfies it.
type OAuthClient interface {
	BuildAuthorizationURL(ar oauth.AuthorizationRequest) (string, error)
	ExchangeCode(ctx context.Context, tokenEndpoint string, auth oauth.ClientAuth, code, redirectURI, codeVerifier string) (*oauth.Token, error)
	RefreshToken(ctx context.Context, tokenEndpoint string, auth oauth.ClientAuth, refreshToken string) (*oauth.Token, error)
	EndSession(ctx context.Context, endSessionEndpoint string, req oauth.EndSessionRequest) error
}

// RegistrationResolver resolves the client for a (tenant, template) pair.
type RegistrationResolver interface {
	Resolve(ctx context.Context, tenantID string, tmpl registration.Template, explicit *registration.Credentials) (*store.ClientRegistration, error)
}

// Armer schedules background renewal of a stored token.
type Armer interface {
	Arm(subjectID, instanceID string, expiresIn time.Duration)
	Cancel(subjectID, instanceID string)
}

// Provisioner runs after a successful interactive authorization.
type Provisioner interface {
	Provision(ctx context.Context, rec *store.TokenRecord) (int, error)
}

// Config holds the collaborators of an Engine.
type Config struct {
	OAuth         OAuthClient
	Resolver      RegistrationResolver
	Registrations store.RegistrationStore
	Tokens        store.TokenStore
	Pending       PendingStore

	// RedirectURI is the callback URI registered with providers.
	RedirectURI string

	// PendingTTL defaults to DefaultPendingTTL.
	PendingTTL time.Duration

	// PostLogoutRedirectURI is sent to end-session endpoints when set.
	PostLogoutRedirectURI string
}

// Option configures an Engine.
type Option func(*Engine)

// WithArmer sets the refresh scheduler.
func WithArmer(a Armer) Option {
	return func(e *Engine) {
		e.armer = a
	}
}

// WithProvisioner sets the post-authorization hook.
func WithProvisioner(p Provisioner) Option {
	return func(e *Engine) {
		e.provisioner = p
	}
}

// WithInstrumentation sets metrics and tracing.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(e *Engine) {
		e.inst = inst
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine runs authorization flows.
type Engine struct {
	client        OAuthClient
	resolver      RegistrationResolver
	registrations store.RegistrationStore
	tokens        store.TokenStore
	pending       PendingStore

	redirectURI        string
	pendingTTL         time.Duration
	postLogoutRedirect string

	armer       Armer
	provisioner Provisioner
	inst        *instrumentation.Instrumentation
	tracer      trace.Tracer
	now         func() time.Time
}

// New creates an Engine.
func New(cfg Config, opts ...Option) (*Engine, error) {
	switch {
	case cfg.OAuth == nil:
		return nil, errors.New("engine: OAuth client is required")
	case cfg.Resolver == nil:
		return nil, errors.New("engine: registration resolver is required")
	case cfg.Registrations == nil || cfg.Tokens == nil:
		return nil, errors.New("engine: registration and token stores are required")
	case cfg.Pending == nil:
		return nil, errors.New("engine: pending store is required")
	case cfg.RedirectURI == "":
		return nil, errors.New("engine: redirect URI is required")
	}

	e := &Engine{
		client:             cfg.OAuth,
		resolver:           cfg.Resolver,
		registrations:      cfg.Registrations,
		tokens:             cfg.Tokens,
		pending:            cfg.Pending,
		redirectURI:        cfg.RedirectURI,
		pendingTTL:         cfg.PendingTTL,
		postLogoutRedirect: cfg.PostLogoutRedirectURI,
		now:                time.Now,
	}
	if e.pendingTTL <= 0 {
		e.pendingTTL = DefaultPendingTTL
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.inst == nil {
		e.inst = instrumentation.Noop()
	}
	e.tracer = e.inst.Tracer("engine")
	return e, nil
}

// SetArmer sets the refresh scheduler after construction. The scheduler
// usually needs the engine to exist first.
func (e *Engine) SetArmer(a Armer) {
	e.armer = a
}

// RedirectURI returns the callback URI this engine registers.
func (e *Engine) RedirectURI() string {
	return e.redirectURI
}

// BeginRequest describes who is authorizing against which resource.
type BeginRequest struct {
	SubjectID          string
	TenantID           string
	ResourceInstanceID string
	Template           registration.Template

	// Credentials are optional caller-supplied client credentials.
	Credentials *registration.Credentials

	PostLoginRedirect string
}

// BeginResult is returned by BeginAuthorization.
type BeginResult struct {
	AuthorizationURL string
	// Handle is carried by the caller to the callback. It is empty for
	// session-scoped stores.
	Handle    string
	State     string
	ExpiresAt time.Time
}

// BeginAuthorization starts a flow and returns the URL to send the user to.
func (e *Engine) BeginAuthorization(ctx context.Context, req BeginRequest) (*BeginResult, error) {
	const op = "begin authorization"
	ctx, span := e.tracer.Start(ctx, "engine.BeginAuthorization", trace.WithAttributes(
		attribute.String(instrumentation.AttrTemplateID, req.Template.ID),
		attribute.String(instrumentation.AttrTenantID, req.TenantID),
		attribute.String(instrumentation.AttrInstanceID, req.ResourceInstanceID),
	))
	defer span.End()

	if req.SubjectID == "" || req.ResourceInstanceID == "" || req.Template.ID == "" {
		err := newError(KindValidation, op, "subject, resource instance and template are required", nil)
		instrumentation.RecordError(span, err)
		return nil, err
	}

	pkce := oauth.GeneratePKCE()
	state := oauth.NewState()
	nonce := oauth.NewNonce()

	reg, err := e.resolver.Resolve(ctx, req.TenantID, req.Template, req.Credentials)
	if err != nil {
		kind := KindStorage
		if registration.IsProvisioningError(err) {
			kind = KindProvisioning
		}
		wrapped := newError(kind, op, "failed to resolve client registration", err)
		instrumentation.RecordError(span, wrapped)
		return nil, wrapped
	}

	scopes := reg.Scopes
	if len(scopes) == 0 {
		scopes = req.Template.Scopes
	}

	authURL, err := e.client.BuildAuthorizationURL(oauth.AuthorizationRequest{
		Endpoint:    reg.AuthorizationEndpoint,
		ClientID:    reg.ClientID,
		RedirectURI: e.redirectURI,
		Scopes:      scopes,
		State:       state,
		Nonce:       nonce,
		PKCE:        pkce,
		Hints:       req.Template.Hints,
	})
	if err != nil {
		wrapped := newError(KindProvisioning, op, "failed to build authorization URL", err)
		instrumentation.RecordError(span, wrapped)
		return nil, wrapped
	}

	now := e.now()
	p := &PendingAuthorization{
		State:              state,
		CodeVerifier:       pkce.CodeVerifier,
		CodeChallenge:      pkce.CodeChallenge,
		Nonce:              nonce,
		SubjectID:          req.SubjectID,
		TenantID:           req.TenantID,
		ResourceInstanceID: req.ResourceInstanceID,
		TemplateID:         req.Template.ID,
		RegistrationID:     reg.ID,
		Purpose:            req.Template.Purpose,
		RedirectURI:        e.redirectURI,
		RequestedScopes:    scopes,
		CreatedAt:          now,
		ExpiresAt:          now.Add(e.pendingTTL),
		PostLoginRedirect:  req.PostLoginRedirect,
	}

	handle, err := e.pending.Put(ctx, p)
	if err != nil {
		wrapped := newError(KindStorage, op, "failed to store pending authorization", err)
		instrumentation.RecordError(span, wrapped)
		return nil, wrapped
	}

	e.inst.Metrics().RecordAuthorizationStarted(ctx, req.Template.ID)
	span.SetAttributes(attribute.String(instrumentation.AttrClientType, clientType(reg)))
	instrumentation.SetOK(span)

	logging.Info("Engine", "Started authorization for subject %s instance %s (template %s, expires %s)",
		logging.TruncateID(req.SubjectID), req.ResourceInstanceID, req.Template.ID, p.ExpiresAt.Format(time.RFC3339))

	return &BeginResult{
		AuthorizationURL: authURL,
		Handle:           handle,
		State:            state,
		ExpiresAt:        p.ExpiresAt,
	}, nil
}

// CallbackParams are the query parameters of a provider redirect.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// Callback describes a completed authorization.
type Callback struct {
	Token             *store.TokenRecord
	PostLoginRedirect string
}

// CompleteCallback validates a provider redirect and exchanges its code.
// callerSubject is the authenticated subject receiving the redirect.
func (e *Engine) CompleteCallback(ctx context.Context, params CallbackParams, handle, callerSubject string) (*Callback, error) {
	ctx, span := e.tracer.Start(ctx, "engine.CompleteCallback")
	defer span.End()

	cb, err := e.completeCallback(ctx, params, handle, callerSubject)
	outcome := "success"
	if err != nil {
		outcome = KindOf(err).String()
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetOK(span)
	}
	e.inst.Metrics().RecordCallback(ctx, outcome)
	return cb, err
}

func (e *Engine) completeCallback(ctx context.Context, params CallbackParams, handle, callerSubject string) (*Callback, error) {
	const op = "complete callback"

	if params.Error != "" {
		// The attempt is over either way.
		_, _ = e.pending.Take(ctx, handle)
		logging.Warn("Engine", "Provider returned error on callback: %s", params.Error)
		return nil, newError(KindExchange, op, "provider returned an error",
			fmt.Errorf("%s: %s", params.Error, params.ErrorDescription))
	}

	if params.Code == "" || params.State == "" {
		return nil, newError(KindValidation, op, "code and state are required", nil)
	}

	p, err := e.pending.Take(ctx, handle)
	if err != nil {
		switch {
		case errors.Is(err, ErrPendingReplayed):
			e.audit(ctx, "pending_replay", "caller", logging.TruncateID(callerSubject))
			return nil, newError(KindIntegrity, op, "pending authorization already used", err)
		case errors.Is(err, ErrPendingTampered):
			e.audit(ctx, "pending_tampered", "caller", logging.TruncateID(callerSubject))
			return nil, newError(KindValidation, op, "pending authorization could not be recovered", err)
		case errors.Is(err, ErrNoPending):
			return nil, newError(KindValidation, op, "no pending authorization", err)
		default:
			return nil, newError(KindStorage, op, "failed to recover pending authorization", err)
		}
	}

	if params.State != p.State {
		e.audit(ctx, "state_mismatch",
			"subject", logging.TruncateID(p.SubjectID),
			"instance", p.ResourceInstanceID)
		return nil, newError(KindIntegrity, op, "state mismatch", nil)
	}

	now := e.now()
	if p.Expired(now) {
		return nil, newError(KindValidation, op, "pending authorization expired", nil)
	}

	if p.SubjectID != callerSubject {
		e.audit(ctx, "subject_mismatch",
			"expected", logging.TruncateID(p.SubjectID),
			"caller", logging.TruncateID(callerSubject),
			"instance", p.ResourceInstanceID)
		return nil, newError(KindIntegrity, op, "subject mismatch", nil)
	}

	reg, err := e.registrations.GetRegistration(ctx, p.RegistrationID)
	if err != nil {
		return nil, newError(KindStorage, op, "failed to load client registration", err)
	}

	start := time.Now()
	tok, err := e.client.ExchangeCode(ctx, reg.TokenEndpoint, reg.Auth(), params.Code, p.RedirectURI, p.CodeVerifier)
	e.inst.Metrics().RecordExchange(ctx, oauth.GrantTypeAuthorizationCode, msSince(start), err == nil)
	if err != nil {
		return nil, newError(KindExchange, op, "code exchange failed", err)
	}

	now = e.now()
	rec := &store.TokenRecord{
		SubjectID:          p.SubjectID,
		TenantID:           p.TenantID,
		ResourceInstanceID: p.ResourceInstanceID,
		RegistrationID:     reg.ID,
		AccessToken:        tok.AccessToken,
		RefreshToken:       tok.RefreshToken,
		IDToken:            tok.IDToken,
		ExpiresAt:          tok.ExpiresAt(now),
		Purpose:            p.Purpose,
		UpdatedAt:          now,
	}

	stored, err := store.UpsertTokenRetrying(ctx, e.tokens, rec)
	if err != nil {
		return nil, newError(KindStorage, op, "failed to persist token", err)
	}

	e.arm(stored, tok)

	logging.Info("Engine", "Authorization completed for subject %s instance %s (token %s, refresh=%t)",
		logging.TruncateID(stored.SubjectID), stored.ResourceInstanceID,
		logging.TruncateID(stored.ID), stored.HasRefreshToken())

	if e.provisioner != nil {
		added, err := e.provisioner.Provision(ctx, stored)
		if err != nil {
			logging.Error("Engine", err, "Capability sync failed for instance %s", stored.ResourceInstanceID)
		} else {
			logging.Info("Engine", "Capability sync added %d capabilities for instance %s", added, stored.ResourceInstanceID)
		}
	}

	return &Callback{Token: stored, PostLoginRedirect: p.PostLoginRedirect}, nil
}

// Refresh renews rec with its refresh token and persists the result.
// A record without a refresh token, or one the provider rejects as
// invalid_grant, yields KindReauthRequired.
func (e *Engine) Refresh(ctx context.Context, rec *store.TokenRecord) (*store.TokenRecord, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Refresh", trace.WithAttributes(
		attribute.String(instrumentation.AttrInstanceID, rec.ResourceInstanceID),
	))
	defer span.End()

	updated, err := e.refresh(ctx, rec)
	outcome := "success"
	if err != nil {
		outcome = KindOf(err).String()
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetOK(span)
	}
	e.inst.Metrics().RecordRefresh(ctx, outcome)
	return updated, err
}

func (e *Engine) refresh(ctx context.Context, rec *store.TokenRecord) (*store.TokenRecord, error) {
	const op = "refresh"

	if !rec.HasRefreshToken() {
		return nil, newError(KindReauthRequired, op, "no refresh token", nil)
	}

	reg, err := e.registrations.GetRegistration(ctx, rec.RegistrationID)
	if err != nil {
		return nil, newError(KindStorage, op, "failed to load client registration", err)
	}

	start := time.Now()
	tok, err := e.client.RefreshToken(ctx, reg.TokenEndpoint, reg.Auth(), rec.RefreshToken)
	e.inst.Metrics().RecordExchange(ctx, oauth.GrantTypeRefreshToken, msSince(start), err == nil)
	if err != nil {
		if oauth.IsInvalidGrant(err) {
			return nil, newError(KindReauthRequired, op, "refresh token rejected", err)
		}
		return nil, newError(KindExchange, op, "refresh failed", err)
	}

	now := e.now()
	updated := rec.Clone()
	updated.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}
	if tok.IDToken != "" {
		updated.IDToken = tok.IDToken
	}
	updated.ExpiresAt = tok.ExpiresAt(now)
	updated.UpdatedAt = now

	stored, err := store.UpsertTokenRetrying(ctx, e.tokens, updated)
	if err != nil {
		return nil, newError(KindStorage, op, "failed to persist refreshed token", err)
	}

	e.arm(stored, tok)

	logging.Debug("Engine", "Refreshed token %s for instance %s", logging.TruncateID(stored.ID), stored.ResourceInstanceID)
	return stored, nil
}

// RefreshStored loads the latest stored token for the pair and refreshes it.
func (e *Engine) RefreshStored(ctx context.Context, subjectID, instanceID string) (*store.TokenRecord, error) {
	rec, err := e.load(ctx, "refresh", subjectID, instanceID)
	if err != nil {
		return nil, err
	}
	return e.Refresh(ctx, rec)
}

// AccessToken returns a usable token for the pair, refreshing it when it
// expires within oauth.TokenRefreshThreshold. A token that is still valid
// is returned even if the refresh attempt fails.
func (e *Engine) AccessToken(ctx context.Context, subjectID, instanceID string) (*store.TokenRecord, error) {
	const op = "access token"

	rec, err := e.load(ctx, op, subjectID, instanceID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	if !rec.NeedsRefresh(now, oauth.TokenRefreshThreshold) {
		return rec, nil
	}

	if !rec.HasRefreshToken() {
		if rec.Expired(now) {
			return nil, newError(KindReauthRequired, op, "token expired and cannot be refreshed", nil)
		}
		return rec, nil
	}

	refreshed, err := e.Refresh(ctx, rec)
	if err != nil {
		if !rec.Expired(e.now()) {
			logging.Warn("Engine", "Refresh failed, using current token for instance %s until it expires: %v", instanceID, err)
			return rec, nil
		}
		return nil, err
	}
	return refreshed, nil
}

// Revoke deletes the stored token for the pair and then asks the provider
// to end the session. The remote call is best-effort.
func (e *Engine) Revoke(ctx context.Context, subjectID, instanceID string) error {
	const op = "revoke"

	if e.armer != nil {
		e.armer.Cancel(subjectID, instanceID)
	}

	rec, err := e.tokens.GetToken(ctx, subjectID, instanceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		// Local state must not stay signed in because the record is
		// unreadable. Without it there is no id_token hint for end-session.
		logging.Warn("Engine", "Stored token for instance %s is unreadable, deleting it without end-session: %v", instanceID, err)
		if err := e.tokens.DeleteToken(ctx, subjectID, instanceID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return newError(KindStorage, op, "failed to delete token", err)
		}
		return nil
	}

	reg, regErr := e.registrations.GetRegistration(ctx, rec.RegistrationID)

	if err := e.tokens.DeleteToken(ctx, subjectID, instanceID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return newError(KindStorage, op, "failed to delete token", err)
	}
	logging.Info("Engine", "Deleted token %s for instance %s", logging.TruncateID(rec.ID), instanceID)

	if regErr != nil {
		logging.Warn("Engine", "Skipping end-session, registration unavailable: %v", regErr)
		return nil
	}
	if reg.EndSessionEndpoint == "" {
		return nil
	}

	err = e.client.EndSession(ctx, reg.EndSessionEndpoint, oauth.EndSessionRequest{
		IDTokenHint:           rec.IDToken,
		ClientID:              reg.ClientID,
		PostLogoutRedirectURI: e.postLogoutRedirect,
	})
	if err != nil {
		logging.Warn("Engine", "Best-effort end-session failed, local token already removed: %v", err)
	}
	return nil
}

func (e *Engine) load(ctx context.Context, op, subjectID, instanceID string) (*store.TokenRecord, error) {
	rec, err := e.tokens.GetToken(ctx, subjectID, instanceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindReauthRequired, op, "no stored token", err)
	}
	if err != nil {
		return nil, newError(KindStorage, op, "failed to load token", err)
	}
	return rec, nil
}

func (e *Engine) arm(rec *store.TokenRecord, tok *oauth.Token) {
	if e.armer == nil {
		return
	}
	if lifetime, ok := tok.Lifetime(); ok && rec.HasRefreshToken() {
		e.armer.Arm(rec.SubjectID, rec.ResourceInstanceID, lifetime)
	}
}

func (e *Engine) audit(ctx context.Context, event string, attrs ...any) {
	logging.Audit("Engine", event, attrs...)
	e.inst.Metrics().RecordAudit(ctx, event)
}

func clientType(reg *store.ClientRegistration) string {
	if reg.IsPublic() {
		return "public"
	}
	return "confidential"
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
