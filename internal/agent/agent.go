package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tether/internal/config"
	"tether/internal/engine"
	"tether/internal/instrumentation"
	"tether/internal/refresh"
	"tether/internal/registration"
	"tether/internal/store"
	"tether/pkg/logging"
	"tether/pkg/oauth"
)

// Options configures an Agent.
type Options struct {
	Identity config.IdentityConfig

	// TokenDir holds the encrypted token files.
	TokenDir string

	// Cipher encrypts token material at rest. custody.Vault satisfies it.
	Cipher store.FieldCipher

	HTTPClient      *http.Client
	Instrumentation *instrumentation.Instrumentation
	Version         string

	// OpenURL shows the authorization URL to the user. Defaults to
	// OpenBrowser.
	OpenURL func(string) error
}

// Agent is the single-user, client-held deployment: one identity, one
// pending sign-in at a time, tokens in encrypted files and an in-process
// refresh timer.
type Agent struct {
	identity config.IdentityConfig
	subject  string
	tenant   string
	tmpl     registration.Template

	files     *FileStore
	pending   *engine.SessionPendingStore
	engine    *engine.Engine
	scheduler *refresh.Scheduler
	watcher   *TokenWatcher
	openURL   func(string) error
}

// New wires the engine for the client-held deployment.
func New(opts Options) (*Agent, error) {
	id := opts.Identity
	if id.Issuer == "" {
		return nil, errors.New("identity issuer is required")
	}
	files, err := NewFileStore(opts.TokenDir, opts.Cipher)
	if err != nil {
		return nil, err
	}

	clientOpts := []oauth.ClientOption{oauth.WithLogger(logging.Logger("OAuth"))}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, oauth.WithHTTPClient(opts.HTTPClient))
	}
	client := oauth.NewClient(clientOpts...)

	redirectURI := id.RedirectURI()
	resolver := registration.NewResolver(files, client, redirectURI,
		registration.WithSoftwareVersion(opts.Version))

	pending := engine.NewSessionPendingStore()
	engineOpts := []engine.Option{}
	if opts.Instrumentation != nil {
		engineOpts = append(engineOpts, engine.WithInstrumentation(opts.Instrumentation))
	}
	eng, err := engine.New(engine.Config{
		OAuth:                 client,
		Resolver:              resolver,
		Registrations:         files,
		Tokens:                files,
		Pending:               pending,
		RedirectURI:           redirectURI,
		PostLogoutRedirectURI: id.PostLogoutRedirectURI,
	}, engineOpts...)
	if err != nil {
		return nil, err
	}

	scheduler := refresh.NewScheduler(eng.RefreshStored)
	eng.SetArmer(scheduler)

	a := &Agent{
		identity:  id,
		subject:   id.Subject,
		tenant:    id.Tenant,
		tmpl:      id.Template(),
		files:     files,
		pending:   pending,
		engine:    eng,
		scheduler: scheduler,
		openURL:   opts.OpenURL,
	}
	if a.openURL == nil {
		a.openURL = OpenBrowser
	}
	a.watcher = NewTokenWatcher(TokenWatcherConfig{
		Dir:      opts.TokenDir,
		OnChange: a.reload,
	})
	return a, nil
}

func (a *Agent) instanceID() string {
	return a.tmpl.ID
}

// Start re-arms the refresh timer from a persisted token and starts watching
// the token directory. Only long-running commands need it.
func (a *Agent) Start(ctx context.Context) error {
	a.restore(ctx)
	return a.watcher.Start()
}

// Close stops the watcher and every timer.
func (a *Agent) Close() {
	a.watcher.Stop()
	a.scheduler.Stop()
}

func (a *Agent) restore(ctx context.Context) {
	rec, err := a.files.GetToken(ctx, a.subject, a.instanceID())
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		logging.Warn("Agent", "Could not load stored token: %v", err)
		return
	}
	if a.scheduler.Restore(rec) {
		logging.Debug("Agent", "Re-armed refresh for token %s", logging.TruncateID(rec.ID))
	}
}

// reload follows a token file written or removed by another process.
func (a *Agent) reload() {
	ctx := context.Background()
	_, err := a.files.GetToken(ctx, a.subject, a.instanceID())
	if errors.Is(err, store.ErrNotFound) {
		a.scheduler.Cancel(a.subject, a.instanceID())
		return
	}
	a.restore(ctx)
}

// Scheduler exposes the refresh timer.
func (a *Agent) Scheduler() *refresh.Scheduler {
	return a.scheduler
}

// LoginOptions tunes an interactive login.
type LoginOptions struct {
	// OnURL is told the authorization URL before the browser opens, so the
	// user can copy it when no browser is available.
	OnURL func(string)

	// ReadRedirect supplies the final redirect URL when a custom URI scheme
	// is configured instead of the loopback listener.
	ReadRedirect func(ctx context.Context) (string, error)

	// Timeout bounds the wait for the browser. Defaults to CallbackTimeout.
	Timeout time.Duration
}

// Login runs a complete interactive sign-in and returns the stored token.
func (a *Agent) Login(ctx context.Context, opts LoginOptions) (*store.TokenRecord, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = CallbackTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if a.identity.CallbackScheme != "" {
		return a.loginWithScheme(ctx, opts)
	}

	var result *store.TokenRecord
	server := NewCallbackServer(a.identity.CallbackPort, a.identity.CallbackPath,
		func(ctx context.Context, params engine.CallbackParams) error {
			cb, err := a.engine.CompleteCallback(ctx, params, "", a.subject)
			if err != nil {
				return err
			}
			result = cb.Token
			return nil
		})
	if _, err := server.Start(ctx); err != nil {
		return nil, err
	}
	defer server.Stop()

	if err := a.begin(ctx, opts); err != nil {
		return nil, err
	}
	if err := server.Wait(ctx); err != nil {
		a.pending.Clear()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("timed out waiting for the browser sign-in: %w", err)
		}
		return nil, err
	}
	return result, nil
}

func (a *Agent) loginWithScheme(ctx context.Context, opts LoginOptions) (*store.TokenRecord, error) {
	if opts.ReadRedirect == nil {
		return nil, errors.New("custom scheme login needs a redirect reader")
	}
	if err := a.begin(ctx, opts); err != nil {
		return nil, err
	}
	raw, err := opts.ReadRedirect(ctx)
	if err != nil {
		a.pending.Clear()
		return nil, err
	}
	return a.CompleteFromURL(ctx, raw)
}

func (a *Agent) begin(ctx context.Context, opts LoginOptions) error {
	res, err := a.engine.BeginAuthorization(ctx, engine.BeginRequest{
		SubjectID:          a.subject,
		TenantID:           a.tenant,
		ResourceInstanceID: a.instanceID(),
		Template:           a.tmpl,
	})
	if err != nil {
		return err
	}
	if opts.OnURL != nil {
		opts.OnURL(res.AuthorizationURL)
	}
	if err := a.openURL(res.AuthorizationURL); err != nil {
		logging.Warn("Agent", "Could not open a browser: %v", err)
	}
	return nil
}

// CompleteFromURL completes the pending sign-in from the full redirect URL
// the provider sent the browser to.
func (a *Agent) CompleteFromURL(ctx context.Context, raw string) (*store.TokenRecord, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URL: %w", err)
	}
	want, _ := url.Parse(a.identity.RedirectURI())
	if !strings.EqualFold(u.Scheme, want.Scheme) || u.Host != want.Host || u.Path != want.Path {
		return nil, fmt.Errorf("redirect URL does not match %s", a.identity.RedirectURI())
	}

	q := u.Query()
	cb, err := a.engine.CompleteCallback(ctx, engine.CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}, "", a.subject)
	if err != nil {
		return nil, err
	}
	return cb.Token, nil
}

// Logout removes the local token and ends the provider session when
// possible.
func (a *Agent) Logout(ctx context.Context) error {
	return a.engine.Revoke(ctx, a.subject, a.instanceID())
}

// Token returns a currently valid access token, refreshing when it is about
// to expire.
func (a *Agent) Token(ctx context.Context) (*store.TokenRecord, error) {
	return a.engine.AccessToken(ctx, a.subject, a.instanceID())
}

// Status describes the local sign-in.
type Status struct {
	LoggedIn bool
	Issuer   string

	Subject string
	Email   string

	ExpiresAt       *time.Time
	Expired         bool
	HasRefreshToken bool

	// NextRefresh is set when this process has a refresh timer armed.
	NextRefresh *time.Time
}

// Status reports the stored token without contacting the provider.
func (a *Agent) Status(ctx context.Context) (*Status, error) {
	st := &Status{Issuer: a.identity.Issuer}

	rec, err := a.files.GetToken(ctx, a.subject, a.instanceID())
	if errors.Is(err, store.ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return nil, err
	}

	st.LoggedIn = true
	st.ExpiresAt = rec.ExpiresAt
	st.Expired = rec.Expired(time.Now())
	st.HasRefreshToken = rec.HasRefreshToken()
	if due, ok := a.scheduler.Pending(a.subject, a.instanceID()); ok {
		st.NextRefresh = &due
	}
	if rec.IDToken != "" {
		if claims, err := oauth.ParseIDTokenClaims(rec.IDToken); err == nil {
			st.Subject = claims.Subject
			st.Email = claims.Email
			if claims.Issuer != "" {
				st.Issuer = claims.Issuer
			}
		}
	}
	return st, nil
}
