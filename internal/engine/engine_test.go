package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tether/internal/registration"
	"tether/internal/store"
	"tether/pkg/oauth"
)

// countingTransport counts every outbound request.
type countingTransport struct {
	calls int32
}

func (c *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	atomic.AddInt32(&c.calls, 1)
	return http.DefaultTransport.RoundTrip(req)
}

func (c *countingTransport) count() int32 { return atomic.LoadInt32(&c.calls) }

type provider struct {
	server *httptest.Server

	mu          sync.Mutex
	forms       []url.Values
	tokenStatus int
	tokenBody   map[string]interface{}
	endSessions int
}

func newProvider(t *testing.T) *provider {
	p := &provider{
		tokenStatus: http.StatusOK,
		tokenBody: map[string]interface{}{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
		},
	}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		p.mu.Lock()
		defer p.mu.Unlock()
		switch r.URL.Path {
		case "/token":
			p.forms = append(p.forms, r.PostForm)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(p.tokenStatus)
			_ = json.NewEncoder(w).Encode(p.tokenBody)
		case "/logout":
			p.endSessions++
			if r.PostForm.Get("id_token_hint") == "fail" {
				w.WriteHeader(http.StatusInternalServerError)
			}
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(p.server.Close)
	return p
}

func (p *provider) setToken(status int, body map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenStatus = status
	p.tokenBody = body
}

func (p *provider) endSessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endSessions
}

func (p *provider) lastForm() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.forms) == 0 {
		return nil
	}
	return p.forms[len(p.forms)-1]
}

type staticResolver struct {
	reg   *store.ClientRegistration
	err   error
	calls int
}

func (s *staticResolver) Resolve(_ context.Context, _ string, _ registration.Template, _ *registration.Credentials) (*store.ClientRegistration, error) {
	s.calls++
	return s.reg, s.err
}

type recordingArmer struct {
	mu       sync.Mutex
	armed    map[string]time.Duration
	canceled []string
}

func (a *recordingArmer) Arm(subjectID, instanceID string, expiresIn time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.armed == nil {
		a.armed = make(map[string]time.Duration)
	}
	a.armed[subjectID+"/"+instanceID] = expiresIn
}

func (a *recordingArmer) Cancel(subjectID, instanceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.canceled = append(a.canceled, subjectID+"/"+instanceID)
}

type countingProvisioner struct {
	calls int
}

func (c *countingProvisioner) Provision(_ context.Context, _ *store.TokenRecord) (int, error) {
	c.calls++
	return 3, nil
}

type harness struct {
	engine    *Engine
	provider  *provider
	transport *countingTransport
	store     *store.MemoryStore
	reg       *store.ClientRegistration
	armer     *recordingArmer
	prov      *countingProvisioner
	now       time.Time
	clock     func() time.Time
	advance   func(d time.Duration)
}

func newHarness(t *testing.T, pending PendingStore, secret string) *harness {
	t.Helper()
	h := &harness{
		provider:  newProvider(t),
		transport: &countingTransport{},
		store:     store.NewMemoryStore(),
		armer:     &recordingArmer{},
		prov:      &countingProvisioner{},
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	var mu sync.Mutex
	current := h.now
	h.clock = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return current
	}
	h.advance = func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(d)
	}

	h.reg = &store.ClientRegistration{
		TenantID:              "tenant-a",
		TemplateID:            "docs",
		ClientID:              "client-1",
		ClientSecret:          secret,
		AuthorizationEndpoint: h.provider.server.URL + "/authorize",
		TokenEndpoint:         h.provider.server.URL + "/token",
		EndSessionEndpoint:    h.provider.server.URL + "/logout",
		Scopes:                []string{"openid", "docs:read"},
		CreatedAt:             h.now,
	}
	require.NoError(t, h.store.SaveRegistration(context.Background(), h.reg))

	client := oauth.NewClient(oauth.WithHTTPClient(&http.Client{Transport: h.transport}))
	eng, err := New(Config{
		OAuth:         client,
		Resolver:      &staticResolver{reg: h.reg},
		Registrations: h.store,
		Tokens:        h.store,
		Pending:       pending,
		RedirectURI:   "http://127.0.0.1:3000/callback",
		PendingTTL:    5 * time.Minute,
	}, WithArmer(h.armer), WithProvisioner(h.prov), WithClock(h.clock))
	require.NoError(t, err)
	h.engine = eng
	return h
}

var docsTemplate = registration.Template{
	ID:          "docs",
	ResourceURL: "https://docs.example.com/mcp",
	Purpose:     "mcp",
	Hints:       map[string]string{"kc_idp_hint": "github"},
}

func (h *harness) begin(t *testing.T) *BeginResult {
	t.Helper()
	res, err := h.engine.BeginAuthorization(context.Background(), BeginRequest{
		SubjectID:          "user-1",
		TenantID:           "tenant-a",
		ResourceInstanceID: "inst-1",
		Template:           docsTemplate,
		PostLoginRedirect:  "/done",
	})
	require.NoError(t, err)
	return res
}

func TestBeginAuthorization(t *testing.T) {
	session := NewSessionPendingStore()
	h := newHarness(t, session, "")

	res := h.begin(t)
	assert.Empty(t, res.Handle)
	assert.Equal(t, h.now.Add(5*time.Minute), res.ExpiresAt)

	u, err := url.Parse(res.AuthorizationURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "/authorize", u.Path)
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, "http://127.0.0.1:3000/callback", q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "openid docs:read", q.Get("scope"))
	assert.Equal(t, res.State, q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "github", q.Get("kc_idp_hint"))

	p, ok := session.Peek()
	require.True(t, ok)
	assert.Equal(t, oauth.Challenge(p.CodeVerifier), q.Get("code_challenge"))
	assert.Equal(t, p.Nonce, q.Get("nonce"))
	assert.Equal(t, "user-1", p.SubjectID)
	assert.Equal(t, h.reg.ID, p.RegistrationID)

	assert.Zero(t, h.transport.count())
}

func TestBeginAuthorization_Errors(t *testing.T) {
	h := newHarness(t, NewSessionPendingStore(), "")

	_, err := h.engine.BeginAuthorization(context.Background(), BeginRequest{Template: docsTemplate})
	assert.True(t, IsKind(err, KindValidation))

	h.engine.resolver = &staticResolver{err: &registration.ProvisioningError{Op: "register", TemplateID: "docs", Err: assert.AnError}}
	_, err = h.engine.BeginAuthorization(context.Background(), BeginRequest{
		SubjectID: "user-1", ResourceInstanceID: "inst-1", Template: docsTemplate,
	})
	assert.True(t, IsKind(err, KindProvisioning))
}

func TestBeginAuthorization_SupersedesPrevious(t *testing.T) {
	h := newHarness(t, NewSessionPendingStore(), "")

	first := h.begin(t)
	second := h.begin(t)
	require.NotEqual(t, first.State, second.State)

	_, err := h.engine.CompleteCallback(context.Background(),
		CallbackParams{Code: "code", State: first.State}, "", "user-1")
	assert.True(t, IsKind(err, KindIntegrity))
	assert.Zero(t, h.transport.count())
}

func TestCompleteCallback_Success(t *testing.T) {
	h := newHarness(t, NewSessionPendingStore(), "")
	res := h.begin(t)

	cb, err := h.engine.CompleteCallback(context.Background(),
		CallbackParams{Code: "the-code", State: res.State}, res.Handle, "user-1")
	require.NoError(t, err)

	assert.Equal(t, "/done", cb.PostLoginRedirect)
	rec := cb.Token
	assert.Equal(t, "at-1", rec.AccessToken)
	assert.Equal(t, "rt-1", rec.RefreshToken)
	assert.Equal(t, "mcp", rec.Purpose)
	assert.Equal(t, h.reg.ID, rec.RegistrationID)
	require.NotNil(t, rec.ExpiresAt)
	assert.Equal(t, h.now.Add(time.Hour), *rec.ExpiresAt)

	form := h.provider.lastForm()
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "the-code", form.Get("code"))
	assert.Equal(t, "client-1", form.Get("client_id"))
	assert.Empty(t, form.Get("client_secret"))
	assert.Equal(t, "http://127.0.0.1:3000/callback", form.Get("redirect_uri"))
	assert.Len(t, form.Get("code_verifier"), 43)

	stored, err := h.store.GetToken(context.Background(), "user-1", "inst-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, stored.ID)

	assert.Equal(t, time.Hour, h.armer.armed["user-1/inst-1"])
	assert.Equal(t, 1, h.prov.calls)

	// The pending record is consumed.
	_, err = h.engine.CompleteCallback(context.Background(),
		CallbackParams{Code: "the-code", State: res.State}, res.Handle, "user-1")
	assert.True(t, IsKind(err, KindValidation))
}

func TestCompleteCallback_ConfidentialClient(t *testing.T) {
	h := newHarness(t, NewSessionPendingStore(), "shh")
	res := h.begin(t)

	_, err := h.engine.CompleteCallback(context.Background(),
		CallbackParams{Code: "c", State: res.State}, "", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "shh", h.provider.lastForm().Get("client_secret"))
}

func TestCompleteCallback_NoExpiry(t *testing.T) {
	h := newHarness(t, NewSessionPendingStore(), "")
	h.provider.setToken(http.StatusOK, map[string]interface{}{"access_token": "forever", "token_type": "Bearer"})
	res := h.begin(t)

	cb, err := h.engine.CompleteCallback(context.Background(),
		CallbackParams{Code: "c", State: res.State}, "", "user-1")
	require.NoError(t, err)
	assert.Nil(t, cb.Token.ExpiresAt)
	assert.False(t, cb.Token.Expired(h.now.Add(100*365*24*time.Hour)))
	assert.Empty(t, h.armer.armed)
}

func TestCompleteCallback_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		params  func(state string) CallbackParams
		subject string
		advance time.Duration
		kind    Kind
	}{
		{
			name:    "missing code",
			params:  func(state string) CallbackParams { return CallbackParams{State: state} },
			subject: "user-1",
			kind:    KindValidation,
		},
		{
			name:    "missing state",
			params:  func(string) CallbackParams { return CallbackParams{Code: "c"} },
			subject: "user-1",
			kind:    KindValidation,
		},
		{
			name:    "state mismatch",
			params:  func(string) CallbackParams { return CallbackParams{Code: "c", State: "forged"} },
			subject: "user-1",
			kind:    KindIntegrity,
		},
		{
			name:    "expired",
			params:  func(state string) CallbackParams { return CallbackParams{Code: "c", State: state} },
			subject: "user-1",
			advance: 5*time.Minute + time.Second,
			kind:    KindValidation,
		},
		{
			name:    "subject mismatch",
			params:  func(state string) CallbackParams { return CallbackParams{Code: "c", State: state} },
			subject: "attacker",
			kind:    KindIntegrity,
		},
		{
			name: "provider error",
			params: func(string) CallbackParams {
				return CallbackParams{Error: "access_denied", ErrorDescription: "user said no"}
			},
			subject: "user-1",
			kind:    KindExchange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, NewSessionPendingStore(), "")
			res := h.begin(t)
			h.advance(tt.advance)

			_, err := h.engine.CompleteCallback(context.Background(), tt.params(res.State), res.Handle, tt.subject)
			require.Error(t, err)
			assert.Equal(t, tt.kind, KindOf(err))
			assert.Zero(t, h.transport.count(), "token endpoint must not be called")
			assert.NotContains(t, PublicMessage(err), "mismatch")

			_, err = h.store.GetToken(context.Background(), "user-1", "inst-1")
			assert.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestCompleteCallback_NoPending(t *testing.T) {
	h := newHarness(t, NewSessionPendingStore(), "")
	_, err := h.engine.CompleteCallback(context.Background(), CallbackParams{Code: "c", State: "s"}, "", "user-1")
	assert.True(t, IsKind(err, KindValidation))
}

func TestCompleteCallback_ExchangeRejected(t *testing.T) {
	h := newHarness(t, NewSessionPendingStore(), "")
	h.provider.setToken(http.StatusBadRequest, map[string]interface{}{"error": "invalid_grant"})
	res := h.begin(t)

	_, err := h.engine.CompleteCallback(context.Background(),
		CallbackParams{Code: "c", State: res.State}, "", "user-1")
	require.Error(t, err)
	assert.True(t, IsKind(err, KindExchange))
	assert.Equal(t, int32(1), h.transport.count())
	assert.Zero(t, h.prov.calls)
}

func TestCompleteCallback_Sealed(t *testing.T) {
	key := make([]byte, SealedKeySize)
	for i := range key {
		key[i] = byte(i)
	}
	sealed, err := NewSealedPendingStore(key, NewMemoryLedger())
	require.NoError(t, err)

	t.Run("round trip then replay", func(t *testing.T) {
		var h *harness
		ledger := NewMemoryLedger(WithLedgerClock(func() time.Time { return h.clock() }))
		replayable, err := NewSealedPendingStore(key, ledger)
		require.NoError(t, err)

		h = newHarness(t, replayable, "")
		replayable.now = h.clock
		res := h.begin(t)
		require.NotEmpty(t, res.Handle)

		_, err = h.engine.CompleteCallback(context.Background(),
			CallbackParams{Code: "c", State: res.State}, res.Handle, "user-1")
		require.NoError(t, err)
		assert.Equal(t, 1, ledger.Len())

		_, err = h.engine.CompleteCallback(context.Background(),
			CallbackParams{Code: "c", State: res.State}, res.Handle, "user-1")
		assert.True(t, IsKind(err, KindIntegrity))
		assert.ErrorIs(t, err, ErrPendingReplayed)
		assert.Equal(t, int32(1), h.transport.count())
	})

	t.Run("claim lapses with the handle", func(t *testing.T) {
		var h *harness
		ledger := NewMemoryLedger(WithLedgerClock(func() time.Time { return h.clock() }))
		lapsing, err := NewSealedPendingStore(key, ledger)
		require.NoError(t, err)

		h = newHarness(t, lapsing, "")
		lapsing.now = h.clock
		res := h.begin(t)
		_, err = h.engine.CompleteCallback(context.Background(),
			CallbackParams{Code: "c", State: res.State}, res.Handle, "user-1")
		require.NoError(t, err)
		require.Equal(t, 1, ledger.Len())

		h.advance(10 * time.Minute)
		require.NoError(t, ledger.Claim(context.Background(), "other", h.clock().Add(time.Minute)))
		assert.Equal(t, 1, ledger.Len())
	})

	t.Run("tampered handle", func(t *testing.T) {
		h := newHarness(t, sealed, "")
		sealed.now = h.clock
		res := h.begin(t)

		b := []byte(res.Handle)
		i := len(b) - 5
		if b[i] == 'A' {
			b[i] = 'B'
		} else {
			b[i] = 'A'
		}

		_, err := h.engine.CompleteCallback(context.Background(),
			CallbackParams{Code: "c", State: res.State}, string(b), "user-1")
		assert.True(t, IsKind(err, KindValidation))
		assert.Zero(t, h.transport.count())
	})

	t.Run("foreign key", func(t *testing.T) {
		h := newHarness(t, sealed, "")
		sealed.now = h.clock
		res := h.begin(t)

		other, err := NewSealedPendingStore(make([]byte, SealedKeySize), nil)
		require.NoError(t, err)
		_, err = other.Take(context.Background(), res.Handle)
		assert.ErrorIs(t, err, ErrPendingTampered)
	})
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("keeps refresh token when not rotated", func(t *testing.T) {
		h := newHarness(t, NewSessionPendingStore(), "")
		rec := h.seedToken(t, "rt-old", time.Minute)
		h.provider.setToken(http.StatusOK, map[string]interface{}{"access_token": "at-2", "expires_in": 1800})

		updated, err := h.engine.Refresh(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, "at-2", updated.AccessToken)
		assert.Equal(t, "rt-old", updated.RefreshToken)
		assert.Equal(t, rec.ID, updated.ID)
		assert.Equal(t, h.now.Add(30*time.Minute), *updated.ExpiresAt)
		assert.Equal(t, "refresh_token", h.provider.lastForm().Get("grant_type"))
		assert.Equal(t, "rt-old", h.provider.lastForm().Get("refresh_token"))
		assert.Equal(t, 30*time.Minute, h.armer.armed["user-1/inst-1"])
	})

	t.Run("rotated refresh token is stored", func(t *testing.T) {
		h := newHarness(t, NewSessionPendingStore(), "")
		h.seedToken(t, "rt-old", time.Minute)
		h.provider.setToken(http.StatusOK, map[string]interface{}{"access_token": "at-2", "refresh_token": "rt-new"})

		updated, err := h.engine.RefreshStored(ctx, "user-1", "inst-1")
		require.NoError(t, err)
		assert.Equal(t, "rt-new", updated.RefreshToken)
		assert.Nil(t, updated.ExpiresAt)
	})

	t.Run("no refresh token", func(t *testing.T) {
		h := newHarness(t, NewSessionPendingStore(), "")
		rec := h.seedToken(t, "", time.Minute)
		_, err := h.engine.Refresh(ctx, rec)
		assert.True(t, IsReauthRequired(err))
		assert.Zero(t, h.transport.count())
	})

	t.Run("invalid grant", func(t *testing.T) {
		h := newHarness(t, NewSessionPendingStore(), "")
		rec := h.seedToken(t, "rt", time.Minute)
		h.provider.setToken(http.StatusBadRequest, map[string]interface{}{"error": "invalid_grant"})
		_, err := h.engine.Refresh(ctx, rec)
		assert.True(t, IsReauthRequired(err))
	})

	t.Run("server error", func(t *testing.T) {
		h := newHarness(t, NewSessionPendingStore(), "")
		rec := h.seedToken(t, "rt", time.Minute)
		h.provider.setToken(http.StatusInternalServerError, map[string]interface{}{"error": "server_error"})
		_, err := h.engine.Refresh(ctx, rec)
		assert.True(t, IsKind(err, KindExchange))
	})

	t.Run("nothing stored", func(t *testing.T) {
		h := newHarness(t, NewSessionPendingStore(), "")
		_, err := h.engine.RefreshStored(ctx, "user-1", "missing")
		assert.True(t, IsReauthRequired(err))
	})
}

func TestAccessToken(t *testing.T) {
	ctx := context.Background()

	t.Run("fresh token returned as is", func(t *testing.T) {
		h := newHarness(t, NewSessionPendingStore(), "")
		h.seedToken(t, "rt", time.Hour)
		rec, err := h.engine.AccessToken(ctx, "user-1", "inst-1")
		require.NoError(t, err)
		assert.Equal(t, "seeded", rec.AccessToken)
		assert.Zero(t, h.transport.count())
	})

	t.Run("refreshes inside threshold", func(t *testing.T) {
		h := newHarness(t, NewSessionPendingStore(), "")
		h.seedToken(t, "rt", 4*time.Minute)
		rec, err := h.engine.AccessToken(ctx, "user-1", "inst-1")
		require.NoError(t, err)
		assert.Equal(t, "at-1", rec.AccessToken)
	})

	t.Run("valid token survives failed refresh", func(t *testing.T) {
		h := newHarness(t, NewSessionPendingStore(), "")
		h.seedToken(t, "rt", 4*time.Minute)
		h.provider.setToken(http.StatusBadGateway, map[string]interface{}{"error": "temporarily_unavailable"})
		rec, err := h.engine.AccessToken(ctx, "user-1", "inst-1")
		require.NoError(t, err)
		assert.Equal(t, "seeded", rec.AccessToken)
	})

	t.Run("expired without refresh token", func(t *testing.T) {
		h := newHarness(t, NewSessionPendingStore(), "")
		h.seedToken(t, "", -time.Minute)
		_, err := h.engine.AccessToken(ctx, "user-1", "inst-1")
		assert.True(t, IsReauthRequired(err))
	})

	t.Run("never expiring token", func(t *testing.T) {
		h := newHarness(t, NewSessionPendingStore(), "")
		_, err := h.store.UpsertToken(ctx, &store.TokenRecord{
			SubjectID: "user-1", TenantID: "tenant-a", ResourceInstanceID: "inst-1",
			RegistrationID: h.reg.ID, AccessToken: "forever",
		})
		require.NoError(t, err)
		rec, err := h.engine.AccessToken(ctx, "user-1", "inst-1")
		require.NoError(t, err)
		assert.Equal(t, "forever", rec.AccessToken)
		assert.Zero(t, h.transport.count())
	})
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes and ends session", func(t *testing.T) {
		h := newHarness(t, NewSessionPendingStore(), "")
		h.seedToken(t, "rt", time.Hour)

		require.NoError(t, h.engine.Revoke(ctx, "user-1", "inst-1"))
		_, err := h.store.GetToken(ctx, "user-1", "inst-1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.Equal(t, 1, h.provider.endSessionCount())
		assert.Equal(t, []string{"user-1/inst-1"}, h.armer.canceled)
	})

	t.Run("remote failure does not block local cleanup", func(t *testing.T) {
		h := newHarness(t, NewSessionPendingStore(), "")
		rec := h.seedToken(t, "rt", time.Hour)
		rec.IDToken = "fail"
		_, err := h.store.UpsertToken(ctx, rec)
		require.NoError(t, err)

		require.NoError(t, h.engine.Revoke(ctx, "user-1", "inst-1"))
		_, err = h.store.GetToken(ctx, "user-1", "inst-1")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("nothing stored", func(t *testing.T) {
		h := newHarness(t, NewSessionPendingStore(), "")
		assert.NoError(t, h.engine.Revoke(ctx, "user-1", "inst-1"))
		assert.Zero(t, h.provider.endSessionCount())
	})

	t.Run("unreadable token is still deleted", func(t *testing.T) {
		h := newHarness(t, NewSessionPendingStore(), "")
		h.seedToken(t, "rt", time.Hour)
		tokens := &unreadableTokens{MemoryStore: h.store}
		eng, err := New(Config{
			OAuth:         oauth.NewClient(oauth.WithHTTPClient(&http.Client{Transport: h.transport})),
			Resolver:      &staticResolver{reg: h.reg},
			Registrations: h.store,
			Tokens:        tokens,
			Pending:       NewSessionPendingStore(),
			RedirectURI:   "http://127.0.0.1:3000/callback",
		}, WithArmer(h.armer), WithClock(h.clock))
		require.NoError(t, err)

		require.NoError(t, eng.Revoke(ctx, "user-1", "inst-1"))
		_, err = h.store.GetToken(ctx, "user-1", "inst-1")
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.Zero(t, h.provider.endSessionCount())
		assert.Equal(t, []string{"user-1/inst-1"}, h.armer.canceled)
	})
}

// unreadableTokens fails every read the way a store with a corrupted
// ciphertext does, while deletes go through.
type unreadableTokens struct {
	*store.MemoryStore
}

func (u *unreadableTokens) GetToken(context.Context, string, string) (*store.TokenRecord, error) {
	return nil, errors.New("failed to decrypt field: authentication failed")
}

func (h *harness) seedToken(t *testing.T, refreshToken string, validFor time.Duration) *store.TokenRecord {
	t.Helper()
	exp := h.now.Add(validFor)
	rec, err := h.store.UpsertToken(context.Background(), &store.TokenRecord{
		SubjectID:          "user-1",
		TenantID:           "tenant-a",
		ResourceInstanceID: "inst-1",
		RegistrationID:     h.reg.ID,
		AccessToken:        "seeded",
		RefreshToken:       refreshToken,
		ExpiresAt:          &exp,
		UpdatedAt:          h.now,
	})
	require.NoError(t, err)
	return rec
}
