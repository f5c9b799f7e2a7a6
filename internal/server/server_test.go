package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tether/internal/engine"
	"tether/internal/registration"
	"tether/internal/reuse"
	"tether/internal/store"
	"tether/pkg/oauth"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeProvider struct {
	server *httptest.Server

	mu     sync.Mutex
	issued int
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/.well-known/oauth-authorization-server":
			_ = json.NewEncoder(w).Encode(oauth.Metadata{
				Issuer:                p.server.URL,
				AuthorizationEndpoint: p.server.URL + "/authorize",
				TokenEndpoint:         p.server.URL + "/token",
				RegistrationEndpoint:  p.server.URL + "/register",
			})
		case "/register":
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(oauth.ClientRegistrationResponse{ClientID: "backend-client"})
		case "/token":
			_ = r.ParseForm()
			if r.PostForm.Get("code") != "good" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			p.mu.Lock()
			p.issued++
			n := p.issued
			p.mu.Unlock()
			_ = json.NewEncoder(w).Encode(oauth.Token{
				AccessToken:  fmt.Sprintf("access-%d", n),
				RefreshToken: "refresh",
				ExpiresIn:    3600,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(p.server.Close)
	return p
}

type harness struct {
	t        *testing.T
	provider *fakeProvider
	store    *store.MemoryStore
	srv      *Server
	http     *httptest.Server
	deleted  []string
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{t: t, provider: newFakeProvider(t), store: store.NewMemoryStore()}

	templates := map[string]registration.Template{
		"docs": {ID: "docs", Name: "Docs", ResourceURL: h.provider.server.URL + "/docs", Issuer: h.provider.server.URL},
		"mail": {ID: "mail", Name: "Mail", ResourceURL: h.provider.server.URL + "/mail", Issuer: h.provider.server.URL},
	}

	client := oauth.NewClient()
	redirect := "https://tether.example.com/oauth/callback"
	sealed, err := engine.NewSealedPendingStore(make([]byte, engine.SealedKeySize), engine.NewMemoryLedger())
	require.NoError(t, err)
	eng, err := engine.New(engine.Config{
		OAuth:         client,
		Resolver:      registration.NewResolver(h.store, client, redirect),
		Registrations: h.store,
		Tokens:        h.store,
		Pending:       sealed,
		RedirectURI:   redirect,
	})
	require.NoError(t, err)

	cfg := Config{
		PublicURL:    "https://tether.example.com",
		CallbackPath: "/oauth/callback",
		CallerSecret: testSecret,
		RateLimit:    100,
		RateBurst:    100,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.srv, err = New(cfg, Deps{
		Engine:    eng,
		Reuse:     reuse.NewResolver(h.store, h.store, h.store),
		Instances: h.store,
		Templates: func(id string) (registration.Template, bool) {
			tmpl, ok := templates[id]
			return tmpl, ok
		},
		OnInstanceDeleted: func(_, id string) { h.deleted = append(h.deleted, id) },
	})
	require.NoError(t, err)

	h.http = httptest.NewServer(h.srv.Handler())
	t.Cleanup(h.http.Close)
	return h
}

func (h *harness) token(subject, tenant string) string {
	h.t.Helper()
	tok, err := h.srv.identity.Issue(reuse.Caller{SubjectID: subject, TenantID: tenant}, time.Hour)
	require.NoError(h.t, err)
	return tok
}

type response struct {
	status  int
	body    string
	header  http.Header
	cookies []*http.Cookie
}

func (h *harness) do(method, path, bearer string, body interface{}, cookies ...*http.Cookie) response {
	h.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = strings.NewReader(string(data))
	}
	req, err := http.NewRequest(method, h.http.URL+path, reader)
	require.NoError(h.t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return response{status: resp.StatusCode, body: string(data), header: resp.Header, cookies: resp.Cookies()}
}

func (h *harness) createInstance(bearer, template string) *store.ResourceInstance {
	h.t.Helper()
	resp := h.do(http.MethodPost, "/api/v1/instances", bearer, map[string]string{"templateId": template})
	require.Equal(h.t, http.StatusCreated, resp.status, resp.body)
	var inst store.ResourceInstance
	require.NoError(h.t, json.Unmarshal([]byte(resp.body), &inst))
	return &inst
}

// signIn runs authorize plus callback and returns the callback response.
func (h *harness) signIn(bearer, instanceID string, body interface{}) response {
	h.t.Helper()
	auth := h.do(http.MethodPost, "/api/v1/instances/"+instanceID+"/authorize", bearer, body)
	require.Equal(h.t, http.StatusOK, auth.status, auth.body)
	pending := findCookie(auth.cookies, PendingCookie)
	require.NotNil(h.t, pending)

	var ar authorizeResponse
	require.NoError(h.t, json.Unmarshal([]byte(auth.body), &ar))
	u, err := url.Parse(ar.AuthorizationURL)
	require.NoError(h.t, err)

	return h.do(http.MethodGet, "/oauth/callback?code=good&state="+u.Query().Get("state"), "",
		nil, pending, &http.Cookie{Name: SessionCookie, Value: bearer})
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestServer_Healthz(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.status)
	assert.JSONEq(t, `{"status":"ok"}`, resp.body)
}

func TestServer_RequiresCaller(t *testing.T) {
	h := newHarness(t, nil)

	resp := h.do(http.MethodPost, "/api/v1/instances", "", map[string]string{"templateId": "docs"})
	assert.Equal(t, http.StatusUnauthorized, resp.status)

	other, err := NewIdentityVerifier([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)
	forged, err := other.Issue(reuse.Caller{SubjectID: "alice", TenantID: "acme"}, time.Hour)
	require.NoError(t, err)
	resp = h.do(http.MethodPost, "/api/v1/instances", forged, map[string]string{"templateId": "docs"})
	assert.Equal(t, http.StatusUnauthorized, resp.status)

	expired, err := h.srv.identity.Issue(reuse.Caller{SubjectID: "alice", TenantID: "acme"}, -time.Hour)
	require.NoError(t, err)
	resp = h.do(http.MethodPost, "/api/v1/instances", expired, map[string]string{"templateId": "docs"})
	assert.Equal(t, http.StatusUnauthorized, resp.status)
}

func TestServer_SignInAndFetchToken(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.token("alice", "acme")
	inst := h.createInstance(alice, "docs")
	assert.Equal(t, "acme", inst.TenantID)

	auth := h.do(http.MethodPost, "/api/v1/instances/"+inst.ID+"/authorize", alice, nil)
	require.Equal(t, http.StatusOK, auth.status)
	pending := findCookie(auth.cookies, PendingCookie)
	require.NotNil(t, pending)
	assert.True(t, pending.HttpOnly)
	assert.True(t, pending.Secure)
	assert.Equal(t, "/oauth/callback", pending.Path)
	assert.Equal(t, http.SameSiteLaxMode, pending.SameSite)

	var ar authorizeResponse
	require.NoError(t, json.Unmarshal([]byte(auth.body), &ar))
	u, err := url.Parse(ar.AuthorizationURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	assert.Equal(t, "backend-client", u.Query().Get("client_id"))

	session := &http.Cookie{Name: SessionCookie, Value: alice}
	cb := h.do(http.MethodGet, "/oauth/callback?code=good&state="+state, "", nil, pending, session)
	require.Equal(t, http.StatusOK, cb.status, cb.body)
	assert.Contains(t, cb.body, "Signed in")
	cleared := findCookie(cb.cookies, PendingCookie)
	require.NotNil(t, cleared)
	assert.Equal(t, -1, cleared.MaxAge)

	tok := h.do(http.MethodGet, "/api/v1/instances/"+inst.ID+"/token", alice, nil)
	require.Equal(t, http.StatusOK, tok.status)
	var at accessTokenResponse
	require.NoError(t, json.Unmarshal([]byte(tok.body), &at))
	assert.Equal(t, "access-1", at.AccessToken)
	assert.Equal(t, "Bearer", at.TokenType)
	assert.Equal(t, "no-store", tok.header.Get("Cache-Control"))

	// The same handle cannot be used twice.
	replay := h.do(http.MethodGet, "/oauth/callback?code=good&state="+state, "", nil, pending, session)
	assert.Equal(t, http.StatusUnauthorized, replay.status)
	assert.NotContains(t, replay.body, "replay")
}

func TestServer_CallbackRejections(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.token("alice", "acme")
	mallory := h.token("mallory", "acme")
	inst := h.createInstance(alice, "docs")

	t.Run("missing handle", func(t *testing.T) {
		resp := h.do(http.MethodGet, "/oauth/callback?code=good&state=s", "", nil)
		assert.Equal(t, http.StatusBadRequest, resp.status)
	})

	t.Run("other subject's browser", func(t *testing.T) {
		auth := h.do(http.MethodPost, "/api/v1/instances/"+inst.ID+"/authorize", alice, nil)
		var ar authorizeResponse
		require.NoError(t, json.Unmarshal([]byte(auth.body), &ar))
		u, _ := url.Parse(ar.AuthorizationURL)

		resp := h.do(http.MethodGet, "/oauth/callback?code=good&state="+u.Query().Get("state"), "", nil,
			findCookie(auth.cookies, PendingCookie), &http.Cookie{Name: SessionCookie, Value: mallory})
		assert.Equal(t, http.StatusUnauthorized, resp.status)
		assert.Contains(t, resp.body, "Authentication failed")
		assert.NotContains(t, resp.body, "subject")
	})

	t.Run("tampered handle", func(t *testing.T) {
		resp := h.do(http.MethodGet, "/oauth/callback?code=good&state=s", "", nil,
			&http.Cookie{Name: PendingCookie, Value: "not.a.real.handle.value"},
			&http.Cookie{Name: SessionCookie, Value: alice})
		assert.Equal(t, http.StatusBadRequest, resp.status)
	})

	t.Run("provider error", func(t *testing.T) {
		auth := h.do(http.MethodPost, "/api/v1/instances/"+inst.ID+"/authorize", alice, nil)
		resp := h.do(http.MethodGet, "/oauth/callback?error=access_denied&error_description=secret+detail", "", nil,
			findCookie(auth.cookies, PendingCookie), &http.Cookie{Name: SessionCookie, Value: alice})
		assert.Equal(t, http.StatusBadGateway, resp.status)
		assert.NotContains(t, resp.body, "secret detail")
	})
}

func TestServer_PostLoginRedirect(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.token("alice", "acme")
	inst := h.createInstance(alice, "docs")

	resp := h.signIn(alice, inst.ID, map[string]string{"postLoginRedirect": "/app/connected"})
	assert.Equal(t, http.StatusFound, resp.status)
	assert.Equal(t, "/app/connected", resp.header.Get("Location"))

	for _, target := range []string{"https://evil.example.com/", "//evil.example.com", "/\\evil.example.com"} {
		bad := h.do(http.MethodPost, "/api/v1/instances/"+inst.ID+"/authorize", alice,
			map[string]string{"postLoginRedirect": target})
		assert.Equal(t, http.StatusBadRequest, bad.status, target)
	}
}

func TestServer_TenantIsolation(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.token("alice", "acme")
	eve := h.token("eve", "globex")
	inst := h.createInstance(alice, "docs")

	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodPost, "/api/v1/instances/" + inst.ID + "/authorize"},
		{http.MethodGet, "/api/v1/instances/" + inst.ID + "/token"},
		{http.MethodDelete, "/api/v1/instances/" + inst.ID + "/token"},
		{http.MethodGet, "/api/v1/instances/" + inst.ID + "/reusable"},
		{http.MethodDelete, "/api/v1/instances/" + inst.ID},
	} {
		resp := h.do(tc.method, tc.path, eve, nil)
		assert.Equal(t, http.StatusForbidden, resp.status, tc.method+" "+tc.path)
	}

	resp := h.do(http.MethodGet, "/api/v1/instances/missing/token", alice, nil)
	assert.Equal(t, http.StatusNotFound, resp.status)
}

func TestServer_Reuse(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.token("alice", "acme")
	first := h.createInstance(alice, "docs")
	second := h.createInstance(alice, "docs")
	mail := h.createInstance(alice, "mail")

	require.Equal(t, http.StatusOK, h.signIn(alice, first.ID, nil).status)

	list := h.do(http.MethodGet, "/api/v1/instances/"+second.ID+"/reusable", alice, nil)
	require.Equal(t, http.StatusOK, list.status)
	var candidates []candidateResponse
	require.NoError(t, json.Unmarshal([]byte(list.body), &candidates))
	require.Len(t, candidates, 1)
	assert.Equal(t, first.ID, candidates[0].Token.ResourceInstanceID)
	assert.Greater(t, candidates[0].RemainingSeconds, int64(3000))
	assert.NotContains(t, list.body, "access-1")

	resp := h.do(http.MethodPost, "/api/v1/instances/"+second.ID+"/reuse", alice,
		map[string]string{"sourceTokenId": candidates[0].Token.ID})
	require.Equal(t, http.StatusOK, resp.status, resp.body)

	tok := h.do(http.MethodGet, "/api/v1/instances/"+second.ID+"/token", alice, nil)
	require.Equal(t, http.StatusOK, tok.status)
	assert.Contains(t, tok.body, "access-1")

	mismatch := h.do(http.MethodPost, "/api/v1/instances/"+mail.ID+"/reuse", alice,
		map[string]string{"sourceTokenId": candidates[0].Token.ID})
	assert.Equal(t, http.StatusBadRequest, mismatch.status)
	assert.Contains(t, mismatch.body, "different template")

	bob := h.token("bob", "acme")
	stolen := h.do(http.MethodPost, "/api/v1/instances/"+second.ID+"/reuse", bob,
		map[string]string{"sourceTokenId": candidates[0].Token.ID})
	assert.Equal(t, http.StatusForbidden, stolen.status)

	missing := h.do(http.MethodPost, "/api/v1/instances/"+second.ID+"/reuse", alice, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, missing.status)
}

func TestServer_RevokeAndDelete(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.token("alice", "acme")
	inst := h.createInstance(alice, "docs")
	require.Equal(t, http.StatusOK, h.signIn(alice, inst.ID, nil).status)

	resp := h.do(http.MethodDelete, "/api/v1/instances/"+inst.ID+"/token", alice, nil)
	assert.Equal(t, http.StatusNoContent, resp.status)

	resp = h.do(http.MethodGet, "/api/v1/instances/"+inst.ID+"/token", alice, nil)
	assert.Equal(t, http.StatusConflict, resp.status, "a revoked token needs a new sign-in")

	require.Equal(t, http.StatusOK, h.signIn(alice, inst.ID, nil).status)
	resp = h.do(http.MethodDelete, "/api/v1/instances/"+inst.ID, alice, nil)
	assert.Equal(t, http.StatusNoContent, resp.status)
	assert.Equal(t, []string{inst.ID}, h.deleted)

	_, err := h.store.GetToken(context.Background(), "alice", inst.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	resp = h.do(http.MethodGet, "/api/v1/instances/"+inst.ID+"/token", alice, nil)
	assert.Equal(t, http.StatusNotFound, resp.status)
}

func TestServer_CreateInstanceValidation(t *testing.T) {
	h := newHarness(t, nil)
	alice := h.token("alice", "acme")

	resp := h.do(http.MethodPost, "/api/v1/instances", alice, map[string]string{"templateId": "nope"})
	assert.Equal(t, http.StatusBadRequest, resp.status)

	resp = h.do(http.MethodPost, "/api/v1/instances", alice, map[string]string{"bogus": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.status)
}

func TestServer_CallbackRateLimit(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.RateLimit = 0.001
		c.RateBurst = 2
	})

	statuses := []int{}
	for i := 0; i < 3; i++ {
		statuses = append(statuses, h.do(http.MethodGet, "/oauth/callback?code=x&state=y", "", nil).status)
	}
	assert.Equal(t, []int{http.StatusBadRequest, http.StatusBadRequest, http.StatusTooManyRequests}, statuses)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", &engine.Error{Kind: engine.KindValidation}, http.StatusBadRequest},
		{"integrity", &engine.Error{Kind: engine.KindIntegrity}, http.StatusUnauthorized},
		{"exchange", &engine.Error{Kind: engine.KindExchange}, http.StatusBadGateway},
		{"provisioning", &engine.Error{Kind: engine.KindProvisioning}, http.StatusBadGateway},
		{"reauth", &engine.Error{Kind: engine.KindReauthRequired}, http.StatusConflict},
		{"storage", &engine.Error{Kind: engine.KindStorage, Err: errors.New("db down")}, http.StatusInternalServerError},
		{"forbidden", fmt.Errorf("reuse: %w", reuse.ErrForbidden), http.StatusForbidden},
		{"template mismatch", fmt.Errorf("reuse: %w", reuse.ErrTemplateMismatch), http.StatusBadRequest},
		{"expired source", reuse.ErrSourceExpired, http.StatusBadRequest},
		{"not found", fmt.Errorf("get: %w", store.ErrNotFound), http.StatusNotFound},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, message := statusFor(tt.err)
			assert.Equal(t, tt.status, status)
			assert.NotContains(t, message, "db down")
		})
	}
}

func TestNewIdentityVerifier_ShortSecret(t *testing.T) {
	_, err := NewIdentityVerifier([]byte("short"))
	assert.Error(t, err)
}
