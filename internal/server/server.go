package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"tether/internal/engine"
	"tether/internal/registration"
	"tether/internal/reuse"
	"tether/internal/store"
	"tether/pkg/logging"
)

const (
	// PendingCookie carries the sealed pending handle to the callback.
	PendingCookie = "tether_pending"

	DefaultRequestTimeout  = 10 * time.Second
	DefaultCallbackTimeout = 60 * time.Second

	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultIdleTimeout       = 120 * time.Second

	maxBodyBytes = 64 << 10
)

// Authorizer runs the sign-in protocol.
type Authorizer interface {
	BeginAuthorization(ctx context.Context, req engine.BeginRequest) (*engine.BeginResult, error)
	CompleteCallback(ctx context.Context, params engine.CallbackParams, handle, callerSubject string) (*engine.Callback, error)
	AccessToken(ctx context.Context, subjectID, instanceID string) (*store.TokenRecord, error)
	Revoke(ctx context.Context, subjectID, instanceID string) error
}

// Reuser finds and copies reusable tokens.
type Reuser interface {
	FindReusable(ctx context.Context, caller reuse.Caller, templateID, excludingInstance string) ([]reuse.Candidate, error)
	Reuse(ctx context.Context, caller reuse.Caller, sourceTokenID, targetInstanceID string) (*store.TokenRecord, error)
}

// TemplateLookup resolves a template ID.
type TemplateLookup func(id string) (registration.Template, bool)

// Config configures a Server.
type Config struct {
	Listen    string
	PublicURL string

	CallbackPath string
	CallerSecret []byte

	RequestTimeout  time.Duration
	CallbackTimeout time.Duration

	// RateLimit is callback requests per second per client address.
	RateLimit float64
	RateBurst int
}

// Deps are the components the server drives.
type Deps struct {
	Engine    Authorizer
	Reuse     Reuser
	Instances store.InstanceStore
	Templates TemplateLookup

	// OnInstanceDeleted runs after an instance and its tokens are gone.
	OnInstanceDeleted func(subjectID, instanceID string)
}

// Server is the backend HTTP surface.
type Server struct {
	cfg      Config
	deps     Deps
	identity *IdentityVerifier
	limiter  *ipRateLimiter
	secure   bool
	now      func() time.Time

	httpServer *http.Server
}

// New validates cfg and builds a Server.
func New(cfg Config, deps Deps) (*Server, error) {
	switch {
	case deps.Engine == nil || deps.Reuse == nil || deps.Instances == nil || deps.Templates == nil:
		return nil, errors.New("server: engine, reuse resolver, instance store and templates are required")
	case cfg.CallbackPath == "" || !strings.HasPrefix(cfg.CallbackPath, "/"):
		return nil, errors.New("server: callback path must start with /")
	}
	identity, err := NewIdentityVerifier(cfg.CallerSecret)
	if err != nil {
		return nil, err
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = DefaultCallbackTimeout
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}
	return &Server{
		cfg:      cfg,
		deps:     deps,
		identity: identity,
		limiter:  newIPRateLimiter(cfg.RateLimit, cfg.RateBurst),
		secure:   strings.HasPrefix(cfg.PublicURL, "https://"),
		now:      time.Now,
	}, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(requestLogging)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	r.Handle(s.cfg.CallbackPath,
		s.limiter.middleware(withTimeout(s.cfg.CallbackTimeout, http.HandlerFunc(s.handleCallback)))).
		Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(securityHeaders)
	api.Use(s.requireCaller)
	api.Use(func(next http.Handler) http.Handler { return withTimeout(s.cfg.RequestTimeout, next) })

	api.HandleFunc("/instances", s.handleCreateInstance).Methods(http.MethodPost)
	api.HandleFunc("/instances/{id}", s.handleDeleteInstance).Methods(http.MethodDelete)
	api.HandleFunc("/instances/{id}/authorize", s.handleAuthorize).Methods(http.MethodPost)
	api.HandleFunc("/instances/{id}/reusable", s.handleReusable).Methods(http.MethodGet)
	api.HandleFunc("/instances/{id}/reuse", s.handleReuse).Methods(http.MethodPost)
	api.HandleFunc("/instances/{id}/token", s.handleGetToken).Methods(http.MethodGet)
	api.HandleFunc("/instances/{id}/token", s.handleRevokeToken).Methods(http.MethodDelete)

	return r
}

// Start listens on cfg.Listen and serves until Shutdown. It returns once
// the listener is bound.
func (s *Server) Start() (net.Addr, error) {
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return nil, err
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		IdleTimeout:       DefaultIdleTimeout,
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("Server", err, "HTTP server stopped")
		}
	}()
	logging.Info("Server", "Listening on %s", listener.Addr())
	return listener.Addr(), nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// safeRedirect accepts local paths and URLs on the public origin only.
func (s *Server) safeRedirect(target string) bool {
	if target == "" {
		return true
	}
	if strings.HasPrefix(target, "/") && !strings.HasPrefix(target, "//") && !strings.HasPrefix(target, "/\\") {
		return true
	}
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	public, err := url.Parse(s.cfg.PublicURL)
	if err != nil {
		return false
	}
	return u.Scheme == public.Scheme && u.Host == public.Host
}
