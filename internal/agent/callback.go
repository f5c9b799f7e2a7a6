package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"tether/internal/engine"
	"tether/internal/pages"
	"tether/pkg/logging"
)

// CallbackTimeout is how long login waits for the browser to come back.
const CallbackTimeout = 10 * time.Minute

// exchangeTimeout bounds completing a callback once it arrived.
const exchangeTimeout = 30 * time.Second

// CompleteFunc finishes the sign-in for callback parameters.
type CompleteFunc func(ctx context.Context, params engine.CallbackParams) error

// CallbackServer is a loopback HTTP server that accepts exactly one OAuth
// callback, completes it and shuts down.
type CallbackServer struct {
	port     int
	path     string
	complete CompleteFunc

	server   *http.Server
	listener net.Listener
	once     sync.Once
	doneCh   chan error
	errCh    chan error
}

// NewCallbackServer creates a server for 127.0.0.1:port. Port 0 picks a free
// port, which only works with providers that accept any loopback port.
func NewCallbackServer(port int, path string, complete CompleteFunc) *CallbackServer {
	if path == "" {
		path = "/oauth/callback"
	}
	return &CallbackServer{
		port:     port,
		path:     path,
		complete: complete,
		doneCh:   make(chan error, 1),
		errCh:    make(chan error, 1),
	}
}

// Start listens and returns the redirect URI. The server stops when ctx is
// cancelled.
func (s *CallbackServer) Start(ctx context.Context) (string, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", s.port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to start callback server on %s: %w", addr, err)
	}
	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleCallback)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case s.errCh <- err:
			default:
			}
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return s.RedirectURI(), nil
}

// Wait blocks until a callback was processed and returns its outcome.
func (s *CallbackServer) Wait(ctx context.Context) error {
	select {
	case err := <-s.doneCh:
		return err
	case err := <-s.errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	params := engine.CallbackParams{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}

	// Stray requests must not consume the pending attempt.
	if params.State == "" && params.Error == "" {
		pages.Error(w, http.StatusBadRequest, "")
		return
	}

	handled := false
	s.once.Do(func() {
		handled = true
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), exchangeTimeout)
		defer cancel()
		err := s.complete(ctx, params)
		if err != nil {
			logging.Warn("CallbackServer", "Sign-in failed: %v", err)
			pages.Error(w, http.StatusBadRequest, engine.PublicMessage(err))
		} else {
			pages.Success(w, pages.Data{})
		}
		s.doneCh <- err

		go func() {
			time.Sleep(time.Second)
			s.Stop()
		}()
	})

	if !handled {
		pages.Error(w, http.StatusBadRequest, "This sign-in was already processed.")
	}
}

// Stop shuts the server down.
func (s *CallbackServer) Stop() {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(ctx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

// RedirectURI returns the URI the provider redirects to.
func (s *CallbackServer) RedirectURI() string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", s.port, s.path)
}

// Port returns the listening port.
func (s *CallbackServer) Port() int {
	return s.port
}
