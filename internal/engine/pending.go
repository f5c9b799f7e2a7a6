package engine

import (
	"context"
	"errors"
	"sync"
	"time"
)

// PendingAuthorization is one in-flight authorization attempt. It is
// consumed by at most one callback.
type PendingAuthorization struct {
	State         string `json:"state"`
	CodeVerifier  string `json:"codeVerifier"`
	CodeChallenge string `json:"codeChallenge"`
	Nonce         string `json:"nonce"`

	SubjectID          string `json:"subjectId"`
	TenantID           string `json:"tenantId"`
	ResourceInstanceID string `json:"resourceInstanceId"`
	TemplateID         string `json:"templateId"`
	RegistrationID     string `json:"registrationId"`
	Purpose            string `json:"purpose,omitempty"`

	RedirectURI     string   `json:"redirectUri"`
	RequestedScopes []string `json:"requestedScopes,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`

	PostLoginRedirect string `json:"postLoginRedirect,omitempty"`
}

// Expired reports whether now is past ExpiresAt.
func (p *PendingAuthorization) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

var (
	// ErrNoPending means there is no pending authorization to recover.
	ErrNoPending = errors.New("no pending authorization")

	// ErrPendingTampered means a handle failed integrity checks.
	ErrPendingTampered = errors.New("pending authorization handle failed integrity check")

	// ErrPendingReplayed means a handle was already consumed.
	ErrPendingReplayed = errors.New("pending authorization handle already used")
)

// PendingStore keeps pending authorizations between begin and callback.
type PendingStore interface {
	// Put stores p and returns the handle the caller carries to the
	// callback. The handle may be empty when the store is session-scoped.
	Put(ctx context.Context, p *PendingAuthorization) (string, error)

	// Take recovers and consumes the pending authorization for handle.
	Take(ctx context.Context, handle string) (*PendingAuthorization, error)
}

// SessionPendingStore holds at most one pending authorization for a
// single-user process. Starting a new attempt discards the previous one.
type SessionPendingStore struct {
	mu      sync.Mutex
	current *PendingAuthorization
}

// NewSessionPendingStore returns an empty session store.
func NewSessionPendingStore() *SessionPendingStore {
	return &SessionPendingStore{}
}

// Put replaces the current pending authorization. The handle is empty.
func (s *SessionPendingStore) Put(_ context.Context, p *PendingAuthorization) (string, error) {
	cp := *p
	s.mu.Lock()
	s.current = &cp
	s.mu.Unlock()
	return "", nil
}

// Take returns and clears the current pending authorization. The handle is
// ignored.
func (s *SessionPendingStore) Take(_ context.Context, _ string) (*PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, ErrNoPending
	}
	p := s.current
	s.current = nil
	return p, nil
}

// Peek returns a copy of the current pending authorization without
// consuming it.
func (s *SessionPendingStore) Peek() (*PendingAuthorization, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, false
	}
	cp := *s.current
	return &cp, true
}

// Clear discards the current pending authorization.
func (s *SessionPendingStore) Clear() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}
