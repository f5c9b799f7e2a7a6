// Package reuse copies a still-valid token between resource instances that
// share a template, so a user does not sign in again for every connection.
package reuse

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"tether/internal/instrumentation"
	"tether/internal/store"
	"tether/pkg/logging"
)

var (
	// ErrTemplateMismatch means source and target belong to different
	// templates. It is a validation error.
	ErrTemplateMismatch = errors.New("source token belongs to a different template")

	// ErrSourceExpired means the source token can no longer be used.
	ErrSourceExpired = errors.New("source token has expired")

	// ErrForbidden means the source or target belongs to someone else.
	ErrForbidden = errors.New("token or instance belongs to another subject or tenant")
)

// Caller is the authenticated subject performing the operation.
type Caller struct {
	SubjectID string
	TenantID  string
}

// Candidate is a token that could be reused.
type Candidate struct {
	Token *store.TokenRecord
	// Remaining is zero when Unbounded.
	Remaining time.Duration
	Unbounded bool
}

// Armer schedules background refresh for a copied token.
type Armer interface {
	Arm(subjectID, instanceID string, expiresIn time.Duration)
}

// Resolver finds and copies reusable tokens.
type Resolver struct {
	tokens        store.TokenStore
	instances     store.InstanceStore
	registrations store.RegistrationStore

	armer Armer
	inst  *instrumentation.Instrumentation
	now   func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithArmer arms refresh for copied tokens.
func WithArmer(a Armer) Option {
	return func(r *Resolver) {
		r.armer = a
	}
}

// WithInstrumentation sets metrics.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(r *Resolver) {
		r.inst = inst
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// NewResolver creates a Resolver.
func NewResolver(tokens store.TokenStore, instances store.InstanceStore, registrations store.RegistrationStore, opts ...Option) *Resolver {
	r := &Resolver{
		tokens:        tokens,
		instances:     instances,
		registrations: registrations,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.inst == nil {
		r.inst = instrumentation.Noop()
	}
	return r
}

// FindReusable lists the caller's unexpired tokens for templateID, except
// the one bound to excludingInstance. Tokens without an expiry come first,
// then the longest remaining validity.
func (r *Resolver) FindReusable(ctx context.Context, caller Caller, templateID, excludingInstance string) ([]Candidate, error) {
	records, err := r.tokens.ListTemplateTokens(ctx, caller.SubjectID, caller.TenantID, templateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}

	now := r.now()
	out := make([]Candidate, 0, len(records))
	for _, rec := range records {
		if rec.ResourceInstanceID == excludingInstance || rec.Expired(now) {
			continue
		}
		remaining, bounded := rec.Remaining(now)
		out = append(out, Candidate{Token: rec, Remaining: remaining, Unbounded: !bounded})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Unbounded != out[j].Unbounded {
			return out[i].Unbounded
		}
		return out[i].Remaining > out[j].Remaining
	})
	return out, nil
}

// Reuse copies the source token to targetInstanceID for the caller.
// Concurrent reuses for the same target converge on one of the results.
func (r *Resolver) Reuse(ctx context.Context, caller Caller, sourceTokenID, targetInstanceID string) (*store.TokenRecord, error) {
	rec, err := r.reuse(ctx, caller, sourceTokenID, targetInstanceID)
	outcome := "success"
	if err != nil {
		outcome = "rejected"
	}
	r.inst.Metrics().RecordReuse(ctx, outcome)
	return rec, err
}

func (r *Resolver) reuse(ctx context.Context, caller Caller, sourceTokenID, targetInstanceID string) (*store.TokenRecord, error) {
	src, err := r.tokens.GetTokenByID(ctx, sourceTokenID)
	if err != nil {
		return nil, fmt.Errorf("failed to load source token: %w", err)
	}
	if src.SubjectID != caller.SubjectID || src.TenantID != caller.TenantID {
		logging.Audit("Reuse", "cross_tenant_reuse",
			"caller", logging.TruncateID(caller.SubjectID),
			"tenant", caller.TenantID,
			"source", logging.TruncateID(sourceTokenID))
		return nil, ErrForbidden
	}

	target, err := r.instances.GetInstance(ctx, targetInstanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load target instance: %w", err)
	}
	if target.TenantID != caller.TenantID {
		logging.Audit("Reuse", "cross_tenant_reuse",
			"caller", logging.TruncateID(caller.SubjectID),
			"tenant", caller.TenantID,
			"target", targetInstanceID)
		return nil, ErrForbidden
	}

	reg, err := r.registrations.GetRegistration(ctx, src.RegistrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load source registration: %w", err)
	}
	if reg.TemplateID != target.TemplateID {
		return nil, ErrTemplateMismatch
	}

	now := r.now()
	if src.Expired(now) {
		return nil, ErrSourceExpired
	}

	cp := src.Clone()
	cp.ID = ""
	cp.ResourceInstanceID = target.ID
	cp.UpdatedAt = now

	stored, err := store.UpsertTokenRetrying(ctx, r.tokens, cp)
	if err != nil {
		return nil, fmt.Errorf("failed to store copied token: %w", err)
	}

	if r.armer != nil && stored.HasRefreshToken() {
		if remaining, bounded := stored.Remaining(now); bounded {
			r.armer.Arm(stored.SubjectID, stored.ResourceInstanceID, remaining)
		}
	}

	logging.Info("Reuse", "Copied token %s to instance %s", logging.TruncateID(src.ID), target.ID)
	return stored, nil
}

// IsValidation reports whether err is a rejected-input error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrTemplateMismatch) || errors.Is(err, ErrSourceExpired)
}
