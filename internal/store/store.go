// Package store persists client registrations, resource instances and token
// records.
//
// Two implementations are provided: an in-memory store for tests and
// single-process use, and a SQL store for sqlite and postgres that sits on a
// Connector. Reads never treat duplicate registrations as an error; the most
// recently created one wins.
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write lost a uniqueness race. The write
	// can be retried.
	ErrConflict = errors.New("conflicting concurrent write")
)

// RegistrationStore persists client registrations.
type RegistrationStore interface {
	SaveRegistration(ctx context.Context, reg *ClientRegistration) error
	GetRegistration(ctx context.Context, id string) (*ClientRegistration, error)
	// LatestRegistration returns the most recently created registration for
	// the pair, or ErrNotFound.
	LatestRegistration(ctx context.Context, tenantID, templateID string) (*ClientRegistration, error)
}

// TokenStore persists token records.
type TokenStore interface {
	// UpsertToken creates or overwrites the record for
	// (SubjectID, ResourceInstanceID) and returns the stored copy. An
	// existing record keeps its ID; a new one gets a fresh ID regardless of
	// rec.ID.
	UpsertToken(ctx context.Context, rec *TokenRecord) (*TokenRecord, error)
	GetToken(ctx context.Context, subjectID, instanceID string) (*TokenRecord, error)
	GetTokenByID(ctx context.Context, id string) (*TokenRecord, error)
	// ListTemplateTokens returns the subject's records in tenantID whose
	// registration belongs to templateID.
	ListTemplateTokens(ctx context.Context, subjectID, tenantID, templateID string) ([]*TokenRecord, error)
	DeleteToken(ctx context.Context, subjectID, instanceID string) error
}

// InstanceStore persists resource instances.
type InstanceStore interface {
	SaveInstance(ctx context.Context, inst *ResourceInstance) error
	GetInstance(ctx context.Context, id string) (*ResourceInstance, error)
	// DeleteInstance removes the instance and every token record bound to it.
	DeleteInstance(ctx context.Context, id string) error
}

// Store is the full persistence surface of the backend.
type Store interface {
	RegistrationStore
	TokenStore
	InstanceStore
	Close() error
}

// FieldCipher encrypts individual secret columns. custody.Vault satisfies it.
type FieldCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(tagged string) (string, error)
}

// maxUpsertAttempts bounds retries of a token write that lost a race.
const maxUpsertAttempts = 3

// UpsertTokenRetrying retries UpsertToken while it reports ErrConflict.
// Concurrent writers for the same pair converge on the last write.
func UpsertTokenRetrying(ctx context.Context, ts TokenStore, rec *TokenRecord) (*TokenRecord, error) {
	var lastErr error
	for attempt := 0; attempt < maxUpsertAttempts; attempt++ {
		stored, err := ts.UpsertToken(ctx, rec)
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("token write did not settle after %d attempts: %w", maxUpsertAttempts, lastErr)
}
