package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v3"
)

// SealedKeySize is the size of the key that seals pending handles.
const SealedKeySize = 32

// maxHandleLength bounds the handle accepted from callers.
const maxHandleLength = 8 * 1024

// SealedPendingStore keeps no server-side state. The whole pending
// authorization is encrypted into the handle with JWE (direct key agreement,
// A256GCM), so it can neither be read nor altered by the caller.
//
// Handles are single-use: on recovery the nonce is claimed in the ledger
// until the pending authorization expires.
type SealedPendingStore struct {
	key    []byte
	ledger Ledger
	now    func() time.Time
}

// NewSealedPendingStore returns a store sealing with key, which must be
// SealedKeySize bytes. A nil ledger disables replay detection.
func NewSealedPendingStore(key []byte, ledger Ledger) (*SealedPendingStore, error) {
	if len(key) != SealedKeySize {
		return nil, fmt.Errorf("pending handle key must be %d bytes, got %d", SealedKeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &SealedPendingStore{key: k, ledger: ledger, now: time.Now}, nil
}

// Put seals p into a compact JWE.
func (s *SealedPendingStore) Put(_ context.Context, p *PendingAuthorization) (string, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode pending authorization: %w", err)
	}

	enc, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: jose.DIRECT, Key: s.key}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create encrypter: %w", err)
	}
	obj, err := enc.Encrypt(payload)
	if err != nil {
		return "", fmt.Errorf("failed to seal pending authorization: %w", err)
	}
	return obj.CompactSerialize()
}

// Take opens handle and claims it. Altered or foreign handles yield
// ErrPendingTampered and reused ones ErrPendingReplayed.
func (s *SealedPendingStore) Take(ctx context.Context, handle string) (*PendingAuthorization, error) {
	if handle == "" {
		return nil, ErrNoPending
	}
	if len(handle) > maxHandleLength {
		return nil, fmt.Errorf("%w: handle too long", ErrPendingTampered)
	}

	obj, err := jose.ParseEncrypted(handle)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPendingTampered, err)
	}
	if obj.Header.Algorithm != string(jose.DIRECT) {
		return nil, fmt.Errorf("%w: unexpected algorithm %q", ErrPendingTampered, obj.Header.Algorithm)
	}
	payload, err := obj.Decrypt(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPendingTampered, err)
	}

	var p PendingAuthorization
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPendingTampered, err)
	}

	// Expired handles are rejected by the engine; there is nothing to claim.
	if s.ledger != nil && !p.Expired(s.now()) {
		if err := s.ledger.Claim(ctx, p.Nonce, p.ExpiresAt); err != nil {
			return nil, err
		}
	}
	return &p, nil
}
