// Package custody encrypts token material at rest.
//
// Stored values have the form "{algorithm}:{payload}". The algorithm tag is
// drawn from a closed set and selects the strategy that decrypts the value,
// independent of which strategy is preferred for new encryptions. An
// untagged value or an unrecognized tag is a hard error; there is no legacy
// fallback.
package custody

import (
	"errors"
	"fmt"
	"strings"
)

// AlgorithmTag identifies the strategy that produced a stored value.
type AlgorithmTag string

const (
	// AlgorithmKeystore values were sealed with a data key held in the OS
	// credential store.
	AlgorithmKeystore AlgorithmTag = "keystore-v1"

	// AlgorithmSoftware values were sealed with a key derived via scrypt from
	// the local master key file.
	AlgorithmSoftware AlgorithmTag = "scrypt-aes256gcm-v1"
)

var knownAlgorithms = map[AlgorithmTag]bool{
	AlgorithmKeystore: true,
	AlgorithmSoftware: true,
}

// Known reports whether t is a recognized algorithm tag.
func (t AlgorithmTag) Known() bool {
	return knownAlgorithms[t]
}

var (
	// ErrUnknownAlgorithm is returned for values without a recognized tag.
	ErrUnknownAlgorithm = errors.New("unknown encryption algorithm tag")

	// ErrDecrypt is returned when a value fails authentication or is
	// malformed. Corrupted plaintext is never returned.
	ErrDecrypt = errors.New("decryption failed")

	// ErrStrategyUnavailable is returned when a value's strategy cannot run
	// on this host, for example a keystore value on a machine without one.
	ErrStrategyUnavailable = errors.New("encryption strategy unavailable")

	// ErrKeyFileInsecure is returned when the master key file has the wrong
	// permissions or size. The file is never silently regenerated.
	ErrKeyFileInsecure = errors.New("master key file is insecure or corrupt")
)

// Strategy seals and opens payloads. Payloads are base64 text without the
// algorithm tag; Vault adds and strips it.
type Strategy interface {
	Algorithm() AlgorithmTag
	Available() bool
	Seal(plaintext string) (string, error)
	Open(payload string) (string, error)
}

// Vault encrypts with the first available preferred strategy and decrypts
// with whichever strategy the stored tag names.
type Vault struct {
	preferred []Strategy
	byTag     map[AlgorithmTag]Strategy
}

// NewVault builds a vault. Strategies are listed in order of preference.
func NewVault(strategies ...Strategy) (*Vault, error) {
	if len(strategies) == 0 {
		return nil, fmt.Errorf("at least one encryption strategy is required")
	}

	v := &Vault{byTag: make(map[AlgorithmTag]Strategy, len(strategies))}
	for _, s := range strategies {
		tag := s.Algorithm()
		if !tag.Known() {
			return nil, fmt.Errorf("strategy uses unregistered algorithm tag %q", tag)
		}
		if _, dup := v.byTag[tag]; dup {
			return nil, fmt.Errorf("duplicate strategy for algorithm %q", tag)
		}
		v.byTag[tag] = s
		v.preferred = append(v.preferred, s)
	}
	return v, nil
}

// Available reports whether any strategy can encrypt.
func (v *Vault) Available() bool {
	return v.active() != nil
}

// Algorithm returns the tag new values would be written with, or "" when no
// strategy is available.
func (v *Vault) Algorithm() AlgorithmTag {
	if s := v.active(); s != nil {
		return s.Algorithm()
	}
	return ""
}

func (v *Vault) active() Strategy {
	for _, s := range v.preferred {
		if s.Available() {
			return s
		}
	}
	return nil
}

// Encrypt seals plaintext and returns "{algorithm}:{payload}".
func (v *Vault) Encrypt(plaintext string) (string, error) {
	s := v.active()
	if s == nil {
		return "", ErrStrategyUnavailable
	}

	payload, err := s.Seal(plaintext)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt with %s: %w", s.Algorithm(), err)
	}
	return string(s.Algorithm()) + ":" + payload, nil
}

// Decrypt opens a value produced by Encrypt.
func (v *Vault) Decrypt(tagged string) (string, error) {
	tag, payload, err := SplitTagged(tagged)
	if err != nil {
		return "", err
	}

	s, ok := v.byTag[tag]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrStrategyUnavailable, tag)
	}

	plaintext, err := s.Open(payload)
	if err != nil {
		if errors.Is(err, ErrKeyFileInsecure) || errors.Is(err, ErrStrategyUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

// SplitTagged separates the algorithm tag from the payload and rejects
// untagged or unrecognized values.
func SplitTagged(tagged string) (AlgorithmTag, string, error) {
	prefix, payload, found := strings.Cut(tagged, ":")
	if !found {
		return "", "", ErrUnknownAlgorithm
	}
	tag := AlgorithmTag(prefix)
	if !tag.Known() {
		return "", "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, prefix)
	}
	return tag, payload, nil
}
