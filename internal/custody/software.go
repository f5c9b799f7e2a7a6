package custody

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const (
	saltSize    = 32
	ivSize      = 16
	authTagSize = 16

	// DefaultScryptCost is the scrypt N parameter. r=8, p=1.
	DefaultScryptCost = 1 << 15
)

// SoftwareStrategy derives a per-record AES-256-GCM key from the master key
// file and a fresh salt. Payloads are base64(salt || iv || tag || ciphertext).
type SoftwareStrategy struct {
	keyFile    string
	scryptCost int
}

// SoftwareOption configures a SoftwareStrategy.
type SoftwareOption func(*SoftwareStrategy)

// WithScryptCost overrides the scrypt N parameter. Values sealed under one
// cost only open under the same cost.
func WithScryptCost(n int) SoftwareOption {
	return func(s *SoftwareStrategy) {
		s.scryptCost = n
	}
}

// NewSoftwareStrategy returns a strategy backed by the key file at keyFile.
func NewSoftwareStrategy(keyFile string, opts ...SoftwareOption) *SoftwareStrategy {
	s := &SoftwareStrategy{
		keyFile:    keyFile,
		scryptCost: DefaultScryptCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SoftwareStrategy) Algorithm() AlgorithmTag { return AlgorithmSoftware }

// Available is always true; key file problems surface from Seal and Open.
func (s *SoftwareStrategy) Available() bool { return true }

func (s *SoftwareStrategy) Seal(plaintext string) (string, error) {
	master, err := loadOrCreateKeyFile(s.keyFile)
	if err != nil {
		return "", err
	}

	buf := make([]byte, saltSize+ivSize, saltSize+ivSize+authTagSize+len(plaintext))
	_, _ = rand.Read(buf)
	salt, iv := buf[:saltSize], buf[saltSize:]

	gcm, err := s.aead(master, salt)
	if err != nil {
		return "", err
	}

	// GCM appends the tag; the stored layout puts it before the ciphertext.
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-authTagSize], sealed[len(sealed)-authTagSize:]

	buf = append(buf, tag...)
	buf = append(buf, ct...)
	return base64.StdEncoding.EncodeToString(buf), nil
}

func (s *SoftwareStrategy) Open(payload string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("malformed payload: %w", err)
	}
	if len(raw) < saltSize+ivSize+authTagSize {
		return "", fmt.Errorf("payload too short")
	}

	master, err := readKeyFile(s.keyFile)
	if err != nil {
		return "", err
	}

	salt := raw[:saltSize]
	iv := raw[saltSize : saltSize+ivSize]
	tag := raw[saltSize+ivSize : saltSize+ivSize+authTagSize]
	ct := raw[saltSize+ivSize+authTagSize:]

	gcm, err := s.aead(master, salt)
	if err != nil {
		return "", err
	}

	sealed := make([]byte, 0, len(ct)+authTagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("authentication failed: %w", err)
	}
	return string(plaintext), nil
}

func (s *SoftwareStrategy) aead(master, salt []byte) (cipher.AEAD, error) {
	dk, err := scrypt.Key(master, salt, s.scryptCost, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	block, err := aes.NewCipher(dk)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
