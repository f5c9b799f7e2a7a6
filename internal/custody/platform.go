package custody

import (
	"errors"
	"fmt"
	"sync"

	"github.com/giantswarm/mcp-oauth/security"
	"github.com/zalando/go-keyring"

	"tether/pkg/logging"
)

// DefaultKeyringService is the credential-store service name.
const DefaultKeyringService = "tether"

const keyringUser = "token-custody"

// PlatformStrategy keeps a random data key in the OS credential store
// (Keychain, Secret Service, Windows Credential Manager) and seals values with
// AES-256-GCM under it.
type PlatformStrategy struct {
	service string

	mu        sync.Mutex
	checked   bool
	encryptor *security.Encryptor
	checkErr  error
}

// NewPlatformStrategy returns a strategy using service in the OS keyring.
func NewPlatformStrategy(service string) *PlatformStrategy {
	if service == "" {
		service = DefaultKeyringService
	}
	return &PlatformStrategy{service: service}
}

func (p *PlatformStrategy) Algorithm() AlgorithmTag { return AlgorithmKeystore }

// Available reports whether the credential store answered. The check runs
// once per process.
func (p *PlatformStrategy) Available() bool {
	_, err := p.load()
	return err == nil
}

func (p *PlatformStrategy) Seal(plaintext string) (string, error) {
	enc, err := p.load()
	if err != nil {
		return "", err
	}
	return enc.Encrypt(plaintext)
}

func (p *PlatformStrategy) Open(payload string) (string, error) {
	enc, err := p.load()
	if err != nil {
		return "", err
	}
	return enc.Decrypt(payload)
}

func (p *PlatformStrategy) load() (*security.Encryptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.checked {
		return p.encryptor, p.checkErr
	}
	p.checked = true

	enc, err := p.fetchOrCreate()
	if err != nil {
		logging.Debug("Custody", "OS keyring unavailable: %v", err)
		p.checkErr = fmt.Errorf("%w: %v", ErrStrategyUnavailable, err)
		return nil, p.checkErr
	}
	p.encryptor = enc
	return enc, nil
}

func (p *PlatformStrategy) fetchOrCreate() (*security.Encryptor, error) {
	encoded, err := keyring.Get(p.service, keyringUser)
	switch {
	case err == nil:
	case errors.Is(err, keyring.ErrNotFound):
		key, genErr := security.GenerateKey()
		if genErr != nil {
			return nil, genErr
		}
		encoded = security.KeyToBase64(key)
		if err := keyring.Set(p.service, keyringUser, encoded); err != nil {
			return nil, fmt.Errorf("failed to store data key: %w", err)
		}
		logging.Info("Custody", "Created data key in OS keyring service %s", p.service)
	default:
		return nil, err
	}

	key, err := security.KeyFromBase64(encoded)
	if err != nil {
		return nil, fmt.Errorf("keyring data key is corrupt: %w", err)
	}
	return security.NewEncryptor(key)
}
