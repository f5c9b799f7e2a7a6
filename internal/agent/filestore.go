package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tether/internal/store"
	"tether/pkg/logging"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600

	registrationsDir = "registrations"
	tokenSuffix      = ".token.json"
)

// FileStore keeps the client-held deployment's registrations and tokens as
// JSON files. Token material and client secrets are encrypted through the
// cipher before they reach disk.
//
// Layout:
//
//	<dir>/<sha256(subject, instance)>.token.json
//	<dir>/registrations/<id>.json
type FileStore struct {
	dir    string
	cipher store.FieldCipher
	now    func() time.Time

	mu sync.Mutex
}

var (
	_ store.TokenStore        = (*FileStore)(nil)
	_ store.RegistrationStore = (*FileStore)(nil)
)

// NewFileStore creates the directory if needed and returns a store rooted in
// it.
func NewFileStore(dir string, cipher store.FieldCipher) (*FileStore, error) {
	if cipher == nil {
		return nil, errors.New("file store requires a cipher")
	}
	if err := os.MkdirAll(filepath.Join(dir, registrationsDir), dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create token directory: %w", err)
	}
	return &FileStore{dir: dir, cipher: cipher, now: time.Now}, nil
}

// Dir returns the root directory.
func (f *FileStore) Dir() string {
	return f.dir
}

func (f *FileStore) tokenPath(subjectID, instanceID string) string {
	sum := sha256.Sum256([]byte(subjectID + "\x00" + instanceID))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:16])+tokenSuffix)
}

func (f *FileStore) registrationPath(id string) string {
	return filepath.Join(f.dir, registrationsDir, id+".json")
}

// IsTokenFile reports whether name is a token file written by FileStore.
func IsTokenFile(name string) bool {
	return strings.HasSuffix(name, tokenSuffix)
}

// writeFile replaces path atomically so readers never see a partial file.
func writeFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(filePerm); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (f *FileStore) seal(fields ...*string) error {
	for _, field := range fields {
		if *field == "" {
			continue
		}
		sealed, err := f.cipher.Encrypt(*field)
		if err != nil {
			return fmt.Errorf("failed to encrypt field: %w", err)
		}
		*field = sealed
	}
	return nil
}

func (f *FileStore) unseal(fields ...*string) error {
	for _, field := range fields {
		if *field == "" {
			continue
		}
		plain, err := f.cipher.Decrypt(*field)
		if err != nil {
			return fmt.Errorf("failed to decrypt field: %w", err)
		}
		*field = plain
	}
	return nil
}

// SaveRegistration implements store.RegistrationStore.
func (f *FileStore) SaveRegistration(_ context.Context, reg *store.ClientRegistration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if reg.ID == "" {
		reg.ID = uuid.NewString()
	}
	if reg.CreatedAt.IsZero() {
		reg.CreatedAt = f.now().UTC()
	}
	onDisk := *reg
	if err := f.seal(&onDisk.ClientSecret); err != nil {
		return err
	}
	if err := writeFile(f.registrationPath(reg.ID), &onDisk); err != nil {
		return fmt.Errorf("failed to write registration: %w", err)
	}
	return nil
}

func (f *FileStore) loadRegistration(path string) (*store.ClientRegistration, error) {
	var reg store.ClientRegistration
	if err := readFile(path, &reg); err != nil {
		return nil, err
	}
	if err := f.unseal(&reg.ClientSecret); err != nil {
		return nil, err
	}
	return &reg, nil
}

// GetRegistration implements store.RegistrationStore.
func (f *FileStore) GetRegistration(_ context.Context, id string) (*store.ClientRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadRegistration(f.registrationPath(id))
}

// LatestRegistration implements store.RegistrationStore.
func (f *FileStore) LatestRegistration(_ context.Context, tenantID, templateID string) (*store.ClientRegistration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	regs, err := f.registrations()
	if err != nil {
		return nil, err
	}
	var latest *store.ClientRegistration
	for _, reg := range regs {
		if reg.TenantID != tenantID || reg.TemplateID != templateID {
			continue
		}
		// Equal timestamps fall back to the ID so the pick is stable.
		if latest == nil || reg.CreatedAt.After(latest.CreatedAt) ||
			(reg.CreatedAt.Equal(latest.CreatedAt) && reg.ID > latest.ID) {
			latest = reg
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return latest, nil
}

func (f *FileStore) registrations() ([]*store.ClientRegistration, error) {
	matches, err := filepath.Glob(filepath.Join(f.dir, registrationsDir, "*.json"))
	if err != nil {
		return nil, err
	}
	out := make([]*store.ClientRegistration, 0, len(matches))
	for _, path := range matches {
		reg, err := f.loadRegistration(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read registration %s: %w", filepath.Base(path), err)
		}
		out = append(out, reg)
	}
	return out, nil
}

func (f *FileStore) loadToken(path string) (*store.TokenRecord, error) {
	var rec store.TokenRecord
	if err := readFile(path, &rec); err != nil {
		return nil, err
	}
	if err := f.unseal(&rec.AccessToken, &rec.RefreshToken, &rec.IDToken); err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpsertToken implements store.TokenStore. The per-process lock serializes
// writers; concurrent processes converge on the last rename.
func (f *FileStore) UpsertToken(_ context.Context, rec *store.TokenRecord) (*store.TokenRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.tokenPath(rec.SubjectID, rec.ResourceInstanceID)
	stored := rec.Clone()
	stored.ID = uuid.NewString()

	// Only the ID is carried over, so the sealed fields stay untouched and an
	// unreadable file is replaced rather than blocking a fresh sign-in.
	var existing store.TokenRecord
	switch err := readFile(path, &existing); {
	case err == nil && existing.ID != "":
		stored.ID = existing.ID
	case err == nil, errors.Is(err, store.ErrNotFound):
	default:
		logging.Warn("FileStore", "Replacing unreadable token file %s: %v", filepath.Base(path), err)
	}
	stored.UpdatedAt = f.now().UTC()

	onDisk := stored.Clone()
	if err := f.seal(&onDisk.AccessToken, &onDisk.RefreshToken, &onDisk.IDToken); err != nil {
		return nil, err
	}
	if err := writeFile(path, onDisk); err != nil {
		return nil, fmt.Errorf("failed to write token: %w", err)
	}
	return stored, nil
}

// GetToken implements store.TokenStore.
func (f *FileStore) GetToken(_ context.Context, subjectID, instanceID string) (*store.TokenRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadToken(f.tokenPath(subjectID, instanceID))
}

func (f *FileStore) tokens() ([]*store.TokenRecord, error) {
	matches, err := filepath.Glob(filepath.Join(f.dir, "*"+tokenSuffix))
	if err != nil {
		return nil, err
	}
	out := make([]*store.TokenRecord, 0, len(matches))
	for _, path := range matches {
		rec, err := f.loadToken(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read token %s: %w", filepath.Base(path), err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Tokens returns every stored record, sorted by subject and instance.
func (f *FileStore) Tokens(_ context.Context) ([]*store.TokenRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	recs, err := f.tokens()
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].SubjectID != recs[j].SubjectID {
			return recs[i].SubjectID < recs[j].SubjectID
		}
		return recs[i].ResourceInstanceID < recs[j].ResourceInstanceID
	})
	return recs, nil
}

// GetTokenByID implements store.TokenStore.
func (f *FileStore) GetTokenByID(_ context.Context, id string) (*store.TokenRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	recs, err := f.tokens()
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, store.ErrNotFound
}

// ListTemplateTokens implements store.TokenStore.
func (f *FileStore) ListTemplateTokens(_ context.Context, subjectID, tenantID, templateID string) ([]*store.TokenRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	regs, err := f.registrations()
	if err != nil {
		return nil, err
	}
	ofTemplate := make(map[string]bool)
	for _, reg := range regs {
		if reg.TenantID == tenantID && reg.TemplateID == templateID {
			ofTemplate[reg.ID] = true
		}
	}

	recs, err := f.tokens()
	if err != nil {
		return nil, err
	}
	var out []*store.TokenRecord
	for _, rec := range recs {
		if rec.SubjectID == subjectID && rec.TenantID == tenantID && ofTemplate[rec.RegistrationID] {
			out = append(out, rec)
		}
	}
	return out, nil
}

// DeleteToken implements store.TokenStore.
func (f *FileStore) DeleteToken(_ context.Context, subjectID, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.tokenPath(subjectID, instanceID))
	if errors.Is(err, os.ErrNotExist) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}
