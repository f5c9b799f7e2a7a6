package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu            sync.RWMutex
	registrations map[string]*ClientRegistration
	instances     map[string]*ResourceInstance
	tokens        map[string]*TokenRecord // by ID
	now           func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		registrations: make(map[string]*ClientRegistration),
		instances:     make(map[string]*ResourceInstance),
		tokens:        make(map[string]*TokenRecord),
		now:           time.Now,
	}
}

func (m *MemoryStore) SaveRegistration(_ context.Context, reg *ClientRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reg.ID == "" {
		reg.ID = uuid.NewString()
	}
	if reg.CreatedAt.IsZero() {
		reg.CreatedAt = m.now()
	}
	c := *reg
	c.Scopes = append([]string(nil), reg.Scopes...)
	m.registrations[reg.ID] = &c
	return nil
}

func (m *MemoryStore) GetRegistration(_ context.Context, id string) (*ClientRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reg, ok := m.registrations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *reg
	return &c, nil
}

func (m *MemoryStore) LatestRegistration(_ context.Context, tenantID, templateID string) (*ClientRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *ClientRegistration
	for _, reg := range m.registrations {
		if reg.TenantID != tenantID || reg.TemplateID != templateID {
			continue
		}
		if latest == nil || reg.CreatedAt.After(latest.CreatedAt) ||
			(reg.CreatedAt.Equal(latest.CreatedAt) && reg.ID > latest.ID) {
			latest = reg
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	c := *latest
	return &c, nil
}

func (m *MemoryStore) UpsertToken(_ context.Context, rec *TokenRecord) (*TokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := rec.Clone()
	stored.UpdatedAt = m.now()
	if existing := m.findToken(rec.SubjectID, rec.ResourceInstanceID); existing != nil {
		stored.ID = existing.ID
	} else {
		stored.ID = uuid.NewString()
	}

	m.tokens[stored.ID] = stored
	return stored.Clone(), nil
}

func (m *MemoryStore) findToken(subjectID, instanceID string) *TokenRecord {
	for _, t := range m.tokens {
		if t.SubjectID == subjectID && t.ResourceInstanceID == instanceID {
			return t
		}
	}
	return nil
}

func (m *MemoryStore) GetToken(_ context.Context, subjectID, instanceID string) (*TokenRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if t := m.findToken(subjectID, instanceID); t != nil {
		return t.Clone(), nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) GetTokenByID(_ context.Context, id string) (*TokenRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *MemoryStore) ListTemplateTokens(_ context.Context, subjectID, tenantID, templateID string) ([]*TokenRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*TokenRecord
	for _, t := range m.tokens {
		if t.SubjectID != subjectID || t.TenantID != tenantID {
			continue
		}
		reg, ok := m.registrations[t.RegistrationID]
		if !ok || reg.TemplateID != templateID {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteToken(_ context.Context, subjectID, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.findToken(subjectID, instanceID)
	if t == nil {
		return ErrNotFound
	}
	delete(m.tokens, t.ID)
	return nil
}

func (m *MemoryStore) SaveInstance(_ context.Context, inst *ResourceInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = m.now()
	}
	c := *inst
	m.instances[inst.ID] = &c
	return nil
}

func (m *MemoryStore) GetInstance(_ context.Context, id string) (*ResourceInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *inst
	return &c, nil
}

func (m *MemoryStore) DeleteInstance(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[id]; !ok {
		return ErrNotFound
	}
	delete(m.instances, id)
	for tid, t := range m.tokens {
		if t.ResourceInstanceID == id {
			delete(m.tokens, tid)
		}
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }
