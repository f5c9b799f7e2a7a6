// Package provision syncs a resource server's capabilities after the first
// successful authorization against it.
package provision

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tether/internal/store"
	"tether/pkg/logging"
)

// DefaultSyncTimeout bounds one capability sync.
const DefaultSyncTimeout = 30 * time.Second

// CapabilitySyncer imports the capabilities a resource offers.
type CapabilitySyncer interface {
	// SyncCapabilities returns how many capabilities were new. Repeating
	// the call with an unchanged upstream set returns zero.
	SyncCapabilities(ctx context.Context, resourceID, accessToken string) (int, error)
}

// ToolLister lists the tool names a resource server exposes.
type ToolLister interface {
	ListTools(ctx context.Context, resourceURL, accessToken string) ([]string, error)
}

// Syncer is a CapabilitySyncer for MCP resource servers. It remembers the
// tools already seen per resource instance.
type Syncer struct {
	instances store.InstanceStore
	lister    ToolLister

	mu    sync.Mutex
	known map[string]map[string]struct{}
}

// NewSyncer returns a Syncer that resolves resource URLs from instances.
func NewSyncer(instances store.InstanceStore, lister ToolLister) *Syncer {
	return &Syncer{
		instances: instances,
		lister:    lister,
		known:     make(map[string]map[string]struct{}),
	}
}

// SyncCapabilities implements CapabilitySyncer.
func (s *Syncer) SyncCapabilities(ctx context.Context, resourceID, accessToken string) (int, error) {
	inst, err := s.instances.GetInstance(ctx, resourceID)
	if err != nil {
		return 0, fmt.Errorf("failed to load resource instance %s: %w", resourceID, err)
	}
	if inst.ResourceURL == "" {
		return 0, fmt.Errorf("resource instance %s has no URL", resourceID)
	}

	tools, err := s.lister.ListTools(ctx, inst.ResourceURL, accessToken)
	if err != nil {
		return 0, fmt.Errorf("failed to list tools for %s: %w", resourceID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen, ok := s.known[resourceID]
	if !ok {
		seen = make(map[string]struct{})
		s.known[resourceID] = seen
	}
	added := 0
	for _, name := range tools {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		added++
	}
	return added, nil
}

// Capabilities returns the known tool names of a resource, sorted.
func (s *Syncer) Capabilities(resourceID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.known[resourceID]))
	for name := range s.known[resourceID] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Forget drops what is known about a resource, e.g. when it is deleted.
func (s *Syncer) Forget(resourceID string) {
	s.mu.Lock()
	delete(s.known, resourceID)
	s.mu.Unlock()
}

// Hook adapts a CapabilitySyncer to run after an authorization completes.
type Hook struct {
	syncer  CapabilitySyncer
	timeout time.Duration
}

// NewHook returns a Hook with DefaultSyncTimeout.
func NewHook(syncer CapabilitySyncer) *Hook {
	return &Hook{syncer: syncer, timeout: DefaultSyncTimeout}
}

// Provision syncs the capabilities of rec's resource instance.
func (h *Hook) Provision(ctx context.Context, rec *store.TokenRecord) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	added, err := h.syncer.SyncCapabilities(ctx, rec.ResourceInstanceID, rec.AccessToken)
	if err != nil {
		return 0, err
	}
	logging.Debug("Provision", "Synced capabilities for instance %s, %d new", rec.ResourceInstanceID, added)
	return added, nil
}
