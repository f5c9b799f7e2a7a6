package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
)

// Ledger records consumed pending-handle nonces.
type Ledger interface {
	// Claim marks id as used until the given time. It returns
	// ErrPendingReplayed if id was already claimed and has not lapsed.
	Claim(ctx context.Context, id string, until time.Time) error
}

// MemoryLedger is a Ledger for a single backend process.
type MemoryLedger struct {
	mu      sync.Mutex
	claimed map[string]time.Time
	now     func() time.Time
}

// MemoryLedgerOption configures a MemoryLedger.
type MemoryLedgerOption func(*MemoryLedger)

// WithLedgerClock sets the clock claims are lapsed against. It should be
// the clock the pending store stamps expiries with.
func WithLedgerClock(now func() time.Time) MemoryLedgerOption {
	return func(l *MemoryLedger) {
		l.now = now
	}
}

// NewMemoryLedger returns an empty in-process ledger.
func NewMemoryLedger(opts ...MemoryLedgerOption) *MemoryLedger {
	l := &MemoryLedger{claimed: make(map[string]time.Time), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Claim implements Ledger.
func (l *MemoryLedger) Claim(_ context.Context, id string, until time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for k, exp := range l.claimed {
		if now.After(exp) {
			delete(l.claimed, k)
		}
	}

	if _, ok := l.claimed[id]; ok {
		return ErrPendingReplayed
	}
	l.claimed[id] = until
	return nil
}

// Len returns the number of live claims.
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.claimed)
}

// DefaultLedgerPrefix prefixes ledger keys in valkey.
const DefaultLedgerPrefix = "tether:pending:"

// ValkeyConfig configures a ValkeyLedger.
type ValkeyConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// ValkeyLedger is a Ledger shared by backend replicas through valkey. A claim
// is a SET NX with an expiry, so entries vanish with the handle's TTL.
type ValkeyLedger struct {
	client valkeygo.Client
	prefix string
	now    func() time.Time
}

// NewValkeyLedger connects to valkey and verifies the connection.
func NewValkeyLedger(ctx context.Context, cfg ValkeyConfig) (*ValkeyLedger, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Do(pingCtx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey at %s: %w", cfg.Address, err)
	}

	return NewValkeyLedgerFromClient(client, cfg.KeyPrefix), nil
}

// NewValkeyLedgerFromClient wraps an existing client.
func NewValkeyLedgerFromClient(client valkeygo.Client, prefix string) *ValkeyLedger {
	if prefix == "" {
		prefix = DefaultLedgerPrefix
	}
	return &ValkeyLedger{client: client, prefix: prefix, now: time.Now}
}

// Claim implements Ledger.
func (l *ValkeyLedger) Claim(ctx context.Context, id string, until time.Time) error {
	ttl := until.Sub(l.now())
	if ttl < time.Second {
		ttl = time.Second
	}

	err := l.client.Do(ctx,
		l.client.B().Set().Key(l.prefix+id).Value("1").Nx().Ex(ttl).Build(),
	).Error()
	if valkeygo.IsValkeyNil(err) {
		return ErrPendingReplayed
	}
	if err != nil {
		return fmt.Errorf("failed to claim pending handle: %w", err)
	}
	return nil
}

// Close releases the valkey client.
func (l *ValkeyLedger) Close() {
	l.client.Close()
}
