package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"tether/pkg/logging"
)

// ConnState is the lifecycle state of a Connector.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateReady
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// RetryPolicy bounds connection establishment.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	AttemptTimeout  time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     5,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		AttemptTimeout:  5 * time.Second,
	}
}

// OpenFunc opens a database handle without connecting.
type OpenFunc func(driver, dsn string) (*sql.DB, error)

// ErrPermanent marks a setup failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent connection failure")

// Connector lazily establishes one shared *sql.DB. Only one establishment
// attempt runs at a time; concurrent callers wait on it. A failed attempt
// returns the connector to idle so a later call starts over.
type Connector struct {
	driver string
	dsn    string
	policy RetryPolicy
	open   OpenFunc

	// afterConnect runs once on a freshly pinged handle, before it is
	// published. Used for migrations.
	afterConnect func(ctx context.Context, db *sql.DB) error

	mu    sync.Mutex
	state ConnState
	db    *sql.DB

	group singleflight.Group
}

// ConnectorOption configures a Connector.
type ConnectorOption func(*Connector)

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p RetryPolicy) ConnectorOption {
	return func(c *Connector) {
		c.policy = p
	}
}

// WithOpenFunc replaces sql.Open, for tests.
func WithOpenFunc(open OpenFunc) ConnectorOption {
	return func(c *Connector) {
		c.open = open
	}
}

// WithAfterConnect registers a hook that runs on each new handle.
func WithAfterConnect(fn func(ctx context.Context, db *sql.DB) error) ConnectorOption {
	return func(c *Connector) {
		c.afterConnect = fn
	}
}

// NewConnector returns an idle connector.
func NewConnector(driver, dsn string, opts ...ConnectorOption) *Connector {
	c := &Connector{
		driver: driver,
		dsn:    dsn,
		policy: DefaultRetryPolicy(),
		open:   sql.Open,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.policy.MaxAttempts == 0 {
		c.policy.MaxAttempts = 1
	}
	return c
}

// Driver returns the database/sql driver name.
func (c *Connector) Driver() string { return c.driver }

// State returns the current lifecycle state.
func (c *Connector) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// DB returns the shared handle, connecting first if needed.
func (c *Connector) DB(ctx context.Context) (*sql.DB, error) {
	c.mu.Lock()
	if c.state == StateReady {
		db := c.db
		c.mu.Unlock()
		return db, nil
	}
	c.mu.Unlock()

	// The attempt outlives any single caller; each caller only stops
	// waiting when its own context ends.
	attemptCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan("connect", func() (interface{}, error) {
		return c.connect(attemptCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*sql.DB), nil
	}
}

func (c *Connector) connect(ctx context.Context) (*sql.DB, error) {
	c.mu.Lock()
	if c.state == StateReady {
		db := c.db
		c.mu.Unlock()
		return db, nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.InitialInterval
	b.MaxInterval = c.policy.MaxInterval

	attempt := 0
	db, err := backoff.Retry(ctx, func() (*sql.DB, error) {
		attempt++
		return c.attempt(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.policy.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logging.Warn("Store", "Database connection attempt %d failed, retrying in %s: %v", attempt, next, err)
		}),
	)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = StateIdle
		return nil, fmt.Errorf("failed to connect to %s database after %d attempt(s): %w", c.driver, attempt, err)
	}
	c.db = db
	c.state = StateReady
	logging.Info("Store", "Connected to %s database", c.driver)
	return db, nil
}

func (c *Connector) attempt(ctx context.Context) (*sql.DB, error) {
	db, err := c.open(c.driver, c.dsn)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: %v", ErrPermanent, err))
	}
	if c.driver == DriverSQLite {
		// sqlite allows one writer; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	pingCtx := ctx
	if c.policy.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, c.policy.AttemptTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}

	if c.afterConnect != nil {
		if err := c.afterConnect(ctx, db); err != nil {
			db.Close()
			return nil, backoff.Permanent(fmt.Errorf("%w: %v", ErrPermanent, err))
		}
	}
	return db, nil
}

// Close releases the handle and returns the connector to idle.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	c.state = StateIdle
	return err
}
