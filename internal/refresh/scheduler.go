// Package refresh renews stored tokens in the background before they expire.
//
// Each (subject, resource instance) pair has at most one armed timer. Arming
// again cancels and replaces the previous timer, so a stale timer can never
// fire after a newer token was stored.
package refresh

import (
	"context"
	"sync"
	"time"

	"tether/internal/engine"
	"tether/internal/store"
	"tether/pkg/logging"
	"tether/pkg/oauth"
)

const (
	// MinDelay is the shortest time a timer waits.
	MinDelay = time.Minute

	// DefaultRetryDelay is how long to wait after a transient failure.
	DefaultRetryDelay = time.Minute

	// DefaultAttemptTimeout bounds one refresh attempt.
	DefaultAttemptTimeout = 30 * time.Second
)

// Delay returns how long to wait before refreshing a token that expires in
// expiresIn: the lifetime minus the refresh threshold, never less than
// MinDelay.
func Delay(expiresIn time.Duration) time.Duration {
	d := expiresIn - oauth.TokenRefreshThreshold
	if d < MinDelay {
		return MinDelay
	}
	return d
}

// RefreshFunc loads the latest token for a pair, refreshes and persists it.
type RefreshFunc func(ctx context.Context, subjectID, instanceID string) (*store.TokenRecord, error)

type entry struct {
	gen   uint64
	timer *time.Timer
	due   time.Time
}

// Scheduler holds the armed timers.
type Scheduler struct {
	refresh        RefreshFunc
	delay          func(time.Duration) time.Duration
	retryDelay     time.Duration
	attemptTimeout time.Duration
	terminal       func(error) bool
	now            func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithDelayFunc replaces Delay.
func WithDelayFunc(fn func(time.Duration) time.Duration) Option {
	return func(s *Scheduler) {
		s.delay = fn
	}
}

// WithRetryDelay sets the wait after a transient failure.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Scheduler) {
		s.retryDelay = d
	}
}

// WithAttemptTimeout bounds each refresh attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		s.attemptTimeout = d
	}
}

// WithTerminal sets the predicate for failures that must not be retried.
// The default treats engine.KindReauthRequired as terminal.
func WithTerminal(fn func(error) bool) Option {
	return func(s *Scheduler) {
		s.terminal = fn
	}
}

// NewScheduler returns a scheduler that calls fn when a timer fires.
func NewScheduler(fn RefreshFunc, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		refresh:        fn,
		delay:          Delay,
		retryDelay:     DefaultRetryDelay,
		attemptTimeout: DefaultAttemptTimeout,
		terminal:       engine.IsReauthRequired,
		now:            time.Now,
		entries:        make(map[string]*entry),
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func key(subjectID, instanceID string) string {
	return subjectID + "\x00" + instanceID
}

// Arm schedules a refresh for a token that expires in expiresIn, replacing
// any timer already armed for the pair.
func (s *Scheduler) Arm(subjectID, instanceID string, expiresIn time.Duration) {
	s.armAfter(subjectID, instanceID, s.delay(expiresIn), false)
}

func (s *Scheduler) armAfter(subjectID, instanceID string, d time.Duration, onlyIfIdle bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	k := key(subjectID, instanceID)
	if old, ok := s.entries[k]; ok {
		if onlyIfIdle {
			return
		}
		old.timer.Stop()
	}

	s.gen++
	gen := s.gen
	s.entries[k] = &entry{
		gen:   gen,
		due:   s.now().Add(d),
		timer: time.AfterFunc(d, func() { s.fire(subjectID, instanceID, gen) }),
	}

	logging.Debug("Refresh", "Armed refresh for instance %s in %s", instanceID, d.Round(time.Second))
}

// Cancel disarms the pair's timer, if any.
func (s *Scheduler) Cancel(subjectID, instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(subjectID, instanceID)
	if e, ok := s.entries[k]; ok {
		e.timer.Stop()
		delete(s.entries, k)
	}
}

// Pending returns when the pair's timer fires, if one is armed.
func (s *Scheduler) Pending(subjectID, instanceID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key(subjectID, instanceID)]
	if !ok {
		return time.Time{}, false
	}
	return e.due, true
}

// Len returns the number of armed timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop disarms every timer and waits for running refreshes to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for k, e := range s.entries {
		e.timer.Stop()
		delete(s.entries, k)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) fire(subjectID, instanceID string, gen uint64) {
	k := key(subjectID, instanceID)

	s.mu.Lock()
	e, ok := s.entries[k]
	if s.stopped || !ok || e.gen != gen {
		// Superseded or canceled after the timer was already running.
		s.mu.Unlock()
		return
	}
	delete(s.entries, k)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, s.attemptTimeout)
	defer cancel()

	rec, err := s.refresh(ctx, subjectID, instanceID)
	if err != nil {
		if s.terminal != nil && s.terminal(err) {
			logging.Warn("Refresh", "Refresh for instance %s needs interactive sign-in, not rescheduling: %v", instanceID, err)
			return
		}
		logging.Error("Refresh", err, "Background refresh for instance %s failed, retrying in %s", instanceID, s.retryDelay)
		s.armAfter(subjectID, instanceID, s.retryDelay, true)
		return
	}

	logging.Info("Refresh", "Background refresh for instance %s succeeded", instanceID)

	// The refresh path normally re-arms through the engine already.
	if rec != nil {
		if remaining, bounded := rec.Remaining(s.now()); bounded && rec.HasRefreshToken() {
			s.armAfter(subjectID, instanceID, s.delay(remaining), true)
		}
	}
}

// Restore arms a timer for a token loaded at process start. Tokens without
// an expiry or a refresh token are left alone.
func (s *Scheduler) Restore(rec *store.TokenRecord) bool {
	remaining, bounded := rec.Remaining(s.now())
	if !bounded || !rec.HasRefreshToken() {
		return false
	}
	s.Arm(rec.SubjectID, rec.ResourceInstanceID, remaining)
	return true
}
