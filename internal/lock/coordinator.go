// Package lock grants single-writer edit leases on chapter records.
//
// Each record id has its own slot and mutex, so calls for different ids never
// wait on each other and calls for the same id are serialised. Nothing in
// this package waits for a lease to free up: Acquire either succeeds or
// reports the current holder immediately.
//
// A lease moves Unlocked -> Locked(holder) -> Unlocked, by release or by
// expiry. Re-acquire and Touch keep Locked(holder) -> Locked(holder). There
// is no direct Locked(A) -> Locked(B) transition.
package lock

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chapterhub/pkg/models"
)

const (
	DefaultLeaseDuration = 15 * time.Minute
	DefaultMaxDuration   = 2 * time.Hour
)

type slot struct {
	mu    sync.Mutex
	lease *models.Lease
	// dead is set when the sweeper has unlinked the slot; holders of a stale
	// pointer must look the id up again.
	dead bool
}

type Coordinator struct {
	slots sync.Map // record id -> *slot

	now    func() time.Time
	logger *slog.Logger

	ttlMu      sync.RWMutex
	defaultTTL time.Duration
	maxTTL     time.Duration
}

type Option func(*Coordinator)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithDefaultTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.defaultTTL = d
		}
	}
}

func WithMaxTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.maxTTL = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		now:        time.Now,
		logger:     slog.Default(),
		defaultTTL: DefaultLeaseDuration,
		maxTTL:     DefaultMaxDuration,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxTTL < c.defaultTTL {
		c.maxTTL = c.defaultTTL
	}
	c.logger = c.logger.With("component", "lock")
	return c
}

// SetDefaultTTL changes the duration used when callers pass ttl <= 0.
// Leases already granted keep their own duration.
func (c *Coordinator) SetDefaultTTL(d time.Duration) {
	if d <= 0 {
		return
	}
	c.ttlMu.Lock()
	c.defaultTTL = d
	if c.maxTTL < d {
		c.maxTTL = d
	}
	c.ttlMu.Unlock()
}

// SetMaxTTL changes the cap on requested durations. It never drops below
// the default duration.
func (c *Coordinator) SetMaxTTL(d time.Duration) {
	if d <= 0 {
		return
	}
	c.ttlMu.Lock()
	c.maxTTL = max(d, c.defaultTTL)
	c.ttlMu.Unlock()
}

func (c *Coordinator) resolveTTL(ttl time.Duration) time.Duration {
	c.ttlMu.RLock()
	defer c.ttlMu.RUnlock()
	if ttl <= 0 {
		return c.defaultTTL
	}
	if ttl > c.maxTTL {
		return c.maxTTL
	}
	return ttl
}

// withSlot runs fn with the record's slot locked.
func (c *Coordinator) withSlot(id string, fn func(s *slot)) {
	for {
		v, ok := c.slots.Load(id)
		if !ok {
			v, _ = c.slots.LoadOrStore(id, &slot{})
		}
		s := v.(*slot)

		s.mu.Lock()
		if s.dead {
			s.mu.Unlock()
			continue
		}
		fn(s)
		s.mu.Unlock()
		return
	}
}

func validRequest(id, caller string) bool {
	return strings.TrimSpace(id) != "" && strings.TrimSpace(caller) != ""
}

// Acquire grants caller the lease on id. It succeeds when the record is
// unlocked, when the current lease has expired, or when caller already holds
// it, in which case the expiry is pushed out. Otherwise it returns a
// *DeniedError naming the holder.
func (c *Coordinator) Acquire(id, caller string, ttl time.Duration) (models.Lease, error) {
	if !validRequest(id, caller) {
		return models.Lease{}, ErrInvalidRequest
	}
	ttl = c.resolveTTL(ttl)

	var (
		out    models.Lease
		err    error
		action string
	)
	c.withSlot(id, func(s *slot) {
		now := c.now()
		cur := s.lease

		switch {
		case cur != nil && !cur.Expired(now) && cur.Holder != caller:
			err = &DeniedError{RecordID: id, Holder: cur.Holder, ExpiresAt: cur.ExpiresAt}
			return
		case cur != nil && !cur.Expired(now):
			if exp := now.Add(ttl); exp.After(cur.ExpiresAt) {
				cur.ExpiresAt = exp
			}
			cur.Duration = ttl
			action = "extended"
		default:
			if cur != nil {
				c.logger.Info("reclaiming expired lease", "record_id", id, "previous", cur.Holder, "caller", caller)
			}
			s.lease = &models.Lease{
				RecordID:   id,
				Holder:     caller,
				AcquiredAt: now,
				ExpiresAt:  now.Add(ttl),
				Duration:   ttl,
			}
			action = "acquired"
		}
		out = *s.lease
	})
	if err != nil {
		c.logger.Debug("lease denied", "record_id", id, "caller", caller)
		return models.Lease{}, err
	}

	c.logger.Debug("lease "+action, "record_id", id, "caller", caller, "expires_at", out.ExpiresAt)
	return out, nil
}

// Release drops caller's lease on id and reports whether a live lease was
// removed. Releasing an expired or absent lease succeeds and does nothing.
func (c *Coordinator) Release(id, caller string) (bool, error) {
	if !validRequest(id, caller) {
		return false, ErrInvalidRequest
	}

	var (
		released bool
		err      error
	)
	c.withSlot(id, func(s *slot) {
		cur := s.lease
		switch {
		case cur == nil:
		case cur.Expired(c.now()):
			s.lease = nil
		case cur.Holder != caller:
			err = &DeniedError{RecordID: id, Holder: cur.Holder, ExpiresAt: cur.ExpiresAt}
		default:
			s.lease = nil
			released = true
		}
	})
	if released {
		c.logger.Debug("lease released", "record_id", id, "caller", caller)
	}
	return released, err
}

// Touch extends caller's live lease by its original duration.
func (c *Coordinator) Touch(id, caller string) (models.Lease, error) {
	if !validRequest(id, caller) {
		return models.Lease{}, ErrInvalidRequest
	}

	var (
		out models.Lease
		err error
	)
	c.withSlot(id, func(s *slot) {
		now := c.now()
		cur := s.lease
		switch {
		case cur == nil:
			err = ErrNotHeld
		case cur.Expired(now):
			s.lease = nil
			err = ErrNotHeld
		case cur.Holder != caller:
			err = &DeniedError{RecordID: id, Holder: cur.Holder, ExpiresAt: cur.ExpiresAt}
		default:
			cur.ExpiresAt = now.Add(cur.Duration)
			out = *cur
		}
	})
	return out, err
}

// WhileHeld runs fn only if caller holds a live lease on id, and keeps the
// lease from being released, reclaimed or swept until fn returns. It reports
// whether fn ran.
func (c *Coordinator) WhileHeld(id, caller string, fn func()) bool {
	v, ok := c.slots.Load(id)
	if !ok {
		return false
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead || s.lease == nil || s.lease.Expired(c.now()) || s.lease.Holder != caller {
		return false
	}
	fn()
	return true
}

// Holds reports whether caller holds a live lease on id.
func (c *Coordinator) Holds(id, caller string) bool {
	l, ok := c.Lookup(id)
	return ok && l.Holder == caller
}

// Lookup returns the live lease on id, if any.
func (c *Coordinator) Lookup(id string) (models.Lease, bool) {
	v, ok := c.slots.Load(id)
	if !ok {
		return models.Lease{}, false
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead || s.lease == nil || s.lease.Expired(c.now()) {
		return models.Lease{}, false
	}
	return *s.lease, true
}

// Sweep unlinks every slot without a live lease and returns how many expired
// leases it dropped. It runs independently of record access.
func (c *Coordinator) Sweep() int {
	now := c.now()
	dropped := 0
	c.slots.Range(func(key, v any) bool {
		s := v.(*slot)
		s.mu.Lock()
		if s.lease == nil || s.lease.Expired(now) {
			if s.lease != nil {
				dropped++
			}
			s.lease = nil
			s.dead = true
			c.slots.CompareAndDelete(key, s)
		}
		s.mu.Unlock()
		return true
	})
	return dropped
}

// RunSweeper calls Sweep every interval until ctx is done.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Info("swept expired leases", "count", n)
			}
		}
	}
}
