// Package permcache memoizes resolved permission sets per (user, context).
//
// Each user carries a generation counter. Entries and in-flight resolves are
// keyed by the generation observed when the lookup started, so bumping the
// generation makes every older entry and flight unreachable for later calls.
package permcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/homecare/homecare/internal/rbac"
)

const (
	// DefaultTTL applies in production.
	DefaultTTL = 300 * time.Second
	// DevelopmentTTL applies elsewhere when no TTL is configured.
	DevelopmentTTL = 60 * time.Second
	// DefaultResolutionTimeout bounds one resolver call.
	DefaultResolutionTimeout = 2 * time.Second
)

// Key identifies one cached permission set.
type Key struct {
	UserID  int64
	Context rbac.Context
}

func (k Key) String() string {
	return strconv.FormatInt(k.UserID, 10) + "|" + string(k.Context.Type) + "|" + strconv.FormatInt(k.Context.ID, 10)
}

// Entry is a cached permission set.
type Entry struct {
	UserID      int64     `json:"user_id"`
	ContextType string    `json:"context_type"`
	ContextID   int64     `json:"context_id"`
	Permissions []string  `json:"permissions"`
	FetchedAt   time.Time `json:"fetched_at"`
	// ValidUntil is the earliest expiry of a contributing assignment; zero
	// when none expires.
	ValidUntil time.Time `json:"valid_until,omitzero"`
	Generation int64     `json:"generation"`
}

// Fresh reports whether the entry may still be served at now.
func (e Entry) Fresh(now time.Time, ttl time.Duration) bool {
	if now.Sub(e.FetchedAt) >= ttl {
		return false
	}
	return e.ValidUntil.IsZero() || now.Before(e.ValidUntil)
}

// expiry is how long the entry may be stored, at most ttl.
func (e Entry) expiry(now time.Time, ttl time.Duration) time.Duration {
	if e.ValidUntil.IsZero() {
		return ttl
	}
	if left := e.ValidUntil.Sub(now); left < ttl {
		return left
	}
	return ttl
}

// Key returns the entry's cache key.
func (e Entry) Key() Key {
	return Key{UserID: e.UserID, Context: rbac.Context{Type: rbac.ContextType(e.ContextType), ID: e.ContextID}}
}

// Set rebuilds the permission set.
func (e Entry) Set() rbac.PermissionSet {
	return rbac.NewPermissionSet(e.Permissions...)
}

// Backend stores entries and per-user generations.
type Backend interface {
	// Generation returns the user's current generation.
	Generation(ctx context.Context, userID int64) (int64, error)
	// Load returns the entry stored for key under generation gen.
	Load(ctx context.Context, key Key, gen int64) (Entry, bool, error)
	// Store saves an entry under its generation.
	Store(ctx context.Context, entry Entry, ttl time.Duration) error
	// Bump advances the user's generation. It must be visible to every
	// Generation call that starts after it returns.
	Bump(ctx context.Context, userID int64) (int64, error)
}

// Loader computes a non-admin user's permission set and the instant it stops
// being valid (zero for no bound).
type Loader interface {
	ResolveUserUntil(ctx context.Context, userID int64, c rbac.Context) (rbac.PermissionSet, time.Time, error)
}

// Cache fronts a Loader with a TTL store and single-flight resolution.
type Cache struct {
	loader  Loader
	backend Backend
	ttl     time.Duration
	timeout time.Duration
	now     func() time.Time
	group   singleflight.Group
	metrics *Metrics
	logger  *slog.Logger
	onBump  func(ctx context.Context, userID int64)
}

// Option customises a Cache.
type Option func(*Cache)

// WithTTL sets the entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithResolutionTimeout bounds each resolver call.
func WithResolutionTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock injects the clock used for TTL checks.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithInvalidationHook runs fn after every successful local invalidation,
// typically to broadcast it to other processes.
func WithInvalidationHook(fn func(ctx context.Context, userID int64)) Option {
	return func(c *Cache) {
		c.onBump = fn
	}
}

// New builds a Cache. A nil backend disables storage; concurrent misses are
// still collapsed and invalidation still separates flights.
func New(loader Loader, backend Backend, opts ...Option) *Cache {
	if backend == nil {
		backend = NewPassthroughBackend()
	}
	c := &Cache{
		loader:  loader,
		backend: backend,
		ttl:     DefaultTTL,
		timeout: DefaultResolutionTimeout,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL reports the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns the user's permission set in rc.
func (c *Cache) Get(ctx context.Context, userID int64, rc rbac.Context) (rbac.PermissionSet, error) {
	if err := rc.Validate(); err != nil {
		return rbac.PermissionSet{}, err
	}
	key := Key{UserID: userID, Context: rc}
	ct := string(rc.Type)

	gen, err := c.backend.Generation(ctx, userID)
	if err != nil {
		return c.degrade(ctx, key, "generation", err)
	}
	entry, ok, err := c.backend.Load(ctx, key, gen)
	if err != nil {
		return c.degrade(ctx, key, "load", err)
	}
	if ok && entry.Generation == gen && entry.Fresh(c.now(), c.ttl) {
		c.metrics.hit(ct)
		return entry.Set(), nil
	}
	c.metrics.miss(ct)

	flight := key.String() + "|" + strconv.FormatInt(gen, 10)
	ch := c.group.DoChan(flight, func() (interface{}, error) {
		// Shared work outlives the caller that started it.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		set, until, err := c.resolve(fctx, key)
		if err != nil {
			return nil, err
		}
		now := c.now()
		entry := Entry{
			UserID:      userID,
			ContextType: ct,
			ContextID:   rc.ID,
			Permissions: set.Names(),
			FetchedAt:   now,
			ValidUntil:  until,
			Generation:  gen,
		}
		ttl := entry.expiry(now, c.ttl)
		if ttl <= 0 {
			return set, nil
		}
		if err := c.backend.Store(fctx, entry, ttl); err != nil {
			c.metrics.backendError("store")
			c.logger.Warn("permcache store", slog.Int64("user_id", userID), slog.String("context", rc.String()), slog.Any("error", err))
		}
		return set, nil
	})
	select {
	case <-ctx.Done():
		return rbac.PermissionSet{}, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.metrics.sharedResolve()
		}
		if res.Err != nil {
			return rbac.PermissionSet{}, res.Err
		}
		return res.Val.(rbac.PermissionSet), nil
	}
}

// InvalidateUser drops every cached set of the user, across all contexts.
// Lookups starting after it returns observe the new generation.
func (c *Cache) InvalidateUser(ctx context.Context, userID int64) error {
	if err := c.bumpLocal(ctx, userID); err != nil {
		return err
	}
	if c.onBump != nil {
		c.onBump(ctx, userID)
	}
	return nil
}

// ApplyRemoteInvalidation bumps the local generation for an invalidation
// received from another process without re-broadcasting it.
func (c *Cache) ApplyRemoteInvalidation(ctx context.Context, userID int64) error {
	return c.bumpLocal(ctx, userID)
}

func (c *Cache) bumpLocal(ctx context.Context, userID int64) error {
	if _, err := c.backend.Bump(ctx, userID); err != nil {
		c.metrics.backendError("bump")
		return fmt.Errorf("permcache: bump user %d: %w", userID, err)
	}
	c.metrics.invalidated()
	return nil
}

// degrade answers straight from the loader when the backend misbehaves.
func (c *Cache) degrade(ctx context.Context, key Key, op string, cause error) (rbac.PermissionSet, error) {
	c.metrics.backendError(op)
	c.logger.Warn("permcache backend unavailable, resolving directly",
		slog.String("op", op), slog.Int64("user_id", key.UserID), slog.Any("error", cause))
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	set, _, err := c.resolve(rctx, key)
	return set, err
}

func (c *Cache) resolve(ctx context.Context, key Key) (rbac.PermissionSet, time.Time, error) {
	if c.loader == nil {
		return rbac.PermissionSet{}, time.Time{}, errors.New("permcache: loader not configured")
	}
	start := time.Now()
	set, until, err := c.loader.ResolveUserUntil(ctx, key.UserID, key.Context)
	c.metrics.observeResolve(string(key.Context.Type), err, time.Since(start))
	return set, until, err
}
