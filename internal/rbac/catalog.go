package rbac

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"
)

// Catalog is an immutable snapshot of the permission registry.
type Catalog struct {
	byName   map[string]Permission
	loadedAt time.Time
}

// NewCatalog builds a snapshot from permissions. Later duplicates win.
func NewCatalog(perms []Permission, loadedAt time.Time) *Catalog {
	byName := make(map[string]Permission, len(perms))
	for _, p := range perms {
		p.Name = NormalizePermission(p.Name)
		byName[p.Name] = p
	}
	return &Catalog{byName: byName, loadedAt: loadedAt}
}

// Lookup finds a permission by identifier.
func (c *Catalog) Lookup(name string) (Permission, bool) {
	if c == nil {
		return Permission{}, false
	}
	p, ok := c.byName[NormalizePermission(name)]
	return p, ok
}

// Permissions lists the snapshot ordered by name.
func (c *Catalog) Permissions() []Permission {
	if c == nil {
		return nil
	}
	out := make([]Permission, 0, len(c.byName))
	for _, p := range c.byName {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of permissions in the snapshot.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.byName)
}

// LoadedAt reports when the snapshot was taken.
func (c *Catalog) LoadedAt() time.Time {
	if c == nil {
		return time.Time{}
	}
	return c.loadedAt
}

// PermissionLister is the read side the catalog refreshes from.
type PermissionLister interface {
	ListPermissions(ctx context.Context) ([]Permission, error)
}

// CatalogSource holds the current snapshot and swaps it atomically on refresh.
type CatalogSource struct {
	source  PermissionLister
	current atomic.Pointer[Catalog]
	logger  *slog.Logger
	now     func() time.Time
}

// NewCatalogSource creates a source with an empty snapshot.
func NewCatalogSource(source PermissionLister, logger *slog.Logger) *CatalogSource {
	cs := &CatalogSource{source: source, logger: logger, now: time.Now}
	cs.current.Store(NewCatalog(nil, time.Time{}))
	return cs
}

// StaticCatalog wraps a fixed snapshot, typically for tests.
func StaticCatalog(c *Catalog) *CatalogSource {
	cs := &CatalogSource{now: time.Now}
	cs.current.Store(c)
	return cs
}

// Current returns the active snapshot.
func (cs *CatalogSource) Current() *Catalog {
	return cs.current.Load()
}

// Refresh reloads the snapshot from the source.
func (cs *CatalogSource) Refresh(ctx context.Context) (*Catalog, error) {
	if cs.source == nil {
		return cs.Current(), nil
	}
	perms, err := cs.source.ListPermissions(ctx)
	if err != nil {
		return cs.Current(), err
	}
	snapshot := NewCatalog(perms, cs.now())
	cs.current.Store(snapshot)
	return snapshot, nil
}

// Run refreshes the snapshot every interval until ctx is done.
func (cs *CatalogSource) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 || cs.source == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := cs.Refresh(ctx); err != nil && cs.logger != nil {
				cs.logger.Warn("rbac catalog refresh", slog.Any("error", err))
			}
		}
	}
}
