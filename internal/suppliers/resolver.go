package suppliers

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ProfileStore is the read contract the resolver depends on.
type ProfileStore interface {
	FindBySender(ctx context.Context, sender string) (*Profile, error)
}

type cacheEntry struct {
	profile *Profile
	version int64
}

// Resolver maps sender identities to cached supplier profiles.
//
// The cache is read-mostly: entries are tagged with the store version they
// were fetched under and refetched once the version counter moves, so a
// profile edit is visible within one invalidation cycle. Concurrent misses
// for the same sender collapse into a single store fetch.
type Resolver struct {
	store    ProfileStore
	versions *VersionCounter
	logger   *slog.Logger

	mu      sync.RWMutex
	entries map[string]cacheEntry
	group   singleflight.Group
}

// NewResolver constructs a resolver.
func NewResolver(store ProfileStore, versions *VersionCounter, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:    store,
		versions: versions,
		logger:   logger,
		entries:  make(map[string]cacheEntry),
	}
}

// Resolve returns the profile for a sender identity, or (nil, nil) when the
// supplier is unknown. Unknown is a valid state, not an error.
func (r *Resolver) Resolve(ctx context.Context, sender string) (*Profile, error) {
	ver, err := r.versions.Current(ctx)
	if err != nil {
		// Unknown store version: bypass the cache rather than risk staleness.
		r.logger.Warn("suppliers.resolve.version_unavailable", "error", err)
		ver = -1
	}

	if ver >= 0 {
		r.mu.RLock()
		entry, ok := r.entries[sender]
		r.mu.RUnlock()
		if ok && entry.version == ver {
			return entry.profile, nil
		}
	}

	ch := r.group.DoChan(sender, func() (interface{}, error) {
		prof, err := r.store.FindBySender(ctx, sender)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.entries[sender] = cacheEntry{profile: prof, version: ver}
		r.mu.Unlock()
		return prof, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		prof, _ := res.Val.(*Profile)
		return prof, nil
	}
}

// Invalidate bumps the store version so every cached entry is refetched.
func (r *Resolver) Invalidate(ctx context.Context) error {
	_, err := r.versions.Bump(ctx)
	return err
}
