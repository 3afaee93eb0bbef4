package cache

import (
	"context"
	"sync"
	"time"

	"flagwatch/internal/model"
	"flagwatch/internal/settings"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// FetchFunc loads one entity's value from the network
type FetchFunc[T any] func(ctx context.Context, id model.EntityID) (T, error)

// BatchFetchFunc loads many entities in one call. The returned map may
// legitimately omit requested IDs.
type BatchFetchFunc[T any] func(ctx context.Context, ids []model.EntityID) (map[model.EntityID]T, error)

type entry[T any] struct {
	data      T
	timestamp time.Time
}

// StatusCache is a TTL cache with request coalescing: N concurrent readers
// of the same uncached ID trigger exactly one fetch and all share its result
// or its error. Expiry is checked lazily on read against the live TTL
// setting, so a settings change applies to existing entries immediately.
type StatusCache[T any] struct {
	kind       model.EntityKind
	mu         sync.Mutex
	entries    map[model.EntityID]entry[T]
	pending    map[model.EntityID]bool
	flight     singleflight.Group
	fetch      FetchFunc[T]
	batchFetch BatchFetchFunc[T]
	settings   settings.Accessor
	onChange   func(id model.EntityID) // empty id signals a bulk change
	log        *zap.Logger
	now        func() time.Time
}

// Options configures a StatusCache
type Options[T any] struct {
	Kind       model.EntityKind
	Fetch      FetchFunc[T]
	BatchFetch BatchFetchFunc[T] // optional
	Settings   settings.Accessor
	OnChange   func(id model.EntityID) // optional, invoked after every mutation
	Log        *zap.Logger
}

func New[T any](opts Options[T]) *StatusCache[T] {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &StatusCache[T]{
		kind:       opts.Kind,
		entries:    make(map[model.EntityID]entry[T]),
		pending:    make(map[model.EntityID]bool),
		fetch:      opts.Fetch,
		batchFetch: opts.BatchFetch,
		settings:   opts.Settings,
		onChange:   opts.OnChange,
		log:        opts.Log,
		now:        time.Now,
	}
}

func (c *StatusCache[T]) notify(id model.EntityID) {
	if c.onChange != nil {
		c.onChange(id)
	}
}

// cached returns a fresh entry, deleting it on the spot if expired
func (c *StatusCache[T]) cached(ctx context.Context, id model.EntityID) (T, bool) {
	ttl := c.settings.CacheTTL(ctx)

	c.mu.Lock()
	e, ok := c.entries[id]
	if ok && c.now().Sub(e.timestamp) > ttl {
		delete(c.entries, id)
		c.mu.Unlock()
		c.notify(id)
		var zero T
		return zero, false
	}
	c.mu.Unlock()

	if !ok {
		var zero T
		return zero, false
	}
	return e.data, true
}

func (c *StatusCache[T]) store(id model.EntityID, data T) {
	c.mu.Lock()
	c.entries[id] = entry[T]{data: data, timestamp: c.now()}
	c.mu.Unlock()
	c.notify(id)
}

// GetStatus returns the cached value when fresh, joins an in-flight fetch
// when one exists, and otherwise issues the fetch itself.
func (c *StatusCache[T]) GetStatus(ctx context.Context, id model.EntityID) (T, error) {
	if data, ok := c.cached(ctx, id); ok {
		return data, nil
	}

	ch := c.flight.DoChan(string(id), func() (interface{}, error) {
		c.mu.Lock()
		c.pending[id] = true
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			delete(c.pending, id)
			c.mu.Unlock()
		}()

		data, err := c.fetch(context.WithoutCancel(ctx), id)
		if err != nil {
			return nil, err
		}
		c.store(id, data)
		return data, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			var zero T
			return zero, res.Err
		}
		return res.Val.(T), nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// GetStatuses resolves many IDs at once. Cached values are served directly;
// the rest are fetched in one batch call when a batch fetcher is configured.
// IDs absent from the batch response resolve to the zero value, as does the
// entire needs set when the batch fetch fails. Failure is deliberately
// swallowed here; callers treat "not found" and "fetch failed" identically.
func (c *StatusCache[T]) GetStatuses(ctx context.Context, ids []model.EntityID) (map[model.EntityID]T, error) {
	results, needs, err := c.getStatuses(ctx, ids)
	if err != nil {
		c.log.Warn("batch fetch failed, resolving to empty results",
			zap.String("kind", string(c.kind)),
			zap.Int("count", len(needs)),
			zap.Error(err),
		)
		for _, id := range needs {
			var zero T
			results[id] = zero
		}
	}
	return results, nil
}

// GetStatusesStrict is GetStatuses minus the fail-soft resolution: a failed
// batch fetch comes back as an error, letting the caller report the failure
// per ID instead of treating every ID as missing.
func (c *StatusCache[T]) GetStatusesStrict(ctx context.Context, ids []model.EntityID) (map[model.EntityID]T, error) {
	results, _, err := c.getStatuses(ctx, ids)
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (c *StatusCache[T]) getStatuses(ctx context.Context, ids []model.EntityID) (map[model.EntityID]T, []model.EntityID, error) {
	results := make(map[model.EntityID]T, len(ids))
	var needs []model.EntityID
	seen := make(map[model.EntityID]bool, len(ids))

	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if data, ok := c.cached(ctx, id); ok {
			results[id] = data
		} else {
			needs = append(needs, id)
		}
	}

	if len(needs) == 0 {
		return results, nil, nil
	}

	if c.batchFetch == nil {
		for _, id := range needs {
			data, err := c.GetStatus(ctx, id)
			if err != nil {
				c.log.Warn("single fetch in batch fill failed",
					zap.String("kind", string(c.kind)),
					zap.String("id", string(id)),
					zap.Error(err),
				)
				var zero T
				results[id] = zero
				continue
			}
			results[id] = data
		}
		return results, needs, nil
	}

	fetched, err := c.batchFetch(ctx, needs)
	if err != nil {
		return results, needs, err
	}

	for _, id := range needs {
		data, ok := fetched[id]
		if !ok {
			// Absent from the response: resolved as null, never cached
			var zero T
			results[id] = zero
			continue
		}
		c.store(id, data)
		results[id] = data
	}
	return results, needs, nil
}

// UpdateStatus writes a value directly, bypassing any fetch. Used after
// local mutations such as a submitted vote.
func (c *StatusCache[T]) UpdateStatus(id model.EntityID, data T) {
	c.store(id, data)
}

// ClearCache drops every entry
func (c *StatusCache[T]) ClearCache() {
	c.mu.Lock()
	c.entries = make(map[model.EntityID]entry[T])
	c.mu.Unlock()
	c.notify("")
}

// ClearEntityCache drops one entry
func (c *StatusCache[T]) ClearEntityCache(id model.EntityID) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
	c.notify(id)
}

// Snapshot returns a copy of the cache map for UI consumption. Expired
// entries are included; they age out on their next read.
func (c *StatusCache[T]) Snapshot() map[model.EntityID]T {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := make(map[model.EntityID]T, len(c.entries))
	for id, e := range c.entries {
		snap[id] = e.data
	}
	return snap
}

// CacheStats reports occupancy and the TTL currently in force
func (c *StatusCache[T]) CacheStats(ctx context.Context) model.CacheStats {
	ttl := c.settings.CacheTTL(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.CacheStats{
		Entries:  len(c.entries),
		Pending:  len(c.pending),
		TTLMilli: ttl.Milliseconds(),
	}
}
