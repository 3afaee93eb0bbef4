package cache

import (
	"context"

	"flagwatch/internal/model"
	"flagwatch/internal/settings"

	"go.uber.org/zap"
)

// VoteCache is the single-source sub-cache for community vote tallies.
// Same TTL + coalescing behavior as the status caches, no multi-API fan-out.
type VoteCache struct {
	*StatusCache[*model.VoteData]
}

func NewVoteCache(cfg settings.Accessor, fetch FetchFunc[*model.VoteData], onChange func(model.EntityID), log *zap.Logger) *VoteCache {
	return &VoteCache{
		StatusCache: New(Options[*model.VoteData]{
			Kind:     "votes",
			Fetch:    fetch,
			Settings: cfg,
			OnChange: onChange,
			Log:      log,
		}),
	}
}

// UpdateCachedVoteData applies an optimistic local write after a vote
// submission so the UI reflects the new tally without a refetch
func (c *VoteCache) UpdateCachedVoteData(id model.EntityID, data *model.VoteData) {
	c.UpdateStatus(id, data)
}

const statsKey model.EntityID = "global"

// StatsCache caches the primary service's aggregate statistics under a
// single key
type StatsCache struct {
	inner *StatusCache[*model.Statistics]
}

func NewStatsCache(cfg settings.Accessor, fetch func(ctx context.Context) (*model.Statistics, error), log *zap.Logger) *StatsCache {
	return &StatsCache{
		inner: New(Options[*model.Statistics]{
			Kind: "stats",
			Fetch: func(ctx context.Context, _ model.EntityID) (*model.Statistics, error) {
				return fetch(ctx)
			},
			Settings: cfg,
			Log:      log,
		}),
	}
}

func (c *StatsCache) GetStatistics(ctx context.Context) (*model.Statistics, error) {
	return c.inner.GetStatus(ctx, statsKey)
}

func (c *StatsCache) Clear() {
	c.inner.ClearCache()
}

func (c *StatsCache) Stats(ctx context.Context) model.CacheStats {
	return c.inner.CacheStats(ctx)
}
