package query

import (
	"context"
	"sync"
	"time"

	"flagwatch/internal/apiclient"
	"flagwatch/internal/cache"
	"flagwatch/internal/model"
	"flagwatch/internal/settings"

	"go.uber.org/zap"
)

// Registry yields the enabled status sources in query order
type Registry interface {
	Enabled(ctx context.Context) ([]model.CustomAPIConfig, error)
}

// CustomSource queries third-party sources; satisfied by
// *apiclient.CustomClient
type CustomSource interface {
	LookupUser(ctx context.Context, api model.CustomAPIConfig, id model.EntityID) (*model.EntityStatus, error)
	LookupUsers(ctx context.Context, api model.CustomAPIConfig, ids []model.EntityID) (*apiclient.BatchResult, error)
}

// Service orchestrates fan-out queries across every enabled source and
// merges per-source results into combined statuses. One source's failure
// never prevents the others from completing.
type Service struct {
	registry   Registry
	users      *cache.StatusCache[*model.EntityStatus]
	groups     *cache.StatusCache[*model.EntityStatus]
	custom     CustomSource
	settings   settings.Accessor
	batchSize  int
	batchDelay time.Duration
	log        *zap.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// Config wires a Service
type Config struct {
	Registry   Registry
	Users      *cache.StatusCache[*model.EntityStatus]
	Groups     *cache.StatusCache[*model.EntityStatus]
	Custom     CustomSource
	Settings   settings.Accessor
	BatchSize  int           // IDs per chunk in batch mode
	BatchDelay time.Duration // pause between chunks
	Log        *zap.Logger
}

func NewService(cfg Config) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = 500 * time.Millisecond
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Service{
		registry:   cfg.Registry,
		users:      cfg.Users,
		groups:     cfg.Groups,
		custom:     cfg.Custom,
		settings:   cfg.Settings,
		batchSize:  cfg.BatchSize,
		batchDelay: cfg.BatchDelay,
		log:        cfg.Log,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// restricted reports whether the access gate suppresses a lookup for this
// entity. Looking up one's own logged-in identity is always allowed.
func (s *Service) restricted(ctx context.Context, id model.EntityID) bool {
	if !s.settings.RestrictedAccess(ctx) {
		return false
	}
	return string(id) != s.settings.CurrentUserID(ctx)
}

// restrictedResult marks every enabled source as gated, with no network
// calls issued
func restrictedResult(apis []model.CustomAPIConfig) *model.CombinedStatus {
	combined := model.NewCombinedStatus()
	for _, api := range apis {
		combined.Set(model.CustomAPIResult{
			APIID:   api.ID,
			APIName: api.Name,
			Error:   model.ErrRestrictedAccess,
			Loading: false,
		})
	}
	return combined
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}

func settledResult(api model.CustomAPIConfig, status *model.EntityStatus, err error) model.CustomAPIResult {
	result := model.CustomAPIResult{
		APIID:     api.ID,
		APIName:   api.Name,
		Loading:   false,
		Timestamp: nowMilli(),
	}
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Data = status
	}
	return result
}

// querySource runs one source's single lookup. The system source goes
// through the entity status cache (TTL + coalescing); user sources are
// queried directly so combined results stay fresh per query.
func (s *Service) querySource(ctx context.Context, api model.CustomAPIConfig, kind model.EntityKind, id model.EntityID) (*model.EntityStatus, error) {
	if api.IsSystem {
		if kind == model.EntityKindGroup {
			return s.groups.GetStatus(ctx, id)
		}
		return s.users.GetStatus(ctx, id)
	}
	return s.custom.LookupUser(ctx, api, id)
}

func (s *Service) queryEntity(ctx context.Context, kind model.EntityKind, id model.EntityID) (*model.CombinedStatus, error) {
	apis, err := s.enabledFor(ctx, kind)
	if err != nil {
		return nil, err
	}

	if s.restricted(ctx, id) {
		return restrictedResult(apis), nil
	}

	type settled struct {
		api    model.CustomAPIConfig
		status *model.EntityStatus
		err    error
	}
	results := make([]settled, len(apis))

	var wg sync.WaitGroup
	for i, api := range apis {
		wg.Add(1)
		go func(i int, api model.CustomAPIConfig) {
			defer wg.Done()
			status, err := s.querySource(ctx, api, kind, id)
			results[i] = settled{api: api, status: status, err: err}
		}(i, api)
	}
	wg.Wait()

	combined := model.NewCombinedStatus()
	for _, r := range results {
		combined.Set(settledResult(r.api, r.status, r.err))
	}
	return combined, nil
}

// enabledFor filters sources by entity kind. The custom-source contract is
// user-oriented; group lookups only ever hit the system source.
func (s *Service) enabledFor(ctx context.Context, kind model.EntityKind) ([]model.CustomAPIConfig, error) {
	apis, err := s.registry.Enabled(ctx)
	if err != nil {
		return nil, err
	}
	if kind != model.EntityKindGroup {
		return apis, nil
	}
	filtered := apis[:0:0]
	for _, api := range apis {
		if api.IsSystem {
			filtered = append(filtered, api)
		}
	}
	return filtered, nil
}

// QueryUser fans out one user lookup across every enabled source in
// parallel and merges the settled results
func (s *Service) QueryUser(ctx context.Context, id model.EntityID) (*model.CombinedStatus, error) {
	return s.queryEntity(ctx, model.EntityKindUser, id)
}

// QueryGroup is the group analog of QueryUser
func (s *Service) QueryGroup(ctx context.Context, id model.EntityID) (*model.CombinedStatus, error) {
	return s.queryEntity(ctx, model.EntityKindGroup, id)
}
