package query

import (
	"context"
	"sync"

	"flagwatch/internal/model"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// UpdateFunc receives the full combined snapshot after each source settles
type UpdateFunc func(snapshot *model.CombinedStatus)

// progressiveState guards the shared result map and the cancellation flag.
// Cancellation is cooperative: in-flight requests are not aborted, their
// results are simply discarded.
type progressiveState struct {
	mu        sync.Mutex
	combined  *model.CombinedStatus
	cancelled bool
	onUpdate  UpdateFunc
}

// settle records one source's result and re-emits the snapshot, unless the
// lookup was cancelled first. Completed entries never regress to loading.
func (p *progressiveState) settle(result model.CustomAPIResult) {
	p.mu.Lock()
	if p.cancelled {
		p.mu.Unlock()
		return
	}
	p.combined.Set(result)
	snapshot := p.combined.Clone()
	p.mu.Unlock()
	p.onUpdate(snapshot)
}

func (p *progressiveState) cancel() {
	p.mu.Lock()
	p.cancelled = true
	p.mu.Unlock()
}

// QueryUserProgressive fires all source requests at once and invokes
// onUpdate with the full snapshot as each one settles, starting with an
// all-loading snapshot. The returned function cancels further updates.
func (s *Service) QueryUserProgressive(ctx context.Context, id model.EntityID, onUpdate UpdateFunc) (func(), error) {
	apis, err := s.enabledFor(ctx, model.EntityKindUser)
	if err != nil {
		return nil, err
	}

	if s.restricted(ctx, id) {
		onUpdate(restrictedResult(apis))
		return func() {}, nil
	}

	lookupID := ulid.Make().String()
	s.log.Debug("progressive lookup started",
		zap.String("lookup_id", lookupID),
		zap.String("entity", string(id)),
		zap.Int("sources", len(apis)),
	)

	state := &progressiveState{
		combined: model.NewCombinedStatus(),
		onUpdate: onUpdate,
	}
	for _, api := range apis {
		state.combined.Set(model.CustomAPIResult{
			APIID:   api.ID,
			APIName: api.Name,
			Loading: true,
		})
	}
	onUpdate(state.combined.Clone())

	for _, api := range apis {
		go func(api model.CustomAPIConfig) {
			status, err := s.querySource(ctx, api, model.EntityKindUser, id)
			state.settle(settledResult(api, status, err))
		}(api)
	}

	return state.cancel, nil
}
