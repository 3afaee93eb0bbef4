package query

import (
	"context"
	"sync"

	"flagwatch/internal/model"

	"go.uber.org/zap"
)

// ErrNotInResponse is recorded per source for IDs a batch response omitted
const ErrNotInResponse = "User not found in response"

func chunkIDs(ids []model.EntityID, size int) [][]model.EntityID {
	var chunks [][]model.EntityID
	for len(ids) > 0 {
		n := size
		if n > len(ids) {
			n = len(ids)
		}
		chunks = append(chunks, ids[:n])
		ids = ids[n:]
	}
	return chunks
}

// sourceBatch holds one source's settled results for one chunk
type sourceBatch struct {
	api      model.CustomAPIConfig
	statuses map[model.EntityID]*model.EntityStatus
	errs     map[model.EntityID]string
	failure  error // whole-batch failure for this source only
}

// batchSource runs one source's batch lookup for one chunk
func (s *Service) batchSource(ctx context.Context, api model.CustomAPIConfig, ids []model.EntityID) sourceBatch {
	out := sourceBatch{api: api}
	if api.IsSystem {
		// Strict so a whole-batch failure is reported per ID, not read as
		// every ID missing from the response
		statuses, err := s.users.GetStatusesStrict(ctx, ids)
		if err != nil {
			out.failure = err
			return out
		}
		out.statuses = statuses
		return out
	}

	result, err := s.custom.LookupUsers(ctx, api, ids)
	if err != nil {
		out.failure = err
		return out
	}
	out.statuses = result.Statuses
	out.errs = result.Invalid
	return out
}

// QueryMultipleUsers resolves many users at once. IDs are split into
// fixed-size chunks processed strictly sequentially with a pause between
// chunks; within a chunk every enabled source is queried in parallel.
// Failures are isolated per source per chunk.
func (s *Service) QueryMultipleUsers(ctx context.Context, ids []model.EntityID, lookupCtx model.LookupContext) (map[model.EntityID]*model.CombinedStatus, error) {
	apis, err := s.enabledFor(ctx, model.EntityKindUser)
	if err != nil {
		return nil, err
	}

	results := make(map[model.EntityID]*model.CombinedStatus, len(ids))

	// Restricted access does not block looking up one's own friends list
	if s.settings.RestrictedAccess(ctx) && lookupCtx != model.LookupContextFriends {
		for _, id := range ids {
			results[id] = restrictedResult(apis)
		}
		return results, nil
	}

	for _, id := range ids {
		results[id] = model.NewCombinedStatus()
	}

	chunks := chunkIDs(ids, s.batchSize)
	for i, chunk := range chunks {
		if i > 0 {
			if err := s.sleep(ctx, s.batchDelay); err != nil {
				return results, err
			}
		}

		batches := make([]sourceBatch, len(apis))
		var wg sync.WaitGroup
		for j, api := range apis {
			wg.Add(1)
			go func(j int, api model.CustomAPIConfig) {
				defer wg.Done()
				batches[j] = s.batchSource(ctx, api, chunk)
			}(j, api)
		}
		wg.Wait()

		for _, batch := range batches {
			s.mergeBatch(results, chunk, batch)
		}
	}

	return results, nil
}

// QueryMultipleGroups is the group analog of QueryMultipleUsers. Group
// lookups only hit the system source, so each chunk is a single batch call
// through the group cache.
func (s *Service) QueryMultipleGroups(ctx context.Context, ids []model.EntityID) (map[model.EntityID]*model.CombinedStatus, error) {
	apis, err := s.enabledFor(ctx, model.EntityKindGroup)
	if err != nil {
		return nil, err
	}

	results := make(map[model.EntityID]*model.CombinedStatus, len(ids))

	if s.settings.RestrictedAccess(ctx) {
		for _, id := range ids {
			results[id] = restrictedResult(apis)
		}
		return results, nil
	}

	for _, id := range ids {
		results[id] = model.NewCombinedStatus()
	}

	chunks := chunkIDs(ids, s.batchSize)
	for i, chunk := range chunks {
		if i > 0 {
			if err := s.sleep(ctx, s.batchDelay); err != nil {
				return results, err
			}
		}
		for _, api := range apis {
			batch := sourceBatch{api: api}
			statuses, err := s.groups.GetStatusesStrict(ctx, chunk)
			if err != nil {
				batch.failure = err
			} else {
				batch.statuses = statuses
			}
			s.mergeBatch(results, chunk, batch)
		}
	}

	return results, nil
}

func (s *Service) mergeBatch(results map[model.EntityID]*model.CombinedStatus, chunk []model.EntityID, batch sourceBatch) {
	ts := nowMilli()
	for _, id := range chunk {
		result := model.CustomAPIResult{
			APIID:     batch.api.ID,
			APIName:   batch.api.Name,
			Loading:   false,
			Timestamp: ts,
		}
		switch {
		case batch.failure != nil:
			result.Error = batch.failure.Error()
		case batch.errs[id] != "":
			result.Error = batch.errs[id]
		case batch.statuses[id] != nil:
			result.Data = batch.statuses[id]
		default:
			result.Error = ErrNotInResponse
		}
		results[id].Set(result)
	}

	if batch.failure != nil {
		s.log.Warn("source batch failed",
			zap.String("api", batch.api.Name),
			zap.Int("ids", len(chunk)),
			zap.Error(batch.failure),
		)
	}
}
