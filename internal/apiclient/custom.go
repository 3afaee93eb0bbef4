package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"flagwatch/internal/httpx"
	"flagwatch/internal/model"
	"flagwatch/internal/schema"

	"go.uber.org/zap"
)

// CustomClient queries user-configured third-party sources. Every payload
// must arrive in the {success, data, error} wrapper and pass schema
// validation before it is trusted.
type CustomClient struct {
	http      *httpx.Client
	validator *schema.Validator
	log       *zap.Logger
}

func NewCustomClient(validator *schema.Validator, maxRetries int, baseDelay time.Duration, log *zap.Logger) *CustomClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &CustomClient{
		// Custom sources use absolute URLs and carry no auth
		http: httpx.NewClient(httpx.Config{
			MaxRetries: maxRetries,
			BaseDelay:  baseDelay,
			Log:        log,
		}),
		validator: validator,
		log:       log,
	}
}

func apiTimeout(api model.CustomAPIConfig) time.Duration {
	if api.TimeoutMS > 0 {
		return time.Duration(api.TimeoutMS) * time.Millisecond
	}
	return 0
}

// LookupUser queries one source for one entity
func (c *CustomClient) LookupUser(ctx context.Context, api model.CustomAPIConfig, id model.EntityID) (*model.EntityStatus, error) {
	endpoint := strings.ReplaceAll(api.SingleURL, "{userId}", string(id))
	raw, err := c.http.Request(ctx, endpoint, httpx.Options{
		Method:  http.MethodGet,
		Timeout: apiTimeout(api),
	})
	if err != nil {
		return nil, err
	}

	payload, err := schema.UnwrapCustom(raw)
	if err != nil {
		return nil, err
	}

	if res := c.validator.ValidateUserStatus(payload, api.ReasonFormat); !res.Valid {
		return nil, fmt.Errorf("invalid status payload: %s", strings.Join(res.Errors, "; "))
	}

	var status model.EntityStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	if status.ID == "" {
		status.ID = id
	}
	status.Normalize()
	return &status, nil
}

// BatchResult separates the decodable entries of a batch response from the
// entries that failed validation
type BatchResult struct {
	Statuses map[model.EntityID]*model.EntityStatus
	Invalid  map[model.EntityID]string
}

// LookupUsers queries one source's batch endpoint. Entries failing schema
// validation are reported individually in Invalid rather than poisoning the
// whole batch.
func (c *CustomClient) LookupUsers(ctx context.Context, api model.CustomAPIConfig, ids []model.EntityID) (*BatchResult, error) {
	raw, err := c.http.Request(ctx, api.BatchURL, httpx.Options{
		Method:  http.MethodPost,
		Timeout: apiTimeout(api),
		Body:    map[string]interface{}{"ids": numericIDs(ids)},
	})
	if err != nil {
		return nil, err
	}

	payload, err := schema.UnwrapCustom(raw)
	if err != nil {
		return nil, err
	}

	validation, err := c.validator.ValidateBatch(payload, api.ReasonFormat)
	if err != nil {
		return nil, err
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, fmt.Errorf("%w: batch data must be an object keyed by entity ID", schema.ErrInvalidFormat)
	}

	result := &BatchResult{
		Statuses: make(map[model.EntityID]*model.EntityStatus),
		Invalid:  make(map[model.EntityID]string),
	}
	for key, entry := range entries {
		id := model.EntityID(key)
		if res, ok := validation[key]; ok && !res.Valid {
			result.Invalid[id] = fmt.Sprintf("invalid entry %s: %s", key, strings.Join(res.Errors, "; "))
			c.log.Warn("custom API batch entry failed validation",
				zap.String("api", api.Name),
				zap.String("entity", key),
			)
			continue
		}
		var status model.EntityStatus
		if err := json.Unmarshal(entry, &status); err != nil {
			result.Invalid[id] = fmt.Sprintf("invalid entry %s: %v", key, err)
			continue
		}
		if status.ID == "" {
			status.ID = id
		}
		status.Normalize()
		result.Statuses[id] = &status
	}
	return result, nil
}
