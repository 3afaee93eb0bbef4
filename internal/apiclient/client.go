package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"flagwatch/internal/httpx"
	"flagwatch/internal/model"
	"flagwatch/internal/schema"
	"flagwatch/internal/settings"

	"go.uber.org/zap"
)

// Client speaks the primary moderation API. All responses pass through
// primary-convention unwrapping and SAFE normalization before callers see
// them.
type Client struct {
	http     *httpx.Client
	settings settings.Accessor
	clientID string
	log      *zap.Logger
}

// Config controls a primary API client
type Config struct {
	BaseURL    string
	ClientID   string
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	Settings   settings.Accessor
	Log        *zap.Logger
}

func New(cfg Config) *Client {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	c := &Client{
		settings: cfg.Settings,
		clientID: cfg.ClientID,
		log:      cfg.Log,
	}
	c.http = httpx.NewClient(httpx.Config{
		BaseURL:    cfg.BaseURL,
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay,
		AuthHeader: "X-Auth-Token",
		TokenFn: func() string {
			return cfg.Settings.APIKey(context.Background())
		},
		Log: cfg.Log,
	})
	return c
}

// LookupOptions narrows what the lookup endpoints return
type LookupOptions struct {
	ExcludeInfo         bool
	ExcludeIntegrations bool
	Context             model.LookupContext
}

func (c *Client) headers(opts LookupOptions) map[string]string {
	h := map[string]string{}
	if c.clientID != "" {
		h["X-Client-ID"] = c.clientID
	}
	if opts.Context != "" {
		h["X-Lookup-Context"] = string(opts.Context)
	}
	return h
}

func lookupQuery(opts LookupOptions) string {
	q := url.Values{}
	if opts.ExcludeInfo {
		q.Set("excludeInfo", "true")
	}
	if opts.ExcludeIntegrations {
		q.Set("excludeIntegrations", "true")
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// handleError applies the primary-API 403 side effects: a restriction signal
// persists the restricted-access marker, a credential signal clears the
// stored key. The error is returned unchanged either way.
func (c *Client) handleError(ctx context.Context, err error) error {
	var apiErr *httpx.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusForbidden {
		return err
	}
	msg := strings.ToLower(apiErr.Message + " " + apiErr.Code)
	switch {
	case strings.Contains(msg, "restricted"):
		if serr := c.settings.SetRestrictedAccess(ctx, true); serr != nil {
			c.log.Warn("failed to persist restricted-access marker", zap.Error(serr))
		} else {
			c.log.Warn("restricted access reported by primary API")
		}
	case strings.Contains(msg, "invalid") && (strings.Contains(msg, "key") || strings.Contains(msg, "token")):
		if serr := c.settings.ClearAPIKey(ctx); serr != nil {
			c.log.Warn("failed to clear invalidated API key", zap.Error(serr))
		} else {
			c.log.Warn("API key invalidated by primary API")
		}
	}
	return err
}

func decodeStatus(raw json.RawMessage, id model.EntityID) (*model.EntityStatus, error) {
	payload := schema.UnwrapPrimary(raw)
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

func decodeStatusMap(raw json.RawMessage) (map[model.EntityID]*model.EntityStatus, error) {
	payload := schema.UnwrapPrimary(raw)
	var entries map[string]*model.EntityStatus
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode batch response: %w", err)
	}
	out := make(map[model.EntityID]*model.EntityStatus, len(entries))
	for key, status := range entries {
		if status == nil {
			continue
		}
		id := model.EntityID(key)
		if status.ID == "" {
			status.ID = id
		}
		status.Normalize()
		out[id] = status
	}
	return out, nil
}

func numericIDs(ids []model.EntityID) []uint64 {
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		n, err := strconv.ParseUint(string(id), 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// LookupUser fetches one user's status
func (c *Client) LookupUser(ctx context.Context, id model.EntityID, opts LookupOptions) (*model.EntityStatus, error) {
	raw, err := c.http.Request(ctx, "/lookup/user/"+url.PathEscape(string(id))+lookupQuery(opts), httpx.Options{
		Method:  http.MethodGet,
		Headers: c.headers(opts),
	})
	if err != nil {
		return nil, c.handleError(ctx, err)
	}
	return decodeStatus(raw, id)
}

// LookupUsers fetches many users' statuses in one call. The response may
// legitimately omit requested IDs.
func (c *Client) LookupUsers(ctx context.Context, ids []model.EntityID, opts LookupOptions) (map[model.EntityID]*model.EntityStatus, error) {
	body := map[string]interface{}{"ids": numericIDs(ids)}
	if opts.ExcludeInfo {
		body["excludeInfo"] = true
	}
	if opts.ExcludeIntegrations {
		body["excludeIntegrations"] = true
	}
	raw, err := c.http.Request(ctx, "/lookup/users", httpx.Options{
		Method:  http.MethodPost,
		Headers: c.headers(opts),
		Body:    body,
	})
	if err != nil {
		return nil, c.handleError(ctx, err)
	}
	return decodeStatusMap(raw)
}

// LookupGroup fetches one group's status
func (c *Client) LookupGroup(ctx context.Context, id model.EntityID, opts LookupOptions) (*model.EntityStatus, error) {
	raw, err := c.http.Request(ctx, "/lookup/group/"+url.PathEscape(string(id))+lookupQuery(opts), httpx.Options{
		Method:  http.MethodGet,
		Headers: c.headers(opts),
	})
	if err != nil {
		return nil, c.handleError(ctx, err)
	}
	return decodeStatus(raw, id)
}

// LookupGroups fetches many groups' statuses in one call
func (c *Client) LookupGroups(ctx context.Context, ids []model.EntityID, opts LookupOptions) (map[model.EntityID]*model.EntityStatus, error) {
	raw, err := c.http.Request(ctx, "/lookup/groups", httpx.Options{
		Method:  http.MethodPost,
		Headers: c.headers(opts),
		Body:    map[string]interface{}{"ids": numericIDs(ids)},
	})
	if err != nil {
		return nil, c.handleError(ctx, err)
	}
	return decodeStatusMap(raw)
}

// GetVotes fetches the community vote tally for one entity
func (c *Client) GetVotes(ctx context.Context, id model.EntityID, includeVote bool) (*model.VoteData, error) {
	endpoint := "/votes/" + url.PathEscape(string(id))
	if includeVote {
		endpoint += "?includeVote=true"
	}
	raw, err := c.http.Request(ctx, endpoint, httpx.Options{Method: http.MethodGet})
	if err != nil {
		return nil, c.handleError(ctx, err)
	}
	var votes model.VoteData
	if err := json.Unmarshal(schema.UnwrapPrimary(raw), &votes); err != nil {
		return nil, fmt.Errorf("failed to decode votes: %w", err)
	}
	if votes.ID == "" {
		votes.ID = id
	}
	return &votes, nil
}

// GetVotesBatch fetches vote tallies for many entities
func (c *Client) GetVotesBatch(ctx context.Context, ids []model.EntityID) (map[model.EntityID]*model.VoteData, error) {
	raw, err := c.http.Request(ctx, "/votes", httpx.Options{
		Method: http.MethodPost,
		Body:   map[string]interface{}{"ids": numericIDs(ids)},
	})
	if err != nil {
		return nil, c.handleError(ctx, err)
	}
	var entries map[string]*model.VoteData
	if err := json.Unmarshal(schema.UnwrapPrimary(raw), &entries); err != nil {
		return nil, fmt.Errorf("failed to decode batch votes: %w", err)
	}
	out := make(map[model.EntityID]*model.VoteData, len(entries))
	for key, v := range entries {
		if v == nil {
			continue
		}
		if v.ID == "" {
			v.ID = model.EntityID(key)
		}
		out[model.EntityID(key)] = v
	}
	return out, nil
}

// SubmitVote casts a vote and returns the updated tally. Never retried: the
// engine refuses to retry non-idempotent methods.
func (c *Client) SubmitVote(ctx context.Context, id model.EntityID, vote int) (*model.VoteData, error) {
	raw, err := c.http.Request(ctx, "/votes/"+url.PathEscape(string(id)), httpx.Options{
		Method: http.MethodPost,
		Body:   map[string]interface{}{"voteType": vote},
	})
	if err != nil {
		return nil, c.handleError(ctx, err)
	}
	var votes model.VoteData
	if err := json.Unmarshal(schema.UnwrapPrimary(raw), &votes); err != nil {
		return nil, fmt.Errorf("failed to decode vote response: %w", err)
	}
	if votes.ID == "" {
		votes.ID = id
	}
	return &votes, nil
}

// GetStatistics fetches the global moderation statistics
func (c *Client) GetStatistics(ctx context.Context) (*model.Statistics, error) {
	raw, err := c.http.Request(ctx, "/stats", httpx.Options{Method: http.MethodGet})
	if err != nil {
		return nil, c.handleError(ctx, err)
	}
	var stats model.Statistics
	if err := json.Unmarshal(schema.UnwrapPrimary(raw), &stats); err != nil {
		return nil, fmt.Errorf("failed to decode statistics: %w", err)
	}
	return &stats, nil
}
