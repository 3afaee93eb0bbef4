package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"flagwatch/internal/apiclient"
	"flagwatch/internal/cache"
	"flagwatch/internal/db"
	"flagwatch/internal/model"
	"flagwatch/internal/pubsub"
	"flagwatch/internal/query"
	"flagwatch/internal/registry"
	"flagwatch/internal/schema"
	"flagwatch/internal/settings"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memStore is an in-memory registry.Store for handler tests
type memStore struct {
	mu   sync.Mutex
	rows map[string]db.CustomAPI
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]db.CustomAPI)}
}

func (s *memStore) ListCustomAPIs(ctx context.Context) ([]db.CustomAPI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.CustomAPI, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out, nil
}

func (s *memStore) GetCustomAPIByID(ctx context.Context, id string) (db.CustomAPI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return db.CustomAPI{}, pgx.ErrNoRows
	}
	return row, nil
}

func (s *memStore) CountCustomAPIs(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows), nil
}

func (s *memStore) CreateCustomAPI(ctx context.Context, p db.CreateCustomAPIParams) (db.CustomAPI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := db.CustomAPI{
		ID: p.ID, Name: p.Name, SingleURL: p.SingleURL, BatchURL: p.BatchURL,
		Enabled: p.Enabled, TimeoutMS: p.TimeoutMS, SortOrder: p.SortOrder,
		ReasonFormat: p.ReasonFormat,
	}
	s.rows[p.ID] = row
	return row, nil
}

func (s *memStore) UpdateCustomAPI(ctx context.Context, p db.UpdateCustomAPIParams) (db.CustomAPI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[p.ID]
	if !ok {
		return db.CustomAPI{}, pgx.ErrNoRows
	}
	row.Name, row.SingleURL, row.BatchURL = p.Name, p.SingleURL, p.BatchURL
	row.Enabled, row.TimeoutMS, row.ReasonFormat = p.Enabled, p.TimeoutMS, p.ReasonFormat
	s.rows[p.ID] = row
	return row, nil
}

func (s *memStore) SetCustomAPIOrder(ctx context.Context, id string, order int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return pgx.ErrNoRows
	}
	row.SortOrder = order
	s.rows[id] = row
	return nil
}

func (s *memStore) DeleteCustomAPI(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

// recordingHub captures events the bus mirrors to websocket clients
type recordingHub struct {
	mu     sync.Mutex
	events []map[string]interface{}
}

func (h *recordingHub) Publish(channel string, message map[string]interface{}) {
	h.mu.Lock()
	h.events = append(h.events, message)
	h.mu.Unlock()
}

func (h *recordingHub) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func (h *recordingHub) lastSnapshot() *model.CombinedStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.events) == 0 {
		return nil
	}
	snap, _ := h.events[len(h.events)-1]["snapshot"].(*model.CombinedStatus)
	return snap
}

type harness struct {
	router    http.Handler
	cfg       *settings.Memory
	hub       *recordingHub
	primary   *httptest.Server
	lookups   *LookupTracker
	userBlock chan struct{} // close to release blocked user lookups
}

// newHarness wires the full route tree over in-memory dependencies and a
// stub primary API server
func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := settings.NewMemory()
	log := zap.NewNop()

	primarySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/votes/77":
			w.Write([]byte(`{"data":{"id":77,"upvotes":12,"downvotes":4}}`))
		case r.Method == http.MethodPost && r.URL.Path == "/votes":
			w.Write([]byte(`{"data":{"1":{"upvotes":3,"downvotes":0}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(primarySrv.Close)

	primary := apiclient.New(apiclient.Config{
		BaseURL:    primarySrv.URL,
		ClientID:   "test",
		Timeout:    time.Second,
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		Settings:   cfg,
	})

	userBlock := make(chan struct{})
	users := cache.New(cache.Options[*model.EntityStatus]{
		Kind: model.EntityKindUser,
		Fetch: func(ctx context.Context, id model.EntityID) (*model.EntityStatus, error) {
			<-userBlock
			return &model.EntityStatus{ID: id, FlagType: model.FlagTypeUnsafe}, nil
		},
		BatchFetch: func(ctx context.Context, ids []model.EntityID) (map[model.EntityID]*model.EntityStatus, error) {
			out := make(map[model.EntityID]*model.EntityStatus, len(ids))
			for _, id := range ids {
				out[id] = &model.EntityStatus{ID: id, FlagType: model.FlagTypeSafe}
			}
			return out, nil
		},
		Settings: cfg,
	})
	groups := cache.New(cache.Options[*model.EntityStatus]{
		Kind: model.EntityKindGroup,
		Fetch: func(ctx context.Context, id model.EntityID) (*model.EntityStatus, error) {
			return &model.EntityStatus{ID: id, FlagType: model.FlagTypeSafe}, nil
		},
		Settings: cfg,
	})

	votes := cache.NewVoteCache(cfg,
		func(ctx context.Context, id model.EntityID) (*model.VoteData, error) {
			return &model.VoteData{ID: id, Upvotes: 9, Downvotes: 1}, nil
		},
		nil, log,
	)
	stats := cache.NewStatsCache(cfg,
		func(ctx context.Context) (*model.Statistics, error) {
			return &model.Statistics{UsersFlagged: 7}, nil
		},
		log,
	)

	reg := registry.New(newMemStore(), cfg, "https://primary.test/v2", log)
	querySvc := query.NewService(query.Config{
		Registry:  reg,
		Users:     users,
		Groups:    groups,
		Custom:    apiclient.NewCustomClient(schema.NewValidator(), 1, time.Millisecond, log),
		Settings:  cfg,
		BatchSize: 10,
	})

	hub := &recordingHub{}
	bus := pubsub.New(nil, log)
	bus.SetWSHub(hub)

	lookups := NewLookupTracker()
	router := Routes(Dependencies{
		Query:    querySvc,
		Registry: reg,
		Users:    users,
		Groups:   groups,
		Votes:    votes,
		Stats:    stats,
		Primary:  primary,
		Settings: cfg,
		Bus:      bus,
		Log:      log,
		Lookups:  lookups,
	})

	return &harness{
		router:    router,
		cfg:       cfg,
		hub:       hub,
		primary:   primarySrv,
		lookups:   lookups,
		userBlock: userBlock,
	}
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func TestGetGroupStatus(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodGet, "/status/groups/9000", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var combined model.CombinedStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &combined))
	require.Equal(t, []string{model.SystemAPIID}, combined.APIOrder)
	assert.NotNil(t, combined.CustomAPIs[model.SystemAPIID].Data)
}

func TestGetUserStatuses(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/status/users", map[string]interface{}{
		"ids": []string{"1", "2"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var results map[model.EntityID]*model.CombinedStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 2)
	assert.NotNil(t, results["1"].CustomAPIs[model.SystemAPIID].Data)

	rec = h.do(t, http.MethodPost, "/status/users", map[string]interface{}{"ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetGroupStatuses(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/status/groups", map[string]interface{}{
		"ids": []string{"10", "20"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var results map[model.EntityID]*model.CombinedStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 2)
	assert.Equal(t, []string{model.SystemAPIID}, results["10"].APIOrder)
}

func TestProgressiveLookupLifecycle(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/status/users/42/progressive", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		LookupID string `json:"lookupId"`
		Channel  string `json:"channel"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.LookupID)
	assert.Equal(t, "user:42", resp.Channel)
	assert.GreaterOrEqual(t, h.hub.len(), 1, "loading snapshot published immediately")

	// The system fetch is still blocked, so the lookup is cancellable
	rec = h.do(t, http.MethodPost, "/status/lookups/"+resp.LookupID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, "/status/lookups/"+resp.LookupID+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	close(h.userBlock)
}

func TestProgressiveLookupSurvivesRequestCompletion(t *testing.T) {
	h := newHarness(t)

	// A real server cancels the request context as soon as the 202 is
	// written; the fan-out must keep going and settle with data.
	srv := httptest.NewServer(h.router)
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/status/users/42/progressive", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	close(h.userBlock)

	require.Eventually(t, func() bool {
		snap := h.hub.lastSnapshot()
		return snap != nil && !snap.CustomAPIs[model.SystemAPIID].Loading
	}, time.Second, 5*time.Millisecond)

	sys := h.hub.lastSnapshot().CustomAPIs[model.SystemAPIID]
	assert.Empty(t, sys.Error)
	require.NotNil(t, sys.Data)
	assert.Equal(t, model.FlagTypeUnsafe, sys.Data.FlagType)
}

func TestProgressiveLookupFinishedBeforeTracked(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.cfg.SetRestrictedAccess(context.Background(), true))

	// Restricted lookups settle before the handler registers them; the
	// tracker must not retain a cancel for a finished lookup.
	rec := h.do(t, http.MethodPost, "/status/users/42/progressive", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp struct {
		LookupID string `json:"lookupId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	rec = h.do(t, http.MethodPost, "/status/lookups/"+resp.LookupID+"/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	h.lookups.mu.Lock()
	defer h.lookups.mu.Unlock()
	assert.Empty(t, h.lookups.cancels)
	assert.Empty(t, h.lookups.done)
}

func TestCustomAPIHandlers(t *testing.T) {
	h := newHarness(t)

	t.Run("add rejects invalid config", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/custom-apis", map[string]interface{}{
			"name":     "x",
			"batchUrl": "https://x/b",
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	var created model.CustomAPIConfig
	t.Run("add", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/custom-apis", map[string]interface{}{
			"name":      "Alpha",
			"singleUrl": "https://x/{userId}",
			"batchUrl":  "https://x/batch",
		})
		require.Equal(t, http.StatusCreated, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
		assert.NotEmpty(t, created.ID)
	})

	t.Run("list prepends system source", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/custom-apis", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var apis []model.CustomAPIConfig
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apis))
		require.Len(t, apis, 2)
		assert.Equal(t, model.SystemAPIID, apis[0].ID)
		assert.Equal(t, created.ID, apis[1].ID)
	})

	t.Run("update system source forbidden", func(t *testing.T) {
		rec := h.do(t, http.MethodPut, "/custom-apis/"+model.SystemAPIID, map[string]interface{}{
			"name":      "nope",
			"singleUrl": "https://x/{userId}",
			"batchUrl":  "https://x/batch",
		})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("enable without experimental flag forbidden", func(t *testing.T) {
		rec := h.do(t, http.MethodPut, "/custom-apis/"+created.ID, map[string]interface{}{
			"name":      "Alpha",
			"singleUrl": "https://x/{userId}",
			"batchUrl":  "https://x/batch",
			"enabled":   true,
		})
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("delete unknown", func(t *testing.T) {
		rec := h.do(t, http.MethodDelete, "/custom-apis/missing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("delete", func(t *testing.T) {
		rec := h.do(t, http.MethodDelete, "/custom-apis/"+created.ID, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestVoteHandlers(t *testing.T) {
	h := newHarness(t)

	t.Run("get votes via cache", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/votes/55", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var votes model.VoteData
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &votes))
		assert.Equal(t, int64(9), votes.Upvotes)
	})

	t.Run("submit vote updates cache", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/votes/77", map[string]interface{}{"voteType": 1})
		require.Equal(t, http.StatusOK, rec.Code)

		var votes model.VoteData
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &votes))
		assert.Equal(t, int64(12), votes.Upvotes)

		// The cached tally now reflects the submission, not the fetch stub
		rec = h.do(t, http.MethodGet, "/votes/77", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &votes))
		assert.Equal(t, int64(12), votes.Upvotes)
	})

	t.Run("batch votes requires ids", func(t *testing.T) {
		rec := h.do(t, http.MethodPost, "/votes/batch", map[string]interface{}{"ids": []string{}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("statistics", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/stats", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var stats model.Statistics
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
		assert.Equal(t, int64(7), stats.UsersFlagged)
	})
}

func TestSettingsHandlers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	t.Run("cache ttl", func(t *testing.T) {
		rec := h.do(t, http.MethodPut, "/settings/cache-ttl", map[string]interface{}{"ttlMs": 0})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = h.do(t, http.MethodPut, "/settings/cache-ttl", map[string]interface{}{"ttlMs": 60000})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, time.Minute, h.cfg.CacheTTL(ctx))
	})

	t.Run("api key set and clear", func(t *testing.T) {
		rec := h.do(t, http.MethodPut, "/settings/api-key", map[string]interface{}{"apiKey": "k-123"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "k-123", h.cfg.APIKey(ctx))

		rec = h.do(t, http.MethodDelete, "/settings/api-key", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, h.cfg.APIKey(ctx))
	})

	t.Run("experimental flag", func(t *testing.T) {
		rec := h.do(t, http.MethodPut, "/settings/experimental", map[string]interface{}{"enabled": true})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, h.cfg.ExperimentalAPIsEnabled(ctx))
	})

	t.Run("restriction clear", func(t *testing.T) {
		require.NoError(t, h.cfg.SetRestrictedAccess(ctx, true))
		rec := h.do(t, http.MethodDelete, "/settings/restriction", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.False(t, h.cfg.RestrictedAccess(ctx))
	})

	t.Run("cache stats reports every cache", func(t *testing.T) {
		rec := h.do(t, http.MethodGet, "/cache/stats", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var stats map[string]model.CacheStats
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
		for _, key := range []string{"users", "groups", "votes", "stats"} {
			assert.Contains(t, stats, key)
		}
	})
}

func TestPrefetchWithoutJobs(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/prefetch", map[string]interface{}{"ids": []string{"1"}})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
