package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"flagwatch/internal/cache"
	"flagwatch/internal/model"
	"flagwatch/internal/query"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	TypeStatsRefresh = "stats:refresh"
	TypePrefetch     = "lookup:prefetch"
)

// statsRefreshInterval paces the self-rescheduling stats warm-up
const statsRefreshInterval = 10 * time.Minute

// PrefetchPayload carries the IDs a page controller wants warmed
type PrefetchPayload struct {
	IDs           []model.EntityID    `json:"ids"`
	LookupContext model.LookupContext `json:"lookupContext,omitempty"`
}

// Client enqueues background work
type Client struct {
	client *asynq.Client
}

// EnqueuePrefetch queues a batch cache warm-up for the given IDs
func (c *Client) EnqueuePrefetch(ids []model.EntityID, lookupCtx model.LookupContext) error {
	payload, err := json.Marshal(PrefetchPayload{IDs: ids, LookupContext: lookupCtx})
	if err != nil {
		return fmt.Errorf("failed to marshal prefetch payload: %w", err)
	}
	task := asynq.NewTask(TypePrefetch, payload)
	if _, err := c.client.Enqueue(task, asynq.Queue("low")); err != nil {
		return fmt.Errorf("failed to enqueue prefetch: %w", err)
	}
	return nil
}

// EnqueueStatsRefresh schedules a stats refresh after the given delay
func (c *Client) EnqueueStatsRefresh(delay time.Duration) error {
	task := asynq.NewTask(TypeStatsRefresh, nil)
	if _, err := c.client.Enqueue(task, asynq.ProcessIn(delay), asynq.Queue("default")); err != nil {
		return fmt.Errorf("failed to enqueue stats refresh: %w", err)
	}
	return nil
}

// JobServer processes background tasks
type JobServer struct {
	server *asynq.Server
	client *Client
	query  *query.Service
	stats  *cache.StatsCache
	log    *zap.Logger
}

func NewJobServer(redisAddr string, q *query.Service, stats *cache.StatsCache, log *zap.Logger) (*JobServer, *Client) {
	redisOpt := asynq.RedisClientOpt{Addr: redisAddr}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 5,
			Queues: map[string]int{
				"default": 3,
				"low":     1,
			},
		},
	)

	client := &Client{client: asynq.NewClient(redisOpt)}

	return &JobServer{
		server: server,
		client: client,
		query:  q,
		stats:  stats,
		log:    log,
	}, client
}

func (js *JobServer) Start() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeStatsRefresh, js.handleStatsRefresh)
	mux.HandleFunc(TypePrefetch, js.handlePrefetch)
	return js.server.Start(mux)
}

func (js *JobServer) Stop() {
	js.server.Shutdown()
	js.client.client.Close()
}

// handleStatsRefresh re-warms the global statistics cache and reschedules
// itself
func (js *JobServer) handleStatsRefresh(ctx context.Context, t *asynq.Task) error {
	js.stats.Clear()
	if _, err := js.stats.GetStatistics(ctx); err != nil {
		js.log.Warn("stats refresh failed", zap.Error(err))
	} else {
		js.log.Info("statistics cache refreshed")
	}

	if err := js.client.EnqueueStatsRefresh(statsRefreshInterval); err != nil {
		js.log.Warn("failed to reschedule stats refresh", zap.Error(err))
	}
	return nil
}

// handlePrefetch warms the user status cache through the query service's
// chunked batch path, so prefetch traffic is paced like any other batch
func (js *JobServer) handlePrefetch(ctx context.Context, t *asynq.Task) error {
	var payload PrefetchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to decode prefetch payload: %w", err)
	}
	if len(payload.IDs) == 0 {
		return nil
	}

	if _, err := js.query.QueryMultipleUsers(ctx, payload.IDs, payload.LookupContext); err != nil {
		return fmt.Errorf("prefetch failed: %w", err)
	}
	js.log.Info("prefetch completed", zap.Int("ids", len(payload.IDs)))
	return nil
}
