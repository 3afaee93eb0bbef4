package api

import (
	"net/http"
	"os"
	"sync"

	"flagwatch/internal/apiclient"
	"flagwatch/internal/auth"
	"flagwatch/internal/cache"
	"flagwatch/internal/jobs"
	"flagwatch/internal/model"
	"flagwatch/internal/pubsub"
	"flagwatch/internal/query"
	"flagwatch/internal/registry"
	"flagwatch/internal/settings"
	"flagwatch/internal/ws"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Dependencies struct {
	Query    *query.Service
	Registry *registry.Registry
	Users    *cache.StatusCache[*model.EntityStatus]
	Groups   *cache.StatusCache[*model.EntityStatus]
	Votes    *cache.VoteCache
	Stats    *cache.StatsCache
	Primary  *apiclient.Client
	Settings settings.Accessor
	Hub      *ws.Hub
	Bus      *pubsub.Bus
	Jobs     *jobs.Client
	Log      *zap.Logger
	Lookups  *LookupTracker
}

// LookupTracker keeps the cancel functions of in-flight progressive lookups.
// A lookup can finish before its handler registers it, so finished IDs are
// tombstoned and the late add is dropped instead of leaking a cancel.
type LookupTracker struct {
	mu      sync.Mutex
	cancels map[string]func()
	done    map[string]struct{}
}

func NewLookupTracker() *LookupTracker {
	return &LookupTracker{
		cancels: make(map[string]func()),
		done:    make(map[string]struct{}),
	}
}

func (t *LookupTracker) add(id string, cancel func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, finished := t.done[id]; finished {
		delete(t.done, id)
		return
	}
	t.cancels[id] = cancel
}

func (t *LookupTracker) cancel(id string) bool {
	t.mu.Lock()
	cancel, ok := t.cancels[id]
	delete(t.cancels, id)
	t.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (t *LookupTracker) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.cancels[id]; ok {
		delete(t.cancels, id)
		return
	}
	t.done[id] = struct{}{}
}

func Routes(d Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestLogger(d.Log))

	jwtConfig := auth.NewJWTConfig(os.Getenv("JWT_SECRET"))
	r.Use(jwtConfig.Middleware)

	// Status lookups
	r.Get("/status/users/{id}", d.getUserStatus)
	r.Post("/status/users", d.getUserStatuses)
	r.Post("/status/users/{id}/progressive", d.startProgressiveLookup)
	r.Post("/status/lookups/{lookupId}/cancel", d.cancelProgressiveLookup)
	r.Get("/status/groups/{id}", d.getGroupStatus)
	r.Post("/status/groups", d.getGroupStatuses)

	// Custom API sources
	r.Get("/custom-apis", d.listCustomAPIs)
	r.Post("/custom-apis", d.addCustomAPI)
	r.Put("/custom-apis/{id}", d.updateCustomAPI)
	r.Delete("/custom-apis/{id}", d.deleteCustomAPI)
	r.Post("/custom-apis/reorder", d.reorderCustomAPIs)

	// Votes and statistics
	r.Get("/votes/{id}", d.getVotes)
	r.Post("/votes/{id}", d.submitVote)
	r.Post("/votes/batch", d.getVotesBatch)
	r.Get("/stats", d.getStatistics)

	// Settings
	r.Put("/settings/api-key", d.setAPIKey)
	r.Delete("/settings/api-key", d.clearAPIKey)
	r.Put("/settings/cache-ttl", d.setCacheTTL)
	r.Put("/settings/experimental", d.setExperimental)
	r.Put("/settings/current-user", d.setCurrentUser)
	r.Delete("/settings/restriction", d.clearRestriction)

	// Cache administration
	r.Post("/cache/clear", d.clearCaches)
	r.Get("/cache/stats", d.cacheStats)

	// Background prefetch
	r.Post("/prefetch", d.enqueuePrefetch)

	// WebSocket endpoint
	r.Get("/ws", d.wsHandler)

	return r
}
