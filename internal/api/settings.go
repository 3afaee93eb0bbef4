package api

import (
	"encoding/json"
	"net/http"
	"time"

	"flagwatch/internal/model"
)

func (d Dependencies) setAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"apiKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.APIKey == "" {
		WriteError(w, http.StatusBadRequest, "invalid_request", "apiKey is required", d.Log)
		return
	}
	if err := d.Settings.SetAPIKey(r.Context(), req.APIKey); err != nil {
		WriteError(w, http.StatusInternalServerError, "settings_failed", err.Error(), d.Log)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"updated": true})
}

func (d Dependencies) clearAPIKey(w http.ResponseWriter, r *http.Request) {
	if err := d.Settings.ClearAPIKey(r.Context()); err != nil {
		WriteError(w, http.StatusInternalServerError, "settings_failed", err.Error(), d.Log)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"cleared": true})
}

func (d Dependencies) setCacheTTL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TTLMilli int64 `json:"ttlMs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TTLMilli <= 0 {
		WriteError(w, http.StatusBadRequest, "invalid_request", "ttlMs must be a positive integer", d.Log)
		return
	}
	if err := d.Settings.SetCacheTTL(r.Context(), time.Duration(req.TTLMilli)*time.Millisecond); err != nil {
		WriteError(w, http.StatusInternalServerError, "settings_failed", err.Error(), d.Log)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"updated": true})
}

func (d Dependencies) setExperimental(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", d.Log)
		return
	}
	if err := d.Settings.SetExperimentalAPIs(r.Context(), req.Enabled); err != nil {
		WriteError(w, http.StatusInternalServerError, "settings_failed", err.Error(), d.Log)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"updated": true})
}

func (d Dependencies) setCurrentUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID model.EntityID `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", d.Log)
		return
	}
	if err := d.Settings.SetCurrentUserID(r.Context(), string(req.UserID)); err != nil {
		WriteError(w, http.StatusInternalServerError, "settings_failed", err.Error(), d.Log)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"updated": true})
}

// clearRestriction drops the restricted-access marker, e.g. after the
// primary service lifts a rate-limit ban
func (d Dependencies) clearRestriction(w http.ResponseWriter, r *http.Request) {
	if err := d.Settings.SetRestrictedAccess(r.Context(), false); err != nil {
		WriteError(w, http.StatusInternalServerError, "settings_failed", err.Error(), d.Log)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"cleared": true})
}

func (d Dependencies) clearCaches(w http.ResponseWriter, r *http.Request) {
	d.Users.ClearCache()
	d.Groups.ClearCache()
	d.Votes.ClearCache()
	d.Stats.Clear()
	WriteJSON(w, http.StatusOK, map[string]interface{}{"cleared": true})
}

func (d Dependencies) cacheStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	WriteJSON(w, http.StatusOK, map[string]model.CacheStats{
		"users":  d.Users.CacheStats(ctx),
		"groups": d.Groups.CacheStats(ctx),
		"votes":  d.Votes.CacheStats(ctx),
		"stats":  d.Stats.Stats(ctx),
	})
}

func (d Dependencies) enqueuePrefetch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs           []model.EntityID    `json:"ids"`
		LookupContext model.LookupContext `json:"lookupContext,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.IDs) == 0 {
		WriteError(w, http.StatusBadRequest, "invalid_request", "ids is required", d.Log)
		return
	}

	if d.Jobs == nil {
		WriteError(w, http.StatusServiceUnavailable, "jobs_unavailable", "Background jobs are not configured", d.Log)
		return
	}
	if err := d.Jobs.EnqueuePrefetch(req.IDs, req.LookupContext); err != nil {
		WriteError(w, http.StatusInternalServerError, "enqueue_failed", err.Error(), d.Log)
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]interface{}{"queued": len(req.IDs)})
}
