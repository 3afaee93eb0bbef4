package api

import (
	"context"
	"encoding/json"
	"net/http"

	"flagwatch/internal/model"
	"flagwatch/internal/pubsub"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
)

func (d Dependencies) getUserStatus(w http.ResponseWriter, r *http.Request) {
	id := model.EntityID(chi.URLParam(r, "id"))

	combined, err := d.Query.QueryUser(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "lookup_failed", err.Error(), d.Log)
		return
	}
	WriteJSON(w, http.StatusOK, combined)
}

type batchStatusRequest struct {
	IDs           []model.EntityID    `json:"ids"`
	LookupContext model.LookupContext `json:"lookupContext,omitempty"`
}

func (d Dependencies) getUserStatuses(w http.ResponseWriter, r *http.Request) {
	var req batchStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", d.Log)
		return
	}
	if len(req.IDs) == 0 {
		WriteError(w, http.StatusBadRequest, "invalid_request", "ids is required", d.Log)
		return
	}

	results, err := d.Query.QueryMultipleUsers(r.Context(), req.IDs, req.LookupContext)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "lookup_failed", err.Error(), d.Log)
		return
	}
	WriteJSON(w, http.StatusOK, results)
}

func (d Dependencies) getGroupStatuses(w http.ResponseWriter, r *http.Request) {
	var req batchStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", d.Log)
		return
	}
	if len(req.IDs) == 0 {
		WriteError(w, http.StatusBadRequest, "invalid_request", "ids is required", d.Log)
		return
	}

	results, err := d.Query.QueryMultipleGroups(r.Context(), req.IDs)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "lookup_failed", err.Error(), d.Log)
		return
	}
	WriteJSON(w, http.StatusOK, results)
}

func (d Dependencies) getGroupStatus(w http.ResponseWriter, r *http.Request) {
	id := model.EntityID(chi.URLParam(r, "id"))

	combined, err := d.Query.QueryGroup(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "lookup_failed", err.Error(), d.Log)
		return
	}
	WriteJSON(w, http.StatusOK, combined)
}

// startProgressiveLookup begins a fan-out lookup whose snapshots stream to
// the entity's websocket channel as each source settles. Responds
// immediately with a lookup ID the client can use to cancel.
func (d Dependencies) startProgressiveLookup(w http.ResponseWriter, r *http.Request) {
	id := model.EntityID(chi.URLParam(r, "id"))
	lookupID := ulid.Make().String()
	channel := pubsub.EntityChannel(model.EntityKindUser, id)

	// The 202 goes out while sources are still settling, which cancels
	// r.Context(); the fan-out must survive that.
	ctx := context.WithoutCancel(r.Context())

	cancel, err := d.Query.QueryUserProgressive(ctx, id, func(snapshot *model.CombinedStatus) {
		_ = d.Bus.Publish(channel, map[string]interface{}{
			"type":     "lookup.update",
			"lookupId": lookupID,
			"entityId": string(id),
			"snapshot": snapshot,
		})
		if done(snapshot) {
			d.Lookups.remove(lookupID)
		}
	})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "lookup_failed", err.Error(), d.Log)
		return
	}
	d.Lookups.add(lookupID, cancel)

	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"lookupId": lookupID,
		"channel":  channel,
	})
}

func done(snapshot *model.CombinedStatus) bool {
	for _, result := range snapshot.CustomAPIs {
		if result.Loading {
			return false
		}
	}
	return true
}

func (d Dependencies) cancelProgressiveLookup(w http.ResponseWriter, r *http.Request) {
	lookupID := chi.URLParam(r, "lookupId")
	if !d.Lookups.cancel(lookupID) {
		WriteError(w, http.StatusNotFound, "not_found", "Lookup not found or already finished", d.Log)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"cancelled": true})
}
