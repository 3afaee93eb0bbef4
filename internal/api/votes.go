package api

import (
	"encoding/json"
	"net/http"

	"flagwatch/internal/model"

	"github.com/go-chi/chi/v5"
)

func (d Dependencies) getVotes(w http.ResponseWriter, r *http.Request) {
	id := model.EntityID(chi.URLParam(r, "id"))

	votes, err := d.Votes.GetStatus(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusBadGateway, "votes_failed", err.Error(), d.Log)
		return
	}
	WriteJSON(w, http.StatusOK, votes)
}

// submitVote casts a vote through the primary API and optimistically
// updates the vote cache with the returned tally
func (d Dependencies) submitVote(w http.ResponseWriter, r *http.Request) {
	id := model.EntityID(chi.URLParam(r, "id"))

	var req struct {
		VoteType int `json:"voteType"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", d.Log)
		return
	}

	votes, err := d.Primary.SubmitVote(r.Context(), id, req.VoteType)
	if err != nil {
		WriteError(w, http.StatusBadGateway, "vote_failed", err.Error(), d.Log)
		return
	}

	d.Votes.UpdateCachedVoteData(id, votes)
	WriteJSON(w, http.StatusOK, votes)
}

func (d Dependencies) getVotesBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []model.EntityID `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", d.Log)
		return
	}
	if len(req.IDs) == 0 {
		WriteError(w, http.StatusBadRequest, "invalid_request", "ids is required", d.Log)
		return
	}

	votes, err := d.Primary.GetVotesBatch(r.Context(), req.IDs)
	if err != nil {
		WriteError(w, http.StatusBadGateway, "votes_failed", err.Error(), d.Log)
		return
	}
	WriteJSON(w, http.StatusOK, votes)
}

func (d Dependencies) getStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := d.Stats.GetStatistics(r.Context())
	if err != nil {
		WriteError(w, http.StatusBadGateway, "stats_failed", err.Error(), d.Log)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}
