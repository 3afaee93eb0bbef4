package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"flagwatch/internal/registry"

	"github.com/go-chi/chi/v5"
)

func registryErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, registry.ErrSystemAPI):
		return http.StatusForbidden, "system_api"
	case errors.Is(err, registry.ErrLimitReached):
		return http.StatusConflict, "limit_reached"
	case errors.Is(err, registry.ErrPermissionDenied):
		return http.StatusForbidden, "permission_denied"
	case errors.Is(err, registry.ErrInvalidConfig):
		return http.StatusBadRequest, "invalid_config"
	default:
		return http.StatusInternalServerError, "registry_error"
	}
}

func (d Dependencies) listCustomAPIs(w http.ResponseWriter, r *http.Request) {
	apis, err := d.Registry.List(r.Context())
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "registry_error", err.Error(), d.Log)
		return
	}
	WriteJSON(w, http.StatusOK, apis)
}

func (d Dependencies) addCustomAPI(w http.ResponseWriter, r *http.Request) {
	var in registry.AddInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", d.Log)
		return
	}

	api, err := d.Registry.Add(r.Context(), in)
	if err != nil {
		status, code := registryErrorStatus(err)
		WriteError(w, status, code, err.Error(), d.Log)
		return
	}
	WriteJSON(w, http.StatusCreated, api)
}

func (d Dependencies) updateCustomAPI(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var in registry.AddInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", d.Log)
		return
	}

	api, err := d.Registry.Update(r.Context(), id, in)
	if err != nil {
		status, code := registryErrorStatus(err)
		WriteError(w, status, code, err.Error(), d.Log)
		return
	}
	WriteJSON(w, http.StatusOK, api)
}

func (d Dependencies) deleteCustomAPI(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := d.Registry.Delete(r.Context(), id); err != nil {
		status, code := registryErrorStatus(err)
		WriteError(w, status, code, err.Error(), d.Log)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

func (d Dependencies) reorderCustomAPIs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid request body", d.Log)
		return
	}

	if err := d.Registry.Reorder(r.Context(), req.IDs); err != nil {
		status, code := registryErrorStatus(err)
		WriteError(w, status, code, err.Error(), d.Log)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"reordered": true})
}
