package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"flagwatch/internal/db"
	"flagwatch/internal/model"
	"flagwatch/internal/settings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var (
	ErrNotFound         = errors.New("custom API not found")
	ErrSystemAPI        = errors.New("system API cannot be modified")
	ErrLimitReached     = fmt.Errorf("at most %d custom APIs may be configured", model.MaxUserAPIs)
	ErrPermissionDenied = errors.New("experimental custom APIs are not enabled")
	ErrInvalidConfig    = errors.New("invalid custom API config")
)

// Store is the persistence surface the registry needs; satisfied by
// *db.Queries
type Store interface {
	ListCustomAPIs(ctx context.Context) ([]db.CustomAPI, error)
	GetCustomAPIByID(ctx context.Context, id string) (db.CustomAPI, error)
	CountCustomAPIs(ctx context.Context) (int, error)
	CreateCustomAPI(ctx context.Context, p db.CreateCustomAPIParams) (db.CustomAPI, error)
	UpdateCustomAPI(ctx context.Context, p db.UpdateCustomAPIParams) (db.CustomAPI, error)
	SetCustomAPIOrder(ctx context.Context, id string, order int) error
	DeleteCustomAPI(ctx context.Context, id string) error
}

// Registry manages the ordered list of status sources. The built-in system
// source is synthesized on every load and prepended; it is never persisted,
// edited, deleted, or reordered.
type Registry struct {
	store      Store
	settings   settings.Accessor
	primaryURL string
	log        *zap.Logger
}

func New(store Store, cfg settings.Accessor, primaryURL string, log *zap.Logger) *Registry {
	return &Registry{store: store, settings: cfg, primaryURL: primaryURL, log: log}
}

const defaultTimeoutMS = 5000

func (r *Registry) systemAPI() model.CustomAPIConfig {
	return model.CustomAPIConfig{
		ID:           model.SystemAPIID,
		Name:         "Rotector",
		SingleURL:    r.primaryURL + "/lookup/user/{userId}",
		BatchURL:     r.primaryURL + "/lookup/users",
		Enabled:      true,
		TimeoutMS:    defaultTimeoutMS,
		Order:        -1,
		IsSystem:     true,
		ReasonFormat: model.ReasonFormatNumeric,
	}
}

func rowToConfig(a db.CustomAPI) model.CustomAPIConfig {
	return model.CustomAPIConfig{
		ID:           a.ID,
		Name:         a.Name,
		SingleURL:    a.SingleURL,
		BatchURL:     a.BatchURL,
		Enabled:      a.Enabled,
		TimeoutMS:    a.TimeoutMS,
		Order:        a.SortOrder,
		ReasonFormat: model.ReasonFormat(a.ReasonFormat),
	}
}

// List returns the system source followed by all stored sources in order
func (r *Registry) List(ctx context.Context) ([]model.CustomAPIConfig, error) {
	rows, err := r.store.ListCustomAPIs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list custom APIs: %w", err)
	}
	apis := make([]model.CustomAPIConfig, 0, len(rows)+1)
	apis = append(apis, r.systemAPI())
	for _, row := range rows {
		apis = append(apis, rowToConfig(row))
	}
	return apis, nil
}

// Enabled returns the sources a query should fan out to. The system source
// is always included; user sources additionally require the experimental
// flag and their own enabled bit.
func (r *Registry) Enabled(ctx context.Context) ([]model.CustomAPIConfig, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	experimental := r.settings.ExperimentalAPIsEnabled(ctx)
	enabled := make([]model.CustomAPIConfig, 0, len(all))
	for _, api := range all {
		if api.IsSystem {
			enabled = append(enabled, api)
			continue
		}
		if experimental && api.Enabled {
			enabled = append(enabled, api)
		}
	}
	return enabled, nil
}

// AddInput holds the user-supplied fields for a new source
type AddInput struct {
	Name         string             `json:"name"`
	SingleURL    string             `json:"singleUrl"`
	BatchURL     string             `json:"batchUrl"`
	Enabled      bool               `json:"enabled"`
	TimeoutMS    int                `json:"timeout"`
	ReasonFormat model.ReasonFormat `json:"reasonFormat"`
}

func (in *AddInput) validate() error {
	if in.Name == "" || len(in.Name) > model.MaxAPINameLength {
		return fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidConfig, model.MaxAPINameLength)
	}
	if !strings.Contains(in.SingleURL, "{userId}") {
		return fmt.Errorf("%w: singleUrl must contain the {userId} placeholder", ErrInvalidConfig)
	}
	if in.BatchURL == "" {
		return fmt.Errorf("%w: batchUrl is required", ErrInvalidConfig)
	}
	switch in.ReasonFormat {
	case "", model.ReasonFormatNumeric, model.ReasonFormatString:
	default:
		return fmt.Errorf("%w: reasonFormat must be numeric or string", ErrInvalidConfig)
	}
	return nil
}

// Add creates a new user source at the end of the order
func (r *Registry) Add(ctx context.Context, in AddInput) (model.CustomAPIConfig, error) {
	if err := in.validate(); err != nil {
		return model.CustomAPIConfig{}, err
	}
	if in.Enabled && !r.settings.ExperimentalAPIsEnabled(ctx) {
		return model.CustomAPIConfig{}, ErrPermissionDenied
	}

	count, err := r.store.CountCustomAPIs(ctx)
	if err != nil {
		return model.CustomAPIConfig{}, fmt.Errorf("failed to count custom APIs: %w", err)
	}
	if count >= model.MaxUserAPIs {
		return model.CustomAPIConfig{}, ErrLimitReached
	}

	timeout := in.TimeoutMS
	if timeout <= 0 {
		timeout = defaultTimeoutMS
	}
	format := in.ReasonFormat
	if format == "" {
		format = model.ReasonFormatNumeric
	}

	row, err := r.store.CreateCustomAPI(ctx, db.CreateCustomAPIParams{
		ID:           uuid.NewString(),
		Name:         in.Name,
		SingleURL:    in.SingleURL,
		BatchURL:     in.BatchURL,
		Enabled:      in.Enabled,
		TimeoutMS:    timeout,
		SortOrder:    count,
		ReasonFormat: string(format),
	})
	if err != nil {
		return model.CustomAPIConfig{}, fmt.Errorf("failed to create custom API: %w", err)
	}
	r.log.Info("custom API added", zap.String("id", row.ID), zap.String("name", row.Name))
	return rowToConfig(row), nil
}

// Update modifies an existing user source. Enabling a previously disabled
// source re-checks the experimental permission.
func (r *Registry) Update(ctx context.Context, id string, in AddInput) (model.CustomAPIConfig, error) {
	if id == model.SystemAPIID {
		return model.CustomAPIConfig{}, ErrSystemAPI
	}
	if err := in.validate(); err != nil {
		return model.CustomAPIConfig{}, err
	}

	existing, err := r.store.GetCustomAPIByID(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.CustomAPIConfig{}, ErrNotFound
		}
		return model.CustomAPIConfig{}, fmt.Errorf("failed to load custom API: %w", err)
	}

	if in.Enabled && !existing.Enabled && !r.settings.ExperimentalAPIsEnabled(ctx) {
		return model.CustomAPIConfig{}, ErrPermissionDenied
	}

	timeout := in.TimeoutMS
	if timeout <= 0 {
		timeout = existing.TimeoutMS
	}
	format := in.ReasonFormat
	if format == "" {
		format = model.ReasonFormat(existing.ReasonFormat)
	}

	row, err := r.store.UpdateCustomAPI(ctx, db.UpdateCustomAPIParams{
		ID:           id,
		Name:         in.Name,
		SingleURL:    in.SingleURL,
		BatchURL:     in.BatchURL,
		Enabled:      in.Enabled,
		TimeoutMS:    timeout,
		ReasonFormat: string(format),
	})
	if err != nil {
		return model.CustomAPIConfig{}, fmt.Errorf("failed to update custom API: %w", err)
	}
	return rowToConfig(row), nil
}

// Delete removes a user source and compacts the remaining order
func (r *Registry) Delete(ctx context.Context, id string) error {
	if id == model.SystemAPIID {
		return ErrSystemAPI
	}
	if _, err := r.store.GetCustomAPIByID(ctx, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to load custom API: %w", err)
	}
	if err := r.store.DeleteCustomAPI(ctx, id); err != nil {
		return fmt.Errorf("failed to delete custom API: %w", err)
	}

	rows, err := r.store.ListCustomAPIs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list custom APIs for reorder: %w", err)
	}
	for i, row := range rows {
		if row.SortOrder == i {
			continue
		}
		if err := r.store.SetCustomAPIOrder(ctx, row.ID, i); err != nil {
			return fmt.Errorf("failed to compact order: %w", err)
		}
	}
	return nil
}

// Reorder applies a complete ordering of user source IDs. The system source
// keeps order -1 and always sorts first.
func (r *Registry) Reorder(ctx context.Context, orderedIDs []string) error {
	for _, id := range orderedIDs {
		if id == model.SystemAPIID {
			return ErrSystemAPI
		}
	}
	rows, err := r.store.ListCustomAPIs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list custom APIs: %w", err)
	}
	if len(orderedIDs) != len(rows) {
		return fmt.Errorf("%w: reorder must include every custom API exactly once", ErrInvalidConfig)
	}
	known := make(map[string]bool, len(rows))
	for _, row := range rows {
		known[row.ID] = true
	}
	for i, id := range orderedIDs {
		if !known[id] {
			return ErrNotFound
		}
		if err := r.store.SetCustomAPIOrder(ctx, id, i); err != nil {
			return fmt.Errorf("failed to set order: %w", err)
		}
	}
	return nil
}
