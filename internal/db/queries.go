package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Queries wraps database queries
type Queries struct {
	*pgxpool.Pool
}

// NewQueries creates a new Queries instance
func NewQueries(pool *pgxpool.Pool) *Queries {
	return &Queries{Pool: pool}
}

// CustomAPI represents a custom_apis row. The built-in system source is
// synthesized in memory and never stored here.
type CustomAPI struct {
	ID           string
	Name         string
	SingleURL    string
	BatchURL     string
	Enabled      bool
	TimeoutMS    int
	SortOrder    int
	ReasonFormat string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const customAPIColumns = `id, name, single_url, batch_url, enabled, timeout_ms, sort_order, reason_format, created_at, updated_at`

func scanCustomAPI(row interface{ Scan(...any) error }) (CustomAPI, error) {
	var a CustomAPI
	err := row.Scan(
		&a.ID, &a.Name, &a.SingleURL, &a.BatchURL, &a.Enabled,
		&a.TimeoutMS, &a.SortOrder, &a.ReasonFormat, &a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

func (q *Queries) ListCustomAPIs(ctx context.Context) ([]CustomAPI, error) {
	rows, err := q.Pool.Query(ctx,
		"SELECT "+customAPIColumns+" FROM custom_apis ORDER BY sort_order ASC",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apis []CustomAPI
	for rows.Next() {
		a, err := scanCustomAPI(rows)
		if err != nil {
			return nil, err
		}
		apis = append(apis, a)
	}
	return apis, rows.Err()
}

func (q *Queries) GetCustomAPIByID(ctx context.Context, id string) (CustomAPI, error) {
	row := q.Pool.QueryRow(ctx,
		"SELECT "+customAPIColumns+" FROM custom_apis WHERE id = $1", id,
	)
	return scanCustomAPI(row)
}

func (q *Queries) CountCustomAPIs(ctx context.Context) (int, error) {
	var n int
	err := q.Pool.QueryRow(ctx, "SELECT COUNT(*) FROM custom_apis").Scan(&n)
	return n, err
}

type CreateCustomAPIParams struct {
	ID           string
	Name         string
	SingleURL    string
	BatchURL     string
	Enabled      bool
	TimeoutMS    int
	SortOrder    int
	ReasonFormat string
}

func (q *Queries) CreateCustomAPI(ctx context.Context, p CreateCustomAPIParams) (CustomAPI, error) {
	row := q.Pool.QueryRow(ctx,
		`INSERT INTO custom_apis (id, name, single_url, batch_url, enabled, timeout_ms, sort_order, reason_format)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+customAPIColumns,
		p.ID, p.Name, p.SingleURL, p.BatchURL, p.Enabled, p.TimeoutMS, p.SortOrder, p.ReasonFormat,
	)
	return scanCustomAPI(row)
}

type UpdateCustomAPIParams struct {
	ID           string
	Name         string
	SingleURL    string
	BatchURL     string
	Enabled      bool
	TimeoutMS    int
	ReasonFormat string
}

func (q *Queries) UpdateCustomAPI(ctx context.Context, p UpdateCustomAPIParams) (CustomAPI, error) {
	row := q.Pool.QueryRow(ctx,
		`UPDATE custom_apis
		SET name = $2, single_url = $3, batch_url = $4, enabled = $5,
			timeout_ms = $6, reason_format = $7, updated_at = NOW()
		WHERE id = $1
		RETURNING `+customAPIColumns,
		p.ID, p.Name, p.SingleURL, p.BatchURL, p.Enabled, p.TimeoutMS, p.ReasonFormat,
	)
	return scanCustomAPI(row)
}

func (q *Queries) SetCustomAPIOrder(ctx context.Context, id string, order int) error {
	_, err := q.Pool.Exec(ctx,
		"UPDATE custom_apis SET sort_order = $2, updated_at = NOW() WHERE id = $1",
		id, order,
	)
	return err
}

func (q *Queries) DeleteCustomAPI(ctx context.Context, id string) error {
	_, err := q.Pool.Exec(ctx, "DELETE FROM custom_apis WHERE id = $1", id)
	return err
}
