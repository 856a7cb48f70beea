package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/livestatus/livestatus/internal/status"
)

// ErrStatusNotFound is returned when the status table has no row for a resource.
var ErrStatusNotFound = errors.New("no status row for resource")

// DefaultStatusTable is the table PostgresFetcher reads when none is configured.
const DefaultStatusTable = "resource_status"

// RowQuerier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type RowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresFetcher reads resource status rows written by the backend into a
// shared database.
type PostgresFetcher struct {
	db    RowQuerier
	query string
}

// NewPostgresFetcher creates a fetcher reading table. The table must have
// resource_id, status, updated_at and note columns.
func NewPostgresFetcher(db RowQuerier, table string) *PostgresFetcher {
	if table == "" {
		table = DefaultStatusTable
	}
	return &PostgresFetcher{
		db:    db,
		query: "SELECT status, updated_at, COALESCE(note, '') FROM " + pgx.Identifier{table}.Sanitize() + " WHERE resource_id = $1",
	}
}

// Fetch reads the current row for resource, timestamped with updated_at.
func (f *PostgresFetcher) Fetch(ctx context.Context, resource status.TrackedResource) (status.Observation, error) {
	var (
		raw       string
		updatedAt time.Time
		note      string
	)

	err := f.db.QueryRow(ctx, f.query, resource.ID).Scan(&raw, &updatedAt, &note)
	if errors.Is(err, pgx.ErrNoRows) {
		return status.Observation{}, fmt.Errorf("%w: %s", ErrStatusNotFound, resource.ID)
	}
	if err != nil {
		return status.Observation{}, fmt.Errorf("query status %s: %w", resource.ID, err)
	}

	var detail map[string]any
	if note != "" {
		detail = map[string]any{"note": note}
	}

	return status.Observation{
		ResourceID: resource.ID,
		Kind:       resource.Kind,
		State:      resource.Kind.ParseState(raw),
		Raw:        raw,
		Timestamp:  updatedAt,
		Source:     status.SourcePoll,
		Detail:     detail,
	}, nil
}
