package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/s2-downloader/internal/granule"
)

// GranuleStore implements granule.Store on top of Postgres.
type GranuleStore struct {
	db DB
}

// NewGranuleStore creates a GranuleStore using the shared pool.
func NewGranuleStore(db DB) (*GranuleStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &GranuleStore{db: db}, nil
}

const granuleColumns = `
	id, filename, tile_id, size, checksum, begin_time, end_time, ingestion_time,
	download_url, downloaded, download_retries, download_started_at,
	download_finished_at, expired`

// Insert creates a new granule row. A uniqueness violation maps to
// granule.ErrDuplicateGranule; it is the store-level dedup signal both
// ingestion paths rely on.
func (s *GranuleStore) Insert(ctx context.Context, g granule.Granule) error {
	query := `
		INSERT INTO granule (
			id, filename, tile_id, size, checksum, begin_time, end_time,
			ingestion_time, download_url, downloaded, download_retries, expired
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, 0, FALSE);
	`
	_, err := s.db.Exec(
		ctx,
		query,
		g.ID,
		g.Filename,
		g.TileID,
		g.Size,
		g.Checksum,
		g.BeginTime,
		g.EndTime,
		g.IngestionTime,
		g.DownloadURL,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return granule.ErrDuplicateGranule
		}
		return fmt.Errorf("insert granule %s: %w", g.ID, err)
	}
	return nil
}

// Get loads a granule by id or returns granule.ErrNotFound.
func (s *GranuleStore) Get(ctx context.Context, id string) (granule.Granule, error) {
	query := `SELECT` + granuleColumns + ` FROM granule WHERE id = $1;`

	var g granule.Granule
	err := s.db.QueryRow(ctx, query, id).Scan(
		&g.ID,
		&g.Filename,
		&g.TileID,
		&g.Size,
		&g.Checksum,
		&g.BeginTime,
		&g.EndTime,
		&g.IngestionTime,
		&g.DownloadURL,
		&g.Downloaded,
		&g.DownloadRetries,
		&g.DownloadStartedAt,
		&g.DownloadFinishedAt,
		&g.Expired,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return granule.Granule{}, granule.ErrNotFound
		}
		return granule.Granule{}, fmt.Errorf("get granule %s: %w", id, err)
	}
	return g, nil
}

// IncrementRetries advances the retry counter by exactly one. The counter
// never decreases.
func (s *GranuleStore) IncrementRetries(ctx context.Context, id string) error {
	query := `UPDATE granule SET download_retries = download_retries + 1 WHERE id = $1;`
	tag, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("increment retries for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return granule.ErrNotFound
	}
	return nil
}

// MarkDownloadStarted stamps the start of a download attempt.
func (s *GranuleStore) MarkDownloadStarted(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE granule SET download_started_at = $2 WHERE id = $1;`
	tag, err := s.db.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("mark download started for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return granule.ErrNotFound
	}
	return nil
}

// MarkDownloaded commits a successful download. The downloaded flag only ever
// transitions false to true; a redelivered message that lost the race maps to
// granule.ErrAlreadyDownloaded.
func (s *GranuleStore) MarkDownloaded(
	ctx context.Context,
	id string,
	checksum string,
	finishedAt time.Time,
) error {
	query := `
		UPDATE granule
		SET downloaded = TRUE, checksum = $2, download_finished_at = $3
		WHERE id = $1 AND downloaded = FALSE;
	`
	tag, err := s.db.Exec(ctx, query, id, checksum, finishedAt)
	if err != nil {
		return fmt.Errorf("mark downloaded for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return granule.ErrAlreadyDownloaded
	}
	return nil
}

// ListNotDownloaded returns granules ingested on the given day with
// downloaded = false, for the requeue sweep.
func (s *GranuleStore) ListNotDownloaded(
	ctx context.Context,
	ingestionDate time.Time,
) ([]granule.Granule, error) {
	query := `
		SELECT` + granuleColumns + `
		FROM granule
		WHERE downloaded = FALSE AND date_trunc('day', ingestion_time) = $1
		ORDER BY ingestion_time;
	`
	rows, err := s.db.Query(ctx, query, ingestionDate)
	if err != nil {
		return nil, fmt.Errorf("list not downloaded: %w", err)
	}
	defer rows.Close()

	var granules []granule.Granule
	for rows.Next() {
		var g granule.Granule
		err := rows.Scan(
			&g.ID,
			&g.Filename,
			&g.TileID,
			&g.Size,
			&g.Checksum,
			&g.BeginTime,
			&g.EndTime,
			&g.IngestionTime,
			&g.DownloadURL,
			&g.Downloaded,
			&g.DownloadRetries,
			&g.DownloadStartedAt,
			&g.DownloadFinishedAt,
			&g.Expired,
		)
		if err != nil {
			return nil, fmt.Errorf("scan granule row: %w", err)
		}
		granules = append(granules, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate granule rows: %w", err)
	}
	return granules, nil
}
