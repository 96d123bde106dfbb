package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/s2-downloader/internal/granule"
)

// ProgressStore implements granule.ProgressStore on top of the granule_count
// table, keyed by (date, platform).
type ProgressStore struct {
	db DB
}

// NewProgressStore creates a ProgressStore using the shared pool.
func NewProgressStore(db DB) (*ProgressStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &ProgressStore{db: db}, nil
}

// FetchedLinks returns the pagination cursor for a (date, platform) unit,
// creating a zero row when the unit has never been crawled.
func (s *ProgressStore) FetchedLinks(
	ctx context.Context,
	date time.Time,
	platform string,
) (int64, error) {
	query := `SELECT fetched_links FROM granule_count WHERE date = $1 AND platform = $2;`

	var fetched int64
	err := s.db.QueryRow(ctx, query, date, platform).Scan(&fetched)
	if err == nil {
		return fetched, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("get fetched links for %s/%s: %w", date.Format("2006-01-02"), platform, err)
	}

	insert := `
		INSERT INTO granule_count (date, platform, available_links, fetched_links, last_fetched_time)
		VALUES ($1, $2, 0, 0, now());
	`
	if _, err := s.db.Exec(ctx, insert, date, platform); err != nil {
		return 0, fmt.Errorf("create progress row for %s/%s: %w", date.Format("2006-01-02"), platform, err)
	}
	return 0, nil
}

// SetAvailableLinks refreshes the catalog-reported total for the unit.
func (s *ProgressStore) SetAvailableLinks(
	ctx context.Context,
	date time.Time,
	platform string,
	total int64,
) error {
	query := `UPDATE granule_count SET available_links = $3 WHERE date = $1 AND platform = $2;`
	if _, err := s.db.Exec(ctx, query, date, platform, total); err != nil {
		return fmt.Errorf("set available links for %s/%s: %w", date.Format("2006-01-02"), platform, err)
	}
	return nil
}

// AddFetchedLinks advances the cursor by count. The counter is monotonically
// non-decreasing; the delta is the unfiltered page size, so the cursor tracks
// catalog position rather than accepted-result count.
func (s *ProgressStore) AddFetchedLinks(
	ctx context.Context,
	date time.Time,
	platform string,
	count int64,
	at time.Time,
) error {
	query := `
		UPDATE granule_count
		SET fetched_links = fetched_links + $3, last_fetched_time = $4
		WHERE date = $1 AND platform = $2;
	`
	tag, err := s.db.Exec(ctx, query, date, platform, count, at)
	if err != nil {
		return fmt.Errorf("add fetched links for %s/%s: %w", date.Format("2006-01-02"), platform, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no progress row for %s/%s", date.Format("2006-01-02"), platform)
	}
	return nil
}

// Get loads the full progress row for one unit.
func (s *ProgressStore) Get(
	ctx context.Context,
	date time.Time,
	platform string,
) (granule.CrawlProgress, error) {
	query := `
		SELECT date, platform, available_links, fetched_links, last_fetched_time
		FROM granule_count
		WHERE date = $1 AND platform = $2;
	`
	var progress granule.CrawlProgress
	err := s.db.QueryRow(ctx, query, date, platform).Scan(
		&progress.Date,
		&progress.Platform,
		&progress.AvailableLinks,
		&progress.FetchedLinks,
		&progress.LastFetchedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return granule.CrawlProgress{}, granule.ErrNotFound
		}
		return granule.CrawlProgress{}, fmt.Errorf("get progress for %s/%s: %w", date.Format("2006-01-02"), platform, err)
	}
	return progress, nil
}
