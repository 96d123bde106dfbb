// Package pager walks the catalog search results for one (date, platform)
// unit, resuming from a persisted cursor.
package pager

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/s2-downloader/internal/granule"
	"github.com/JakeFAU/s2-downloader/internal/ingest"
	"github.com/JakeFAU/s2-downloader/internal/metrics"
)

// Config tunes pager behavior.
type Config struct {
	// MinRemaining is the least budget that must remain before starting
	// another page. Below it the pager yields instead of risking a hard kill
	// mid-page.
	MinRemaining time.Duration
}

// DefaultMinRemaining matches the one-minute yield margin against a
// fifteen-minute invocation budget.
const DefaultMinRemaining = 60 * time.Second

// Pager crawls one unit page by page. Each invocation picks up where the
// cursor left off, so a unit too large for one budget window completes over
// several invocations.
type Pager struct {
	catalog  granule.Catalog
	progress granule.ProgressStore
	status   granule.StatusStore
	ingestor *ingest.Ingestor
	filter   *granule.TileFilter
	clock    granule.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Pager. filter may be nil to accept every tile.
func New(
	catalog granule.Catalog,
	progress granule.ProgressStore,
	status granule.StatusStore,
	ingestor *ingest.Ingestor,
	filter *granule.TileFilter,
	clock granule.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Pager, error) {
	if catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if progress == nil {
		return nil, fmt.Errorf("progress store is required")
	}
	if status == nil {
		return nil, fmt.Errorf("status store is required")
	}
	if ingestor == nil {
		return nil, fmt.Errorf("ingestor is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.MinRemaining <= 0 {
		cfg.MinRemaining = DefaultMinRemaining
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pager{
		catalog:  catalog,
		progress: progress,
		status:   status,
		ingestor: ingestor,
		filter:   filter,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Run crawls the unit until the catalog returns an empty page or the
// remaining budget drops under the yield margin. Completed false means the
// orchestrator should invoke the unit again; the cursor already reflects
// every page processed so far.
func (p *Pager) Run(
	ctx context.Context,
	date time.Time,
	platform string,
	deadline time.Time,
) (granule.PagerResult, error) {
	result := granule.PagerResult{
		Date:     date.Format("2006-01-02"),
		Platform: platform,
	}

	fetched, err := p.progress.FetchedLinks(ctx, date, platform)
	if err != nil {
		return result, fmt.Errorf("load cursor: %w", err)
	}
	p.logger.Info("pager starting",
		zap.String("date", result.Date),
		zap.String("platform", platform),
		zap.Int64("cursor", fetched))

	totalRecorded := false
	for {
		page, total, err := p.catalog.SearchPage(ctx, date, platform, fetched)
		if err != nil {
			return result, fmt.Errorf("search page at offset %d: %w", fetched, err)
		}
		metrics.SearchPage(platform)

		// The total is refreshed once per invocation; later pages of the same
		// run report the same query window.
		if !totalRecorded && total >= 0 {
			if err := p.progress.SetAvailableLinks(ctx, date, platform, total); err != nil {
				return result, fmt.Errorf("record available links: %w", err)
			}
			totalRecorded = true
		}

		if len(page) == 0 {
			result.Completed = true
			p.logger.Info("pager completed unit",
				zap.String("date", result.Date),
				zap.Int64("cursor", fetched))
			return result, nil
		}

		accepted := page
		if p.filter != nil {
			accepted = p.filter.Filter(page)
			metrics.ResultsFiltered(len(page) - len(accepted))
		}
		if _, err := p.ingestor.Add(ctx, accepted); err != nil {
			return result, fmt.Errorf("ingest page at offset %d: %w", fetched, err)
		}

		// The cursor advances by the unfiltered page size; it tracks catalog
		// position, not accepted results.
		now := p.clock.Now()
		if err := p.progress.AddFetchedLinks(ctx, date, platform, int64(len(page)), now); err != nil {
			return result, fmt.Errorf("advance cursor: %w", err)
		}
		fetched += int64(len(page))

		if err := p.status.Set(ctx, granule.StatusLastLinkFetched, now.UTC().Format(time.RFC3339)); err != nil {
			p.logger.Warn("status marker update failed", zap.Error(err))
		}

		if deadline.Sub(p.clock.Now()) < p.cfg.MinRemaining {
			p.logger.Info("pager yielding before budget exhaustion",
				zap.String("date", result.Date),
				zap.Int64("cursor", fetched))
			return result, nil
		}
	}
}
