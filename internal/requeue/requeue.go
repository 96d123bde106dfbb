// Package requeue re-enqueues granules whose download message was lost.
// Ingestion's insert-then-enqueue sequence is not atomic; a crash between the
// two steps leaves a row with no message, and this sweep is the recovery path.
package requeue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/s2-downloader/internal/granule"
)

// Report summarizes one sweep.
type Report struct {
	Date       string   `json:"date"`
	Examined   int      `json:"examined"`
	Requeued   int      `json:"requeued"`
	Skipped    int      `json:"skipped"`
	GranuleIDs []string `json:"granule_ids,omitempty"`
	DryRun     bool     `json:"dry_run,omitempty"`
}

// Sweeper scans a day's undownloaded granules and re-enqueues them.
type Sweeper struct {
	store  granule.Store
	queue  granule.Queue
	logger *zap.Logger
}

// New constructs a Sweeper.
func New(store granule.Store, queue granule.Queue, logger *zap.Logger) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: store, queue: queue, logger: logger}, nil
}

// Run re-enqueues every undownloaded granule ingested on date that still has
// retry budget left. Granules over the retry limit need manual attention and
// are skipped, not silently recycled. With dryRun set nothing is enqueued;
// the report shows what would happen.
func (s *Sweeper) Run(ctx context.Context, date time.Time, dryRun bool) (Report, error) {
	report := Report{
		Date:   date.Format("2006-01-02"),
		DryRun: dryRun,
	}

	granules, err := s.store.ListNotDownloaded(ctx, date)
	if err != nil {
		return report, fmt.Errorf("list undownloaded granules: %w", err)
	}
	report.Examined = len(granules)

	for _, g := range granules {
		if g.Expired {
			report.Skipped++
			continue
		}
		report.GranuleIDs = append(report.GranuleIDs, g.ID)
		if dryRun {
			report.Requeued++
			continue
		}
		msg := granule.DownloadMessage{
			ID:          g.ID,
			Filename:    g.Filename,
			DownloadURL: g.DownloadURL,
		}
		if err := s.queue.Send(ctx, msg); err != nil {
			return report, fmt.Errorf("requeue granule %s: %w", g.ID, err)
		}
		report.Requeued++
		s.logger.Info("granule requeued",
			zap.String("granule_id", g.ID),
			zap.Int("retries", g.DownloadRetries))
	}
	return report, nil
}
