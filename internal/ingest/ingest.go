// Package ingest persists discovered granules and enqueues them for download.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/s2-downloader/internal/granule"
	"github.com/JakeFAU/s2-downloader/internal/metrics"
)

// Ingestor is the single write path shared by the catalog pager and the
// push-subscription endpoint.
type Ingestor struct {
	store  granule.Store
	queue  granule.Queue
	logger *zap.Logger
}

// New constructs an Ingestor.
func New(store granule.Store, queue granule.Queue, logger *zap.Logger) (*Ingestor, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{store: store, queue: queue, logger: logger}, nil
}

// Add inserts each result and enqueues a download message for every row that
// was actually created. Duplicates are skipped silently; the uniqueness
// constraint is the dedup point for both ingestion paths. The two effects are
// not atomic: a crash between insert and enqueue leaves an undownloaded row
// that the requeue sweep picks up later.
func (i *Ingestor) Add(ctx context.Context, results []granule.SearchResult) (int, error) {
	added := 0
	for _, result := range results {
		g := granule.Granule{
			ID:            result.ImageID,
			Filename:      result.Filename,
			TileID:        result.TileID,
			Size:          result.Size,
			Checksum:      result.Checksum,
			BeginTime:     result.BeginTime,
			EndTime:       result.EndTime,
			IngestionTime: result.IngestionTime,
			DownloadURL:   result.DownloadURL,
		}
		err := i.store.Insert(ctx, g)
		if errors.Is(err, granule.ErrDuplicateGranule) {
			metrics.GranuleDuplicate()
			i.logger.Debug("granule already known", zap.String("granule_id", g.ID))
			continue
		}
		if err != nil {
			return added, fmt.Errorf("insert granule %s: %w", g.ID, err)
		}

		msg := granule.DownloadMessage{
			ID:          g.ID,
			Filename:    g.Filename,
			DownloadURL: g.DownloadURL,
			Checksum:    g.Checksum,
		}
		if err := i.queue.Send(ctx, msg); err != nil {
			return added, fmt.Errorf("enqueue granule %s: %w", g.ID, err)
		}
		metrics.GranuleIngested()
		added++
		i.logger.Info("granule ingested",
			zap.String("granule_id", g.ID),
			zap.String("tile_id", g.TileID),
			zap.String("filename", g.Filename))
	}
	return added, nil
}
