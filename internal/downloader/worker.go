// Package downloader drains the download queue, turning enqueued granule
// references into checksum-verified objects in blob storage.
package downloader

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/s2-downloader/internal/granule"
	"github.com/JakeFAU/s2-downloader/internal/metrics"
)

// DefaultMaxRetries is the per-granule retry budget. A granule whose counter
// exceeds it is permanently failed and needs the requeue sweep.
const DefaultMaxRetries = 10

// Worker processes one download message at a time.
type Worker struct {
	store      granule.Store
	status     granule.StatusStore
	catalog    granule.Catalog
	blob       granule.BlobStore
	tokens     granule.TokenSupplier
	publisher  granule.Publisher
	clock      granule.Clock
	maxRetries int
	logger     *zap.Logger
}

// Config tunes worker behavior.
type Config struct {
	MaxRetries int
}

// NewWorker constructs a Worker. publisher may be nil when downloaded-granule
// events are not wanted.
func NewWorker(
	store granule.Store,
	status granule.StatusStore,
	catalog granule.Catalog,
	blob granule.BlobStore,
	tokens granule.TokenSupplier,
	publisher granule.Publisher,
	clock granule.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Worker, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if status == nil {
		return nil, fmt.Errorf("status store is required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if blob == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token supplier is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:      store,
		status:     status,
		catalog:    catalog,
		blob:       blob,
		tokens:     tokens,
		publisher:  publisher,
		clock:      clock,
		maxRetries: cfg.MaxRetries,
		logger:     logger,
	}, nil
}

// DownloadedEvent is published after a successful commit.
type DownloadedEvent struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	URI        string    `json:"uri"`
	Checksum   string    `json:"checksum"`
	Size       int       `json:"size"`
	FinishedAt time.Time `json:"finished_at"`
}

// Handle runs one message through the download state machine. A nil return
// means the message is finished and must be deleted; an error means the
// caller leaves it on the queue for redelivery or dead-lettering.
func (w *Worker) Handle(ctx context.Context, msg granule.DownloadMessage) error {
	logger := w.logger.With(zap.String("granule_id", msg.ID))

	g, err := w.store.Get(ctx, msg.ID)
	if errors.Is(err, granule.ErrNotFound) {
		// Nothing to do and nothing to retry against.
		logger.Warn("message references unknown granule, dropping")
		metrics.Download("not_found")
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup granule %s: %w", msg.ID, err)
	}
	if g.Downloaded {
		logger.Info("granule already downloaded, dropping duplicate delivery")
		metrics.Download("duplicate")
		return nil
	}
	if g.DownloadRetries > w.maxRetries {
		metrics.Download("retry_limit")
		return fmt.Errorf("granule %s: %w", msg.ID, granule.ErrRetryLimitReached)
	}

	// Past Lookup every failure advances the retry counter before re-raising,
	// so the counter moves even when the cause is transient and the queue
	// redelivers.
	checksum, err := w.resolveChecksum(ctx, g, msg)
	if err != nil {
		return w.fail(ctx, logger, msg.ID, fmt.Errorf("resolve checksum: %w", err))
	}

	if err := w.store.MarkDownloadStarted(ctx, msg.ID, w.clock.Now()); err != nil {
		return w.fail(ctx, logger, msg.ID, fmt.Errorf("mark download started: %w", err))
	}

	data, err := w.fetch(ctx, msg.ID)
	if err != nil {
		return w.fail(ctx, logger, msg.ID, fmt.Errorf("fetch product: %w", err))
	}

	contentMD5, err := hexToContentMD5(checksum)
	if err != nil {
		return w.fail(ctx, logger, msg.ID, fmt.Errorf("encode checksum: %w", err))
	}

	key := granule.UploadKey(g.Filename)
	uri, err := w.blob.Put(ctx, key, contentMD5, data)
	if err != nil {
		return w.fail(ctx, logger, msg.ID, fmt.Errorf("upload %s: %w", key, err))
	}

	finished := w.clock.Now()
	err = w.store.MarkDownloaded(ctx, msg.ID, checksum, finished)
	if errors.Is(err, granule.ErrAlreadyDownloaded) {
		// A redelivered copy won the race; the object is in place either way.
		logger.Info("granule committed by concurrent delivery")
		metrics.Download("duplicate")
		return nil
	}
	if err != nil {
		return w.fail(ctx, logger, msg.ID, fmt.Errorf("commit download: %w", err))
	}

	if err := w.status.Set(ctx, granule.StatusLastFileDownloaded, finished.UTC().Format(time.RFC3339)); err != nil {
		logger.Warn("status marker update failed", zap.Error(err))
	}
	if w.publisher != nil {
		event := DownloadedEvent{
			ID:         msg.ID,
			Filename:   g.Filename,
			URI:        uri,
			Checksum:   checksum,
			Size:       len(data),
			FinishedAt: finished,
		}
		if err := w.publisher.Publish(ctx, event); err != nil {
			logger.Warn("downloaded event publish failed", zap.Error(err))
		}
	}

	metrics.Download("success")
	metrics.DownloadBytes(len(data))
	logger.Info("granule downloaded",
		zap.String("uri", uri),
		zap.Int("bytes", len(data)))
	return nil
}

// resolveChecksum picks the digest the upload is verified against. The
// message-supplied value is only trusted on the first attempt; the upstream
// push payload has been observed to carry a wrong checksum, and reusing it on
// retries would fail verification forever.
func (w *Worker) resolveChecksum(ctx context.Context, g granule.Granule, msg granule.DownloadMessage) (string, error) {
	if msg.Checksum != "" && g.DownloadRetries == 0 {
		return msg.Checksum, nil
	}
	checksum, err := w.catalog.ProductChecksum(ctx, msg.ID)
	if err != nil {
		return "", err
	}
	return checksum, nil
}

func (w *Worker) fetch(ctx context.Context, id string) ([]byte, error) {
	token, err := w.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire token: %w", err)
	}
	body, err := w.catalog.FetchProduct(ctx, id, token)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read product body: %w", err)
	}
	return data, nil
}

// fail advances the retry counter and re-raises the original error.
func (w *Worker) fail(ctx context.Context, logger *zap.Logger, id string, cause error) error {
	metrics.Download("failure")
	logger.Warn("download attempt failed", zap.Error(cause))
	if err := w.store.IncrementRetries(ctx, id); err != nil {
		logger.Error("retry counter update failed", zap.Error(err))
	}
	return cause
}

// hexToContentMD5 converts an MD5 hex digest into the base64 Content-MD5
// form blob backends verify on write.
func hexToContentMD5(checksum string) (string, error) {
	raw, err := hex.DecodeString(checksum)
	if err != nil {
		return "", fmt.Errorf("decode md5 hex %q: %w", checksum, err)
	}
	if len(raw) != 16 {
		return "", fmt.Errorf("md5 digest has %d bytes, want 16", len(raw))
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
