package granule

import (
	"context"
	"io"
	"time"
)

// Store persists granule rows. Insert returns ErrDuplicateGranule when the id
// already exists; every other method operates on an existing row.
type Store interface {
	Insert(ctx context.Context, g Granule) error
	Get(ctx context.Context, id string) (Granule, error)
	IncrementRetries(ctx context.Context, id string) error
	MarkDownloadStarted(ctx context.Context, id string, at time.Time) error
	MarkDownloaded(ctx context.Context, id string, checksum string, finishedAt time.Time) error
	// ListNotDownloaded returns granules ingested on the given day that have
	// not been downloaded, for the requeue sweep.
	ListNotDownloaded(ctx context.Context, ingestionDate time.Time) ([]Granule, error)
}

// ProgressStore persists the per (date, platform) crawl cursor.
type ProgressStore interface {
	// FetchedLinks returns the cursor for the unit, creating a zero row if absent.
	FetchedLinks(ctx context.Context, date time.Time, platform string) (int64, error)
	SetAvailableLinks(ctx context.Context, date time.Time, platform string, total int64) error
	// AddFetchedLinks advances the cursor by count and stamps last_fetched_time.
	AddFetchedLinks(ctx context.Context, date time.Time, platform string, count int64, at time.Time) error
	Get(ctx context.Context, date time.Time, platform string) (CrawlProgress, error)
}

// StatusStore upserts singleton key/value health markers.
type StatusStore interface {
	Set(ctx context.Context, key, value string) error
}

// Queue carries download messages with at-least-once delivery. Receive blocks
// until a message arrives or the context ends; Delete acknowledges a received
// message so it is not redelivered.
type Queue interface {
	Send(ctx context.Context, msg DownloadMessage) error
	Receive(ctx context.Context) (ReceivedMessage, error)
	Delete(ctx context.Context, receipt string) error
}

// BlobStore writes verified objects and returns their URI. contentMD5 is the
// base64-encoded MD5 digest the backend validates on write, so a corrupt
// upload fails instead of landing.
type BlobStore interface {
	Put(ctx context.Context, key string, contentMD5 string, body []byte) (string, error)
}

// Catalog is the remote search API surface used by the pager and the
// download worker.
type Catalog interface {
	// SearchPage returns one page of results plus the total matching the query
	// window, or -1 when the catalog omits the count.
	SearchPage(ctx context.Context, date time.Time, platform string, offset int64) ([]SearchResult, int64, error)
	// ProductChecksum fetches the MD5 checksum for one product.
	ProductChecksum(ctx context.Context, id string) (string, error)
	// FetchProduct streams the product archive using the supplied bearer token.
	FetchProduct(ctx context.Context, id string, token string) (io.ReadCloser, error)
}

// TokenSupplier returns a currently valid bearer credential. Rotation happens
// externally; callers must not cache the value across messages.
type TokenSupplier interface {
	Token(ctx context.Context) (string, error)
}

// Publisher pushes downloaded-granule events to a topic. Optional; failures
// are logged, never fatal.
type Publisher interface {
	Publish(ctx context.Context, payload any) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
