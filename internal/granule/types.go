// Package granule defines core types shared across subsystems.
package granule

import (
	"time"
)

// SearchResult is the normalized shape produced by both ingestion paths:
// the catalog search pager and the push-subscription endpoint.
type SearchResult struct {
	ImageID       string
	Filename      string
	TileID        string
	Size          int64
	BeginTime     time.Time
	EndTime       time.Time
	IngestionTime time.Time
	DownloadURL   string
	// Checksum is the MD5 hex digest when the source supplies one
	// (subscription notifications do, search results do not).
	Checksum string
}

// Granule is one discovered image product persisted in the granule table.
// ID is the catalog-assigned identifier and the idempotency key for ingestion.
type Granule struct {
	ID                 string
	Filename           string
	TileID             string
	Size               int64
	Checksum           string
	BeginTime          time.Time
	EndTime            time.Time
	IngestionTime      time.Time
	DownloadURL        string
	Downloaded         bool
	DownloadRetries    int
	DownloadStartedAt  *time.Time
	DownloadFinishedAt *time.Time
	Expired            bool
}

// CrawlProgress is the resumable cursor for one (date, platform) pager unit.
// FetchedLinks counts granules processed across invocations, filtered or not,
// and is used as the pagination offset on the next invocation.
type CrawlProgress struct {
	Date           time.Time
	Platform       string
	AvailableLinks int64
	FetchedLinks   int64
	LastFetchedAt  time.Time
}

// DownloadMessage is the queue message carrying one granule to download.
type DownloadMessage struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	DownloadURL string `json:"download_url"`
	Checksum    string `json:"checksum,omitempty"`
}

// ReceivedMessage pairs a dequeued DownloadMessage with the receipt needed to
// delete it. A message that is never deleted reappears after the queue's
// visibility timeout.
type ReceivedMessage struct {
	Message DownloadMessage
	Receipt string
}

// Status marker keys written for externally visible health signals.
const (
	StatusLastLinkFetched    = "last_linked_fetched_time"
	StatusLastFileDownloaded = "last_file_downloaded_time"
)

// PagerResult reports the outcome of one pager invocation. Completed false is
// a cooperative yield, not a failure; the orchestrator re-invokes the unit.
type PagerResult struct {
	Date      string `json:"date"`
	Platform  string `json:"platform"`
	Completed bool   `json:"completed"`
}

// UploadKey derives the blob object key for a granule filename: the extension
// is replaced with ".zip". Downstream consumers rely on this exact scheme.
func UploadKey(filename string) string {
	for i := len(filename) - 1; i >= 0; i-- {
		if filename[i] == '.' {
			return filename[:i] + ".zip"
		}
		if filename[i] == '/' {
			break
		}
	}
	return filename + ".zip"
}
