// Package catalog wraps the Copernicus Data Space search, checksum, and
// zipper endpoints behind the granule.Catalog interface.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/JakeFAU/s2-downloader/internal/granule"
)

const (
	searchPath       = "/resto/api/collections/Sentinel2/search.json"
	processingLevel  = "S2MSI1C"
	checksumPathFmt  = "/odata/v1/Products(%s)"
	productValueFmt  = "/odata/v1/Products(%s)/$value"
	checksumAlgoMD5 = "MD5"
)

// StatusError reports a non-2xx catalog response. 4xx values are fatal for
// the page; 5xx values are retried by the policy.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("catalog returned status %d for %s", e.StatusCode, e.URL)
}

// Config captures the parameters required to talk to the catalog.
type Config struct {
	SearchURL    string
	ChecksumURL  string
	ZipperURL    string
	PageSize     int
	LookbackDays int
}

// Client is the HTTP client for the remote catalog.
type Client struct {
	httpClient *http.Client
	cfg        Config
	retry      *RetryPolicy
	logger     *zap.Logger
}

// New creates a catalog client. The http.Client is constructed once per
// process and injected so tests can substitute transports.
func New(httpClient *http.Client, cfg Config, retry *RetryPolicy, logger *zap.Logger) (*Client, error) {
	if httpClient == nil {
		return nil, fmt.Errorf("http client is required")
	}
	if cfg.SearchURL == "" || cfg.ChecksumURL == "" || cfg.ZipperURL == "" {
		return nil, fmt.Errorf("catalog endpoint URLs are required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 2000
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 30
	}
	if retry == nil {
		retry = DefaultRetryPolicy()
	}
	return &Client{
		httpClient: httpClient,
		cfg:        cfg,
		retry:      retry,
		logger:     logger,
	}, nil
}

type searchResponse struct {
	Properties struct {
		TotalResults *int64 `json:"totalResults"`
	} `json:"properties"`
	Features []searchFeature `json:"features"`
}

type searchFeature struct {
	ID         string `json:"id"`
	Properties struct {
		Title          string `json:"title"`
		StartDate      string `json:"startDate"`
		CompletionDate string `json:"completionDate"`
		Published      string `json:"published"`
		Services       struct {
			Download struct {
				URL  string          `json:"url"`
				Size json.RawMessage `json:"size"`
			} `json:"download"`
		} `json:"services"`
	} `json:"properties"`
}

// SearchPage fetches one page of results for the (date, platform) query
// window. offset is the 0-based cursor; the catalog's index parameter is
// 1-based. The returned total is -1 when the catalog omits or nulls it.
func (c *Client) SearchPage(
	ctx context.Context,
	date time.Time,
	platform string,
	offset int64,
) ([]granule.SearchResult, int64, error) {
	day := date.UTC().Format("2006-01-02")
	oldestAcquisition := date.UTC().AddDate(0, 0, -c.cfg.LookbackDays).Format("2006-01-02")

	params := url.Values{}
	params.Set("processingLevel", processingLevel)
	params.Set("publishedAfter", day+"T00:00:00Z")
	params.Set("publishedBefore", day+"T23:59:59Z")
	params.Set("startDate", oldestAcquisition+"T00:00:00Z")
	params.Set("platform", platform)
	params.Set("sortParam", "published")
	params.Set("sortOrder", "desc")
	params.Set("maxRecords", strconv.Itoa(c.cfg.PageSize))
	params.Set("index", strconv.FormatInt(offset+1, 10))
	// The OpenSearch API stopped counting matches by default; without this
	// flag totalResults comes back null.
	params.Set("exactCount", "1")

	body, err := c.getWithRetry(ctx, c.cfg.SearchURL+searchPath+"?"+params.Encode())
	if err != nil {
		return nil, 0, err
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, 0, fmt.Errorf("decode search response: %w", err)
	}

	total := int64(-1)
	if resp.Properties.TotalResults != nil {
		total = *resp.Properties.TotalResults
	}

	results := make([]granule.SearchResult, 0, len(resp.Features))
	for _, feature := range resp.Features {
		result, err := newSearchResult(feature)
		if err != nil {
			return nil, 0, fmt.Errorf("parse search feature %s: %w", feature.ID, err)
		}
		results = append(results, result)
	}
	return results, total, nil
}

func newSearchResult(feature searchFeature) (granule.SearchResult, error) {
	props := feature.Properties

	begin, err := parseCatalogTime(props.StartDate)
	if err != nil {
		return granule.SearchResult{}, fmt.Errorf("startDate: %w", err)
	}
	end, err := parseCatalogTime(props.CompletionDate)
	if err != nil {
		return granule.SearchResult{}, fmt.Errorf("completionDate: %w", err)
	}
	published, err := parseCatalogTime(props.Published)
	if err != nil {
		return granule.SearchResult{}, fmt.Errorf("published: %w", err)
	}
	size, err := parseSize(props.Services.Download.Size)
	if err != nil {
		return granule.SearchResult{}, fmt.Errorf("download size: %w", err)
	}

	return granule.SearchResult{
		ImageID:       feature.ID,
		Filename:      props.Title,
		TileID:        granule.ParseTileID(props.Title),
		Size:          size,
		BeginTime:     begin,
		EndTime:       end,
		IngestionTime: published,
		DownloadURL:   props.Services.Download.URL,
	}, nil
}

func parseCatalogTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return t.UTC(), nil
}

// parseSize handles both numeric byte counts and human-readable strings
// ("7.99 GB"), which the catalog has been observed to mix.
func parseSize(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("unexpected size value %s", raw)
	}
	bytes, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	return int64(bytes), nil
}

type checksumResponse struct {
	Value []struct {
		Checksum []struct {
			Value     string `json:"Value"`
			Algorithm string `json:"Algorithm"`
		} `json:"Checksum"`
	} `json:"value"`
}

// ProductChecksum fetches the MD5 checksum for one product from the
// per-product endpoint. Used on download retries, when the checksum pushed
// with the original notification can no longer be trusted.
func (c *Client) ProductChecksum(ctx context.Context, id string) (string, error) {
	body, err := c.getWithRetry(ctx, c.cfg.ChecksumURL+fmt.Sprintf(checksumPathFmt, id))
	if err != nil {
		return "", fmt.Errorf("fetch checksum for %s: %w", id, err)
	}

	var resp checksumResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode checksum response for %s: %w", id, err)
	}
	if len(resp.Value) == 0 {
		return "", fmt.Errorf("no product entry in checksum response for %s", id)
	}
	for _, checksum := range resp.Value[0].Checksum {
		if checksum.Algorithm == checksumAlgoMD5 {
			return checksum.Value, nil
		}
	}
	return "", fmt.Errorf("no MD5 checksum in response for %s", id)
}

// DownloadURL returns the zipper endpoint for a product id.
func (c *Client) DownloadURL(id string) string {
	return c.cfg.ZipperURL + fmt.Sprintf(productValueFmt, id)
}

// FetchProduct streams the product archive. The caller owns the returned
// body. No retry wrapper here: the queue's redelivery is the retry mechanism
// for downloads.
func (c *Client) FetchProduct(ctx context.Context, id string, token string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.DownloadURL(id), nil)
	if err != nil {
		return nil, fmt.Errorf("build product request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch product %s: %w", id, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: c.DownloadURL(id)}
	}
	return resp.Body, nil
}

// getWithRetry performs a GET with the retry policy applied. The response
// body is fully read so the connection can be reused across attempts.
func (c *Client) getWithRetry(ctx context.Context, rawURL string) ([]byte, error) {
	start := time.Now()
	attempt := 0
	for {
		body, err := c.getOnce(ctx, rawURL)
		if err == nil {
			return body, nil
		}
		if !c.retry.ShouldRetry(err, attempt, time.Since(start)) {
			return nil, err
		}
		backoff := c.retry.Backoff(attempt)
		if c.logger != nil {
			c.logger.Warn("catalog request failed, retrying",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("catalog retry canceled: %w", ctx.Err())
		case <-time.After(backoff):
		}
		attempt++
	}
}

func (c *Client) getOnce(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for reuse
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: rawURL}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read catalog response: %w", err)
	}
	return body, nil
}
