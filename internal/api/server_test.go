package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/s2-downloader/internal/granule"
	"github.com/JakeFAU/s2-downloader/internal/ingest"
	"github.com/JakeFAU/s2-downloader/internal/pager"
	queuememory "github.com/JakeFAU/s2-downloader/internal/queue/memory"
	"github.com/JakeFAU/s2-downloader/internal/requeue"
	storememory "github.com/JakeFAU/s2-downloader/internal/store/memory"
	"github.com/JakeFAU/s2-downloader/internal/subscription"
)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type stubCatalog struct {
	pages map[int64][]granule.SearchResult
	total int64
}

func (c *stubCatalog) SearchPage(_ context.Context, _ time.Time, _ string, offset int64) ([]granule.SearchResult, int64, error) {
	return c.pages[offset], c.total, nil
}

func (c *stubCatalog) ProductChecksum(context.Context, string) (string, error) {
	return "", fmt.Errorf("not implemented")
}

func (c *stubCatalog) FetchProduct(context.Context, string, string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("not implemented")
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return fmt.Errorf("pool closed") }

func testServer(t *testing.T, catalog *stubCatalog) (*Server, *storememory.GranuleStore, *queuememory.Queue) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := storememory.NewGranuleStore()
	queue := queuememory.NewQueue(100)

	ing, err := ingest.New(store, queue, logger)
	require.NoError(t, err)
	p, err := pager.New(catalog, storememory.NewProgressStore(), storememory.NewStatusStore(),
		ing, nil, systemClock{}, pager.Config{MinRemaining: time.Minute}, logger)
	require.NoError(t, err)
	sweeper, err := requeue.New(store, queue, logger)
	require.NoError(t, err)
	events, err := subscription.NewHandler(
		subscription.Config{Username: "notifier", Password: "s3cret"},
		nil, ing, systemClock{}, logger)
	require.NoError(t, err)

	srv := NewServer(p, sweeper, events, nil, Config{PagerBudget: 14 * time.Minute}, logger)
	return srv, store, queue
}

func searchResults(n int) []granule.SearchResult {
	now := time.Now().UTC()
	out := make([]granule.SearchResult, n)
	for i := range out {
		id := fmt.Sprintf("g-%d", i)
		out[i] = granule.SearchResult{
			ImageID:       id,
			Filename:      "S2A_MSIL1C_20200102T101021_N0208_R022_T32TQM_20200102T104640.SAFE",
			TileID:        "32TQM",
			Size:          100,
			BeginTime:     now,
			EndTime:       now,
			IngestionTime: now,
			DownloadURL:   "https://zipper/" + id,
		}
	}
	return out
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	srv, _, _ := testServer(t, &stubCatalog{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReportsStoreOutage(t *testing.T) {
	t.Parallel()

	logger := zaptest.NewLogger(t)
	store := storememory.NewGranuleStore()
	queue := queuememory.NewQueue(10)
	ing, err := ingest.New(store, queue, logger)
	require.NoError(t, err)
	p, err := pager.New(&stubCatalog{}, storememory.NewProgressStore(), storememory.NewStatusStore(),
		ing, nil, systemClock{}, pager.Config{}, logger)
	require.NoError(t, err)
	sweeper, err := requeue.New(store, queue, logger)
	require.NoError(t, err)
	events, err := subscription.NewHandler(
		subscription.Config{Username: "u", Password: "p"}, nil, ing, systemClock{}, logger)
	require.NoError(t, err)

	srv := NewServer(p, sweeper, events, failingPinger{}, Config{}, logger)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRunSearch(t *testing.T) {
	t.Parallel()

	catalog := &stubCatalog{
		pages: map[int64][]granule.SearchResult{0: searchResults(3)},
		total: 3,
	}
	srv, store, _ := testServer(t, catalog)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/search",
		strings.NewReader(`{"date":"2020-01-01","platform":"Sentinel-2"}`))
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"date":"2020-01-01","platform":"Sentinel-2","completed":true}`, rec.Body.String())

	_, err := store.Get(context.Background(), "g-0")
	require.NoError(t, err)
}

func TestRunSearchRejectsBadInput(t *testing.T) {
	t.Parallel()

	srv, _, _ := testServer(t, &stubCatalog{})

	cases := []string{
		`{nope`,
		`{"date":"2020-01-01"}`,
		`{"date":"01/01/2020","platform":"Sentinel-2"}`,
	}
	for _, body := range cases {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/search", strings.NewReader(body))
		srv.Handler().ServeHTTP(rec, req)
		require.Equalf(t, http.StatusBadRequest, rec.Code, "body %s", body)
	}
}

func TestRunRequeue(t *testing.T) {
	t.Parallel()

	srv, store, queue := testServer(t, &stubCatalog{})

	day := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Insert(context.Background(), granule.Granule{
		ID:            "g-lost",
		Filename:      "S2A_MSIL1C_x.SAFE",
		IngestionTime: day.Add(3 * time.Hour),
		DownloadURL:   "https://zipper/g-lost",
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/requeue",
		strings.NewReader(`{"date":"2020-01-01"}`))
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"requeued":1`)

	msg, err := queue.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, "g-lost", msg.Message.ID)
}

func TestEventsMountRequiresAuth(t *testing.T) {
	t.Parallel()

	srv, _, _ := testServer(t, &stubCatalog{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/events", strings.NewReader(`{}`))
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
