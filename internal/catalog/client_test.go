package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/s2-downloader/internal/granule"
)

const searchPage1 = `{
  "properties": {"totalResults": 2},
  "features": [
    {
      "id": "granule-1",
      "properties": {
        "title": "S2B_MSIL1C_20200101T100459_N0208_R022_T33TUH_20200101T114811",
        "startDate": "2019-12-30T10:04:59.024Z",
        "completionDate": "2019-12-30T10:04:59.024Z",
        "published": "2020-01-01T11:48:11Z",
        "services": {"download": {"url": "https://catalog.example.com/dl/granule-1", "size": 805306368}}
      }
    },
    {
      "id": "granule-2",
      "properties": {
        "title": "S2B_MSIL1C_20200101T100459_N0208_R022_T99ZZZ_20200101T114812",
        "startDate": "2019-12-30T10:04:59Z",
        "completionDate": "2019-12-30T10:04:59Z",
        "published": "2020-01-01T11:48:12Z",
        "services": {"download": {"url": "https://catalog.example.com/dl/granule-2", "size": "768 MiB"}}
      }
    }
  ]
}`

func fastRetry() *RetryPolicy {
	return NewRetryPolicy(3, time.Millisecond, 2*time.Millisecond, time.Second)
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := New(&http.Client{}, Config{
		SearchURL:    baseURL,
		ChecksumURL:  baseURL,
		ZipperURL:    baseURL,
		PageSize:     5,
		LookbackDays: 30,
	}, fastRetry(), zap.NewNop())
	require.NoError(t, err)
	return client
}

func TestSearchPageParsesResultsAndQuery(t *testing.T) {
	t.Parallel()

	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, searchPath, r.URL.Path)
		gotQuery = map[string]string{}
		for key, values := range r.URL.Query() {
			gotQuery[key] = values[0]
		}
		fmt.Fprint(w, searchPage1)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)

	date := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	results, total, err := client.SearchPage(context.Background(), date, "S2A", 10)
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	require.Len(t, results, 2)

	require.Equal(t, "S2MSI1C", gotQuery["processingLevel"])
	require.Equal(t, "2020-01-01T00:00:00Z", gotQuery["publishedAfter"])
	require.Equal(t, "2020-01-01T23:59:59Z", gotQuery["publishedBefore"])
	require.Equal(t, "2019-12-02T00:00:00Z", gotQuery["startDate"], "30 day acquisition lookback")
	require.Equal(t, "S2A", gotQuery["platform"])
	require.Equal(t, "published", gotQuery["sortParam"])
	require.Equal(t, "desc", gotQuery["sortOrder"])
	require.Equal(t, "5", gotQuery["maxRecords"])
	require.Equal(t, "11", gotQuery["index"], "catalog index is 1-based")
	require.Equal(t, "1", gotQuery["exactCount"])

	first := results[0]
	require.Equal(t, granule.SearchResult{
		ImageID:       "granule-1",
		Filename:      "S2B_MSIL1C_20200101T100459_N0208_R022_T33TUH_20200101T114811",
		TileID:        "33TUH",
		Size:          805306368,
		BeginTime:     time.Date(2019, 12, 30, 10, 4, 59, 24000000, time.UTC),
		EndTime:       time.Date(2019, 12, 30, 10, 4, 59, 24000000, time.UTC),
		IngestionTime: time.Date(2020, 1, 1, 11, 48, 11, 0, time.UTC),
		DownloadURL:   "https://catalog.example.com/dl/granule-1",
	}, first)

	require.EqualValues(t, 768*1024*1024, results[1].Size, "string sizes are parsed")
}

func TestSearchPageMissingTotalIsMinusOne(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "null total", body: `{"properties": {"totalResults": null}, "features": []}`},
		{name: "absent total", body: `{"properties": {}, "features": []}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			client := newTestClient(t, srv.URL)
			results, total, err := client.SearchPage(
				context.Background(),
				time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
				"S2A",
				0,
			)
			require.NoError(t, err)
			require.Empty(t, results)
			require.EqualValues(t, -1, total)
		})
	}
}

func TestSearchPageRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"properties": {"totalResults": 0}, "features": []}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, total, err := client.SearchPage(
		context.Background(),
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		"S2A",
		0,
	)
	require.NoError(t, err)
	require.EqualValues(t, 0, total)
	require.EqualValues(t, 3, calls.Load())
}

func TestSearchPageClientErrorIsFatal(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, _, err := client.SearchPage(
		context.Background(),
		time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		"S2A",
		0,
	)
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusBadRequest, statusErr.StatusCode)
	require.EqualValues(t, 1, calls.Load(), "4xx must not be retried")
}

func TestProductChecksum(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/odata/v1/Products(granule-1)", r.URL.Path)
		fmt.Fprint(w, `{"value": [{"Checksum": [
			{"Value": "aaaa", "Algorithm": "BLAKE3"},
			{"Value": "0123456789abcdef0123456789abcdef", "Algorithm": "MD5"}
		]}]}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	checksum, err := client.ProductChecksum(context.Background(), "granule-1")
	require.NoError(t, err)
	require.Equal(t, "0123456789abcdef0123456789abcdef", checksum)
}

func TestProductChecksumMissingMD5(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"value": [{"Checksum": [{"Value": "aaaa", "Algorithm": "BLAKE3"}]}]}`)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.ProductChecksum(context.Background(), "granule-1")
	require.Error(t, err)
}

func TestFetchProductSendsBearerToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/odata/v1/Products(granule-1)/$value", r.URL.Path)
		require.Equal(t, "Bearer token-123", r.Header.Get("Authorization"))
		fmt.Fprint(w, "zip-bytes")
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	body, err := client.FetchProduct(context.Background(), "granule-1", "token-123")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "zip-bytes", string(data))
}

func TestFetchProductStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.FetchProduct(context.Background(), "granule-1", "expired")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
}

func TestRetryPolicyBounds(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy(3, 10*time.Millisecond, 100*time.Millisecond, time.Second)

	require.False(t, policy.ShouldRetry(nil, 0, 0))
	require.False(t, policy.ShouldRetry(errors.New("boom"), 3, 0), "attempt budget")
	require.False(t, policy.ShouldRetry(errors.New("boom"), 0, 2*time.Second), "elapsed budget")
	require.False(t, policy.ShouldRetry(context.Canceled, 0, 0))
	require.False(t, policy.ShouldRetry(&StatusError{StatusCode: 404}, 0, 0))
	require.True(t, policy.ShouldRetry(&StatusError{StatusCode: 503}, 0, 0))
	require.True(t, policy.ShouldRetry(errors.New("connection reset"), 1, 0))

	for attempt := 0; attempt < 5; attempt++ {
		backoff := policy.Backoff(attempt)
		require.GreaterOrEqual(t, backoff, time.Duration(0))
		require.LessOrEqual(t, backoff, 100*time.Millisecond)
	}
}
