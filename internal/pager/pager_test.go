package pager

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/s2-downloader/internal/granule"
	"github.com/JakeFAU/s2-downloader/internal/ingest"
	queuememory "github.com/JakeFAU/s2-downloader/internal/queue/memory"
	storememory "github.com/JakeFAU/s2-downloader/internal/store/memory"
)

type fakeCatalog struct {
	t       *testing.T
	pages   map[int64][]granule.SearchResult
	total   int64
	offsets []int64
}

func (f *fakeCatalog) SearchPage(_ context.Context, _ time.Time, _ string, offset int64) ([]granule.SearchResult, int64, error) {
	f.offsets = append(f.offsets, offset)
	return f.pages[offset], f.total, nil
}

func (f *fakeCatalog) ProductChecksum(context.Context, string) (string, error) {
	f.t.Fatal("unexpected ProductChecksum call")
	return "", nil
}

func (f *fakeCatalog) FetchProduct(context.Context, string, string) (io.ReadCloser, error) {
	f.t.Fatal("unexpected FetchProduct call")
	return nil, nil
}

// stepClock returns the queued times in order, repeating the last one.
type stepClock struct {
	times []time.Time
	idx   int
}

func (c *stepClock) Now() time.Time {
	if c.idx >= len(c.times) {
		return c.times[len(c.times)-1]
	}
	t := c.times[c.idx]
	c.idx++
	return t
}

func page(prefix string, n int) []granule.SearchResult {
	now := time.Unix(1700000000, 0).UTC()
	out := make([]granule.SearchResult, n)
	for i := range out {
		id := prefix + string(rune('a'+i))
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

type fixture struct {
	catalog  *fakeCatalog
	progress *storememory.ProgressStore
	status   *storememory.StatusStore
	store    *storememory.GranuleStore
	queue    *queuememory.Queue
}

func newPager(t *testing.T, f *fixture, filter *granule.TileFilter, clock granule.Clock) *Pager {
	t.Helper()
	ing, err := ingest.New(f.store, f.queue, zaptest.NewLogger(t))
	require.NoError(t, err)
	p, err := New(f.catalog, f.progress, f.status, ing, filter, clock,
		Config{MinRemaining: time.Minute}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return p
}

func newFixture(t *testing.T, catalog *fakeCatalog) *fixture {
	t.Helper()
	return &fixture{
		catalog:  catalog,
		progress: storememory.NewProgressStore(),
		status:   storememory.NewStatusStore(),
		store:    storememory.NewGranuleStore(),
		queue:    queuememory.NewQueue(100),
	}
}

func TestPagerCompletesUnit(t *testing.T) {
	t.Parallel()

	day := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	catalog := &fakeCatalog{
		t: t,
		pages: map[int64][]granule.SearchResult{
			0: page("p1-", 5),
			5: page("p2-", 5),
		},
		total: 10,
	}
	f := newFixture(t, catalog)
	base := time.Unix(1700000000, 0).UTC()
	clock := &stepClock{times: []time.Time{base}}

	p := newPager(t, f, nil, clock)
	result, err := p.Run(context.Background(), day, "Sentinel-2", base.Add(15*time.Minute))
	require.NoError(t, err)
	require.True(t, result.Completed)
	require.Equal(t, "2020-01-01", result.Date)
	require.Equal(t, []int64{0, 5, 10}, catalog.offsets)

	progress, err := f.progress.Get(context.Background(), day, "Sentinel-2")
	require.NoError(t, err)
	require.Equal(t, int64(10), progress.FetchedLinks)
	require.Equal(t, int64(10), progress.AvailableLinks)

	marker, ok := f.status.Get(granule.StatusLastLinkFetched)
	require.True(t, ok)
	require.Equal(t, base.Format(time.RFC3339), marker)
}

func TestPagerYieldsNearDeadline(t *testing.T) {
	t.Parallel()

	day := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	catalog := &fakeCatalog{
		t: t,
		pages: map[int64][]granule.SearchResult{
			0: page("p1-", 5),
			5: page("p2-", 5),
		},
		total: 10,
	}
	f := newFixture(t, catalog)
	base := time.Unix(1700000000, 0).UTC()
	deadline := base.Add(2 * time.Minute)
	// First Now stamps the cursor; the second is the yield check with only
	// thirty seconds of budget left.
	clock := &stepClock{times: []time.Time{base, deadline.Add(-30 * time.Second)}}

	p := newPager(t, f, nil, clock)
	result, err := p.Run(context.Background(), day, "Sentinel-2", deadline)
	require.NoError(t, err)
	require.False(t, result.Completed)
	require.Equal(t, []int64{0}, catalog.offsets)

	progress, err := f.progress.Get(context.Background(), day, "Sentinel-2")
	require.NoError(t, err)
	require.Equal(t, int64(5), progress.FetchedLinks)
}

func TestPagerResumesFromCursor(t *testing.T) {
	t.Parallel()

	day := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	catalog := &fakeCatalog{
		t: t,
		pages: map[int64][]granule.SearchResult{
			5: page("p2-", 5),
		},
		total: 10,
	}
	f := newFixture(t, catalog)
	_, err := f.progress.FetchedLinks(context.Background(), day, "Sentinel-2")
	require.NoError(t, err)
	require.NoError(t, f.progress.AddFetchedLinks(context.Background(), day, "Sentinel-2", 5, time.Now()))

	base := time.Unix(1700000000, 0).UTC()
	p := newPager(t, f, nil, &stepClock{times: []time.Time{base}})
	result, err := p.Run(context.Background(), day, "Sentinel-2", base.Add(15*time.Minute))
	require.NoError(t, err)
	require.True(t, result.Completed)
	require.Equal(t, []int64{5, 10}, catalog.offsets)
}

func TestPagerAdvancesCursorPastFilteredResults(t *testing.T) {
	t.Parallel()

	day := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	results := page("p1-", 4)
	// Two results from a tile outside the allow list.
	results[1].Filename = "S2A_MSIL1C_20200102T101021_N0208_R022_T99ZZZ_20200102T104640.SAFE"
	results[1].TileID = "99ZZZ"
	results[3].Filename = "S2A_MSIL1C_20200102T101021_N0208_R022_T99ZZZ_20200102T104640.SAFE"
	results[3].TileID = "99ZZZ"

	catalog := &fakeCatalog{
		t:     t,
		pages: map[int64][]granule.SearchResult{0: results},
		total: 4,
	}
	f := newFixture(t, catalog)
	base := time.Unix(1700000000, 0).UTC()
	filter := granule.NewTileFilter([]string{"32TQM"})

	p := newPager(t, f, filter, &stepClock{times: []time.Time{base}})
	result, err := p.Run(context.Background(), day, "Sentinel-2", base.Add(15*time.Minute))
	require.NoError(t, err)
	require.True(t, result.Completed)

	progress, err := f.progress.Get(context.Background(), day, "Sentinel-2")
	require.NoError(t, err)
	require.Equal(t, int64(4), progress.FetchedLinks)

	_, err = f.store.Get(context.Background(), results[0].ImageID)
	require.NoError(t, err)
	_, err = f.store.Get(context.Background(), results[1].ImageID)
	require.ErrorIs(t, err, granule.ErrNotFound)
}
