package requeue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/s2-downloader/internal/granule"
	queuememory "github.com/JakeFAU/s2-downloader/internal/queue/memory"
	storememory "github.com/JakeFAU/s2-downloader/internal/store/memory"
)

var day = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

func seed(t *testing.T, store *storememory.GranuleStore, id string, downloaded, expired bool) {
	t.Helper()
	g := granule.Granule{
		ID:            id,
		Filename:      "S2A_MSIL1C_x.SAFE",
		IngestionTime: day.Add(2 * time.Hour),
		DownloadURL:   "https://zipper/" + id,
		Expired:       expired,
	}
	require.NoError(t, store.Insert(context.Background(), g))
	if downloaded {
		require.NoError(t, store.MarkDownloaded(context.Background(), id, "abc", day.Add(3*time.Hour)))
	}
}

func TestSweeperRequeuesUndownloaded(t *testing.T) {
	t.Parallel()

	store := storememory.NewGranuleStore()
	queue := queuememory.NewQueue(10)
	seed(t, store, "g-lost", false, false)
	seed(t, store, "g-done", true, false)
	seed(t, store, "g-expired", false, true)

	sweeper, err := New(store, queue, zaptest.NewLogger(t))
	require.NoError(t, err)

	report, err := sweeper.Run(context.Background(), day, false)
	require.NoError(t, err)
	require.Equal(t, 2, report.Examined)
	require.Equal(t, 1, report.Requeued)
	require.Equal(t, 1, report.Skipped)
	require.Equal(t, []string{"g-lost"}, report.GranuleIDs)

	msg, err := queue.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, "g-lost", msg.Message.ID)
	// Requeued messages never carry a checksum; the worker re-fetches it.
	require.Empty(t, msg.Message.Checksum)
}

func TestSweeperDryRun(t *testing.T) {
	t.Parallel()

	store := storememory.NewGranuleStore()
	queue := queuememory.NewQueue(10)
	seed(t, store, "g-lost", false, false)

	sweeper, err := New(store, queue, zaptest.NewLogger(t))
	require.NoError(t, err)

	report, err := sweeper.Run(context.Background(), day, true)
	require.NoError(t, err)
	require.True(t, report.DryRun)
	require.Equal(t, 1, report.Requeued)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = queue.Receive(ctx)
	require.Error(t, err)
}
