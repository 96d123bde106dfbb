// Package memory provides store implementations for development and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/s2-downloader/internal/granule"
)

// GranuleStore implements granule.Store in memory.
type GranuleStore struct {
	mu       sync.RWMutex
	granules map[string]granule.Granule
}

// NewGranuleStore creates an empty in-memory granule store.
func NewGranuleStore() *GranuleStore {
	return &GranuleStore{granules: make(map[string]granule.Granule)}
}

// Insert adds a granule or returns granule.ErrDuplicateGranule.
func (s *GranuleStore) Insert(_ context.Context, g granule.Granule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.granules[g.ID]; ok {
		return granule.ErrDuplicateGranule
	}
	s.granules[g.ID] = g
	return nil
}

// Get returns a granule by id.
func (s *GranuleStore) Get(_ context.Context, id string) (granule.Granule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.granules[id]
	if !ok {
		return granule.Granule{}, granule.ErrNotFound
	}
	return g, nil
}

// IncrementRetries advances the retry counter by one.
func (s *GranuleStore) IncrementRetries(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.granules[id]
	if !ok {
		return granule.ErrNotFound
	}
	g.DownloadRetries++
	s.granules[id] = g
	return nil
}

// MarkDownloadStarted stamps the start of a download attempt.
func (s *GranuleStore) MarkDownloadStarted(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.granules[id]
	if !ok {
		return granule.ErrNotFound
	}
	g.DownloadStartedAt = &at
	s.granules[id] = g
	return nil
}

// MarkDownloaded commits a successful download once.
func (s *GranuleStore) MarkDownloaded(_ context.Context, id string, checksum string, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.granules[id]
	if !ok || g.Downloaded {
		return granule.ErrAlreadyDownloaded
	}
	g.Downloaded = true
	g.Checksum = checksum
	g.DownloadFinishedAt = &finishedAt
	s.granules[id] = g
	return nil
}

// ListNotDownloaded returns undownloaded granules ingested on the given day.
func (s *GranuleStore) ListNotDownloaded(_ context.Context, ingestionDate time.Time) ([]granule.Granule, error) {
	day := ingestionDate.UTC().Truncate(24 * time.Hour)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []granule.Granule
	for _, g := range s.granules {
		if !g.Downloaded && g.IngestionTime.UTC().Truncate(24*time.Hour).Equal(day) {
			out = append(out, g)
		}
	}
	return out, nil
}

type progressKey struct {
	date     string
	platform string
}

// ProgressStore implements granule.ProgressStore in memory.
type ProgressStore struct {
	mu       sync.RWMutex
	progress map[progressKey]granule.CrawlProgress
}

// NewProgressStore creates an empty in-memory progress store.
func NewProgressStore() *ProgressStore {
	return &ProgressStore{progress: make(map[progressKey]granule.CrawlProgress)}
}

// FetchedLinks returns the cursor for a unit, creating a zero row if absent.
func (s *ProgressStore) FetchedLinks(_ context.Context, date time.Time, platform string) (int64, error) {
	key := progressKey{date: date.Format("2006-01-02"), platform: platform}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.progress[key]
	if !ok {
		s.progress[key] = granule.CrawlProgress{Date: date, Platform: platform}
		return 0, nil
	}
	return p.FetchedLinks, nil
}

// SetAvailableLinks refreshes the catalog-reported total for a unit.
func (s *ProgressStore) SetAvailableLinks(_ context.Context, date time.Time, platform string, total int64) error {
	key := progressKey{date: date.Format("2006-01-02"), platform: platform}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.progress[key]
	p.Date, p.Platform = date, platform
	p.AvailableLinks = total
	s.progress[key] = p
	return nil
}

// AddFetchedLinks advances the cursor and stamps the fetch time.
func (s *ProgressStore) AddFetchedLinks(_ context.Context, date time.Time, platform string, count int64, at time.Time) error {
	key := progressKey{date: date.Format("2006-01-02"), platform: platform}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.progress[key]
	p.Date, p.Platform = date, platform
	p.FetchedLinks += count
	p.LastFetchedAt = at
	s.progress[key] = p
	return nil
}

// Get returns the progress row for a unit.
func (s *ProgressStore) Get(_ context.Context, date time.Time, platform string) (granule.CrawlProgress, error) {
	key := progressKey{date: date.Format("2006-01-02"), platform: platform}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.progress[key]
	if !ok {
		return granule.CrawlProgress{}, granule.ErrNotFound
	}
	return p, nil
}

// StatusStore implements granule.StatusStore in memory.
type StatusStore struct {
	mu     sync.RWMutex
	status map[string]string
}

// NewStatusStore creates an empty in-memory status store.
func NewStatusStore() *StatusStore {
	return &StatusStore{status: make(map[string]string)}
}

// Set writes a status marker.
func (s *StatusStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[key] = value
	return nil
}

// Get reads a status marker for assertions in tests.
func (s *StatusStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.status[key]
	return v, ok
}
