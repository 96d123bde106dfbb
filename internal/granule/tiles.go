package granule

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// The MGRS tile ID is embedded in the product filename as `_TXXXXX_`, where
// XXXXX is a 5-character alphanumeric code.
// https://sentinels.copernicus.eu/web/sentinel/user-guides/sentinel-2-msi/naming-convention
var tileIDPattern = regexp.MustCompile(`_T([0-9A-Z]{5})_`)

// ParseTileID extracts the tile ID from a product filename. An unparseable
// filename yields the empty string, which no accepted set contains, so such
// results are filtered out rather than erroring the page.
func ParseTileID(filename string) string {
	match := tileIDPattern.FindStringSubmatch(filename)
	if match == nil {
		return ""
	}
	return match[1]
}

// TileFilter is a static accepted-tile-set membership test. Loaded once,
// pure predicate, no state.
type TileFilter struct {
	accepted map[string]struct{}
}

// NewTileFilter builds a filter from a list of tile IDs.
func NewTileFilter(ids []string) *TileFilter {
	accepted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			accepted[id] = struct{}{}
		}
	}
	return &TileFilter{accepted: accepted}
}

// LoadTileFilter reads a newline-delimited tile ID list from disk.
func LoadTileFilter(path string) (*TileFilter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tile list: %w", err)
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		ids = append(ids, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read tile list: %w", err)
	}
	return NewTileFilter(ids), nil
}

// Accept reports whether the tile ID is in the accepted set.
func (f *TileFilter) Accept(tileID string) bool {
	_, ok := f.accepted[tileID]
	return ok
}

// Filter returns the subset of results whose tile IDs are accepted.
func (f *TileFilter) Filter(results []SearchResult) []SearchResult {
	filtered := make([]SearchResult, 0, len(results))
	for _, r := range results {
		if f.Accept(r.TileID) {
			filtered = append(filtered, r)
		}
	}
	return filtered
}
