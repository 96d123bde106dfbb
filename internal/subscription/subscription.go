// Package subscription implements the push-notification ingestion endpoint.
package subscription

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/s2-downloader/internal/granule"
	"github.com/JakeFAU/s2-downloader/internal/ingest"
	"github.com/JakeFAU/s2-downloader/internal/metrics"
)

// DefaultLookbackDays mirrors the pager's acquisition lookback so the two
// ingestion paths never diverge on which granules are eligible.
const DefaultLookbackDays = 30

// notification is the upstream push envelope. Only the fields the ingestor
// needs are mapped.
type notification struct {
	Value struct {
		ID          string `json:"Id"`
		Name        string `json:"Name"`
		ContentDate struct {
			Start time.Time `json:"Start"`
			End   time.Time `json:"End"`
		} `json:"ContentDate"`
		PublicationDate time.Time `json:"PublicationDate"`
		Locations       []struct {
			FormatType    string `json:"FormatType"`
			DownloadLink  string `json:"DownloadLink"`
			ContentLength int64  `json:"ContentLength"`
			Checksum      []struct {
				Value     string `json:"Value"`
				Algorithm string `json:"Algorithm"`
			} `json:"Checksum"`
		} `json:"Locations"`
	} `json:"value"`
}

// Handler accepts one webhook notification per request.
type Handler struct {
	username     string
	password     string
	filter       *granule.TileFilter
	ingestor     *ingest.Ingestor
	clock        granule.Clock
	lookbackDays int
	logger       *zap.Logger
}

// Config holds endpoint settings.
type Config struct {
	Username     string
	Password     string
	LookbackDays int
}

// NewHandler constructs the webhook handler. filter may be nil to accept
// every tile.
func NewHandler(
	cfg Config,
	filter *granule.TileFilter,
	ingestor *ingest.Ingestor,
	clock granule.Clock,
	logger *zap.Logger,
) (*Handler, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("notification credentials are required")
	}
	if ingestor == nil {
		return nil, fmt.Errorf("ingestor is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = DefaultLookbackDays
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		username:     cfg.Username,
		password:     cfg.Password,
		filter:       filter,
		ingestor:     ingestor,
		clock:        clock,
		lookbackDays: cfg.LookbackDays,
		logger:       logger,
	}, nil
}

// ServeHTTP processes one notification. Once authentication passes the
// endpoint always acknowledges with 204, whether the notification was
// ingested or filtered; the caller only needs delivery confirmation.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.authenticate(r) {
		metrics.Notification("unauthorized")
		w.Header().Set("WWW-Authenticate", `Basic realm="notifications"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	result, err := h.parse(r)
	if err != nil {
		metrics.Notification("malformed")
		h.logger.Warn("malformed notification", zap.Error(err))
		http.Error(w, "malformed notification", http.StatusBadRequest)
		return
	}

	switch {
	case h.stale(result):
		metrics.Notification("stale")
		h.logger.Info("notification older than lookback window",
			zap.String("granule_id", result.ImageID),
			zap.Time("begin_time", result.BeginTime))
	case h.filter != nil && !h.filter.Accept(result.TileID):
		metrics.Notification("filtered")
		h.logger.Info("notification tile rejected",
			zap.String("granule_id", result.ImageID),
			zap.String("tile_id", result.TileID))
	default:
		if _, err := h.ingestor.Add(r.Context(), []granule.SearchResult{result}); err != nil {
			metrics.Notification("error")
			h.logger.Error("notification ingest failed",
				zap.String("granule_id", result.ImageID),
				zap.Error(err))
			http.Error(w, "ingest failed", http.StatusInternalServerError)
			return
		}
		metrics.Notification("accepted")
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) authenticate(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(h.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(h.password)) == 1
	return userOK && passOK
}

// parse converts the envelope into the normalized result shape. Exactly one
// location with FormatType "Extracted" must be present, carrying exactly one
// MD5 checksum; anything else is a malformed upstream payload.
func (h *Handler) parse(r *http.Request) (granule.SearchResult, error) {
	var n notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		return granule.SearchResult{}, fmt.Errorf("decode envelope: %w", err)
	}
	if n.Value.ID == "" || n.Value.Name == "" {
		return granule.SearchResult{}, fmt.Errorf("envelope missing id or name")
	}

	extractedIdx := -1
	for i, loc := range n.Value.Locations {
		if loc.FormatType != "Extracted" {
			continue
		}
		if extractedIdx >= 0 {
			return granule.SearchResult{}, fmt.Errorf("multiple extracted locations")
		}
		extractedIdx = i
	}
	if extractedIdx < 0 {
		return granule.SearchResult{}, fmt.Errorf("no extracted location")
	}
	loc := n.Value.Locations[extractedIdx]

	checksum := ""
	for _, c := range loc.Checksum {
		if c.Algorithm == "MD5" {
			checksum = c.Value
			break
		}
	}
	if checksum == "" {
		return granule.SearchResult{}, fmt.Errorf("extracted location missing md5 checksum")
	}

	return granule.SearchResult{
		ImageID:       n.Value.ID,
		Filename:      n.Value.Name,
		TileID:        granule.ParseTileID(n.Value.Name),
		Size:          loc.ContentLength,
		BeginTime:     n.Value.ContentDate.Start,
		EndTime:       n.Value.ContentDate.End,
		IngestionTime: n.Value.PublicationDate,
		DownloadURL:   loc.DownloadLink,
		Checksum:      checksum,
	}, nil
}

// stale reports whether the acquisition start falls outside the lookback
// window. Exactly at the boundary counts as stale.
func (h *Handler) stale(result granule.SearchResult) bool {
	cutoff := h.clock.Now().AddDate(0, 0, -h.lookbackDays)
	return !result.BeginTime.After(cutoff)
}
