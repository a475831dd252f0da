package http

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/couchcryptid/wildflower-sightings/internal/domain"
	"github.com/couchcryptid/wildflower-sightings/internal/pipeline"
	qrcode "github.com/skip2/go-qrcode"
)

const (
	defaultQRSize = 256
	minQRSize     = 64
	maxQRSize     = 1024
)

// sightingView is a map marker with the fields its popup shows.
type sightingView struct {
	ID           string   `json:"id"`
	ReportID     string   `json:"report_id"`
	Lat          float64  `json:"lat"`
	Lon          float64  `json:"lon"`
	Location     string   `json:"location"`
	Flowers      []string `json:"flowers"`
	Date         string   `json:"date"`
	ISODate      string   `json:"iso_date,omitempty"`
	Source       string   `json:"source,omitempty"`
	OriginalText string   `json:"original_text,omitempty"`
	Observer     string   `json:"observer,omitempty"`
	ShareURL     string   `json:"share_url"`
}

func newSightingView(s domain.Sighting) sightingView {
	v := sightingView{
		ID:           s.ID,
		ReportID:     s.ReportID,
		Lat:          s.Lat,
		Lon:          s.Lon,
		Location:     s.LocationName,
		Flowers:      s.Flowers,
		Date:         domain.InvalidDate,
		Source:       s.Source,
		OriginalText: s.OriginalText,
		Observer:     s.Observer,
		ShareURL:     domain.NewShareLink(s.Lat, s.Lon, s.Flowers).URL,
	}
	if s.HasDate {
		v.Date = s.Date.Display()
		v.ISODate = s.Date.String()
	}
	return v
}

type sightingsResponse struct {
	Count     int            `json:"count"`
	Sightings []sightingView `json:"sightings"`
}

func (s *Server) handleSightings(w http.ResponseWriter, r *http.Request) {
	f, err := s.parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sightings := s.dashboard.Sightings(f)
	views := make([]sightingView, len(sightings))
	for i := range sightings {
		views[i] = newSightingView(sightings[i])
	}
	writeJSON(w, http.StatusOK, sightingsResponse{Count: len(views), Sightings: views})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	f, err := s.parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.dashboard.Statistics(f))
}

func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"sources": s.dashboard.Sources()})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.dashboard.Status())
}

type reloadResponse struct {
	Status  string           `json:"status"`
	Error   string           `json:"error,omitempty"`
	Current *pipeline.Status `json:"current,omitempty"`
}

// handleReload starts a load cycle in the background. At most one
// background reload runs at a time; further requests while it runs are
// accepted without starting another. With ?wait=true it runs the cycle
// within the request and reports the outcome.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		if !s.reloading.CompareAndSwap(false, true) {
			writeJSON(w, http.StatusAccepted, reloadResponse{Status: "already_reloading"})
			return
		}
		go func() {
			defer s.reloading.Store(false)
			// Failures are logged and surfaced as a notice by the dashboard.
			_ = s.dashboard.Load(s.ctx)
		}()
		writeJSON(w, http.StatusAccepted, reloadResponse{Status: "reloading"})
		return
	}

	err := s.dashboard.Load(r.Context())
	status := s.dashboard.Status()
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, reloadResponse{Status: "loaded", Current: &status})
	case errors.Is(err, pipeline.ErrSuperseded):
		writeJSON(w, http.StatusOK, reloadResponse{Status: "superseded", Current: &status})
	default:
		writeJSON(w, http.StatusBadGateway, reloadResponse{Status: "failed", Error: err.Error(), Current: &status})
	}
}

func (s *Server) handleDismissNotice(w http.ResponseWriter, _ *http.Request) {
	s.dashboard.DismissNotice()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	link, err := parseShare(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (s *Server) handleShareQR(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	link, err := parseShare(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	size := defaultQRSize
	if v := q.Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < minQRSize || n > maxQRSize {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("size must be between %d and %d", minQRSize, maxQRSize))
			return
		}
		size = n
	}

	png, err := qrcode.Encode(link.URL, qrcode.Medium, size)
	if err != nil {
		s.logger.Warn("encode share qr code failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not encode qr code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *Server) handleLogs(w http.ResponseWriter, _ *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusNotFound, "log capture disabled")
		return
	}
	entries := s.logs.Entries()
	writeJSON(w, http.StatusOK, map[string]any{"count": len(entries), "entries": entries})
}

func (s *Server) handleClearLogs(w http.ResponseWriter, _ *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusNotFound, "log capture disabled")
		return
	}
	s.logs.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// parseFilter reads from, to, and source. Dates accept every format the
// date normalizer does; a reversed pair is swapped. source may repeat or
// hold a comma-separated list.
func (s *Server) parseFilter(q url.Values) (domain.Filter, error) {
	from, err := s.parseBound(q, "from")
	if err != nil {
		return domain.Filter{}, err
	}
	to, err := s.parseBound(q, "to")
	if err != nil {
		return domain.Filter{}, err
	}

	f := domain.Filter{Sources: splitList(q["source"])}
	if from != nil && to != nil {
		f.Range = domain.NewDateRange(*from, *to)
	} else {
		f.Range = domain.DateRange{From: from, To: to}
	}
	return f, nil
}

func (s *Server) parseBound(q url.Values, key string) (*domain.CanonicalDate, error) {
	raw := strings.TrimSpace(q.Get(key))
	if raw == "" {
		return nil, nil
	}
	d, ok := s.dates.Parse(raw)
	if !ok {
		return nil, fmt.Errorf("invalid %s date %q", key, raw)
	}
	return &d, nil
}

func parseShare(q url.Values) (domain.ShareLink, error) {
	lat, err := parseCoordinate(q.Get("lat"), "lat", 90)
	if err != nil {
		return domain.ShareLink{}, err
	}
	lon, err := parseCoordinate(q.Get("lon"), "lon", 180)
	if err != nil {
		return domain.ShareLink{}, err
	}
	return domain.NewShareLink(lat, lon, splitList(q["flowers"])), nil
}

func parseCoordinate(raw, key string, limit float64) (float64, error) {
	if raw == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) > limit {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return v, nil
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
