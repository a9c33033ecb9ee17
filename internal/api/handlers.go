// Package api exposes HTTP handlers for the web time tracker.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"example.com/webtime/internal/domain"
	"example.com/webtime/internal/events"
	"example.com/webtime/internal/persistence"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxBodyBytes     = 1 << 20
)

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service *domain.Service
	logger  zerolog.Logger
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service, logger zerolog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/visits", h.ingestVisit)
	mux.HandleFunc("GET /v1/records", h.listRecords)
	mux.HandleFunc("GET /v1/records/{id}", h.getRecord)
	mux.HandleFunc("PATCH /v1/records/{id}", h.overrideRecord)
	mux.HandleFunc("GET /v1/stats", h.stats)

	// Paths used by the browser extension dashboard. Reads keep the legacy shapes:
	// a bare record array and per-category totals keyed by _id.
	mux.HandleFunc("POST /api/activity", h.ingestVisit)
	mux.HandleFunc("GET /api/activity", h.legacyActivity)
	mux.HandleFunc("GET /api/stats", h.legacyStats)

	mux.HandleFunc("GET /healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) ingestVisit(w http.ResponseWriter, r *http.Request) {
	var req events.Visit
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	result, err := h.service.Ingest(r.Context(), req.Raw())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	resp := IngestResponse{Outcome: string(result.Outcome), Reason: result.Reason}
	if result.Record != nil {
		view := toRecordView(*result.Record)
		resp.Record = &view
	}

	status := http.StatusAccepted
	switch result.Outcome {
	case domain.OutcomeCreated:
		status = http.StatusCreated
	case domain.OutcomeMerged:
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	query, err := parseRecordQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	records, next, err := h.service.ListRecords(r.Context(), query)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	items := make([]RecordView, 0, len(records))
	for _, rec := range records {
		items = append(items, toRecordView(rec))
	}
	writeJSON(w, http.StatusOK, ListRecordsResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

func (h *Handler) getRecord(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.GetRecord(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordView(*record))
}

func (h *Handler) overrideRecord(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	label, err := domain.ParseProductivity(req.Productivity)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	record, err := h.service.OverrideProductivity(r.Context(), r.PathValue("id"), label)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordView(*record))
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStatsView(stats))
}

func (h *Handler) legacyActivity(w http.ResponseWriter, r *http.Request) {
	query, err := parseRecordQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	query.Limit = 0
	query.Before = nil

	records, _, err := h.service.ListRecords(r.Context(), query)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	items := make([]LegacyActivityView, 0, len(records))
	for _, rec := range records {
		items = append(items, LegacyActivityView{
			ID:           rec.ID,
			URL:          rec.URL,
			Domain:       rec.Domain,
			Title:        rec.Title,
			Timestamp:    rec.Timestamp,
			Duration:     rec.Duration,
			Productivity: string(rec.Productivity),
			Category:     rec.Category,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) legacyStats(w http.ResponseWriter, r *http.Request) {
	totals, err := h.service.CategoryTotals(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	out := make([]LegacyCategoryView, 0, len(totals))
	for _, t := range totals {
		out = append(out, LegacyCategoryView{Category: t.Category, TotalDuration: t.TotalDuration, Count: t.Count})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "not_found", "record not found")
	case errors.Is(err, domain.ErrInvalidProductivity):
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrStoreUnavailable):
		h.logger.Error().Err(err).Msg("store unavailable")
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "activity store is unavailable")
	default:
		h.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func parseRecordQuery(r *http.Request) (domain.RecordQuery, error) {
	values := r.URL.Query()
	query := domain.RecordQuery{Limit: defaultListLimit}

	for _, bound := range []struct {
		name string
		dst  **time.Time
	}{{"start", &query.Start}, {"end", &query.End}} {
		raw := strings.TrimSpace(values.Get(bound.name))
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return domain.RecordQuery{}, errors.New(bound.name + " must be an RFC3339 timestamp")
		}
		*bound.dst = &parsed
	}
	if query.Start != nil && query.End != nil && query.End.Before(*query.Start) {
		return domain.RecordQuery{}, errors.New("end must not be before start")
	}

	if raw := values.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return domain.RecordQuery{}, errors.New("limit must be a positive integer")
		}
		query.Limit = min(parsed, maxListLimit)
	}

	cursor, err := persistence.DecodeCursor(values.Get("cursor"))
	if err != nil {
		return domain.RecordQuery{}, errors.New("invalid cursor")
	}
	query.Before = cursor
	return query, nil
}

// OverrideRequest is the payload for PATCH /v1/records/{id}.
type OverrideRequest struct {
	Productivity string `json:"productivity"`
}

// IngestResponse describes what happened to a submitted visit.
type IngestResponse struct {
	Outcome string      `json:"outcome"`
	Reason  string      `json:"reason,omitempty"`
	Record  *RecordView `json:"record,omitempty"`
}

// RecordView exposes an activity record.
type RecordView struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Domain       string    `json:"domain"`
	Title        string    `json:"title"`
	Timestamp    time.Time `json:"timestamp"`
	Duration     float64   `json:"duration"`
	Productivity string    `json:"productivity"`
	Category     string    `json:"category"`
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// LegacyActivityView is one element of GET /api/activity.
type LegacyActivityView struct {
	ID           string    `json:"_id"`
	URL          string    `json:"url"`
	Domain       string    `json:"domain"`
	Title        string    `json:"title"`
	Timestamp    time.Time `json:"timestamp"`
	Duration     float64   `json:"duration"`
	Productivity string    `json:"productivity"`
	Category     string    `json:"category"`
}

// LegacyCategoryView is one element of GET /api/stats.
type LegacyCategoryView struct {
	Category      string  `json:"_id"`
	TotalDuration float64 `json:"totalDuration"`
	Count         int     `json:"count"`
}

// ListRecordsResponse packages list results.
type ListRecordsResponse struct {
	Items      []RecordView `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// WindowView is the total for one stats window.
type WindowView struct {
	Duration float64 `json:"duration"`
	Count    int     `json:"count"`
}

// CategoryView is the total for one category.
type CategoryView struct {
	Category      string  `json:"category"`
	TotalDuration float64 `json:"total_duration"`
	Count         int     `json:"count"`
}

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	DailyChange   float64        `json:"daily_change"`
	WeeklyChange  float64        `json:"weekly_change"`
	DailyAverage  float64        `json:"daily_average"`
	WeeklyAverage float64        `json:"weekly_average"`
	Today         WindowView     `json:"today"`
	Yesterday     WindowView     `json:"yesterday"`
	ThisWeek      WindowView     `json:"this_week"`
	LastWeek      WindowView     `json:"last_week"`
	AllTime       WindowView     `json:"all_time"`
	ActiveDays    int            `json:"active_days"`
	Categories    []CategoryView `json:"categories"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toRecordView(rec domain.ActivityRecord) RecordView {
	return RecordView{
		ID:           rec.ID,
		URL:          rec.URL,
		Domain:       rec.Domain,
		Title:        rec.Title,
		Timestamp:    rec.Timestamp,
		Duration:     rec.Duration,
		Productivity: string(rec.Productivity),
		Category:     rec.Category,
		Version:      rec.Version,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

func toStatsView(s domain.Stats) StatsResponse {
	window := func(t domain.WindowTotal) WindowView {
		return WindowView{Duration: t.Duration, Count: t.Count}
	}
	categories := make([]CategoryView, 0, len(s.Categories))
	for _, c := range s.Categories {
		categories = append(categories, CategoryView{Category: c.Category, TotalDuration: c.TotalDuration, Count: c.Count})
	}
	return StatsResponse{
		DailyChange:   s.DailyChange,
		WeeklyChange:  s.WeeklyChange,
		DailyAverage:  s.DailyAverage,
		WeeklyAverage: s.WeeklyAverage,
		Today:         window(s.Today),
		Yesterday:     window(s.Yesterday),
		ThisWeek:      window(s.ThisWeek),
		LastWeek:      window(s.LastWeek),
		AllTime:       window(s.AllTime),
		ActiveDays:    s.ActiveDays,
		Categories:    categories,
	}
}
