// Package domain defines the ingestion, merge and aggregation logic for tracked web activity.
package domain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"example.com/webtime/internal/observability"
)

var (
	// ErrRecordNotFound is returned when a record cannot be located.
	ErrRecordNotFound = errors.New("activity record not found")
	// ErrInvalidProductivity is returned for labels outside productive/unproductive/neutral.
	ErrInvalidProductivity = errors.New("invalid productivity label")
	// ErrVersionConflict is returned by a store when an update lost an optimistic concurrency race.
	ErrVersionConflict = errors.New("activity record version conflict")
	// ErrStoreUnavailable wraps read/write failures of the record store.
	ErrStoreUnavailable = errors.New("activity store unavailable")
)

const (
	// DefaultMinDuration discards tab flicks shorter than ten seconds.
	DefaultMinDuration = 10 * time.Second
	// DefaultMergeWindow is the largest gap that still continues the previous record.
	DefaultMergeWindow = 5 * time.Minute
	// DefaultCategory is used when neither the classifier nor the producer names one.
	DefaultCategory = "Other"
)

// RecordStore captures persistence operations for activity records.
type RecordStore interface {
	// FindLatestByDomain returns the record with the greatest timestamp for domain, or nil.
	FindLatestByDomain(ctx context.Context, domain string) (*ActivityRecord, error)
	// FindDefiniteByURL returns the most recent record for url labelled productive or unproductive, or nil.
	FindDefiniteByURL(ctx context.Context, url string) (*ActivityRecord, error)
	Insert(ctx context.Context, record ActivityRecord) error
	// Update applies patch if the stored version still equals expectedVersion.
	Update(ctx context.Context, id string, patch RecordPatch, expectedVersion int) (*ActivityRecord, error)
	Get(ctx context.Context, id string) (*ActivityRecord, error)
	SetProductivity(ctx context.Context, id string, productivity Productivity) (*ActivityRecord, error)
	// QueryByTimeRange lists records newest first.
	QueryByTimeRange(ctx context.Context, query RecordQuery) ([]ActivityRecord, *Cursor, error)
	AggregateByCalendarDay(ctx context.Context, loc *time.Location) ([]DayTotal, error)
	AggregateByCategory(ctx context.Context) ([]CategoryTotal, error)
}

// Classifier decides the productivity label of a visit.
type Classifier interface {
	Classify(ctx context.Context, visit Visit) (Verdict, error)
}

// Option configures optional behaviour for the Service.
type Option func(*Service)

// WithLogger overrides the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the time source used for missing visit timestamps and stats.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMinDuration overrides the shortest visit that is kept.
func WithMinDuration(d time.Duration) Option {
	return func(s *Service) { s.minDuration = d }
}

// WithMergeWindow overrides the maximum gap that merges a visit into its predecessor.
func WithMergeWindow(d time.Duration) Option {
	return func(s *Service) { s.mergeWindow = d }
}

// WithLocation sets the time zone calendar days and weeks are computed in.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.location = loc
		}
	}
}

// Service orchestrates ingestion, overrides, listing and stats.
type Service struct {
	store       RecordStore
	classifier  Classifier
	locks       *keyedMutex
	logger      zerolog.Logger
	now         func() time.Time
	minDuration time.Duration
	mergeWindow time.Duration
	location    *time.Location
}

// NewService constructs a Service.
func NewService(store RecordStore, classifier Classifier, opts ...Option) *Service {
	s := &Service{
		store:       store,
		classifier:  classifier,
		locks:       newKeyedMutex(),
		logger:      zerolog.Nop(),
		now:         time.Now,
		minDuration: DefaultMinDuration,
		mergeWindow: DefaultMergeWindow,
		location:    time.UTC,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Outcome describes what Ingest did with a visit.
type Outcome string

const (
	OutcomeRejected Outcome = "rejected"
	OutcomeCreated  Outcome = "created"
	OutcomeMerged   Outcome = "merged"
)

// IngestResult is returned by Ingest. Record is nil for rejected visits.
type IngestResult struct {
	Outcome Outcome
	Reason  string
	Record  *ActivityRecord
}

type acceptedVisit struct {
	url      string
	title    string
	duration float64
	start    time.Time
	category string
}

// Ingest classifies a visit and then either extends the latest record for its domain or inserts a new one.
func (s *Service) Ingest(ctx context.Context, raw RawVisit) (IngestResult, error) {
	visit, reason := s.accept(raw)
	if reason != "" {
		observability.RecordVisitRejected(reason)
		s.logger.Debug().Str("url", raw.URL).Str("reason", reason).Msg("visit rejected")
		return IngestResult{Outcome: OutcomeRejected, Reason: reason}, nil
	}

	domainName := ExtractDomain(visit.url)

	verdict, err := s.classifier.Classify(ctx, Visit{URL: visit.url, Title: visit.title, Domain: domainName})
	if err != nil {
		return IngestResult{}, storeError(err)
	}
	category := firstNonEmpty(verdict.Category, visit.category, DefaultCategory)

	unlock := s.locks.Lock(domainName)
	defer unlock()

	for attempt := 0; ; attempt++ {
		predecessor, err := s.store.FindLatestByDomain(ctx, domainName)
		if err != nil {
			return IngestResult{}, storeError(err)
		}

		if predecessor != nil && s.shouldMerge(*predecessor, visit.start) {
			patch := RecordPatch{
				URL:          visit.url,
				Title:        visit.title,
				AddDuration:  visit.duration,
				Productivity: verdict.Productivity,
				Category:     category,
			}
			updated, err := s.store.Update(ctx, predecessor.ID, patch, predecessor.Version)
			if errors.Is(err, ErrVersionConflict) && attempt == 0 {
				s.logger.Warn().Str("domain", domainName).Str("record_id", predecessor.ID).Msg("merge lost version race, retrying")
				continue
			}
			if err != nil {
				return IngestResult{}, storeError(err)
			}
			observability.RecordVisitIngested(string(OutcomeMerged), verdict.Tier)
			return IngestResult{Outcome: OutcomeMerged, Record: updated}, nil
		}

		now := s.now().UTC()
		record := ActivityRecord{
			ID:           uuid.NewString(),
			URL:          visit.url,
			Domain:       domainName,
			Title:        visit.title,
			Timestamp:    visit.start,
			Duration:     visit.duration,
			Productivity: verdict.Productivity,
			Category:     category,
			Version:      1,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.store.Insert(ctx, record); err != nil {
			return IngestResult{}, storeError(err)
		}
		observability.RecordVisitIngested(string(OutcomeCreated), verdict.Tier)
		return IngestResult{Outcome: OutcomeCreated, Record: &record}, nil
	}
}

// shouldMerge applies the adjacency rule: the visit must start no earlier than the
// predecessor's end and no later than mergeWindow after it.
func (s *Service) shouldMerge(predecessor ActivityRecord, start time.Time) bool {
	gap := start.Sub(predecessor.End())
	return gap >= 0 && gap <= s.mergeWindow
}

func (s *Service) accept(raw RawVisit) (acceptedVisit, string) {
	if isBlank(raw.URL) {
		return acceptedVisit{}, "missing_url"
	}
	if raw.Duration == nil {
		return acceptedVisit{}, "missing_duration"
	}
	duration := *raw.Duration
	if math.IsNaN(duration) || math.IsInf(duration, 0) || duration < 0 {
		return acceptedVisit{}, "invalid_duration"
	}
	if seconds(duration) < s.minDuration {
		return acceptedVisit{}, "too_short"
	}

	start := s.now().UTC()
	if !isBlank(raw.Timestamp) {
		parsed, err := time.Parse(time.RFC3339, raw.Timestamp)
		if err != nil {
			return acceptedVisit{}, "invalid_timestamp"
		}
		start = parsed.UTC()
	}

	return acceptedVisit{
		url:      raw.URL,
		title:    raw.Title,
		duration: duration,
		start:    start,
		category: raw.Category,
	}, ""
}

// OverrideProductivity sets a record's label directly, bypassing classification and merging.
func (s *Service) OverrideProductivity(ctx context.Context, id string, productivity Productivity) (*ActivityRecord, error) {
	if _, err := ParseProductivity(string(productivity)); err != nil {
		return nil, err
	}
	record, err := s.store.SetProductivity(ctx, id, productivity)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, err
		}
		return nil, storeError(err)
	}
	if record == nil {
		return nil, ErrRecordNotFound
	}
	return record, nil
}

// GetRecord fetches by ID.
func (s *Service) GetRecord(ctx context.Context, id string) (*ActivityRecord, error) {
	record, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, storeError(err)
	}
	if record == nil {
		return nil, ErrRecordNotFound
	}
	return record, nil
}

// ListRecords returns records whose timestamp falls inside the query bounds, newest first.
func (s *Service) ListRecords(ctx context.Context, query RecordQuery) ([]ActivityRecord, *Cursor, error) {
	records, next, err := s.store.QueryByTimeRange(ctx, query)
	if err != nil {
		return nil, nil, storeError(err)
	}
	return records, next, nil
}

// CategoryTotals returns all-time duration per category, largest first.
func (s *Service) CategoryTotals(ctx context.Context) ([]CategoryTotal, error) {
	totals, err := s.store.AggregateByCategory(ctx)
	if err != nil {
		return nil, storeError(err)
	}
	return totals, nil
}

// Stats reads the store and aggregates totals relative to the current time.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	now := s.now().In(s.location)
	windows := StatsWindowsAt(now)
	since := windows.LastWeekStart
	if windows.YesterdayStart.Before(since) {
		since = windows.YesterdayStart
	}

	var (
		recent     []ActivityRecord
		days       []DayTotal
		categories []CategoryTotal
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		recent, _, err = s.store.QueryByTimeRange(gctx, RecordQuery{Start: &since, End: &now})
		return err
	})
	g.Go(func() error {
		var err error
		days, err = s.store.AggregateByCalendarDay(gctx, s.location)
		return err
	})
	g.Go(func() error {
		var err error
		categories, err = s.store.AggregateByCategory(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return Stats{}, storeError(err)
	}

	stats := ComputeStats(windows, recent, days)
	stats.Categories = categories
	return stats, nil
}

func storeError(err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if !isBlank(v) {
			return v
		}
	}
	return ""
}
