// Package memory provides an in-process record store for local development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"example.com/webtime/internal/domain"
	"example.com/webtime/internal/persistence"
)

// Store keeps records in a map guarded by a RWMutex.
type Store struct {
	mu      sync.RWMutex
	records map[string]domain.ActivityRecord
	now     func() time.Time
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{records: make(map[string]domain.ActivityRecord), now: time.Now}
}

// FindLatestByDomain implements domain.RecordStore.
func (s *Store) FindLatestByDomain(_ context.Context, domainName string) (*domain.ActivityRecord, error) {
	return s.latest(func(r domain.ActivityRecord) bool { return r.Domain == domainName }), nil
}

// FindDefiniteByURL implements domain.RecordStore.
func (s *Store) FindDefiniteByURL(_ context.Context, url string) (*domain.ActivityRecord, error) {
	return s.latest(func(r domain.ActivityRecord) bool {
		return r.URL == url && r.Productivity.Definite()
	}), nil
}

func (s *Store) latest(match func(domain.ActivityRecord) bool) *domain.ActivityRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *domain.ActivityRecord
	for _, r := range s.records {
		if !match(r) {
			continue
		}
		if best == nil || newer(r, *best) {
			candidate := r
			best = &candidate
		}
	}
	return best
}

// Insert implements domain.RecordStore.
func (s *Store) Insert(_ context.Context, record domain.ActivityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.Version == 0 {
		record.Version = 1
	}
	s.records[record.ID] = record
	return nil
}

// Update implements domain.RecordStore.
func (s *Store) Update(_ context.Context, id string, patch domain.RecordPatch, expectedVersion int) (*domain.ActivityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	if record.Version != expectedVersion {
		return nil, domain.ErrVersionConflict
	}
	record.URL = patch.URL
	record.Title = patch.Title
	record.Duration += patch.AddDuration
	record.Productivity = patch.Productivity
	record.Category = patch.Category
	record.Version++
	record.UpdatedAt = s.now().UTC()
	s.records[id] = record
	return &record, nil
}

// Get implements domain.RecordStore.
func (s *Store) Get(_ context.Context, id string) (*domain.ActivityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

// SetProductivity implements domain.RecordStore.
func (s *Store) SetProductivity(_ context.Context, id string, productivity domain.Productivity) (*domain.ActivityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	record.Productivity = productivity
	record.Version++
	record.UpdatedAt = s.now().UTC()
	s.records[id] = record
	return &record, nil
}

// QueryByTimeRange implements domain.RecordStore.
func (s *Store) QueryByTimeRange(_ context.Context, query domain.RecordQuery) ([]domain.ActivityRecord, *domain.Cursor, error) {
	s.mu.RLock()
	results := make([]domain.ActivityRecord, 0, len(s.records))
	for _, r := range s.records {
		if query.Start != nil && r.Timestamp.Before(*query.Start) {
			continue
		}
		if query.End != nil && r.Timestamp.After(*query.End) {
			continue
		}
		if !persistence.Before(r, query.Before) {
			continue
		}
		results = append(results, r)
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return newer(results[i], results[j]) })

	var next *domain.Cursor
	if query.Limit > 0 && len(results) > query.Limit {
		results = results[:query.Limit]
	}
	if query.Limit > 0 && len(results) == query.Limit {
		last := results[len(results)-1]
		next = &domain.Cursor{Timestamp: last.Timestamp, ID: last.ID}
	}
	return results, next, nil
}

// AggregateByCalendarDay implements domain.RecordStore.
func (s *Store) AggregateByCalendarDay(_ context.Context, loc *time.Location) ([]domain.DayTotal, error) {
	if loc == nil {
		loc = time.UTC
	}
	s.mu.RLock()
	byDay := make(map[time.Time]*domain.DayTotal)
	for _, r := range s.records {
		y, m, d := r.Timestamp.In(loc).Date()
		key := time.Date(y, m, d, 0, 0, 0, 0, loc)
		total, ok := byDay[key]
		if !ok {
			total = &domain.DayTotal{Date: key}
			byDay[key] = total
		}
		total.TotalDuration += r.Duration
		total.Count++
	}
	s.mu.RUnlock()

	out := make([]domain.DayTotal, 0, len(byDay))
	for _, total := range byDay {
		out = append(out, *total)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// AggregateByCategory implements domain.RecordStore.
func (s *Store) AggregateByCategory(_ context.Context) ([]domain.CategoryTotal, error) {
	s.mu.RLock()
	byCategory := make(map[string]*domain.CategoryTotal)
	for _, r := range s.records {
		total, ok := byCategory[r.Category]
		if !ok {
			total = &domain.CategoryTotal{Category: r.Category}
			byCategory[r.Category] = total
		}
		total.TotalDuration += r.Duration
		total.Count++
	}
	s.mu.RUnlock()

	out := make([]domain.CategoryTotal, 0, len(byCategory))
	for _, total := range byCategory {
		out = append(out, *total)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalDuration == out[j].TotalDuration {
			return out[i].Category < out[j].Category
		}
		return out[i].TotalDuration > out[j].TotalDuration
	})
	return out, nil
}

// newer orders by timestamp, then ID, both descending.
func newer(a, b domain.ActivityRecord) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.ID > b.ID
	}
	return a.Timestamp.After(b.Timestamp)
}
