package domain_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/webtime/internal/classify"
	"example.com/webtime/internal/domain"
	"example.com/webtime/internal/persistence/memory"
)

var base = time.Date(2024, time.March, 6, 10, 0, 0, 0, time.UTC)

type stubClassifier struct {
	mu      sync.Mutex
	verdict domain.Verdict
	err     error
	calls   int
}

func (s *stubClassifier) Classify(_ context.Context, _ domain.Visit) (domain.Verdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.verdict, s.err
}

func unproductive() *stubClassifier {
	return &stubClassifier{verdict: domain.Verdict{Productivity: domain.ProductivityUnproductive, Category: "Entertainment", Tier: "static_list"}}
}

func newService(store domain.RecordStore, classifier domain.Classifier) *domain.Service {
	return domain.NewService(store, classifier, domain.WithClock(func() time.Time { return base.Add(24 * time.Hour) }))
}

func visit(url string, duration float64, ts time.Time) domain.RawVisit {
	return domain.RawVisit{URL: url, Title: url, Duration: &duration, Timestamp: ts.Format(time.RFC3339)}
}

func allRecords(t *testing.T, store domain.RecordStore) []domain.ActivityRecord {
	t.Helper()
	records, _, err := store.QueryByTimeRange(context.Background(), domain.RecordQuery{})
	require.NoError(t, err)
	return records
}

func TestIngestMergeWindowBoundaries(t *testing.T) {
	// The predecessor covers [base, base+200s].
	end := base.Add(200 * time.Second)
	cases := []struct {
		name      string
		start     time.Time
		wantMerge bool
	}{
		{"gap equals window", end.Add(300 * time.Second), true},
		{"gap just over window", end.Add(301 * time.Second), false},
		{"overlapping predecessor", end.Add(-50 * time.Second), false},
		{"short gap", end.Add(100 * time.Second), true},
		{"zero gap", end, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := memory.NewStore()
			svc := newService(store, unproductive())

			first, err := svc.Ingest(ctx, visit("https://youtube.com/a", 200, base))
			require.NoError(t, err)
			require.Equal(t, domain.OutcomeCreated, first.Outcome)

			second, err := svc.Ingest(ctx, visit("https://youtube.com/b", 150, tc.start))
			require.NoError(t, err)

			if tc.wantMerge {
				require.Equal(t, domain.OutcomeMerged, second.Outcome)
				require.Equal(t, first.Record.ID, second.Record.ID)
				require.Equal(t, 350.0, second.Record.Duration)
				require.Equal(t, base, second.Record.Timestamp, "merge keeps the original start")
				require.Len(t, allRecords(t, store), 1)
			} else {
				require.Equal(t, domain.OutcomeCreated, second.Outcome)
				require.NotEqual(t, first.Record.ID, second.Record.ID)
				require.Len(t, allRecords(t, store), 2)
			}
		})
	}
}

func TestIngestNeverMergesAcrossDomains(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := newService(store, unproductive())

	_, err := svc.Ingest(ctx, visit("https://youtube.com/a", 200, base))
	require.NoError(t, err)
	second, err := svc.Ingest(ctx, visit("https://www.netflix.com/b", 200, base.Add(210*time.Second)))
	require.NoError(t, err)

	require.Equal(t, domain.OutcomeCreated, second.Outcome)
	require.Equal(t, "netflix.com", second.Record.Domain)
}

func TestIngestYouTubeSession(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	classifier := unproductive()
	svc := newService(store, classifier)

	timestamps := []time.Time{base, base.Add(5 * time.Minute), base.Add(10 * time.Minute)}
	var last domain.IngestResult
	for i, ts := range timestamps {
		res, err := svc.Ingest(ctx, visit("https://www.youtube.com/watch?v="+string(rune('a'+i)), 200, ts))
		require.NoError(t, err)
		last = res
	}

	records := allRecords(t, store)
	require.Len(t, records, 1)
	require.Equal(t, domain.OutcomeMerged, last.Outcome)
	require.Equal(t, 600.0, records[0].Duration)
	require.Equal(t, "youtube.com", records[0].Domain)
	require.Equal(t, "https://www.youtube.com/watch?v=c", records[0].URL)
	require.Equal(t, domain.ProductivityUnproductive, records[0].Productivity)
	require.Equal(t, "Entertainment", records[0].Category)
	require.Equal(t, 3, classifier.calls)
}

func TestIngestShortFollowUpVisitMergesWithDefaults(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := domain.NewService(store, classify.New(classify.DefaultLists(), store))

	first, err := svc.Ingest(ctx, visit("https://www.youtube.com/watch?v=1", 200, base))
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeCreated, first.Outcome)
	require.Equal(t, "youtube.com", first.Record.Domain)
	require.Equal(t, domain.ProductivityUnproductive, first.Record.Productivity)

	// 50s after the first visit ended.
	second, err := svc.Ingest(ctx, visit("https://www.youtube.com/watch?v=2", 100, base.Add(250*time.Second)))
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeMerged, second.Outcome)
	require.Equal(t, first.Record.ID, second.Record.ID)
	require.Equal(t, 300.0, second.Record.Duration)
	require.Equal(t, base, second.Record.Timestamp)
	require.Equal(t, "https://www.youtube.com/watch?v=2", second.Record.URL)
	require.Equal(t, domain.ProductivityUnproductive, second.Record.Productivity)
	require.Len(t, allRecords(t, store), 1)
}

func TestIngestRejectsWithoutWriting(t *testing.T) {
	ctx := context.Background()
	neg := -5.0
	short := 9.9
	ok := 500.0
	cases := []struct {
		name   string
		raw    domain.RawVisit
		reason string
	}{
		{"missing url", domain.RawVisit{Duration: &ok}, "missing_url"},
		{"blank url", domain.RawVisit{URL: "   ", Duration: &ok}, "missing_url"},
		{"missing duration", domain.RawVisit{URL: "https://a.com"}, "missing_duration"},
		{"negative duration", domain.RawVisit{URL: "https://a.com", Duration: &neg}, "invalid_duration"},
		{"too short", domain.RawVisit{URL: "https://a.com", Duration: &short}, "too_short"},
		{"bad timestamp", domain.RawVisit{URL: "https://a.com", Duration: &ok, Timestamp: "yesterday"}, "invalid_timestamp"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := memory.NewStore()
			classifier := unproductive()
			svc := newService(store, classifier)

			res, err := svc.Ingest(ctx, tc.raw)
			require.NoError(t, err)
			require.Equal(t, domain.OutcomeRejected, res.Outcome)
			require.Equal(t, tc.reason, res.Reason)
			require.Nil(t, res.Record)
			require.Empty(t, allRecords(t, store))
			require.Zero(t, classifier.calls, "rejected visits are not classified")
		})
	}
}

func TestIngestAcceptsMinimumDurationAndDefaultsTimestamp(t *testing.T) {
	store := memory.NewStore()
	svc := newService(store, &stubClassifier{verdict: domain.Verdict{Productivity: domain.ProductivityNeutral}})

	exact := 10.0
	res, err := svc.Ingest(context.Background(), domain.RawVisit{URL: "https://example.com", Duration: &exact, Category: "News"})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeCreated, res.Outcome)
	require.Equal(t, base.Add(24*time.Hour), res.Record.Timestamp)
	require.Equal(t, "News", res.Record.Category, "producer category is used when the classifier has none")
	require.Equal(t, 1, res.Record.Version)
}

func TestIngestDefaultsCategory(t *testing.T) {
	svc := newService(memory.NewStore(), &stubClassifier{verdict: domain.Verdict{Productivity: domain.ProductivityNeutral}})

	res, err := svc.Ingest(context.Background(), visit("https://example.com", 300, base))
	require.NoError(t, err)
	require.Equal(t, domain.DefaultCategory, res.Record.Category)
}

// conflictingStore loses the first optimistic update race.
type conflictingStore struct {
	*memory.Store
	mu        sync.Mutex
	conflicts int
	updates   int
}

func (s *conflictingStore) Update(ctx context.Context, id string, patch domain.RecordPatch, expected int) (*domain.ActivityRecord, error) {
	s.mu.Lock()
	s.updates++
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return nil, domain.ErrVersionConflict
	}
	s.mu.Unlock()
	return s.Store.Update(ctx, id, patch, expected)
}

func TestIngestRetriesOnceOnVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := &conflictingStore{Store: memory.NewStore()}
	svc := newService(store, unproductive())

	_, err := svc.Ingest(ctx, visit("https://youtube.com/a", 200, base))
	require.NoError(t, err)

	store.conflicts = 1
	res, err := svc.Ingest(ctx, visit("https://youtube.com/b", 200, base.Add(4*time.Minute)))
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeMerged, res.Outcome)
	require.Equal(t, 2, store.updates)

	store.conflicts = 2
	_, err = svc.Ingest(ctx, visit("https://youtube.com/c", 200, base.Add(8*time.Minute)))
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	require.ErrorIs(t, err, domain.ErrVersionConflict)
}

type brokenStore struct {
	*memory.Store
	readErr  error
	writeErr error
}

func (s brokenStore) FindLatestByDomain(ctx context.Context, d string) (*domain.ActivityRecord, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	return s.Store.FindLatestByDomain(ctx, d)
}

func (s brokenStore) Insert(ctx context.Context, r domain.ActivityRecord) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	return s.Store.Insert(ctx, r)
}

func (s brokenStore) AggregateByCategory(context.Context) ([]domain.CategoryTotal, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	return nil, nil
}

func TestIngestReportsStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	cause := errors.New("connection reset")

	readFail := newService(brokenStore{Store: memory.NewStore(), readErr: cause}, unproductive())
	_, err := readFail.Ingest(ctx, visit("https://youtube.com", 300, base))
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	require.ErrorIs(t, err, cause)

	writeFail := newService(brokenStore{Store: memory.NewStore(), writeErr: cause}, unproductive())
	_, err = writeFail.Ingest(ctx, visit("https://youtube.com", 300, base))
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)

	classifierFail := newService(memory.NewStore(), &stubClassifier{err: cause})
	_, err = classifierFail.Ingest(ctx, visit("https://youtube.com", 300, base))
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)

	_, err = readFail.Stats(ctx)
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestIngestConcurrentVisitsPreserveTotalDuration(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := newService(store, unproductive())

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ts := base.Add(time.Duration(i) * 200 * time.Second)
			_, err := svc.Ingest(ctx, visit("https://youtube.com/v", 200, ts))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	var total float64
	records := allRecords(t, store)
	for _, r := range records {
		total += r.Duration
	}
	require.Equal(t, float64(n*200), total)
	require.NotEmpty(t, records)
	require.LessOrEqual(t, len(records), n)
}

func TestOverrideProductivity(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	svc := newService(store, unproductive())

	res, err := svc.Ingest(ctx, visit("https://youtube.com/talk", 600, base))
	require.NoError(t, err)

	updated, err := svc.OverrideProductivity(ctx, res.Record.ID, domain.ProductivityProductive)
	require.NoError(t, err)
	require.Equal(t, domain.ProductivityProductive, updated.Productivity)
	require.Equal(t, 600.0, updated.Duration)
	require.Greater(t, updated.Version, res.Record.Version)

	_, err = svc.OverrideProductivity(ctx, res.Record.ID, domain.Productivity("meh"))
	require.ErrorIs(t, err, domain.ErrInvalidProductivity)

	_, err = svc.OverrideProductivity(ctx, "missing", domain.ProductivityNeutral)
	require.ErrorIs(t, err, domain.ErrRecordNotFound)

	_, err = svc.GetRecord(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestStatsUsesServiceClock(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	now := base.Add(24 * time.Hour) // Thursday 10:00
	svc := newService(store, unproductive())

	_, err := svc.Ingest(ctx, visit("https://youtube.com", 600, now.Add(-time.Hour)))
	require.NoError(t, err)
	_, err = svc.Ingest(ctx, visit("https://github.com", 300, now.Add(-24*time.Hour)))
	require.NoError(t, err)
	_, err = svc.Ingest(ctx, visit("https://reddit.com", 150, now.Add(-60*24*time.Hour)))
	require.NoError(t, err)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)

	require.Equal(t, 600.0, stats.Today.Duration)
	require.Equal(t, 300.0, stats.Yesterday.Duration)
	require.Equal(t, 900.0, stats.ThisWeek.Duration)
	require.Equal(t, 3, stats.ActiveDays)
	require.Equal(t, 3, stats.AllTime.Count)
	require.Len(t, stats.Categories, 1)
	require.Equal(t, 1050.0, stats.Categories[0].TotalDuration)
}
