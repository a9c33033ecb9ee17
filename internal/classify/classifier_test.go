package classify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"example.com/webtime/internal/cache"
	"example.com/webtime/internal/domain"
)

type stubHistory struct {
	record *domain.ActivityRecord
	err    error
	calls  int
}

func (s *stubHistory) FindDefiniteByURL(context.Context, string) (*domain.ActivityRecord, error) {
	s.calls++
	return s.record, s.err
}

type stubSemantic struct {
	mu      sync.Mutex
	answer  string
	err     error
	delay   time.Duration
	prompts []string
}

func (s *stubSemantic) ClassifyText(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.answer, s.err
}

func (s *stubSemantic) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

func TestClassifyStaticListWinsBeforeOtherTiers(t *testing.T) {
	history := &stubHistory{record: &domain.ActivityRecord{Productivity: domain.ProductivityProductive}}
	semantic := &stubSemantic{answer: "productive"}
	c := New(DefaultLists(), history, WithSemantic(semantic))

	verdict, err := c.Classify(context.Background(), domain.Visit{URL: "https://www.youtube.com/watch?v=1", Domain: "youtube.com"})
	require.NoError(t, err)
	require.Equal(t, domain.ProductivityUnproductive, verdict.Productivity)
	require.Equal(t, "Entertainment", verdict.Category)
	require.Equal(t, TierStaticList, verdict.Tier)
	require.Zero(t, history.calls)
	require.Zero(t, semantic.callCount())
}

func TestClassifyDerivesDomainWhenMissing(t *testing.T) {
	c := New(DefaultLists(), nil)

	verdict, err := c.Classify(context.Background(), domain.Visit{URL: "https://gist.github.com/x"})
	require.NoError(t, err)
	require.Equal(t, domain.ProductivityProductive, verdict.Productivity)
}

func TestClassifyUsesHistoryBeforeSemantic(t *testing.T) {
	history := &stubHistory{record: &domain.ActivityRecord{Productivity: domain.ProductivityProductive, Category: "Learning"}}
	semantic := &stubSemantic{answer: "unproductive"}
	c := New(DefaultLists(), history, WithSemantic(semantic))

	verdict, err := c.Classify(context.Background(), domain.Visit{URL: "https://example.com/course", Domain: "example.com"})
	require.NoError(t, err)
	require.Equal(t, domain.ProductivityProductive, verdict.Productivity)
	require.Equal(t, "Learning", verdict.Category)
	require.Equal(t, TierHistory, verdict.Tier)
	require.Zero(t, semantic.callCount())
}

func TestClassifyHistoryFailureIsAnError(t *testing.T) {
	cause := errors.New("db down")
	c := New(DefaultLists(), &stubHistory{err: cause}, WithSemantic(&stubSemantic{answer: "productive"}))

	_, err := c.Classify(context.Background(), domain.Visit{URL: "https://example.com", Domain: "example.com"})
	require.ErrorIs(t, err, cause)
}

func TestClassifySemanticTier(t *testing.T) {
	semantic := &stubSemantic{answer: "Productive."}
	c := New(DefaultLists(), &stubHistory{}, WithSemantic(semantic))

	verdict, err := c.Classify(context.Background(), domain.Visit{URL: "https://example.com/paper", Title: "A paper", Domain: "example.com"})
	require.NoError(t, err)
	require.Equal(t, domain.ProductivityProductive, verdict.Productivity)
	require.Equal(t, TierSemantic, verdict.Tier)
	require.Empty(t, verdict.Category)
	require.Len(t, semantic.prompts, 1)
	require.Contains(t, semantic.prompts[0], "Title: A paper")
	require.Contains(t, semantic.prompts[0], "URL: https://example.com/paper")
}

func TestClassifyDegradesToNeutral(t *testing.T) {
	cases := []struct {
		name     string
		semantic *stubSemantic
		timeout  time.Duration
	}{
		{"error", &stubSemantic{err: errors.New("503")}, time.Second},
		{"empty answer", &stubSemantic{answer: "  "}, time.Second},
		{"unrecognised answer", &stubSemantic{answer: "hmm"}, time.Second},
		{"timeout", &stubSemantic{answer: "productive", delay: time.Second}, 20 * time.Millisecond},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := New(DefaultLists(), nil, WithSemantic(tc.semantic), WithTimeout(tc.timeout))
			verdict, err := c.Classify(context.Background(), domain.Visit{URL: "https://example.com", Domain: "example.com"})
			require.NoError(t, err)
			require.Equal(t, domain.ProductivityNeutral, verdict.Productivity)
			require.Equal(t, TierNone, verdict.Tier)
		})
	}
}

func TestClassifyWithoutSemanticIsNeutral(t *testing.T) {
	c := New(DefaultLists(), &stubHistory{})

	verdict, err := c.Classify(context.Background(), domain.Visit{URL: "https://example.com", Domain: "example.com"})
	require.NoError(t, err)
	require.Equal(t, domain.ProductivityNeutral, verdict.Productivity)
	require.Equal(t, TierNone, verdict.Tier)
}

func TestClassifyCachesSemanticAnswers(t *testing.T) {
	semantic := &stubSemantic{answer: "unproductive"}
	verdicts := cache.NewMemoryVerdictCache(time.Hour)
	c := New(DefaultLists(), nil, WithSemantic(semantic), WithVerdictCache(verdicts))

	visit := domain.Visit{URL: "https://example.com/meme", Title: "memes", Domain: "example.com"}
	for i := 0; i < 3; i++ {
		verdict, err := c.Classify(context.Background(), visit)
		require.NoError(t, err)
		require.Equal(t, domain.ProductivityUnproductive, verdict.Productivity)
	}
	require.Equal(t, 1, semantic.callCount())

	label, ok, err := verdicts.Get(context.Background(), CacheKey(visit.URL, visit.Title))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.ProductivityUnproductive, label)

	// A different title is a different key.
	_, err = c.Classify(context.Background(), domain.Visit{URL: visit.URL, Title: "other", Domain: "example.com"})
	require.NoError(t, err)
	require.Equal(t, 2, semantic.callCount())
}

func TestClassifySharedCallSurvivesFirstCallerCancel(t *testing.T) {
	semantic := &stubSemantic{answer: "productive", delay: 200 * time.Millisecond}
	c := New(DefaultLists(), nil, WithSemantic(semantic), WithTimeout(time.Second))
	visit := domain.Visit{URL: "https://example.com/paper", Title: "paper", Domain: "example.com"}

	firstCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := make(chan domain.Verdict, 2)
	go func() {
		verdict, _ := c.Classify(firstCtx, visit)
		results <- verdict
	}()
	require.Eventually(t, func() bool { return semantic.callCount() == 1 }, time.Second, 5*time.Millisecond)

	go func() {
		verdict, _ := c.Classify(context.Background(), visit)
		results <- verdict
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	for i := 0; i < 2; i++ {
		verdict := <-results
		require.Equal(t, domain.ProductivityProductive, verdict.Productivity)
		require.Equal(t, TierSemantic, verdict.Tier)
	}
	require.Equal(t, 1, semantic.callCount())
}

func TestClassifyDoesNotCacheFailures(t *testing.T) {
	semantic := &stubSemantic{err: errors.New("boom")}
	verdicts := cache.NewMemoryVerdictCache(time.Hour)
	c := New(DefaultLists(), nil, WithSemantic(semantic), WithVerdictCache(verdicts))

	visit := domain.Visit{URL: "https://example.com", Domain: "example.com"}
	_, err := c.Classify(context.Background(), visit)
	require.NoError(t, err)

	_, ok, err := verdicts.Get(context.Background(), CacheKey(visit.URL, visit.Title))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClassifyBreakerSkipsCallsWhenOpen(t *testing.T) {
	semantic := &stubSemantic{err: errors.New("unavailable")}
	c := New(DefaultLists(), nil, WithSemantic(semantic), WithBreakerSettings(gobreaker.Settings{
		Name:        "test",
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= 2 },
	}))

	for i := 0; i < 5; i++ {
		verdict, err := c.Classify(context.Background(), domain.Visit{URL: "https://example.com", Domain: "example.com"})
		require.NoError(t, err)
		require.Equal(t, domain.ProductivityNeutral, verdict.Productivity)
	}
	require.Equal(t, 2, semantic.callCount())
}

func TestParseAnswer(t *testing.T) {
	cases := map[string]domain.Productivity{
		"productive":            domain.ProductivityProductive,
		"PRODUCTIVE":            domain.ProductivityProductive,
		"Unproductive":          domain.ProductivityUnproductive,
		"This is unproductive.": domain.ProductivityUnproductive,
		"neutral":               domain.ProductivityNeutral,
		"I cannot tell":         domain.ProductivityNeutral,
		"":                      domain.ProductivityNeutral,
	}
	for answer, want := range cases {
		require.Equal(t, want, ParseAnswer(answer), answer)
	}
}

func TestCacheKeyIsStable(t *testing.T) {
	require.Equal(t, CacheKey("https://a.com", "A"), CacheKey("https://a.com", "A"))
	require.NotEqual(t, CacheKey("https://a.com", "A"), CacheKey("https://a.com", "B"))
	require.NotEqual(t, CacheKey("https://a.comA", ""), CacheKey("https://a.com", "A"))
}
