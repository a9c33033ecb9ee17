// Package classify implements the tiered productivity classifier: static domain lists,
// then prior labels for the same URL, then an external semantic classifier.
package classify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"example.com/webtime/internal/domain"
	"example.com/webtime/internal/observability"
)

// Tier names reported in domain.Verdict.
const (
	TierStaticList = "static_list"
	TierHistory    = "history"
	TierSemantic   = "semantic"
	TierNone       = "none"
)

// DefaultTimeout bounds a single semantic classifier call.
const DefaultTimeout = 5 * time.Second

// HistoryLookup is the store read used by the second tier.
type HistoryLookup interface {
	FindDefiniteByURL(ctx context.Context, url string) (*domain.ActivityRecord, error)
}

// SemanticClassifier answers a free-text prompt.
type SemanticClassifier interface {
	ClassifyText(ctx context.Context, prompt string) (string, error)
}

// VerdictCache remembers semantic answers per (url, title).
type VerdictCache interface {
	Get(ctx context.Context, key string) (domain.Productivity, bool, error)
	Set(ctx context.Context, key string, productivity domain.Productivity) error
}

// Option configures optional behaviour for the Classifier.
type Option func(*Classifier)

// WithSemantic enables the third tier.
func WithSemantic(sc SemanticClassifier) Option {
	return func(c *Classifier) { c.semantic = sc }
}

// WithVerdictCache stores successful semantic answers.
func WithVerdictCache(cache VerdictCache) Option {
	return func(c *Classifier) { c.cache = cache }
}

// WithTimeout overrides the semantic call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Classifier) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithBreakerSettings overrides the circuit breaker guarding the semantic classifier.
func WithBreakerSettings(st gobreaker.Settings) Option {
	return func(c *Classifier) { c.breakerSettings = st }
}

// WithLogger overrides the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Classifier) { c.logger = logger }
}

// Classifier runs the tiers in order and stops at the first definite label.
type Classifier struct {
	lists           Lists
	history         HistoryLookup
	semantic        SemanticClassifier
	cache           VerdictCache
	timeout         time.Duration
	breakerSettings gobreaker.Settings
	breaker         *gobreaker.CircuitBreaker
	flight          singleflight.Group
	logger          zerolog.Logger
}

// New constructs a Classifier. history may be nil to skip the second tier.
func New(lists Lists, history HistoryLookup, opts ...Option) *Classifier {
	c := &Classifier{
		lists:   lists,
		history: history,
		timeout: DefaultTimeout,
		logger:  zerolog.Nop(),
	}
	c.breakerSettings = gobreaker.Settings{
		Name:        "semantic-classifier",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	st := c.breakerSettings
	if st.OnStateChange == nil {
		st.OnStateChange = func(name string, from, to gobreaker.State) {
			c.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		}
	}
	c.breaker = gobreaker.NewCircuitBreaker(st)
	return c
}

// Classify returns the verdict for visit. Only a failing history lookup produces an error;
// semantic failures degrade to neutral.
func (c *Classifier) Classify(ctx context.Context, visit domain.Visit) (domain.Verdict, error) {
	host := visit.Domain
	if host == "" {
		host = domain.ExtractDomain(visit.URL)
	}
	if label, category, ok := c.lists.Match(host); ok {
		return domain.Verdict{Productivity: label, Category: category, Tier: TierStaticList}, nil
	}

	if c.history != nil {
		prior, err := c.history.FindDefiniteByURL(ctx, visit.URL)
		if err != nil {
			return domain.Verdict{}, fmt.Errorf("history lookup: %w", err)
		}
		if prior != nil && prior.Productivity.Definite() {
			return domain.Verdict{Productivity: prior.Productivity, Category: prior.Category, Tier: TierHistory}, nil
		}
	}

	if label := c.semanticLabel(ctx, visit); label.Definite() {
		return domain.Verdict{Productivity: label, Tier: TierSemantic}, nil
	}
	return domain.Verdict{Productivity: domain.ProductivityNeutral, Tier: TierNone}, nil
}

func (c *Classifier) semanticLabel(ctx context.Context, visit domain.Visit) domain.Productivity {
	if c.semantic == nil {
		return domain.ProductivityNeutral
	}

	key := CacheKey(visit.URL, visit.Title)
	if c.cache != nil {
		label, ok, err := c.cache.Get(ctx, key)
		if err != nil {
			c.logger.Warn().Err(err).Msg("verdict cache read failed")
		} else if ok {
			return label
		}
	}

	// The call is shared by every waiter on key, so one caller going away must not cancel it.
	answer, err, _ := c.flight.Do(key, func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		start := time.Now()
		out, err := c.breaker.Execute(func() (interface{}, error) {
			return c.semantic.ClassifyText(callCtx, BuildPrompt(visit.Title, visit.URL))
		})
		observability.ObserveClassifierLatency(time.Since(start))
		if err != nil {
			return "", err
		}
		return out.(string), nil
	})
	if err != nil {
		reason := failureReason(err)
		observability.RecordClassifierFailure(reason)
		c.logger.Warn().Err(err).Str("url", visit.URL).Str("reason", reason).Msg("semantic classification failed, using neutral")
		return domain.ProductivityNeutral
	}

	text := answer.(string)
	if strings.TrimSpace(text) == "" {
		observability.RecordClassifierFailure("empty_answer")
		return domain.ProductivityNeutral
	}

	label := ParseAnswer(text)
	if c.cache != nil {
		if err := c.cache.Set(ctx, key, label); err != nil {
			c.logger.Warn().Err(err).Msg("verdict cache write failed")
		}
	}
	return label
}

// BuildPrompt frames the page for the semantic classifier.
func BuildPrompt(title, url string) string {
	return fmt.Sprintf("Classify this website visit as productive or unproductive for work or study. "+
		"Answer with exactly one word: productive, unproductive or neutral.\nTitle: %s\nURL: %s", title, url)
}

// ParseAnswer maps a free-text answer onto a label. "unproductive" is checked first
// because it contains "productive".
func ParseAnswer(answer string) domain.Productivity {
	lower := strings.ToLower(answer)
	switch {
	case strings.Contains(lower, "unproductive"):
		return domain.ProductivityUnproductive
	case strings.Contains(lower, "productive"):
		return domain.ProductivityProductive
	default:
		return domain.ProductivityNeutral
	}
}

// CacheKey derives the verdict cache key for a (url, title) pair.
func CacheKey(url, title string) string {
	sum := sha256.Sum256([]byte(url + "\x00" + title))
	return "verdict:" + hex.EncodeToString(sum[:])
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "circuit_open"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
