package domain

import (
	"fmt"
	"strings"
	"time"
)

// Productivity is the label assigned to a visit or record.
type Productivity string

const (
	ProductivityProductive   Productivity = "productive"
	ProductivityUnproductive Productivity = "unproductive"
	ProductivityNeutral      Productivity = "neutral"
)

// ParseProductivity normalises a label, rejecting anything outside the three known values.
func ParseProductivity(raw string) (Productivity, error) {
	switch p := Productivity(strings.ToLower(strings.TrimSpace(raw))); p {
	case ProductivityProductive, ProductivityUnproductive, ProductivityNeutral:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidProductivity, raw)
}

// Definite reports whether the label is productive or unproductive.
func (p Productivity) Definite() bool {
	return p == ProductivityProductive || p == ProductivityUnproductive
}

// ActivityRecord is a persisted aggregate of one or more adjacent visits to the same domain.
type ActivityRecord struct {
	ID           string
	URL          string
	Domain       string
	Title        string
	Timestamp    time.Time
	Duration     float64 // seconds
	Productivity Productivity
	Category     string
	Version      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// End returns the instant the record's last merged visit finished.
func (r ActivityRecord) End() time.Time {
	return r.Timestamp.Add(seconds(r.Duration))
}

// RecordPatch describes a merge: the duration increment plus the fields the latest visit overwrites.
type RecordPatch struct {
	URL          string
	Title        string
	AddDuration  float64
	Productivity Productivity
	Category     string
}

// RawVisit is a visit as reported by the tab tracker.
type RawVisit struct {
	URL       string
	Title     string
	Duration  *float64 // seconds; nil when the producer omitted it
	Timestamp string   // RFC3339; empty means "now"
	Category  string
}

// Visit is the classifier's view of an accepted visit.
type Visit struct {
	URL    string
	Title  string
	Domain string
}

// Verdict is the outcome of classifying a visit. Tier names the stage that decided it.
type Verdict struct {
	Productivity Productivity
	Category     string
	Tier         string
}

// Cursor models the pagination token for record listings.
type Cursor struct {
	Timestamp time.Time
	ID        string
}

// RecordQuery filters a record listing. Zero values mean unbounded.
type RecordQuery struct {
	Start  *time.Time
	End    *time.Time
	Before *Cursor
	Limit  int
}

// DayTotal is the summed duration for one calendar day.
type DayTotal struct {
	Date          time.Time
	TotalDuration float64
	Count         int
}

// CategoryTotal is the summed duration for one category.
type CategoryTotal struct {
	Category      string
	TotalDuration float64
	Count         int
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
