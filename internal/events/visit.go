package events

import "example.com/webtime/internal/domain"

// Visit is the wire shape of a tab visit, shared by the HTTP API and the visit_events topic.
// Productivity is accepted for compatibility with older extensions and ignored.
type Visit struct {
	URL          string   `json:"url"`
	Title        string   `json:"title"`
	Duration     *float64 `json:"duration"`
	Timestamp    string   `json:"timestamp,omitempty"`
	Category     string   `json:"category,omitempty"`
	Productivity string   `json:"productivity,omitempty"`
}

// Raw converts the payload into the ingest input.
func (v Visit) Raw() domain.RawVisit {
	return domain.RawVisit{
		URL:       v.URL,
		Title:     v.Title,
		Duration:  v.Duration,
		Timestamp: v.Timestamp,
		Category:  v.Category,
	}
}
