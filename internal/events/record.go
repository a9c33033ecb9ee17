// Package events defines the payloads published for activity record changes.
package events

import "time"

// Event types recorded in the outbox.
const (
	TypeRecordCreated    = "record.created"
	TypeRecordMerged     = "record.merged"
	TypeRecordOverridden = "record.overridden"
)

// RecordCreated is emitted when a visit starts a new record.
type RecordCreated struct {
	RecordID     string    `json:"record_id"`
	URL          string    `json:"url"`
	Domain       string    `json:"domain"`
	Title        string    `json:"title"`
	StartedAt    time.Time `json:"started_at"`
	Duration     float64   `json:"duration_seconds"`
	Productivity string    `json:"productivity"`
	Category     string    `json:"category"`
}

// RecordMerged is emitted when a visit extends an existing record.
type RecordMerged struct {
	RecordID      string    `json:"record_id"`
	Domain        string    `json:"domain"`
	URL           string    `json:"url"`
	AddedDuration float64   `json:"added_duration_seconds"`
	TotalDuration float64   `json:"total_duration_seconds"`
	Productivity  string    `json:"productivity"`
	Category      string    `json:"category"`
	Version       int       `json:"version"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// RecordOverridden is emitted when a user sets a record's label by hand.
type RecordOverridden struct {
	RecordID     string    `json:"record_id"`
	Domain       string    `json:"domain"`
	Productivity string    `json:"productivity"`
	OccurredAt   time.Time `json:"occurred_at"`
}
