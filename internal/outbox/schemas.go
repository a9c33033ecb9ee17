package outbox

import "example.com/webtime/internal/events"

// SchemaCatalogEntry maps event type to schema definition.
type SchemaCatalogEntry struct {
	Schema string
}

var schemaCatalog = map[string]SchemaCatalogEntry{
	events.TypeRecordCreated:    {Schema: recordCreatedSchema},
	events.TypeRecordMerged:     {Schema: recordMergedSchema},
	events.TypeRecordOverridden: {Schema: recordOverriddenSchema},
}

const recordCreatedSchema = `{
  "type": "object",
  "title": "RecordCreated",
  "properties": {
    "record_id": {"type": "string"},
    "url": {"type": "string"},
    "domain": {"type": "string"},
    "title": {"type": "string"},
    "started_at": {"type": "string", "format": "date-time"},
    "duration_seconds": {"type": "number", "minimum": 0},
    "productivity": {"type": "string", "enum": ["productive", "unproductive", "neutral"]},
    "category": {"type": "string"}
  },
  "required": ["record_id", "url", "domain", "started_at", "duration_seconds", "productivity", "category"],
  "additionalProperties": false
}`

const recordMergedSchema = `{
  "type": "object",
  "title": "RecordMerged",
  "properties": {
    "record_id": {"type": "string"},
    "domain": {"type": "string"},
    "url": {"type": "string"},
    "added_duration_seconds": {"type": "number", "minimum": 0},
    "total_duration_seconds": {"type": "number", "minimum": 0},
    "productivity": {"type": "string", "enum": ["productive", "unproductive", "neutral"]},
    "category": {"type": "string"},
    "version": {"type": "integer"},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["record_id", "domain", "url", "added_duration_seconds", "total_duration_seconds", "productivity", "version", "occurred_at"],
  "additionalProperties": false
}`

const recordOverriddenSchema = `{
  "type": "object",
  "title": "RecordOverridden",
  "properties": {
    "record_id": {"type": "string"},
    "domain": {"type": "string"},
    "productivity": {"type": "string", "enum": ["productive", "unproductive", "neutral"]},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["record_id", "domain", "productivity", "occurred_at"],
  "additionalProperties": false
}`
