// Package postgres implements the record store on PostgreSQL with a transactional outbox.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/webtime/internal/domain"
	"example.com/webtime/internal/events"
	"example.com/webtime/internal/observability"
)

const recordColumns = `record_id, url, domain, title, started_at, duration_seconds, productivity, category, version, created_at, updated_at`

// Repository provides Postgres-backed persistence for activity records and outbox events.
type Repository struct {
	pool    *pgxpool.Pool
	catalog map[string]EventMetadata
}

// NewRepository constructs a Repository whose events are routed to topic.
// An empty topic selects DefaultRecordEventsTopic.
func NewRepository(pool *pgxpool.Pool, topic string) *Repository {
	if topic == "" {
		topic = DefaultRecordEventsTopic
	}
	return &Repository{pool: pool, catalog: newEventCatalog(topic)}
}

// FindLatestByDomain returns the record with the greatest started_at for the domain.
func (r *Repository) FindLatestByDomain(ctx context.Context, domainName string) (*domain.ActivityRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM activity_records
        WHERE domain = $1
        ORDER BY started_at DESC, record_id DESC
        LIMIT 1`
	return r.queryOne(ctx, query, domainName)
}

// FindDefiniteByURL returns the most recent productive or unproductive record for the exact URL.
func (r *Repository) FindDefiniteByURL(ctx context.Context, url string) (*domain.ActivityRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM activity_records
        WHERE url = $1 AND productivity IN ('productive', 'unproductive')
        ORDER BY started_at DESC, record_id DESC
        LIMIT 1`
	return r.queryOne(ctx, query, url)
}

// Get retrieves a record by ID.
func (r *Repository) Get(ctx context.Context, id string) (*domain.ActivityRecord, error) {
	if uuid.Validate(id) != nil {
		return nil, nil
	}
	query := `SELECT ` + recordColumns + ` FROM activity_records WHERE record_id = $1`
	return r.queryOne(ctx, query, id)
}

func (r *Repository) queryOne(ctx context.Context, query string, args ...interface{}) (*domain.ActivityRecord, error) {
	record, err := scanRecord(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// Insert persists a new record and its record.created event inside a single transaction.
func (r *Repository) Insert(ctx context.Context, record domain.ActivityRecord) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if record.Version == 0 {
		record.Version = 1
	}

	const insertRecord = `INSERT INTO activity_records (` + recordColumns + `)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	_, err = tx.Exec(ctx, insertRecord,
		record.ID,
		record.URL,
		record.Domain,
		record.Title,
		record.Timestamp,
		record.Duration,
		string(record.Productivity),
		record.Category,
		record.Version,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return err
	}

	if err = r.insertOutbox(ctx, tx, record, events.TypeRecordCreated, events.RecordCreated{
		RecordID:     record.ID,
		URL:          record.URL,
		Domain:       record.Domain,
		Title:        record.Title,
		StartedAt:    record.Timestamp,
		Duration:     record.Duration,
		Productivity: string(record.Productivity),
		Category:     record.Category,
	}); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}
	observability.RecordPersisted(record.UpdatedAt)
	return nil
}

// Update merges a visit into the record if its version is still expectedVersion.
func (r *Repository) Update(ctx context.Context, id string, patch domain.RecordPatch, expectedVersion int) (_ *domain.ActivityRecord, err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const stmt = `UPDATE activity_records
           SET url = $3,
               title = $4,
               duration_seconds = duration_seconds + $5,
               productivity = $6,
               category = $7,
               version = version + 1,
               updated_at = NOW()
         WHERE record_id = $1 AND version = $2
     RETURNING ` + recordColumns

	record, err := scanRecord(tx.QueryRow(ctx, stmt, id, expectedVersion, patch.URL, patch.Title, patch.AddDuration, string(patch.Productivity), patch.Category))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = missingOrConflict(ctx, tx, id)
		}
		return nil, err
	}

	if err = r.insertOutbox(ctx, tx, record, events.TypeRecordMerged, events.RecordMerged{
		RecordID:      record.ID,
		Domain:        record.Domain,
		URL:           record.URL,
		AddedDuration: patch.AddDuration,
		TotalDuration: record.Duration,
		Productivity:  string(record.Productivity),
		Category:      record.Category,
		Version:       record.Version,
		OccurredAt:    record.UpdatedAt,
	}); err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	observability.RecordPersisted(record.UpdatedAt)
	return &record, nil
}

// SetProductivity overwrites the label of a record.
func (r *Repository) SetProductivity(ctx context.Context, id string, productivity domain.Productivity) (_ *domain.ActivityRecord, err error) {
	if uuid.Validate(id) != nil {
		return nil, domain.ErrRecordNotFound
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const stmt = `UPDATE activity_records
           SET productivity = $2, version = version + 1, updated_at = NOW()
         WHERE record_id = $1
     RETURNING ` + recordColumns

	record, err := scanRecord(tx.QueryRow(ctx, stmt, id, string(productivity)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = domain.ErrRecordNotFound
		}
		return nil, err
	}

	if err = r.insertOutbox(ctx, tx, record, events.TypeRecordOverridden, events.RecordOverridden{
		RecordID:     record.ID,
		Domain:       record.Domain,
		Productivity: string(record.Productivity),
		OccurredAt:   record.UpdatedAt,
	}); err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &record, nil
}

// QueryByTimeRange returns records ordered newest first.
func (r *Repository) QueryByTimeRange(ctx context.Context, q domain.RecordQuery) ([]domain.ActivityRecord, *domain.Cursor, error) {
	var (
		conditions []string
		args       []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.Start != nil {
		conditions = append(conditions, "started_at >= "+arg(*q.Start))
	}
	if q.End != nil {
		conditions = append(conditions, "started_at <= "+arg(*q.End))
	}
	if q.Before != nil {
		conditions = append(conditions, fmt.Sprintf("(started_at, record_id) < (%s, %s)", arg(q.Before.Timestamp), arg(q.Before.ID)))
	}

	query := `SELECT ` + recordColumns + ` FROM activity_records`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY started_at DESC, record_id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ` + arg(q.Limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	results := make([]domain.ActivityRecord, 0, max(q.Limit, 0))
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, nil, err
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.Cursor
	if q.Limit > 0 && len(results) == q.Limit {
		last := results[len(results)-1]
		next = &domain.Cursor{Timestamp: last.Timestamp, ID: last.ID}
	}
	return results, next, nil
}

// AggregateByCalendarDay sums durations per calendar day of started_at in loc.
func (r *Repository) AggregateByCalendarDay(ctx context.Context, loc *time.Location) ([]domain.DayTotal, error) {
	if loc == nil {
		loc = time.UTC
	}
	zone := loc.String()
	if zone == "Local" {
		zone = time.Now().Format("-07:00")
	}

	const query = `SELECT (started_at AT TIME ZONE $1)::date AS day, SUM(duration_seconds), COUNT(*)
        FROM activity_records
        GROUP BY day
        ORDER BY day`

	rows, err := r.pool.Query(ctx, query, zone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DayTotal
	for rows.Next() {
		var (
			day   time.Time
			total domain.DayTotal
		)
		if err := rows.Scan(&day, &total.TotalDuration, &total.Count); err != nil {
			return nil, err
		}
		total.Date = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
		out = append(out, total)
	}
	return out, rows.Err()
}

// AggregateByCategory sums durations per category, largest first.
func (r *Repository) AggregateByCategory(ctx context.Context) ([]domain.CategoryTotal, error) {
	const query = `SELECT category, SUM(duration_seconds) AS total, COUNT(*)
        FROM activity_records
        GROUP BY category
        ORDER BY total DESC, category`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CategoryTotal
	for rows.Next() {
		var total domain.CategoryTotal
		if err := rows.Scan(&total.Category, &total.TotalDuration, &total.Count); err != nil {
			return nil, err
		}
		out = append(out, total)
	}
	return out, rows.Err()
}

func missingOrConflict(ctx context.Context, tx pgx.Tx, id string) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM activity_records WHERE record_id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return domain.ErrVersionConflict
	}
	return domain.ErrRecordNotFound
}

func scanRecord(row pgx.Row) (domain.ActivityRecord, error) {
	var (
		record       domain.ActivityRecord
		productivity string
	)
	err := row.Scan(
		&record.ID,
		&record.URL,
		&record.Domain,
		&record.Title,
		&record.Timestamp,
		&record.Duration,
		&productivity,
		&record.Category,
		&record.Version,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return domain.ActivityRecord{}, err
	}
	record.Productivity = domain.Productivity(productivity)
	record.Timestamp = record.Timestamp.UTC()
	return record, nil
}

func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, record domain.ActivityRecord, eventType string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta, ok := r.catalog[eventType]
	if !ok {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	dedupeKey := fmt.Sprintf("%s:%s:%d", record.ID, eventType, record.Version)

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err = tx.Exec(ctx, stmt,
		"activity_record",
		record.ID,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		record.Domain,
		body,
		dedupeKey,
	)
	return err
}

// DefaultRecordEventsTopic receives every record lifecycle event.
const DefaultRecordEventsTopic = "activity_record_events"

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic         string
	SchemaSubject string
}

func newEventCatalog(topic string) map[string]EventMetadata {
	catalog := make(map[string]EventMetadata, 3)
	for _, eventType := range []string{events.TypeRecordCreated, events.TypeRecordMerged, events.TypeRecordOverridden} {
		catalog[eventType] = EventMetadata{Topic: topic, SchemaSubject: topic + "-" + eventType}
	}
	return catalog
}
