package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DefaultDLQBatchSize bounds how many DLQ rows a single pass inspects.
const DefaultDLQBatchSize = 50

// DLQManager handles retrying failed outbox messages and quarantining exhausted entries.
type DLQManager struct {
	pool       *pgxpool.Pool
	logger     zerolog.Logger
	maxRetries int
	baseDelay  time.Duration
}

// NewDLQManager constructs a DLQManager with the provided pool and retry configuration.
func NewDLQManager(pool *pgxpool.Pool, logger zerolog.Logger, maxRetries int, baseDelay time.Duration) *DLQManager {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	return &DLQManager{
		pool:       pool,
		logger:     logger.With().Str("component", "dlq_manager").Logger(),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
	}
}

// Run polls the DLQ every interval until ctx is cancelled.
func (m *DLQManager) Run(ctx context.Context, interval time.Duration, batchSize int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			processed, err := m.RunOnce(ctx, batchSize)
			if err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error().Err(err).Msg("dlq pass failed")
			} else if processed > 0 {
				m.logger.Info().Int("processed", processed).Msg("dlq pass complete")
			}
		}
	}
}

// RunOnce processes a batch of DLQ entries and returns the count of handled entries.
func (m *DLQManager) RunOnce(ctx context.Context, batchSize int) (int, error) {
	const query = `SELECT dlq_id, event_id, event_type, topic, payload, reason, aggregate_type, aggregate_id, schema_subject, partition_key, retry_count
                    FROM outbox_dlq
                   WHERE quarantined_at IS NULL AND (next_retry_at IS NULL OR next_retry_at <= NOW())
                   ORDER BY created_at
                   LIMIT $1`

	rows, err := m.pool.Query(ctx, query, batchSize)
	if err != nil {
		return 0, err
	}

	var entries []dlqEntry
	for rows.Next() {
		entry, scanErr := scanDLQEntry(rows)
		if scanErr != nil {
			err = errors.Join(err, scanErr)
			continue
		}
		entries = append(entries, entry)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		err = errors.Join(err, rowsErr)
	}
	rows.Close()

	processed := 0
	for _, entry := range entries {
		if procErr := m.handleEntry(ctx, entry); procErr != nil {
			err = errors.Join(err, procErr)
			continue
		}
		processed++
	}

	if gaugeErr := updateBacklogGauge(ctx, m.pool); gaugeErr != nil {
		m.logger.Warn().Err(gaugeErr).Msg("dlq backlog count failed")
	}
	return processed, err
}

// action decides what a pass does with entry.
func (m *DLQManager) action(entry dlqEntry) string {
	if entry.RetryCount >= m.maxRetries {
		return dlqActionQuarantined
	}
	return dlqActionRequeued
}

// handleEntry quarantines an exhausted entry or moves it back into the outbox. A failed
// requeue pushes next_retry_at out by the backoff delay instead.
func (m *DLQManager) handleEntry(ctx context.Context, entry dlqEntry) error {
	action := m.action(entry)
	err := pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		if action == dlqActionQuarantined {
			_, err := tx.Exec(ctx,
				`UPDATE outbox_dlq SET quarantined_at = NOW(), quarantine_reason = $1 WHERE dlq_id = $2`,
				fmt.Sprintf("retry limit reached after %d attempts: %s", entry.RetryCount, entry.Reason), entry.ID)
			return err
		}

		if requeueErr := requeueOutbox(ctx, tx, entry); requeueErr != nil {
			action = dlqActionRetry
			_, err := tx.Exec(ctx,
				`UPDATE outbox_dlq
                   SET retry_count = retry_count + 1,
                       last_attempt_at = NOW(),
                       next_retry_at = NOW() + $1::interval,
                       reason = $2
                 WHERE dlq_id = $3`,
				m.backoffDelay(entry.RetryCount+1), requeueErr.Error(), entry.ID)
			return err
		}

		_, err := tx.Exec(ctx, `DELETE FROM outbox_dlq WHERE dlq_id = $1`, entry.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("dlq entry %d: %w", entry.ID, err)
	}

	recordDLQAction(action, entry)
	m.logger.Info().
		Int64("dlq_id", entry.ID).
		Str("event_type", entry.EventType).
		Str("aggregate_id", entry.AggregateID).
		Str("action", action).
		Msg("dlq entry handled")
	return nil
}

// backoffDelay calculates exponential backoff capped at one hour.
func (m *DLQManager) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(1<<uint(attempt-1)) * m.baseDelay
	if delay > time.Hour || delay <= 0 {
		delay = time.Hour
	}
	return delay
}

// requeueOutbox reinserts the payload into the primary outbox table for replay.
// The dedupe key is left empty so a replay never collides with the original row.
func requeueOutbox(ctx context.Context, tx pgx.Tx, entry dlqEntry) error {
	if entry.SchemaSubject == "" {
		return fmt.Errorf("missing schema_subject for dlq entry %d", entry.ID)
	}

	const stmt = `INSERT INTO outbox (aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload)
                   VALUES ($1,$2,$3,$4,$5,$6,$7)`

	_, err := tx.Exec(ctx, stmt,
		entry.AggregateType,
		entry.AggregateID,
		entry.EventType,
		entry.Topic,
		entry.SchemaSubject,
		entry.PartitionKey,
		entry.Payload,
	)
	return err
}

// dlqEntry represents an outbox_dlq row selected for processing.
type dlqEntry struct {
	ID            int64
	EventID       int64
	EventType     string
	Topic         string
	Payload       []byte
	Reason        string
	AggregateType string
	AggregateID   string
	SchemaSubject string
	PartitionKey  string
	RetryCount    int
}

func scanDLQEntry(rows pgx.Rows) (dlqEntry, error) {
	var entry dlqEntry
	if err := rows.Scan(&entry.ID, &entry.EventID, &entry.EventType, &entry.Topic, &entry.Payload, &entry.Reason, &entry.AggregateType, &entry.AggregateID, &entry.SchemaSubject, &entry.PartitionKey, &entry.RetryCount); err != nil {
		return dlqEntry{}, err
	}
	return entry, nil
}
