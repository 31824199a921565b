package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/medvend/go-pfe/internal/domain/fulfillment"
)

// outboxLockID is the advisory lock shared by all relay instances; only
// the holder drains the table.
const outboxLockID = int64(74201)

// DeadLetterTopic receives entries that exhausted their retries.
const DeadLetterTopic = "dead.letter"

// OutboxConfig tunes the relay loop.
type OutboxConfig struct {
	// BatchSize bounds entries drained per poll.
	BatchSize int
	// PollInterval is the drain cadence.
	PollInterval time.Duration
	// MaxRetries before an entry is diverted to the dead letter topic.
	MaxRetries int
}

// DefaultOutboxConfig returns the relay defaults.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:    100,
		PollInterval: 100 * time.Millisecond,
		MaxRetries:   5,
	}
}

// OutboxPublisher is the broker side of the relay.
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Outbox drains events the engine recorded transactionally and publishes
// them to the broker. Entries are claimed with FOR UPDATE SKIP LOCKED and
// an advisory lock keeps concurrent relays from double-publishing.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a relay over the shared pool.
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// writeOutbox appends a domain event in the caller's transaction. Called
// from the store's Tx so the event commits or rolls back with the state
// change it describes.
func writeOutbox(ctx context.Context, tx pgx.Tx, e *fulfillment.OutboxEvent) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, topic, partition_key)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.AggregateID, e.AggregateType, e.EventType, e.Payload, e.Topic, e.Key)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// outboxRow is the persisted shape of a pending event.
type outboxRow struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	Topic         string
	Key           string
	CreatedAt     time.Time
	RetryCount    int
	LastError     *string
}

// Start begins the drain loop.
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop halts the loop and waits for the in-flight batch.
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.processBatch()
		}
	}
}

func (o *Outbox) processBatch() {
	ctx, span := o.tracer.Start(o.ctx, "outbox_process_batch")
	defer span.End()

	var acquired bool
	err := o.pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", outboxLockID).Scan(&acquired)
	if err != nil || !acquired {
		return // another relay holds the lock
	}
	defer o.pool.Exec(ctx, "SELECT pg_advisory_unlock($1)", outboxLockID)

	rows, err := o.fetchPending(ctx)
	if err != nil {
		o.logger.Error("failed to fetch outbox entries", zap.Error(err))
		span.RecordError(err)
		return
	}
	if len(rows) == 0 {
		return
	}

	span.SetAttributes(attribute.Int("batch_size", len(rows)))

	for _, row := range rows {
		if err := o.publishEntry(ctx, row); err != nil {
			o.logger.Error("failed to publish outbox entry",
				zap.Int64("id", row.ID),
				zap.String("event_type", row.EventType),
				zap.Error(err))
		}
	}
}

func (o *Outbox) fetchPending(ctx context.Context) ([]*outboxRow, error) {
	rows, err := o.pool.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       topic, partition_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var out []*outboxRow
	for rows.Next() {
		row := &outboxRow{}
		if err := rows.Scan(&row.ID, &row.AggregateID, &row.AggregateType,
			&row.EventType, &row.Payload, &row.Topic, &row.Key,
			&row.CreatedAt, &row.RetryCount, &row.LastError); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (o *Outbox) publishEntry(ctx context.Context, row *outboxRow) error {
	ctx, span := o.tracer.Start(ctx, "outbox_publish_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", row.ID),
			attribute.String("event_type", row.EventType),
			attribute.String("aggregate_id", row.AggregateID),
		))
	defer span.End()

	if err := o.publisher.Publish(ctx, row.Topic, row.Key, row.Payload); err != nil {
		errStr := err.Error()
		if _, updateErr := o.pool.Exec(ctx, `
			UPDATE outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2
		`, errStr, row.ID); updateErr != nil {
			o.logger.Error("failed to record publish failure", zap.Error(updateErr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish: %w", err)
	}

	if _, err := o.pool.Exec(ctx, `
		UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1
	`, row.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark processed: %w", err)
	}

	o.logger.Debug("outbox entry published",
		zap.Int64("id", row.ID),
		zap.String("topic", row.Topic))
	return nil
}

// CleanupProcessed removes published entries older than the retention
// window. The relay calls this on a slow ticker.
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := o.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < NOW() - $1::interval
	`, olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MoveToDeadLetter diverts entries that exceeded MaxRetries to the dead
// letter topic, wrapped with the failure context, and marks them done.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	rows, err := o.pool.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       topic, partition_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count >= $1
		FOR UPDATE SKIP LOCKED
	`, o.config.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("query exhausted: %w", err)
	}
	defer rows.Close()

	var exhausted []*outboxRow
	for rows.Next() {
		row := &outboxRow{}
		if err := rows.Scan(&row.ID, &row.AggregateID, &row.AggregateType,
			&row.EventType, &row.Payload, &row.Topic, &row.Key,
			&row.CreatedAt, &row.RetryCount, &row.LastError); err != nil {
			continue
		}
		exhausted = append(exhausted, row)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var count int64
	for _, row := range exhausted {
		dlPayload, _ := json.Marshal(map[string]any{
			"original_topic": row.Topic,
			"event_type":     row.EventType,
			"aggregate_id":   row.AggregateID,
			"payload":        row.Payload,
			"retry_count":    row.RetryCount,
			"last_error":     row.LastError,
			"created_at":     row.CreatedAt,
		})

		if err := o.publisher.Publish(ctx, DeadLetterTopic, row.Key, dlPayload); err != nil {
			o.logger.Error("failed to publish to dead letter", zap.Error(err))
			continue
		}
		if _, err := o.pool.Exec(ctx, "UPDATE outbox SET processed_at = NOW() WHERE id = $1", row.ID); err != nil {
			o.logger.Error("failed to mark dead-lettered entry", zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// OutboxStats is a point-in-time view of the relay backlog.
type OutboxStats struct {
	Pending       int64
	Processed     int64
	Failed        int64
	OldestPending *time.Time
}

// GetStats reports backlog, recent throughput, and exhausted entries.
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}

	err := o.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL AND retry_count < $1",
		o.config.MaxRetries).Scan(&stats.Pending)
	if err != nil {
		return nil, err
	}

	err = o.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM outbox WHERE processed_at IS NOT NULL AND processed_at > NOW() - INTERVAL '24 hours'").
		Scan(&stats.Processed)
	if err != nil {
		return nil, err
	}

	err = o.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM outbox WHERE processed_at IS NULL AND retry_count >= $1",
		o.config.MaxRetries).Scan(&stats.Failed)
	if err != nil {
		return nil, err
	}

	o.pool.QueryRow(ctx, "SELECT MIN(created_at) FROM outbox WHERE processed_at IS NULL").Scan(&stats.OldestPending)

	return stats, nil
}
