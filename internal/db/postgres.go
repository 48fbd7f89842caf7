package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/outpostlabs/edgesync/internal/models"
)

// PostgresOutbox persists the change log in the workstation's local
// Postgres. Capture hooks append from request-handling goroutines while the
// orchestrator reads and updates by status; row-level locking on the send
// query keeps the two sides out of each other's way.
type PostgresOutbox struct {
	pool *pgxpool.Pool
}

func NewPostgresOutbox(ctx context.Context, connString string) (*PostgresOutbox, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}

	p, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}

	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres not responding: %w", err)
	}

	return &PostgresOutbox{pool: p}, nil
}

// Pool exposes the underlying connection pool so entity stores can share it.
func (r *PostgresOutbox) Pool() *pgxpool.Pool {
	return r.pool
}

func (r *PostgresOutbox) Append(ctx context.Context, e *models.ChangeLogEntry) error {
	query := `
		INSERT INTO sync_change_log
			(event_uuid, entity_type, object_id, action, data_payload, status, retry_count, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	err := r.pool.QueryRow(ctx, query,
		e.EventID.String(),
		e.EntityType,
		e.ObjectID,
		string(e.Action),
		[]byte(e.Payload),
		string(e.Status),
		e.RetryCount,
		e.Timestamp,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("appending change log entry: %w", err)
	}
	return nil
}

// PendingForSend selects the entries eligible for the next push batch:
// Pending or Failed, under the retry ceiling, oldest first. SKIP LOCKED
// keeps a concurrent manual trigger from double-selecting rows.
func (r *PostgresOutbox) PendingForSend(ctx context.Context, maxRetries int) ([]models.ChangeLogEntry, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	query := `
		SELECT id, event_uuid, entity_type, object_id, action, data_payload,
		       status, retry_count, error_message, timestamp, sent_at
		FROM sync_change_log
		WHERE status IN ('P', 'F') AND retry_count < $1
		ORDER BY timestamp ASC, id ASC
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.Query(ctx, query, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("selecting send candidates: %w", err)
	}
	defer rows.Close()

	var entries []models.ChangeLogEntry
	for rows.Next() {
		var e models.ChangeLogEntry
		var action, status string
		err := rows.Scan(
			&e.ID,
			&e.EventID,
			&e.EntityType,
			&e.ObjectID,
			&action,
			&e.Payload,
			&status,
			&e.RetryCount,
			&e.ErrorMessage,
			&e.Timestamp,
			&e.SentAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning change log row: %w", err)
		}
		e.Action = models.Action(action)
		e.Status = models.Status(status)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading change log rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing send selection: %w", err)
	}

	return entries, nil
}

// MarkSent records a successful push batch: status Sent, retry counter
// reset, push time stamped.
func (r *PostgresOutbox) MarkSent(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		UPDATE sync_change_log
		SET status = 'S', retry_count = 0, error_message = NULL, sent_at = $2
		WHERE id = ANY($1)
	`
	_, err := r.pool.Exec(ctx, query, ids, at)
	return err
}

// MarkFailed records a failed push batch: status Failed, retry counter
// incremented, last error kept for the operator.
func (r *PostgresOutbox) MarkFailed(ctx context.Context, ids []int64, errMsg string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		UPDATE sync_change_log
		SET status = 'F', retry_count = retry_count + 1, error_message = $2, sent_at = CURRENT_TIMESTAMP
		WHERE id = ANY($1)
	`
	_, err := r.pool.Exec(ctx, query, ids, errMsg)
	return err
}

// MarkAcknowledged finalizes entries the server confirms as processed.
// Only Sent entries move; an Acknowledged entry is never mutated again.
func (r *PostgresOutbox) MarkAcknowledged(ctx context.Context, eventIDs []string) (int64, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	query := `
		UPDATE sync_change_log
		SET status = 'A'
		WHERE event_uuid = ANY($1) AND status = 'S'
	`
	tag, err := r.pool.Exec(ctx, query, eventIDs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Backlog counts entries still waiting on a successful push.
func (r *PostgresOutbox) Backlog(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync_change_log WHERE status IN ('P', 'F')`,
	).Scan(&n)
	return n, err
}

// Exhausted counts Failed entries past the retry ceiling. These are never
// selected again; an operator has to reset or discard them.
func (r *PostgresOutbox) Exhausted(ctx context.Context, maxRetries int) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync_change_log WHERE status = 'F' AND retry_count >= $1`,
		maxRetries,
	).Scan(&n)
	return n, err
}

func (r *PostgresOutbox) Close() {
	r.pool.Close()
}
