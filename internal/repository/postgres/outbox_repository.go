package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	domainErrors "github.com/cassiomorais/outbox/internal/domain/errors"
	"github.com/cassiomorais/outbox/internal/domain/outbox"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const outboxColumns = `id, seq, aggregatetype, aggregateid, type, payload, "timestamp", status, attempts,
	next_attempt_at, lease_owner, lease_expires_at, last_error, delivered_at`

// blockedByPredecessor matches rows of alias o that have an older record of
// the same aggregate in flight, waiting on backoff at $1, or dead-lettered.
const blockedByPredecessor = `EXISTS (
	SELECT 1 FROM outbox p
	WHERE p.aggregatetype = o.aggregatetype
	  AND p.aggregateid = o.aggregateid
	  AND (p."timestamp", p.seq) < (o."timestamp", o.seq)
	  AND (p.status IN ('DISPATCHING', 'FAILED') OR (p.status = 'PENDING' AND p.next_attempt_at > $1))
)`

// countParkedSQL counts PENDING rows held back by a FAILED predecessor.
const countParkedSQL = `
SELECT count(*) FROM outbox o
WHERE o.status = 'PENDING'
  AND EXISTS (
	SELECT 1 FROM outbox p
	WHERE p.aggregatetype = o.aggregatetype
	  AND p.aggregateid = o.aggregateid
	  AND (p."timestamp", p.seq) < (o."timestamp", o.seq)
	  AND p.status = 'FAILED'
)`

// lockAggregatesSQL picks the oldest claimable aggregates and takes a
// transaction-scoped advisory lock on each one it can. Aggregates locked by
// another claimer are skipped.
const lockAggregatesSQL = `
SELECT h.k FROM (
	SELECT k, ts, seq FROM (
		SELECT DISTINCT ON (o.aggregatetype, o.aggregateid)
		       o.aggregatetype || ':' || o.aggregateid AS k, o."timestamp" AS ts, o.seq
		FROM outbox o
		WHERE o.status = 'PENDING' AND o.next_attempt_at <= $1
		  AND NOT ` + blockedByPredecessor + `
		ORDER BY o.aggregatetype, o.aggregateid, o."timestamp", o.seq
	) heads
	ORDER BY ts, seq
	LIMIT $2
) h
WHERE pg_try_advisory_xact_lock(hashtextextended(h.k, 0))`

// claimSQL runs after the advisory locks are held, so its snapshot already
// includes every claim committed by a previous holder of those locks.
const claimSQL = `
WITH candidates AS (
	SELECT o.id
	FROM outbox o
	WHERE o.status = 'PENDING' AND o.next_attempt_at <= $1
	  AND o.aggregatetype || ':' || o.aggregateid = ANY($2)
	  AND NOT ` + blockedByPredecessor + `
	ORDER BY o."timestamp", o.seq
	LIMIT $3
	FOR UPDATE SKIP LOCKED
)
UPDATE outbox o
SET status = 'DISPATCHING', lease_owner = $4, lease_expires_at = $5
FROM candidates c
WHERE o.id = c.id
RETURNING o.id, o.seq, o.aggregatetype, o.aggregateid, o.type, o.payload, o."timestamp", o.status, o.attempts,
	o.next_attempt_at, o.lease_owner, o.lease_expires_at, o.last_error, o.delivered_at`

// scanner is satisfied by pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// OutboxRepository implements outbox.Store and outbox.Inspector using PostgreSQL.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

// NewOutboxRepository creates a new OutboxRepository.
func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

func (r *OutboxRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func scanRecord(s scanner) (*outbox.Record, error) {
	rec := &outbox.Record{}
	var (
		status  string
		payload []byte
	)
	err := s.Scan(&rec.ID, &rec.Seq, &rec.AggregateType, &rec.AggregateID, &rec.EventType, &payload,
		&rec.CreatedAt, &status, &rec.Attempts, &rec.NextAttemptAt, &rec.LeaseOwner, &rec.LeaseExpiresAt,
		&rec.LastError, &rec.DeliveredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrRecordNotFound
		}
		return nil, fmt.Errorf("scan outbox record: %w", err)
	}
	rec.Payload = payload
	rec.Status = outbox.Status(status)
	return rec, nil
}

func collectRecords(rows pgx.Rows) ([]*outbox.Record, error) {
	defer rows.Close()
	var records []*outbox.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Insert writes a PENDING record using the transaction bound to ctx.
func (r *OutboxRepository) Insert(ctx context.Context, rec *outbox.Record) error {
	tx, ok := TxFromCtx(ctx)
	if !ok {
		return domainErrors.ErrTransactionRequired
	}
	err := tx.QueryRow(ctx,
		`INSERT INTO outbox (id, aggregatetype, aggregateid, type, payload, "timestamp", status, attempts, next_attempt_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING seq`,
		rec.ID, rec.AggregateType, rec.AggregateID, rec.EventType, []byte(rec.Payload),
		rec.CreatedAt, string(rec.Status), rec.Attempts, rec.NextAttemptAt,
	).Scan(&rec.Seq)
	if err != nil {
		return fmt.Errorf("insert outbox record: %w", err)
	}
	return nil
}

// ClaimBatch leases due records to req.Owner. Records of one aggregate are
// never split across concurrent claimers.
func (r *OutboxRepository) ClaimBatch(ctx context.Context, req outbox.ClaimRequest) ([]*outbox.Record, error) {
	if req.Limit <= 0 {
		return nil, nil
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck

	rows, err := tx.Query(ctx, lockAggregatesSQL, req.Now, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("lock outbox aggregates: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("lock outbox aggregates: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	rows, err = tx.Query(ctx, claimSQL, req.Now, keys, req.Limit, req.Owner, req.Now.Add(req.Lease))
	if err != nil {
		return nil, fmt.Errorf("claim outbox records: %w", err)
	}
	records, err := collectRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("claim outbox records: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	slices.SortFunc(records, func(a, b *outbox.Record) int {
		if a.Before(b) {
			return -1
		}
		if b.Before(a) {
			return 1
		}
		return 0
	})
	return records, nil
}

// MarkDelivered acknowledges records still leased by owner.
func (r *OutboxRepository) MarkDelivered(ctx context.Context, owner string, ids []uuid.UUID, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox SET status = 'DELIVERED', delivered_at = $3, lease_owner = NULL, lease_expires_at = NULL
		 WHERE id = ANY($1) AND status = 'DISPATCHING' AND lease_owner = $2`,
		ids, owner, now,
	)
	if err != nil {
		return 0, fmt.Errorf("mark outbox delivered: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkFailedRetry counts a failed attempt and reschedules or dead-letters the record.
func (r *OutboxRepository) MarkFailedRetry(ctx context.Context, owner string, id uuid.UUID, f outbox.Failure) (outbox.Status, error) {
	var status string
	err := r.db(ctx).QueryRow(ctx,
		`UPDATE outbox SET attempts = attempts + 1,
		        status = CASE WHEN attempts + 1 >= $3 THEN 'FAILED' ELSE 'PENDING' END,
		        next_attempt_at = CASE WHEN attempts + 1 >= $3 THEN next_attempt_at ELSE $4 END,
		        last_error = $5, lease_owner = NULL, lease_expires_at = NULL
		 WHERE id = $1 AND status = 'DISPATCHING' AND lease_owner = $2
		 RETURNING status`,
		id, owner, f.MaxAttempts, f.RetryAt, f.Reason,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domainErrors.ErrClaimConflict
		}
		return "", fmt.Errorf("mark outbox failed: %w", err)
	}
	return outbox.Status(status), nil
}

// Release hands records leased by owner back to PENDING.
func (r *OutboxRepository) Release(ctx context.Context, owner string, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox SET status = 'PENDING', lease_owner = NULL, lease_expires_at = NULL
		 WHERE id = ANY($1) AND status = 'DISPATCHING' AND lease_owner = $2`,
		ids, owner,
	)
	if err != nil {
		return 0, fmt.Errorf("release outbox records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReclaimExpiredLeases returns records whose lease ended before now to PENDING.
func (r *OutboxRepository) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox SET status = 'PENDING', lease_owner = NULL, lease_expires_at = NULL
		 WHERE status = 'DISPATCHING' AND lease_expires_at < $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Get retrieves a record by ID.
func (r *OutboxRepository) Get(ctx context.Context, id uuid.UUID) (*outbox.Record, error) {
	return scanRecord(r.db(ctx).QueryRow(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE id = $1`, id))
}

// ListByStatus returns records in status, oldest first.
func (r *OutboxRepository) ListByStatus(ctx context.Context, status outbox.Status, limit int) ([]*outbox.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db(ctx).Query(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE status = $1
		 ORDER BY "timestamp", seq
		 LIMIT $2`, string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list outbox records: %w", err)
	}
	return collectRecords(rows)
}

// CountByStatus returns the number of records per status.
func (r *OutboxRepository) CountByStatus(ctx context.Context) (map[outbox.Status]int64, error) {
	rows, err := r.db(ctx).Query(ctx, `SELECT status, count(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count outbox records: %w", err)
	}
	defer rows.Close()

	counts := map[outbox.Status]int64{
		outbox.StatusPending:     0,
		outbox.StatusDispatching: 0,
		outbox.StatusDelivered:   0,
		outbox.StatusFailed:      0,
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan outbox count: %w", err)
		}
		counts[outbox.Status(status)] = n
	}
	return counts, rows.Err()
}

// CountParked returns the number of PENDING records waiting behind a FAILED
// record of the same aggregate.
func (r *OutboxRepository) CountParked(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db(ctx).QueryRow(ctx, countParkedSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("count parked outbox records: %w", err)
	}
	return n, nil
}

// Requeue moves a FAILED record back to PENDING with a fresh attempt budget.
func (r *OutboxRepository) Requeue(ctx context.Context, id uuid.UUID, now time.Time) error {
	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox SET status = 'PENDING', attempts = 0, next_attempt_at = $2
		 WHERE id = $1 AND status = 'FAILED'`,
		id, now,
	)
	if err != nil {
		return fmt.Errorf("requeue outbox record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return domainErrors.ErrInvalidStateTransition
	}
	return nil
}

// PurgeDelivered deletes DELIVERED records acknowledged before the cutoff.
func (r *OutboxRepository) PurgeDelivered(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db(ctx).Exec(ctx,
		`DELETE FROM outbox WHERE status = 'DELIVERED' AND delivered_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge delivered records: %w", err)
	}
	return tag.RowsAffected(), nil
}
