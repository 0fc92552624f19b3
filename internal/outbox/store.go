package outbox

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/propledger/backend/internal/apperrors"
	"github.com/propledger/backend/internal/database"
	"github.com/propledger/backend/internal/models"
	"github.com/propledger/backend/internal/tenancy"
)

// Store is the worker's view of the outbox table.
type Store interface {
	// Claim leases up to limit due records to workerID. At most one record
	// per (tenant, subject) is returned: the oldest one not yet delivered.
	Claim(ctx context.Context, workerID string, now time.Time, lease time.Duration, limit int) ([]models.OutboxRecord, error)
	// Apply persists next if the stored record still has prev's status and
	// owner. It reports false when the lease was lost.
	Apply(ctx context.Context, prev, next models.OutboxRecord) (bool, error)
}

// DeadLetterStore serves the tenant-scoped dead letter admin operations.
type DeadLetterStore interface {
	ListDeadLetters(ctx context.Context, scope *tenancy.Scope, limit int) ([]models.OutboxRecord, error)
	RequeueDeadLetter(ctx context.Context, scope *tenancy.Scope, recordID string, now time.Time) (models.OutboxRecord, error)
}

var ErrRecordNotFound = apperrors.Validation(apperrors.CodeNotFound, "outbox record not found")

const recordColumns = `id, tenant_id, subject_id, ledger_entry_id, event_type, payload, status,
	attempt_count, next_attempt_at, claimed_until, claimed_by, last_error, created_at, processed_at`

const claimSQL = `
	WITH heads AS (
		SELECT DISTINCT ON (tenant_id, subject_id) id
		FROM outbox_records
		WHERE status IN ('pending', 'claimed')
		ORDER BY tenant_id, subject_id, created_at, id
	), due AS (
		SELECT o.id
		FROM outbox_records o
		JOIN heads h ON h.id = o.id
		WHERE (o.status = 'pending' AND o.next_attempt_at <= $1)
		   OR (o.status = 'claimed' AND o.claimed_until < $1)
		ORDER BY o.created_at, o.id
		LIMIT $2
		FOR UPDATE OF o SKIP LOCKED
	)
	UPDATE outbox_records r
	SET status = 'claimed', claimed_by = $3, claimed_until = $4
	FROM due
	WHERE r.id = due.id
	RETURNING r.id, r.tenant_id, r.subject_id, r.ledger_entry_id, r.event_type, r.payload, r.status,
		r.attempt_count, r.next_attempt_at, r.claimed_until, r.claimed_by, r.last_error, r.created_at, r.processed_at`

const applySQL = `
	UPDATE outbox_records
	SET status = $1, attempt_count = $2, next_attempt_at = $3, claimed_until = $4,
		claimed_by = $5, last_error = $6, processed_at = $7
	WHERE id = $8 AND status = $9 AND claimed_by = $10`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// withWorkerTx runs fn in a transaction marked as the outbox worker, which
// row level security admits across tenants on outbox_records only.
func (s *PostgresStore) withWorkerTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return database.Classify(err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT set_config('app.outbox_worker', 'on', true)`); err != nil {
		return database.Classify(err)
	}
	if err = fn(tx); err != nil {
		return database.Classify(err)
	}
	if err = tx.Commit(); err != nil {
		return database.Classify(err)
	}
	return nil
}

func (s *PostgresStore) Claim(ctx context.Context, workerID string, now time.Time, lease time.Duration, limit int) ([]models.OutboxRecord, error) {
	var out []models.OutboxRecord
	err := s.withWorkerTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, claimSQL, now, limit, workerID, now.Add(lease))
		if err != nil {
			return err
		}
		out, err = scanRecords(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *PostgresStore) Apply(ctx context.Context, prev, next models.OutboxRecord) (bool, error) {
	var applied bool
	err := s.withWorkerTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, applySQL,
			string(next.Status), next.AttemptCount, next.NextAttemptAt, nullTime(next.ClaimedUntil),
			next.ClaimedBy, next.LastError, nullTime(next.ProcessedAt),
			prev.ID, string(prev.Status), prev.ClaimedBy)
		if err != nil {
			return err
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		applied = rowsAffected == 1
		return nil
	})
	return applied, err
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, scope *tenancy.Scope, limit int) ([]models.OutboxRecord, error) {
	tx, err := scope.Tx()
	if err != nil {
		return nil, err
	}
	tenantID, err := scope.TenantID()
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM outbox_records
		WHERE tenant_id = $1 AND status = 'dead_letter'
		ORDER BY created_at, id
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, database.Classify(err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return nil, database.Classify(err)
	}
	return records, nil
}

func (s *PostgresStore) RequeueDeadLetter(ctx context.Context, scope *tenancy.Scope, recordID string, now time.Time) (models.OutboxRecord, error) {
	tx, err := scope.Tx()
	if err != nil {
		return models.OutboxRecord{}, err
	}
	tenantID, err := scope.TenantID()
	if err != nil {
		return models.OutboxRecord{}, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM outbox_records
		WHERE tenant_id = $1 AND id = $2
		FOR UPDATE`, tenantID, recordID)
	if err != nil {
		return models.OutboxRecord{}, database.Classify(err)
	}
	records, err := scanRecords(rows)
	if err != nil {
		return models.OutboxRecord{}, database.Classify(err)
	}
	if len(records) == 0 {
		return models.OutboxRecord{}, ErrRecordNotFound.WithDetail("record_id", recordID)
	}

	prev := records[0]
	next, err := Requeue(prev, now)
	if err != nil {
		return models.OutboxRecord{}, err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE outbox_records
		SET status = $1, attempt_count = $2, next_attempt_at = $3, claimed_until = NULL, claimed_by = ''
		WHERE tenant_id = $4 AND id = $5 AND status = 'dead_letter'`,
		string(next.Status), next.AttemptCount, next.NextAttemptAt, tenantID, recordID)
	if err != nil {
		return models.OutboxRecord{}, database.Classify(err)
	}
	if n, err := result.RowsAffected(); err != nil || n != 1 {
		return models.OutboxRecord{}, invalid(prev, models.OutboxPending)
	}
	return next, nil
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

func scanRecords(rows rowScanner) ([]models.OutboxRecord, error) {
	defer rows.Close()

	var out []models.OutboxRecord
	for rows.Next() {
		var (
			rec          models.OutboxRecord
			status       string
			payload      []byte
			claimedUntil sql.NullTime
			processedAt  sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.SubjectID, &rec.LedgerEntryID, &rec.EventType,
			&payload, &status, &rec.AttemptCount, &rec.NextAttemptAt, &claimedUntil, &rec.ClaimedBy,
			&rec.LastError, &rec.CreatedAt, &processedAt); err != nil {
			return nil, err
		}
		rec.Status = models.OutboxStatus(status)
		rec.Payload = payload
		if claimedUntil.Valid {
			t := claimedUntil.Time
			rec.ClaimedUntil = &t
		}
		if processedAt.Valid {
			t := processedAt.Time
			rec.ProcessedAt = &t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// IsNotFound reports whether err is ErrRecordNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound)
}
