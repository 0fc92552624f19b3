package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/propledger/backend/internal/apperrors"
	"github.com/propledger/backend/internal/database"
	"github.com/propledger/backend/internal/models"
	"github.com/propledger/backend/internal/temporal"
	"github.com/propledger/backend/internal/tenancy"
)

// LedgerRepository is the tenant-scoped storage of entries, aggregates and
// the reference data the writer reads. Every method runs through scope and
// binds the scope's tenant explicitly.
type LedgerRepository interface {
	LoadTemporalPolicy(ctx context.Context, scope *tenancy.Scope) (models.TemporalPolicy, error)
	// LockAggregate returns the subject's aggregate locked for the rest of
	// the transaction, creating it at zero if absent.
	LockAggregate(ctx context.Context, scope *tenancy.Scope, subjectID string) (models.Aggregate, error)
	FindEntryByKey(ctx context.Context, scope *tenancy.Scope, idempotencyKey string) (*models.LedgerEntry, error)
	// InsertEntry reports false when a concurrent writer already holds the
	// entry's idempotency key.
	InsertEntry(ctx context.Context, scope *tenancy.Scope, entry models.LedgerEntry) (bool, error)
	UpdateAggregate(ctx context.Context, scope *tenancy.Scope, agg models.Aggregate, newValue int64) error
	GetAggregate(ctx context.Context, scope *tenancy.Scope, subjectID string) (*models.Aggregate, error)
	ListEntries(ctx context.Context, scope *tenancy.Scope, filter models.HistoryFilter) ([]models.LedgerEntry, error)
}

var ErrPolicyMissing = apperrors.Fatal(apperrors.CodePolicyMisconfigured, "tenant has no temporal policy", nil)

type PostgresLedgerRepository struct {
	now func() time.Time
}

func NewPostgresLedgerRepository() *PostgresLedgerRepository {
	return &PostgresLedgerRepository{now: time.Now}
}

func scoped(scope *tenancy.Scope) (tenancy.DBTX, string, error) {
	tx, err := scope.Tx()
	if err != nil {
		return nil, "", err
	}
	tenantID, err := scope.TenantID()
	if err != nil {
		return nil, "", err
	}
	return tx, tenantID, nil
}

func (r *PostgresLedgerRepository) LoadTemporalPolicy(ctx context.Context, scope *tenancy.Scope) (models.TemporalPolicy, error) {
	tx, tenantID, err := scoped(scope)
	if err != nil {
		return models.TemporalPolicy{}, err
	}

	var (
		policy        models.TemporalPolicy
		offsetSeconds int64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT tenant_id, day_start_offset_seconds, timezone
		FROM tenant_temporal_policies
		WHERE tenant_id = $1`, tenantID).Scan(&policy.TenantID, &offsetSeconds, &policy.Timezone)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TemporalPolicy{}, ErrPolicyMissing.WithDetail("tenant_id", tenantID)
	}
	if err != nil {
		return models.TemporalPolicy{}, database.Classify(err)
	}
	policy.DayStartOffset = time.Duration(offsetSeconds) * time.Second
	if err := temporal.Validate(policy); err != nil {
		return models.TemporalPolicy{}, err
	}
	return policy, nil
}

func (r *PostgresLedgerRepository) LockAggregate(ctx context.Context, scope *tenancy.Scope, subjectID string) (models.Aggregate, error) {
	tx, tenantID, err := scoped(scope)
	if err != nil {
		return models.Aggregate{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO subject_aggregates (tenant_id, subject_id, current_value, version, updated_at)
		VALUES ($1, $2, 0, 0, $3)
		ON CONFLICT (tenant_id, subject_id) DO NOTHING`,
		tenantID, subjectID, r.now()); err != nil {
		return models.Aggregate{}, database.Classify(err)
	}

	var agg models.Aggregate
	err = tx.QueryRowContext(ctx, `
		SELECT tenant_id, subject_id, current_value, version, updated_at
		FROM subject_aggregates
		WHERE tenant_id = $1 AND subject_id = $2
		FOR UPDATE`, tenantID, subjectID).Scan(&agg.TenantID, &agg.SubjectID, &agg.CurrentValue, &agg.Version, &agg.UpdatedAt)
	if err != nil {
		return models.Aggregate{}, database.Classify(err)
	}
	return agg, nil
}

const entryColumns = `id, tenant_id, subject_id, delta, reason_code, idempotency_key, correlation_id,
	gaming_day, event_time, created_at, created_by_actor_id, aggregate_after`

func scanEntry(scan func(dest ...any) error) (models.LedgerEntry, error) {
	var (
		e         models.LedgerEntry
		key       sql.NullString
		gamingDay time.Time
	)
	if err := scan(&e.ID, &e.TenantID, &e.SubjectID, &e.Delta, &e.ReasonCode, &key, &e.CorrelationID,
		&gamingDay, &e.EventTime, &e.CreatedAt, &e.CreatedByActorID, &e.AggregateAfter); err != nil {
		return models.LedgerEntry{}, err
	}
	if key.Valid {
		k := key.String
		e.IdempotencyKey = &k
	}
	e.GamingDay = gamingDay.Format("2006-01-02")
	return e, nil
}

func (r *PostgresLedgerRepository) FindEntryByKey(ctx context.Context, scope *tenancy.Scope, idempotencyKey string) (*models.LedgerEntry, error) {
	tx, tenantID, err := scoped(scope)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE tenant_id = $1 AND idempotency_key = $2`, tenantID, idempotencyKey)
	entry, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, database.Classify(err)
	}
	return &entry, nil
}

func (r *PostgresLedgerRepository) InsertEntry(ctx context.Context, scope *tenancy.Scope, entry models.LedgerEntry) (bool, error) {
	tx, tenantID, err := scoped(scope)
	if err != nil {
		return false, err
	}
	if entry.TenantID != tenantID {
		return false, tenancy.ErrContextNotSet.WithDetail("entry_tenant_id", entry.TenantID)
	}

	var key sql.NullString
	if entry.IdempotencyKey != nil {
		key = sql.NullString{String: *entry.IdempotencyKey, Valid: true}
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, tenant_id, subject_id, delta, reason_code, idempotency_key, correlation_id,
			gaming_day, event_time, created_at, created_by_actor_id, aggregate_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tenant_id, idempotency_key) DO NOTHING`,
		entry.ID, tenantID, entry.SubjectID, entry.Delta, entry.ReasonCode, key, entry.CorrelationID,
		entry.GamingDay, entry.EventTime, entry.CreatedAt, entry.CreatedByActorID, entry.AggregateAfter)
	if err != nil {
		return false, database.Classify(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, database.Classify(err)
	}
	return rowsAffected == 1, nil
}

func (r *PostgresLedgerRepository) UpdateAggregate(ctx context.Context, scope *tenancy.Scope, agg models.Aggregate, newValue int64) error {
	tx, tenantID, err := scoped(scope)
	if err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE subject_aggregates
		SET current_value = $1, version = version + 1, updated_at = $2
		WHERE tenant_id = $3 AND subject_id = $4 AND version = $5`,
		newValue, r.now(), tenantID, agg.SubjectID, agg.Version)
	if err != nil {
		return database.Classify(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return database.Classify(err)
	}
	if rowsAffected == 0 {
		return apperrors.Transient(apperrors.CodeUnavailable,
			fmt.Sprintf("optimistic lock failed for subject %s", agg.SubjectID), nil)
	}
	return nil
}

func (r *PostgresLedgerRepository) GetAggregate(ctx context.Context, scope *tenancy.Scope, subjectID string) (*models.Aggregate, error) {
	tx, tenantID, err := scoped(scope)
	if err != nil {
		return nil, err
	}

	var agg models.Aggregate
	err = tx.QueryRowContext(ctx, `
		SELECT tenant_id, subject_id, current_value, version, updated_at
		FROM subject_aggregates
		WHERE tenant_id = $1 AND subject_id = $2`, tenantID, subjectID).
		Scan(&agg.TenantID, &agg.SubjectID, &agg.CurrentValue, &agg.Version, &agg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, database.Classify(err)
	}
	return &agg, nil
}

func (r *PostgresLedgerRepository) ListEntries(ctx context.Context, scope *tenancy.Scope, filter models.HistoryFilter) ([]models.LedgerEntry, error) {
	tx, tenantID, err := scoped(scope)
	if err != nil {
		return nil, err
	}

	var (
		where = []string{"tenant_id = $1", "subject_id = $2"}
		args  = []any{tenantID, filter.SubjectID}
	)
	if filter.FromDay != "" {
		args = append(args, filter.FromDay)
		where = append(where, fmt.Sprintf("gaming_day >= $%d", len(args)))
	}
	if filter.ToDay != "" {
		args = append(args, filter.ToDay)
		where = append(where, fmt.Sprintf("gaming_day <= $%d", len(args)))
	}
	if filter.ReasonCode != "" {
		args = append(args, filter.ReasonCode)
		where = append(where, fmt.Sprintf("reason_code = $%d", len(args)))
	}
	args = append(args, filter.Limit)

	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_at DESC, id DESC
		LIMIT $` + fmt.Sprint(len(args))

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, database.Classify(err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, database.Classify(err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, database.Classify(err)
	}
	return entries, nil
}
