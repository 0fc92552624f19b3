package tenancy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/propledger/backend/internal/database"
)

// Runner opens a transaction, injects the tenant context, runs fn and ends
// the transaction. fn's error rolls back.
type Runner interface {
	InTx(ctx context.Context, id Identity, fn func(ctx context.Context, scope *Scope) error) error
	InReadTx(ctx context.Context, id Identity, fn func(ctx context.Context, scope *Scope) error) error
}

type PostgresRunner struct {
	db          *sql.DB
	lockTimeout time.Duration
	logger      *zap.Logger
}

func NewPostgresRunner(db *sql.DB, lockTimeout time.Duration, logger *zap.Logger) *PostgresRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresRunner{db: db, lockTimeout: lockTimeout, logger: logger}
}

func (r *PostgresRunner) InTx(ctx context.Context, id Identity, fn func(ctx context.Context, scope *Scope) error) error {
	return r.run(ctx, id, &sql.TxOptions{Isolation: sql.LevelReadCommitted}, fn)
}

func (r *PostgresRunner) InReadTx(ctx context.Context, id Identity, fn func(ctx context.Context, scope *Scope) error) error {
	return r.run(ctx, id, &sql.TxOptions{Isolation: sql.LevelReadCommitted, ReadOnly: true}, fn)
}

func (r *PostgresRunner) run(ctx context.Context, id Identity, opts *sql.TxOptions, fn func(ctx context.Context, scope *Scope) error) (err error) {
	tx, err := r.db.BeginTx(ctx, opts)
	if err != nil {
		return database.Classify(err)
	}

	var scope *Scope
	defer func() {
		scope.Close()
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				r.logger.Warn("rollback failed",
					zap.String("tenant_id", id.TenantID),
					zap.String("correlation_id", id.CorrelationID),
					zap.Error(rbErr))
			}
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, lockTimeoutSetting(r.lockTimeout)); err != nil {
		return database.Classify(err)
	}

	scope, err = Inject(ctx, tx, id)
	if err != nil {
		return err
	}

	if err = fn(ctx, scope); err != nil {
		return database.Classify(err)
	}

	if err = tx.Commit(); err != nil {
		return database.Classify(err)
	}
	return nil
}

func lockTimeoutSetting(d time.Duration) string {
	return fmt.Sprintf("%dms", d.Milliseconds())
}
