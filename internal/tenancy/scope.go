// Package tenancy carries the per-transaction tenant context.
//
// Connection pooling means a session variable set on one request can leak
// to the next user of the connection, so the context is never set once per
// login. Every transaction injects it again with transaction-local
// set_config calls, and every tenant-scoped call receives the resulting
// *Scope as an explicit argument.
package tenancy

import (
	"context"
	"database/sql"
	"sync/atomic"

	"github.com/propledger/backend/internal/apperrors"
	"github.com/propledger/backend/internal/models"
)

// DBTX is satisfied by *sql.Tx and *sql.DB.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Identity is who is acting, for which tenant. It must come from a verified
// session, never from a request body.
type Identity struct {
	ActorID       string
	TenantID      string
	Role          models.Role
	CorrelationID string
}

// ErrContextNotSet is returned when tenant-scoped work runs without an active
// scope.
var ErrContextNotSet = apperrors.Fatal(apperrors.CodeContextNotSet, "tenant context not set", nil)

// Scope is the tenant context of one open transaction.
type Scope struct {
	identity Identity
	tx       DBTX
	closed   atomic.Bool
}

const injectSQL = `SELECT set_config('app.tenant_id', $1, true),
       set_config('app.actor_id', $2, true),
       set_config('app.role', $3, true),
       set_config('app.correlation_id', $4, true)`

// Inject asserts id on tx for the rest of the transaction and returns the
// scope tenant-scoped calls must receive.
func Inject(ctx context.Context, tx DBTX, id Identity) (*Scope, error) {
	if tx == nil || id.TenantID == "" || id.ActorID == "" {
		return nil, ErrContextNotSet
	}
	if _, ok := models.ParseRole(string(id.Role)); !ok {
		return nil, ErrContextNotSet.WithDetail("role", string(id.Role))
	}
	if _, err := tx.ExecContext(ctx, injectSQL, id.TenantID, id.ActorID, string(id.Role), id.CorrelationID); err != nil {
		return nil, apperrors.Fatal(apperrors.CodeContextNotSet, "failed to inject tenant context", err)
	}
	return &Scope{identity: id, tx: tx}, nil
}

// Close invalidates the scope. The transaction runner calls it after commit
// or rollback; any later use fails with ErrContextNotSet.
func (s *Scope) Close() {
	if s != nil {
		s.closed.Store(true)
	}
}

func (s *Scope) active() bool {
	return s != nil && s.tx != nil && !s.closed.Load()
}

// Tx returns the transaction the scope was injected into.
func (s *Scope) Tx() (DBTX, error) {
	if !s.active() {
		return nil, ErrContextNotSet
	}
	return s.tx, nil
}

func (s *Scope) Identity() (Identity, error) {
	if !s.active() {
		return Identity{}, ErrContextNotSet
	}
	return s.identity, nil
}

func (s *Scope) TenantID() (string, error) {
	if !s.active() {
		return "", ErrContextNotSet
	}
	return s.identity.TenantID, nil
}
