package authz

import (
	"context"
	"database/sql"
	"errors"

	"github.com/propledger/backend/internal/database"
	"github.com/propledger/backend/internal/models"
	"github.com/propledger/backend/internal/tenancy"
)

type PostgresMembershipRepository struct{}

func NewPostgresMembershipRepository() *PostgresMembershipRepository {
	return &PostgresMembershipRepository{}
}

func (r *PostgresMembershipRepository) FindMembership(ctx context.Context, scope *tenancy.Scope, actorID string) (*models.Membership, error) {
	tx, err := scope.Tx()
	if err != nil {
		return nil, err
	}
	tenantID, err := scope.TenantID()
	if err != nil {
		return nil, err
	}

	var m models.Membership
	err = tx.QueryRowContext(ctx, `
		SELECT tenant_id, actor_id, role, status
		FROM staff_memberships
		WHERE tenant_id = $1 AND actor_id = $2`,
		tenantID, actorID).Scan(&m.TenantID, &m.ActorID, &m.Role, &m.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, database.Classify(err)
	}
	return &m, nil
}
