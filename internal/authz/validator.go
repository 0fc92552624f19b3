// Package authz decides whether an actor may perform a ledger operation in
// the tenant of the current scope.
package authz

import (
	"context"

	"go.uber.org/zap"

	"github.com/propledger/backend/internal/apperrors"
	"github.com/propledger/backend/internal/models"
	"github.com/propledger/backend/internal/tenancy"
)

var (
	ErrActorMismatch       = apperrors.Authorization(apperrors.CodeActorMismatch, "session actor does not match transaction actor")
	ErrTenantMismatch      = apperrors.Authorization(apperrors.CodeTenantMismatch, "session tenant does not match transaction tenant")
	ErrNotTenantMember     = apperrors.Authorization(apperrors.CodeNotTenantMember, "actor is not a member of this tenant")
	ErrMembershipInactive  = apperrors.Authorization(apperrors.CodeMembershipInactive, "actor membership is not active")
	ErrRoleMismatch        = apperrors.Authorization(apperrors.CodeRoleMismatch, "claimed role does not match membership")
	ErrCapabilityMissing   = apperrors.Authorization(apperrors.CodeCapabilityMissing, "role lacks a required capability")
	ErrReasonNotPermitted  = apperrors.Authorization(apperrors.CodeReasonNotPermitted, "role may not post this reason code")
	ErrDirectionNotAllowed = apperrors.Authorization(apperrors.CodeDirectionNotAllowed, "delta direction not permitted for reason code")
	ErrLimitExceeded       = apperrors.Authorization(apperrors.CodeLimitExceeded, "delta exceeds the role's per-entry limit")
)

// Session is the verified identity presented by the caller.
type Session struct {
	ActorID  string
	TenantID string
	Role     models.Role
}

// ValidatedActor is proof that Validate succeeded for one scope.
type ValidatedActor struct {
	ActorID  string
	TenantID string
	Role     models.Role
}

func (a ValidatedActor) Has(c Capability) bool {
	return matrix[a.Role].capabilities[c]
}

type MembershipRepository interface {
	// FindMembership returns nil, nil when the actor has no membership.
	FindMembership(ctx context.Context, scope *tenancy.Scope, actorID string) (*models.Membership, error)
}

type Validator struct {
	members MembershipRepository
	logger  *zap.Logger
}

func NewValidator(members MembershipRepository, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{members: members, logger: logger}
}

// Validate binds session to scope, checks the persisted membership and
// requires every capability in required.
func (v *Validator) Validate(ctx context.Context, scope *tenancy.Scope, session Session, required ...Capability) (ValidatedActor, error) {
	id, err := scope.Identity()
	if err != nil {
		return ValidatedActor{}, err
	}

	if session.ActorID == "" || session.ActorID != id.ActorID {
		return ValidatedActor{}, v.deny(ErrActorMismatch, id, session)
	}
	if session.TenantID == "" || session.TenantID != id.TenantID {
		return ValidatedActor{}, v.deny(ErrTenantMismatch, id, session)
	}

	membership, err := v.members.FindMembership(ctx, scope, session.ActorID)
	if err != nil {
		return ValidatedActor{}, err
	}
	if membership == nil {
		return ValidatedActor{}, v.deny(ErrNotTenantMember, id, session)
	}
	if membership.Status != models.MembershipActive {
		return ValidatedActor{}, v.deny(ErrMembershipInactive.WithDetail("status", string(membership.Status)), id, session)
	}

	role, ok := models.ParseRole(membership.Role)
	if !ok || role != session.Role || role != id.Role {
		return ValidatedActor{}, v.deny(ErrRoleMismatch, id, session)
	}

	actor := ValidatedActor{ActorID: id.ActorID, TenantID: id.TenantID, Role: role}
	for _, c := range required {
		if !actor.Has(c) {
			return ValidatedActor{}, v.deny(ErrCapabilityMissing.
				WithDetail("capability", string(c)).
				WithDetail("granted", Capabilities(role)), id, session)
		}
	}
	return actor, nil
}

// ValidateEntry applies the reason, direction and limit rules for one entry.
func (v *Validator) ValidateEntry(actor ValidatedActor, payload models.EntryPayload) error {
	reason, ok := models.ParseReasonCode(string(payload.ReasonCode))
	if !ok {
		return apperrors.Validation(apperrors.CodeInvalidReason, "unknown reason code").
			WithDetail("reason_code", string(payload.ReasonCode))
	}

	g := matrix[actor.Role]
	if !g.reasons[reason] {
		return ErrReasonNotPermitted.WithDetail("reason_code", string(reason)).WithDetail("role", actor.Role.String())
	}
	if !reason.Direction().Allows(payload.Delta) {
		return ErrDirectionNotAllowed.WithDetail("reason_code", string(reason)).
			WithDetail("direction", reason.Direction().String())
	}
	if need := reasonCapability[reason]; !actor.Has(need) {
		return ErrCapabilityMissing.WithDetail("capability", string(need))
	}
	if g.entryLimit > 0 && (payload.Delta > g.entryLimit || payload.Delta < -g.entryLimit) {
		return ErrLimitExceeded.WithDetail("limit", g.entryLimit)
	}
	return nil
}

func (v *Validator) deny(err *apperrors.Error, id tenancy.Identity, session Session) error {
	v.logger.Warn("authorization denied",
		zap.String("code", err.Code),
		zap.String("tenant_id", id.TenantID),
		zap.String("actor_id", id.ActorID),
		zap.String("session_actor_id", session.ActorID),
		zap.String("session_tenant_id", session.TenantID),
		zap.String("correlation_id", id.CorrelationID))
	return err
}
