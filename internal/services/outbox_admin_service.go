package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/propledger/backend/internal/apperrors"
	"github.com/propledger/backend/internal/audit"
	"github.com/propledger/backend/internal/authz"
	"github.com/propledger/backend/internal/metrics"
	"github.com/propledger/backend/internal/models"
	"github.com/propledger/backend/internal/outbox"
	"github.com/propledger/backend/internal/tenancy"
)

// OutboxAdminService exposes a tenant's dead letters and lets an operator
// put them back in the queue.
type OutboxAdminService struct {
	runner    tenancy.Runner
	validator *authz.Validator
	store     outbox.DeadLetterStore
	audit     *audit.AuditLogger
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    *zap.Logger
}

func NewOutboxAdminService(runner tenancy.Runner, validator *authz.Validator, store outbox.DeadLetterStore, auditLogger *audit.AuditLogger, m *metrics.Metrics, logger *zap.Logger) *OutboxAdminService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditLogger == nil {
		auditLogger = audit.NewAuditLogger(logger)
	}
	return &OutboxAdminService{
		runner:    runner,
		validator: validator,
		store:     store,
		audit:     auditLogger,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

func (s *OutboxAdminService) ListDeadLetters(ctx context.Context, session authz.Session, correlationID string, limit int) ([]models.OutboxRecord, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = 100
	}
	records := []models.OutboxRecord{}
	err := s.runner.InReadTx(ctx, identityOf(session, correlationID), func(ctx context.Context, scope *tenancy.Scope) error {
		if _, err := s.validator.Validate(ctx, scope, session, authz.CapOutboxReplay); err != nil {
			return err
		}
		found, err := s.store.ListDeadLetters(ctx, scope, limit)
		if err != nil {
			return err
		}
		if found != nil {
			records = found
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Requeue resets a dead letter to pending with a fresh attempt budget.
func (s *OutboxAdminService) Requeue(ctx context.Context, session authz.Session, correlationID, recordID string) (models.OutboxRecord, error) {
	if recordID == "" {
		return models.OutboxRecord{}, apperrors.Validation(apperrors.CodeInvalidRequest, "record id is required")
	}

	var record models.OutboxRecord
	err := s.runner.InTx(ctx, identityOf(session, correlationID), func(ctx context.Context, scope *tenancy.Scope) error {
		if _, err := s.validator.Validate(ctx, scope, session, authz.CapOutboxReplay); err != nil {
			return err
		}
		var err error
		record, err = s.store.RequeueDeadLetter(ctx, scope, recordID, s.now())
		return err
	})
	if err != nil {
		return models.OutboxRecord{}, err
	}

	s.metrics.RecordRequeue()
	s.audit.LogOperation(session.TenantID, session.ActorID, correlationID, "OUTBOX_REQUEUE",
		fmt.Sprintf("record_id=%s ledger_entry_id=%s", record.ID, record.LedgerEntryID))
	s.logger.Info("dead letter requeued",
		zap.String("tenant_id", session.TenantID),
		zap.String("record_id", record.ID),
		zap.String("correlation_id", correlationID))
	return record, nil
}
