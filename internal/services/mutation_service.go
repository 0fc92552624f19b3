package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/propledger/backend/internal/apperrors"
	"github.com/propledger/backend/internal/audit"
	"github.com/propledger/backend/internal/authz"
	"github.com/propledger/backend/internal/metrics"
	"github.com/propledger/backend/internal/models"
	"github.com/propledger/backend/internal/tenancy"
)

// AppendRequest is the body of a mutation call. TenantID and ActorID must
// repeat the session's values; they are checked, never trusted.
type AppendRequest struct {
	TenantID       string     `json:"tenantId" validate:"required,max=128"`
	ActorID        string     `json:"actorId" validate:"required,max=128"`
	SubjectID      string     `json:"subjectId" validate:"required,max=128"`
	Delta          *int64     `json:"delta" validate:"required"`
	ReasonCode     string     `json:"reasonCode" validate:"required,max=64"`
	IdempotencyKey string     `json:"idempotencyKey,omitempty" validate:"omitempty,max=128"`
	EventTime      *time.Time `json:"eventTime,omitempty"`
}

type AppendResponse struct {
	EntryID        string `json:"entryId"`
	AggregateAfter int64  `json:"aggregateAfter"`
	GamingDay      string `json:"gamingDay"`
	Replayed       bool   `json:"replayed"`
}

// MutationMeta carries the transport-level inputs of one call.
type MutationMeta struct {
	CorrelationID string
	ClientToken   string
}

type MutationConfig struct {
	TransientRetries int
	RetryDelay       time.Duration
}

type MutationService struct {
	runner    tenancy.Runner
	validator *authz.Validator
	ledger    *LedgerService
	tokens    *ClientTokenStore
	cache     *BalanceCache
	audit     *audit.AuditLogger
	metrics   *metrics.Metrics
	checker   *ValidationHelper
	cfg       MutationConfig
	logger    *zap.Logger
}

func NewMutationService(
	runner tenancy.Runner,
	validator *authz.Validator,
	ledger *LedgerService,
	tokens *ClientTokenStore,
	cache *BalanceCache,
	auditLogger *audit.AuditLogger,
	m *metrics.Metrics,
	cfg MutationConfig,
	logger *zap.Logger,
) *MutationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if auditLogger == nil {
		auditLogger = audit.NewAuditLogger(logger)
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 50 * time.Millisecond
	}
	return &MutationService{
		runner:    runner,
		validator: validator,
		ledger:    ledger,
		tokens:    tokens,
		cache:     cache,
		audit:     auditLogger,
		metrics:   m,
		checker:   NewValidationHelper(),
		cfg:       cfg,
		logger:    logger,
	}
}

// Append runs one ledger mutation in its own transaction: inject context,
// validate the actor, append the entry and its outbox record, commit.
func (s *MutationService) Append(ctx context.Context, session authz.Session, meta MutationMeta, req AppendRequest) (AppendResponse, error) {
	start := time.Now()
	resp, err := s.append(ctx, session, meta, req)
	if err != nil {
		kind := apperrors.KindOf(err)
		code := apperrors.CodeInternal
		if appErr, ok := apperrors.As(err); ok {
			code = appErr.Code
		}
		s.metrics.RecordMutationError(kind.String(), code)
		s.metrics.ObserveMutation("error", start)
		if kind == apperrors.KindAuthorization || kind == apperrors.KindConflict {
			s.audit.LogDenied(session.TenantID, session.ActorID, meta.CorrelationID, req.SubjectID, code)
		}
		return AppendResponse{}, err
	}
	outcome := "appended"
	if resp.Replayed {
		outcome = "replayed"
	}
	s.metrics.ObserveMutation(outcome, start)
	return resp, nil
}

func (s *MutationService) append(ctx context.Context, session authz.Session, meta MutationMeta, req AppendRequest) (AppendResponse, error) {
	if err := s.checker.ValidateStruct(&req); err != nil {
		return AppendResponse{}, err
	}
	if req.TenantID != session.TenantID {
		return AppendResponse{}, authz.ErrTenantMismatch
	}
	if req.ActorID != session.ActorID {
		return AppendResponse{}, authz.ErrActorMismatch
	}
	reason, ok := models.ParseReasonCode(req.ReasonCode)
	if !ok {
		return AppendResponse{}, apperrors.Validation(apperrors.CodeInvalidReason, "unknown reason code").
			WithDetail("reason_code", req.ReasonCode)
	}

	payload := models.EntryPayload{
		SubjectID:  req.SubjectID,
		Delta:      *req.Delta,
		ReasonCode: reason,
	}
	if req.EventTime != nil {
		payload.EventTime = *req.EventTime
	}

	identity := tenancy.Identity{
		ActorID:       session.ActorID,
		TenantID:      session.TenantID,
		Role:          session.Role,
		CorrelationID: meta.CorrelationID,
	}

	requestHash := ""
	if meta.ClientToken != "" {
		requestHash = HashRequest(req)
		stored, err := s.tokens.Reserve(ctx, session.TenantID, meta.ClientToken, requestHash)
		if err != nil {
			return AppendResponse{}, err
		}
		if stored != nil {
			s.metrics.RecordAppend(req.ReasonCode, true, "client_token")
			return *stored, nil
		}
	}

	result, err := s.appendWithRetry(ctx, identity, session, payload, req.IdempotencyKey)
	if err != nil {
		if meta.ClientToken != "" {
			if relErr := s.tokens.Release(ctx, session.TenantID, meta.ClientToken); relErr != nil {
				s.logger.Warn("failed to release client token", zap.String("correlation_id", meta.CorrelationID), zap.Error(relErr))
			}
		}
		return AppendResponse{}, err
	}

	resp := AppendResponse{
		EntryID:        result.Entry.ID,
		AggregateAfter: result.AggregateAfter,
		GamingDay:      result.Entry.GamingDay,
		Replayed:       result.Replayed,
	}

	if meta.ClientToken != "" {
		stored := resp
		stored.Replayed = false
		if err := s.tokens.Complete(ctx, session.TenantID, meta.ClientToken, requestHash, stored); err != nil {
			s.logger.Warn("failed to store client token response", zap.String("correlation_id", meta.CorrelationID), zap.Error(err))
		}
	}
	if !result.Replayed {
		if err := s.cache.Invalidate(ctx, session.TenantID, req.SubjectID); err != nil {
			s.logger.Warn("failed to invalidate balance cache", zap.String("subject_id", req.SubjectID), zap.Error(err))
		}
	}

	s.metrics.RecordAppend(req.ReasonCode, result.Replayed, "storage")
	s.audit.LogAppend(session.TenantID, session.ActorID, meta.CorrelationID, req.SubjectID,
		result.Entry.ID, result.Entry.Delta, result.Entry.ReasonCode, result.Replayed)
	return resp, nil
}

// appendWithRetry retries transient failures only when a storage
// idempotency key makes the retry safe.
func (s *MutationService) appendWithRetry(ctx context.Context, identity tenancy.Identity, session authz.Session, payload models.EntryPayload, key string) (models.AppendResult, error) {
	var result models.AppendResult
	for attempt := 0; ; attempt++ {
		err := s.runner.InTx(ctx, identity, func(ctx context.Context, scope *tenancy.Scope) error {
			actor, err := s.validator.Validate(ctx, scope, session)
			if err != nil {
				return err
			}
			if err := s.validator.ValidateEntry(actor, payload); err != nil {
				return err
			}
			result, err = s.ledger.AppendEntry(ctx, scope, actor, payload, key)
			return err
		})
		if err == nil {
			return result, nil
		}
		if key == "" || !apperrors.IsRetryable(err) || attempt >= s.cfg.TransientRetries {
			return models.AppendResult{}, err
		}

		s.metrics.RecordRetry()
		s.logger.Info("retrying transient mutation failure",
			zap.Int("attempt", attempt+1),
			zap.String("correlation_id", identity.CorrelationID),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return models.AppendResult{}, apperrors.Transient(apperrors.CodeUnavailable, "request cancelled", ctx.Err())
		case <-time.After(s.cfg.RetryDelay << attempt):
		}
	}
}
