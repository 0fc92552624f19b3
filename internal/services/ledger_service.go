package services

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/propledger/backend/internal/apperrors"
	"github.com/propledger/backend/internal/authz"
	"github.com/propledger/backend/internal/models"
	"github.com/propledger/backend/internal/telemetry"
	"github.com/propledger/backend/internal/temporal"
	"github.com/propledger/backend/internal/tenancy"
)

// OutboxEnqueuer writes the event of a new entry in the entry's transaction.
type OutboxEnqueuer interface {
	Enqueue(ctx context.Context, scope *tenancy.Scope, entry models.LedgerEntry) (models.OutboxRecord, error)
}

var (
	ErrIdempotencyKeyReused = apperrors.Conflict(apperrors.CodeIdempotencyReused, "idempotency key was already used for a different entry")
	ErrInsufficientBalance  = apperrors.Domain(apperrors.CodeInsufficientBalance, "entry would take the balance below zero")
)

// LedgerService appends entries to a subject's ledger and keeps the
// subject's aggregate in step. It never opens or commits transactions; the
// caller's scope decides both.
type LedgerService struct {
	repo   LedgerRepository
	outbox OutboxEnqueuer
	newID  func() string
	now    func() time.Time
	logger *zap.Logger
	tracer trace.Tracer
}

func NewLedgerService(repo LedgerRepository, outbox OutboxEnqueuer, logger *zap.Logger) *LedgerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerService{
		repo:   repo,
		outbox: outbox,
		newID:  func() string { return uuid.NewString() },
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
		tracer: telemetry.Tracer(),
	}
}

// AppendEntry writes one entry for actor under scope. With an idempotency
// key, a repeated call returns the original entry and aggregate instead of
// writing again.
func (s *LedgerService) AppendEntry(ctx context.Context, scope *tenancy.Scope, actor authz.ValidatedActor, payload models.EntryPayload, idempotencyKey string) (models.AppendResult, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.append_entry", trace.WithAttributes(
		attribute.String("ledger.subject_id", payload.SubjectID),
		attribute.String("ledger.reason_code", string(payload.ReasonCode)),
		attribute.Bool("ledger.keyed", idempotencyKey != ""),
	))
	defer span.End()

	id, err := scope.Identity()
	if err != nil {
		return models.AppendResult{}, err
	}
	if actor.TenantID != id.TenantID {
		return models.AppendResult{}, authz.ErrTenantMismatch
	}
	if actor.ActorID != id.ActorID {
		return models.AppendResult{}, authz.ErrActorMismatch
	}
	if strings.TrimSpace(payload.SubjectID) == "" {
		return models.AppendResult{}, apperrors.Validation(apperrors.CodeInvalidRequest, "subject id is required")
	}

	eventTime := payload.EventTime
	if eventTime.IsZero() {
		eventTime = s.now()
	}

	policy, err := s.repo.LoadTemporalPolicy(ctx, scope)
	if err != nil {
		return models.AppendResult{}, err
	}
	day, err := temporal.Compute(eventTime, policy)
	if err != nil {
		return models.AppendResult{}, err
	}

	// Locking first serialises same-subject writers, so the key lookup below
	// is race free for them.
	agg, err := s.repo.LockAggregate(ctx, scope, payload.SubjectID)
	if err != nil {
		return models.AppendResult{}, err
	}

	if idempotencyKey != "" {
		existing, err := s.repo.FindEntryByKey(ctx, scope, idempotencyKey)
		if err != nil {
			return models.AppendResult{}, err
		}
		if existing != nil {
			return replay(*existing, payload)
		}
	}

	newValue, ok := addDelta(agg.CurrentValue, payload.Delta)
	if !ok {
		return models.AppendResult{}, apperrors.Validation(apperrors.CodeInvalidDelta, "delta overflows the aggregate")
	}
	if payload.Delta < 0 && newValue < 0 && !actor.Has(authz.CapLedgerOverdraft) {
		return models.AppendResult{}, ErrInsufficientBalance.
			WithDetail("current_value", agg.CurrentValue).
			WithDetail("delta", payload.Delta)
	}

	entry := models.LedgerEntry{
		ID:               s.newID(),
		TenantID:         id.TenantID,
		SubjectID:        payload.SubjectID,
		Delta:            payload.Delta,
		ReasonCode:       string(payload.ReasonCode),
		CorrelationID:    id.CorrelationID,
		GamingDay:        temporal.Format(day),
		EventTime:        eventTime,
		CreatedAt:        s.now(),
		CreatedByActorID: actor.ActorID,
		AggregateAfter:   newValue,
	}
	if idempotencyKey != "" {
		key := idempotencyKey
		entry.IdempotencyKey = &key
	}

	inserted, err := s.repo.InsertEntry(ctx, scope, entry)
	if err != nil {
		return models.AppendResult{}, err
	}
	if !inserted {
		// A writer on another subject committed the same key first.
		existing, err := s.repo.FindEntryByKey(ctx, scope, idempotencyKey)
		if err != nil {
			return models.AppendResult{}, err
		}
		if existing == nil {
			return models.AppendResult{}, apperrors.Transient(apperrors.CodeUnavailable, "concurrent idempotent write not visible yet", nil)
		}
		return replay(*existing, payload)
	}

	if err := s.repo.UpdateAggregate(ctx, scope, agg, newValue); err != nil {
		return models.AppendResult{}, err
	}
	if _, err := s.outbox.Enqueue(ctx, scope, entry); err != nil {
		return models.AppendResult{}, err
	}

	s.logger.Debug("ledger entry appended",
		zap.String("tenant_id", entry.TenantID),
		zap.String("subject_id", entry.SubjectID),
		zap.String("entry_id", entry.ID),
		zap.Int64("delta", entry.Delta),
		zap.Int64("aggregate_after", newValue),
		zap.String("gaming_day", entry.GamingDay),
		zap.String("correlation_id", entry.CorrelationID))

	return models.AppendResult{Entry: entry, AggregateAfter: newValue}, nil
}

// replay answers a repeated key with the stored entry, provided the request
// describes the same entry.
func replay(existing models.LedgerEntry, payload models.EntryPayload) (models.AppendResult, error) {
	if existing.SubjectID != payload.SubjectID ||
		existing.Delta != payload.Delta ||
		existing.ReasonCode != string(payload.ReasonCode) {
		return models.AppendResult{}, ErrIdempotencyKeyReused.WithDetail("entry_id", existing.ID)
	}
	return models.AppendResult{Entry: existing, AggregateAfter: existing.AggregateAfter, Replayed: true}, nil
}

func addDelta(value, delta int64) (int64, bool) {
	if (delta > 0 && value > math.MaxInt64-delta) || (delta < 0 && value < math.MinInt64-delta) {
		return 0, false
	}
	return value + delta, true
}
