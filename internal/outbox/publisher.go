package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/propledger/backend/internal/apperrors"
	"github.com/propledger/backend/internal/database"
	"github.com/propledger/backend/internal/models"
	"github.com/propledger/backend/internal/tenancy"
)

const entityLedgerEntry = "ledger_entry"

// ErrAlreadyEnqueued means the entry already owns an outbox record.
var ErrAlreadyEnqueued = apperrors.Fatal(apperrors.CodeConstraintViolation, "ledger entry already has an outbox record", nil)

// Publisher writes the outbox record of a ledger entry in the entry's own
// transaction, so the record exists if and only if the entry committed.
type Publisher struct {
	source string
	newID  func() string
	now    func() time.Time
}

func NewPublisher(source string) *Publisher {
	return &Publisher{
		source: source,
		newID:  func() string { return uuid.NewString() },
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// BuildRecord renders the pending record for entry without writing it.
func (p *Publisher) BuildRecord(entry models.LedgerEntry) (models.OutboxRecord, error) {
	body, err := json.Marshal(models.EntryAppendedPayload{
		EntryID:        entry.ID,
		SubjectID:      entry.SubjectID,
		Delta:          entry.Delta,
		ReasonCode:     entry.ReasonCode,
		GamingDay:      entry.GamingDay,
		AggregateAfter: entry.AggregateAfter,
		ActorID:        entry.CreatedByActorID,
	})
	if err != nil {
		return models.OutboxRecord{}, fmt.Errorf("marshal event payload: %w", err)
	}

	now := p.now()
	id := p.newID()
	envelope, err := json.Marshal(models.Envelope{
		EventID:        id,
		EventType:      models.EventLedgerEntryAppended,
		SourceService:  p.source,
		OccurredAtUTC:  entry.CreatedAt.UTC(),
		CorrelationID:  entry.CorrelationID,
		TenantID:       entry.TenantID,
		EntityType:     entityLedgerEntry,
		EntityID:       entry.ID,
		PayloadVersion: 1,
		Payload:        body,
	})
	if err != nil {
		return models.OutboxRecord{}, fmt.Errorf("marshal event envelope: %w", err)
	}

	return models.OutboxRecord{
		ID:            id,
		TenantID:      entry.TenantID,
		SubjectID:     entry.SubjectID,
		LedgerEntryID: entry.ID,
		EventType:     models.EventLedgerEntryAppended,
		Payload:       envelope,
		Status:        models.OutboxPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}, nil
}

// Enqueue inserts the pending record for entry through scope.
func (p *Publisher) Enqueue(ctx context.Context, scope *tenancy.Scope, entry models.LedgerEntry) (models.OutboxRecord, error) {
	tx, err := scope.Tx()
	if err != nil {
		return models.OutboxRecord{}, err
	}
	tenantID, err := scope.TenantID()
	if err != nil {
		return models.OutboxRecord{}, err
	}
	if entry.TenantID != tenantID {
		return models.OutboxRecord{}, tenancy.ErrContextNotSet.WithDetail("entry_tenant_id", entry.TenantID)
	}

	rec, err := p.BuildRecord(entry)
	if err != nil {
		return models.OutboxRecord{}, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox_records (id, tenant_id, subject_id, ledger_entry_id, event_type, payload,
			status, attempt_count, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.TenantID, rec.SubjectID, rec.LedgerEntryID, rec.EventType, []byte(rec.Payload),
		string(rec.Status), rec.AttemptCount, rec.NextAttemptAt, rec.CreatedAt)
	if database.IsUniqueViolation(err) {
		return models.OutboxRecord{}, ErrAlreadyEnqueued.WithDetail("ledger_entry_id", entry.ID)
	}
	if err != nil {
		return models.OutboxRecord{}, database.Classify(err)
	}
	return rec, nil
}
