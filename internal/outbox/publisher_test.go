package outbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propledger/backend/internal/apperrors"
	"github.com/propledger/backend/internal/models"
	"github.com/propledger/backend/internal/tenancy"
)

func testEntry() models.LedgerEntry {
	return models.LedgerEntry{
		ID: "e1", TenantID: "t1", SubjectID: "P", Delta: 100, ReasonCode: "loyalty.earn",
		CorrelationID: "corr-9", GamingDay: "2024-05-01", CreatedAt: t0,
		CreatedByActorID: "actor-1", AggregateAfter: 100,
	}
}

func TestPublisher_BuildRecord(t *testing.T) {
	p := NewPublisher("propledger")
	p.newID = func() string { return "rec-1" }
	p.now = func() time.Time { return t0 }

	rec, err := p.BuildRecord(testEntry())
	require.NoError(t, err)
	assert.Equal(t, "rec-1", rec.ID)
	assert.Equal(t, "t1", rec.TenantID)
	assert.Equal(t, "P", rec.SubjectID)
	assert.Equal(t, "e1", rec.LedgerEntryID)
	assert.Equal(t, models.OutboxPending, rec.Status)
	assert.Equal(t, t0, rec.NextAttemptAt)

	var env models.Envelope
	require.NoError(t, json.Unmarshal(rec.Payload, &env))
	assert.Equal(t, "rec-1", env.EventID)
	assert.Equal(t, models.EventLedgerEntryAppended, env.EventType)
	assert.Equal(t, "corr-9", env.CorrelationID)
	assert.Equal(t, "t1", env.TenantID)
	assert.Equal(t, "e1", env.EntityID)

	var body models.EntryAppendedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &body))
	assert.Equal(t, int64(100), body.Delta)
	assert.Equal(t, int64(100), body.AggregateAfter)
	assert.Equal(t, "2024-05-01", body.GamingDay)
}

func TestPublisher_Enqueue(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("set_config").WillReturnResult(sqlmock.NewResult(0, 1))
	scope, err := tenancy.Inject(context.Background(), db, tenancy.Identity{
		ActorID: "actor-1", TenantID: "t1", Role: models.RoleHost, CorrelationID: "corr-9",
	})
	require.NoError(t, err)

	p := NewPublisher("propledger")
	p.newID = func() string { return "rec-1" }
	p.now = func() time.Time { return t0 }

	t.Run("inserts in the scoped transaction", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO outbox_records").
			WithArgs("rec-1", "t1", "P", "e1", models.EventLedgerEntryAppended, sqlmock.AnyArg(),
				"pending", 0, t0, t0).
			WillReturnResult(sqlmock.NewResult(0, 1))

		rec, err := p.Enqueue(context.Background(), scope, testEntry())
		require.NoError(t, err)
		assert.Equal(t, "rec-1", rec.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second record for one entry", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO outbox_records").
			WillReturnError(&pq.Error{Code: "23505", Constraint: "outbox_records_ledger_entry_id_key"})

		_, err := p.Enqueue(context.Background(), scope, testEntry())
		assert.ErrorIs(t, err, ErrAlreadyEnqueued)
		appErr, ok := apperrors.As(err)
		require.True(t, ok)
		assert.Equal(t, "e1", appErr.Details["ledger_entry_id"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("entry from another tenant is refused", func(t *testing.T) {
		entry := testEntry()
		entry.TenantID = "t2"
		_, err := p.Enqueue(context.Background(), scope, entry)
		assert.ErrorIs(t, err, tenancy.ErrContextNotSet)
	})

	t.Run("closed scope", func(t *testing.T) {
		scope.Close()
		_, err := p.Enqueue(context.Background(), scope, testEntry())
		assert.ErrorIs(t, err, tenancy.ErrContextNotSet)
	})
}
