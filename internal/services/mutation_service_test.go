package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/propledger/backend/internal/apperrors"
	"github.com/propledger/backend/internal/audit"
	"github.com/propledger/backend/internal/authz"
	"github.com/propledger/backend/internal/database"
	"github.com/propledger/backend/internal/metrics"
	"github.com/propledger/backend/internal/models"
)

type mutationEnv struct {
	db      *memoryDB
	ledger  *LedgerService
	svc     *MutationService
	metrics *metrics.Metrics
	logs    *observer.ObservedLogs
}

func newMutationEnv(tokens *ClientTokenStore) *mutationEnv {
	db := newTestDB()
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	ledger := newTestLedger(db)

	svc := NewMutationService(db, authz.NewValidator(db, logger), ledger, tokens, nil,
		audit.NewAuditLogger(logger), m, MutationConfig{TransientRetries: 2, RetryDelay: time.Millisecond}, logger)
	return &mutationEnv{db: db, ledger: ledger, svc: svc, metrics: m, logs: logs}
}

func session(tenantID, actorID string, role models.Role) authz.Session {
	return authz.Session{ActorID: actorID, TenantID: tenantID, Role: role}
}

func appendRequest(s authz.Session, subject string, delta int64, reason models.ReasonCode, key string) AppendRequest {
	return AppendRequest{
		TenantID:       s.TenantID,
		ActorID:        s.ActorID,
		SubjectID:      subject,
		Delta:          &delta,
		ReasonCode:     string(reason),
		IdempotencyKey: key,
	}
}

var meta = MutationMeta{CorrelationID: "corr-1"}

func TestMutationService_Append(t *testing.T) {
	ctx := context.Background()

	t.Run("appends and reports the gaming day", func(t *testing.T) {
		env := newMutationEnv(nil)
		s := session(tenantA, "cashier-a", models.RoleCashier)

		resp, err := env.svc.Append(ctx, s, meta, appendRequest(s, "player-1", 300, models.ReasonCageDeposit, "dep-1"))
		require.NoError(t, err)
		assert.NotEmpty(t, resp.EntryID)
		assert.Equal(t, int64(300), resp.AggregateAfter)
		assert.Equal(t, "2025-02-28", resp.GamingDay)
		assert.False(t, resp.Replayed)

		state := env.db.snapshot()
		require.Len(t, state.entries, 1)
		assert.Equal(t, "corr-1", state.entries[0].CorrelationID)
		assert.Len(t, state.outbox, 1)

		assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.EntriesAppended.WithLabelValues("cage.deposit")))
		audits := env.logs.FilterMessage("audit").All()
		require.Len(t, audits, 1)
		assert.Equal(t, "SUCCESS", audits[0].ContextMap()["status"])
	})

	t.Run("storage key replay is a success", func(t *testing.T) {
		env := newMutationEnv(nil)
		s := session(tenantA, "cashier-a", models.RoleCashier)
		req := appendRequest(s, "player-1", 300, models.ReasonCageDeposit, "dep-1")

		first, err := env.svc.Append(ctx, s, meta, req)
		require.NoError(t, err)
		second, err := env.svc.Append(ctx, s, meta, req)
		require.NoError(t, err)

		assert.True(t, second.Replayed)
		assert.Equal(t, first.EntryID, second.EntryID)
		assert.Equal(t, first.AggregateAfter, second.AggregateAfter)
		assert.Len(t, env.db.snapshot().entries, 1)
		assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.EntriesReplayed.WithLabelValues("storage")))
	})

	t.Run("body identity must match the session", func(t *testing.T) {
		env := newMutationEnv(nil)
		s := session(tenantA, "cashier-a", models.RoleCashier)

		req := appendRequest(s, "player-1", 10, models.ReasonCageDeposit, "")
		req.TenantID = tenantB
		_, err := env.svc.Append(ctx, s, meta, req)
		assert.ErrorIs(t, err, authz.ErrTenantMismatch)

		req = appendRequest(s, "player-1", 10, models.ReasonCageDeposit, "")
		req.ActorID = "admin-a"
		_, err = env.svc.Append(ctx, s, meta, req)
		assert.ErrorIs(t, err, authz.ErrActorMismatch)

		assert.Empty(t, env.db.snapshot().entries)
	})

	t.Run("request validation", func(t *testing.T) {
		env := newMutationEnv(nil)
		s := session(tenantA, "cashier-a", models.RoleCashier)

		req := appendRequest(s, "player-1", 10, models.ReasonCageDeposit, "")
		req.Delta = nil
		_, err := env.svc.Append(ctx, s, meta, req)
		appErr, ok := apperrors.As(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.CodeInvalidRequest, appErr.Code)
		assert.Contains(t, appErr.Details, "Delta")

		_, err = env.svc.Append(ctx, s, meta, appendRequest(s, "player-1", 10, models.ReasonCode("cage.bonus"), ""))
		appErr, ok = apperrors.As(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.CodeInvalidReason, appErr.Code)
	})

	// Overdraft rejected through the boundary.
	t.Run("insufficient balance is a domain error", func(t *testing.T) {
		env := newMutationEnv(nil)
		s := session(tenantA, "cashier-a", models.RoleCashier)

		_, err := env.svc.Append(ctx, s, meta, appendRequest(s, "player-1", 100, models.ReasonCageDeposit, ""))
		require.NoError(t, err)
		_, err = env.svc.Append(ctx, s, meta, appendRequest(s, "player-1", -150, models.ReasonCageWithdrawal, "w-1"))
		assert.ErrorIs(t, err, ErrInsufficientBalance)

		state := env.db.snapshot()
		assert.Len(t, state.entries, 1)
		assert.Equal(t, int64(100), state.aggregates[aggKey(tenantA, "player-1")].CurrentValue)
		assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.MutationErrors.WithLabelValues("domain", apperrors.CodeInsufficientBalance)))
	})
}

func TestMutationService_RoleEnforcement(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		session authz.Session
		subject string
		delta   int64
		reason  models.ReasonCode
		code    string
	}{
		{"actor outside tenant", session(tenantB, "admin-a", models.RoleAdmin), "player-1", 10, models.ReasonCageDeposit, apperrors.CodeNotTenantMember},
		{"suspended membership", session(tenantA, "suspended-a", models.RoleCashier), "player-1", 10, models.ReasonCageDeposit, apperrors.CodeMembershipInactive},
		{"claimed role differs from membership", session(tenantA, "cashier-a", models.RoleAdmin), "player-1", 10, models.ReasonCageDeposit, apperrors.CodeRoleMismatch},
		{"cashier posting loyalty", session(tenantA, "cashier-a", models.RoleCashier), "player-1", 10, models.ReasonLoyaltyEarn, apperrors.CodeReasonNotPermitted},
		{"auditor cannot write", session(tenantA, "auditor-a", models.RoleAuditor), "player-1", 10, models.ReasonCageDeposit, apperrors.CodeReasonNotPermitted},
		{"positive withdrawal", session(tenantA, "cashier-a", models.RoleCashier), "player-1", 10, models.ReasonCageWithdrawal, apperrors.CodeDirectionNotAllowed},
		{"nonzero compliance note", session(tenantA, "compliance-a", models.RoleComplianceOfficer), "player-1", 5, models.ReasonComplianceNote, apperrors.CodeDirectionNotAllowed},
		{"over the per-entry limit", session(tenantA, "host-a", models.RoleHost), "player-1", 100_001, models.ReasonLoyaltyEarn, apperrors.CodeLimitExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newMutationEnv(nil)

			_, err := env.svc.Append(ctx, tt.session, meta, appendRequest(tt.session, tt.subject, tt.delta, tt.reason, ""))
			appErr, ok := apperrors.As(err)
			require.True(t, ok, "expected classified error, got %v", err)
			assert.Equal(t, apperrors.KindAuthorization, appErr.Kind)
			assert.Equal(t, tt.code, appErr.Code)

			state := env.db.snapshot()
			assert.Empty(t, state.entries)
			assert.Empty(t, state.outbox)

			denied := env.logs.FilterMessage("audit").FilterField(zap.String("status", "DENIED")).All()
			assert.Len(t, denied, 1)
		})
	}

	t.Run("compliance officer writes a zero delta note", func(t *testing.T) {
		env := newMutationEnv(nil)
		s := session(tenantA, "compliance-a", models.RoleComplianceOfficer)

		resp, err := env.svc.Append(ctx, s, meta, appendRequest(s, "player-1", 0, models.ReasonComplianceNote, ""))
		require.NoError(t, err)
		assert.Equal(t, int64(0), resp.AggregateAfter)
	})
}

func TestMutationService_TransientRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("keyed request is retried", func(t *testing.T) {
		env := newMutationEnv(nil)
		env.db.transientLeft = 2
		s := session(tenantA, "cashier-a", models.RoleCashier)

		resp, err := env.svc.Append(ctx, s, meta, appendRequest(s, "player-1", 10, models.ReasonCageDeposit, "k-1"))
		require.NoError(t, err)
		assert.Equal(t, int64(10), resp.AggregateAfter)
		assert.Equal(t, float64(2), testutil.ToFloat64(env.metrics.MutationRetries))
	})

	t.Run("unkeyed request is not retried", func(t *testing.T) {
		env := newMutationEnv(nil)
		env.db.transientLeft = 1
		s := session(tenantA, "cashier-a", models.RoleCashier)

		_, err := env.svc.Append(ctx, s, meta, appendRequest(s, "player-1", 10, models.ReasonCageDeposit, ""))
		assert.True(t, apperrors.IsRetryable(err))
		assert.Equal(t, float64(0), testutil.ToFloat64(env.metrics.MutationRetries))
	})

	t.Run("retries are bounded", func(t *testing.T) {
		env := newMutationEnv(nil)
		env.db.transientLeft = 5
		s := session(tenantA, "cashier-a", models.RoleCashier)

		_, err := env.svc.Append(ctx, s, meta, appendRequest(s, "player-1", 10, models.ReasonCageDeposit, "k-1"))
		appErr, ok := apperrors.As(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.CodeLockTimeout, appErr.Code)
		assert.Empty(t, env.db.snapshot().entries)
	})
}

func TestMutationService_ClientToken(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := session(tenantA, "cashier-a", models.RoleCashier)
	key := database.IdempotencyKey(tenantA, "tok-1")

	newTokens := func() (*ClientTokenStore, redismock.ClientMock) {
		client, mock := redismock.NewClientMock()
		tokens := NewClientTokenStore(client, time.Hour)
		tokens.now = func() time.Time { return fixed }
		return tokens, mock
	}
	record := func(t *testing.T, rec TokenRecord) []byte {
		raw, err := json.Marshal(rec)
		require.NoError(t, err)
		return raw
	}

	t.Run("reserves then completes", func(t *testing.T) {
		tokens, mock := newTokens()
		env := newMutationEnv(tokens)
		env.ledger.newID = func() string { return "entry-1" }

		req := appendRequest(s, "player-1", 300, models.ReasonCageDeposit, "")
		hash := HashRequest(req)
		stored := AppendResponse{EntryID: "entry-1", AggregateAfter: 300, GamingDay: "2025-02-28"}

		mock.ExpectSetNX(key, record(t, TokenRecord{Status: tokenPending, RequestHash: hash, CreatedAt: fixed}), time.Hour).SetVal(true)
		mock.ExpectSet(key, record(t, TokenRecord{Status: tokenCompleted, RequestHash: hash, Response: &stored, CreatedAt: fixed}), time.Hour).SetVal("OK")

		resp, err := env.svc.Append(ctx, s, MutationMeta{CorrelationID: "corr-1", ClientToken: "tok-1"}, req)
		require.NoError(t, err)
		assert.Equal(t, stored, resp)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("completed token replays without touching storage", func(t *testing.T) {
		tokens, mock := newTokens()
		env := newMutationEnv(tokens)

		req := appendRequest(s, "player-1", 300, models.ReasonCageDeposit, "")
		hash := HashRequest(req)
		stored := AppendResponse{EntryID: "entry-1", AggregateAfter: 300, GamingDay: "2025-02-28"}

		mock.ExpectSetNX(key, record(t, TokenRecord{Status: tokenPending, RequestHash: hash, CreatedAt: fixed}), time.Hour).SetVal(false)
		mock.ExpectGet(key).SetVal(string(record(t, TokenRecord{Status: tokenCompleted, RequestHash: hash, Response: &stored, CreatedAt: fixed})))

		resp, err := env.svc.Append(ctx, s, MutationMeta{CorrelationID: "corr-1", ClientToken: "tok-1"}, req)
		require.NoError(t, err)
		assert.True(t, resp.Replayed)
		assert.Equal(t, "entry-1", resp.EntryID)
		assert.Empty(t, env.db.snapshot().entries)
		assert.Equal(t, float64(1), testutil.ToFloat64(env.metrics.EntriesReplayed.WithLabelValues("client_token")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed request releases the token", func(t *testing.T) {
		tokens, mock := newTokens()
		env := newMutationEnv(tokens)

		req := appendRequest(s, "player-1", -5, models.ReasonCageWithdrawal, "")
		hash := HashRequest(req)

		mock.ExpectSetNX(key, record(t, TokenRecord{Status: tokenPending, RequestHash: hash, CreatedAt: fixed}), time.Hour).SetVal(true)
		mock.ExpectDel(key).SetVal(1)

		_, err := env.svc.Append(ctx, s, MutationMeta{CorrelationID: "corr-1", ClientToken: "tok-1"}, req)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
