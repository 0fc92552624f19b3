package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propledger/backend/internal/apperrors"
	"github.com/propledger/backend/internal/database"
)

func TestClientTokenStore(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	key := database.IdempotencyKey(tenantA, "tok-1")

	setup := func() (*ClientTokenStore, redismock.ClientMock) {
		client, mock := redismock.NewClientMock()
		store := NewClientTokenStore(client, 10*time.Minute)
		store.now = func() time.Time { return fixed }
		return store, mock
	}
	pending := func(t *testing.T, hash string) []byte {
		raw, err := json.Marshal(TokenRecord{Status: tokenPending, RequestHash: hash, CreatedAt: fixed})
		require.NoError(t, err)
		return raw
	}

	t.Run("first use reserves", func(t *testing.T) {
		store, mock := setup()
		mock.ExpectSetNX(key, pending(t, "h1"), 10*time.Minute).SetVal(true)

		resp, err := store.Reserve(ctx, tenantA, "tok-1", "h1")
		require.NoError(t, err)
		assert.Nil(t, resp)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("different body is a conflict", func(t *testing.T) {
		store, mock := setup()
		mock.ExpectSetNX(key, pending(t, "h2"), 10*time.Minute).SetVal(false)
		mock.ExpectGet(key).SetVal(string(pending(t, "h1")))

		_, err := store.Reserve(ctx, tenantA, "tok-1", "h2")
		assert.ErrorIs(t, err, ErrClientTokenReused)
		assert.Equal(t, apperrors.KindConflict, apperrors.KindOf(err))
	})

	t.Run("in flight duplicate is transient", func(t *testing.T) {
		store, mock := setup()
		mock.ExpectSetNX(key, pending(t, "h1"), 10*time.Minute).SetVal(false)
		mock.ExpectGet(key).SetVal(string(pending(t, "h1")))

		_, err := store.Reserve(ctx, tenantA, "tok-1", "h1")
		assert.ErrorIs(t, err, ErrRequestInProgress)
		assert.True(t, apperrors.IsRetryable(err))
	})

	t.Run("redis failure is transient", func(t *testing.T) {
		store, mock := setup()
		mock.ExpectSetNX(key, pending(t, "h1"), 10*time.Minute).SetErr(errors.New("connection refused"))

		_, err := store.Reserve(ctx, tenantA, "tok-1", "h1")
		assert.True(t, apperrors.IsRetryable(err))
	})

	t.Run("release deletes the reservation", func(t *testing.T) {
		store, mock := setup()
		mock.ExpectDel(key).SetVal(1)

		require.NoError(t, store.Release(ctx, tenantA, "tok-1"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("tokens are namespaced by tenant", func(t *testing.T) {
		assert.NotEqual(t, database.IdempotencyKey(tenantA, "tok-1"), database.IdempotencyKey(tenantB, "tok-1"))
	})

	t.Run("nil client disables the store", func(t *testing.T) {
		store := NewClientTokenStore(nil, time.Minute)
		resp, err := store.Reserve(ctx, tenantA, "tok-1", "h1")
		assert.NoError(t, err)
		assert.Nil(t, resp)
		assert.NoError(t, store.Complete(ctx, tenantA, "tok-1", "h1", AppendResponse{}))
		assert.NoError(t, store.Release(ctx, tenantA, "tok-1"))
	})
}

func TestHashRequest(t *testing.T) {
	delta := int64(100)
	other := int64(101)
	at := time.Date(2025, 3, 1, 8, 0, 0, 0, time.FixedZone("PST", -8*3600))
	atUTC := at.UTC()

	base := AppendRequest{TenantID: tenantA, ActorID: "a", SubjectID: "p", Delta: &delta, ReasonCode: "cage.deposit", EventTime: &at}
	same := base
	same.EventTime = &atUTC
	changed := base
	changed.Delta = &other

	assert.Equal(t, HashRequest(base), HashRequest(same))
	assert.NotEqual(t, HashRequest(base), HashRequest(changed))
	assert.Len(t, HashRequest(base), 64)
}
