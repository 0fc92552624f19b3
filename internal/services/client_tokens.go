package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/propledger/backend/internal/apperrors"
	"github.com/propledger/backend/internal/database"
)

const (
	tokenPending   = "pending"
	tokenCompleted = "completed"
)

var (
	ErrClientTokenReused = apperrors.Conflict(apperrors.CodeClientTokenReused, "Idempotency-Key header was already used for a different request")
	ErrRequestInProgress = apperrors.Transient(apperrors.CodeUnavailable, "a request with this Idempotency-Key is still in progress", nil)
)

// TokenRecord is what the token store keeps per client token.
type TokenRecord struct {
	Status      string          `json:"status"`
	RequestHash string          `json:"request_hash"`
	Response    *AppendResponse `json:"response,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ClientTokenStore deduplicates whole requests by the client's
// Idempotency-Key header, ahead of any database work.
type ClientTokenStore struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewClientTokenStore(client *redis.Client, ttl time.Duration) *ClientTokenStore {
	return &ClientTokenStore{client: client, ttl: ttl, now: time.Now}
}

func (s *ClientTokenStore) enabled() bool {
	return s != nil && s.client != nil
}

// Reserve claims token for a request with requestHash. It returns the stored
// response when the same request already completed.
func (s *ClientTokenStore) Reserve(ctx context.Context, tenantID, token, requestHash string) (*AppendResponse, error) {
	if !s.enabled() {
		return nil, nil
	}
	key := database.IdempotencyKey(tenantID, token)

	pending, err := json.Marshal(TokenRecord{Status: tokenPending, RequestHash: requestHash, CreatedAt: s.now().UTC()})
	if err != nil {
		return nil, err
	}
	ok, err := s.client.SetNX(ctx, key, pending, s.ttl).Result()
	if err != nil {
		return nil, apperrors.Transient(apperrors.CodeUnavailable, "idempotency store unavailable", err)
	}
	if ok {
		return nil, nil
	}

	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return nil, ErrRequestInProgress
	}
	if err != nil {
		return nil, apperrors.Transient(apperrors.CodeUnavailable, "idempotency store unavailable", err)
	}

	var rec TokenRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, apperrors.Fatal(apperrors.CodeInternal, "corrupt idempotency record", err)
	}
	if rec.RequestHash != requestHash {
		return nil, ErrClientTokenReused
	}
	if rec.Status != tokenCompleted || rec.Response == nil {
		return nil, ErrRequestInProgress
	}
	resp := *rec.Response
	resp.Replayed = true
	return &resp, nil
}

// Complete stores the response of a reserved token.
func (s *ClientTokenStore) Complete(ctx context.Context, tenantID, token, requestHash string, resp AppendResponse) error {
	if !s.enabled() {
		return nil
	}
	raw, err := json.Marshal(TokenRecord{Status: tokenCompleted, RequestHash: requestHash, Response: &resp, CreatedAt: s.now().UTC()})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, database.IdempotencyKey(tenantID, token), raw, s.ttl).Err()
}

// Release drops a reservation whose request failed so the client can retry.
func (s *ClientTokenStore) Release(ctx context.Context, tenantID, token string) error {
	if !s.enabled() {
		return nil
	}
	return s.client.Del(ctx, database.IdempotencyKey(tenantID, token)).Err()
}

// HashRequest fingerprints the request body fields that define the entry.
func HashRequest(req AppendRequest) string {
	canonical, _ := json.Marshal(struct {
		SubjectID      string `json:"s"`
		Delta          int64  `json:"d"`
		ReasonCode     string `json:"r"`
		IdempotencyKey string `json:"k"`
		EventTime      string `json:"t"`
	}{
		SubjectID:      req.SubjectID,
		Delta:          deref(req.Delta),
		ReasonCode:     req.ReasonCode,
		IdempotencyKey: req.IdempotencyKey,
		EventTime:      formatEventTime(req.EventTime),
	})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func formatEventTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
