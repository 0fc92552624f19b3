package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/propledger/backend/internal/database"
	"github.com/propledger/backend/internal/models"
)

// Sink receives one outbox record. Sinks must tolerate seeing the same
// record more than once: a worker that loses its lease after delivering
// leaves the record to be delivered again.
type Sink interface {
	Deliver(ctx context.Context, rec models.OutboxRecord) error
}

type SinkFunc func(ctx context.Context, rec models.OutboxRecord) error

func (f SinkFunc) Deliver(ctx context.Context, rec models.OutboxRecord) error {
	return f(ctx, rec)
}

// pushOnce pushes ARGV[1] onto KEYS[2] unless KEYS[1] marks the event as
// already pushed. Both happen atomically.
var pushOnce = redis.NewScript(`
if redis.call('SET', KEYS[1], '1', 'NX', 'EX', ARGV[2]) then
	redis.call('RPUSH', KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// RedisQueueSink appends event envelopes to ledger:events:<type>, once per
// event id.
type RedisQueueSink struct {
	client    *redis.Client
	dedupeTTL time.Duration
}

func NewRedisQueueSink(client *redis.Client, dedupeTTL time.Duration) *RedisQueueSink {
	if dedupeTTL <= 0 {
		dedupeTTL = 24 * time.Hour
	}
	return &RedisQueueSink{client: client, dedupeTTL: dedupeTTL}
}

func QueueKey(eventType string) string {
	return "ledger:events:" + eventType
}

func DedupeKey(recordID string) string {
	return "ledger:events:delivered:" + recordID
}

func (s *RedisQueueSink) Deliver(ctx context.Context, rec models.OutboxRecord) error {
	keys := []string{DedupeKey(rec.ID), QueueKey(rec.EventType)}
	ttl := int64(s.dedupeTTL / time.Second)
	if err := pushOnce.Run(ctx, s.client, keys, string(rec.Payload), ttl).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis queue push: %w", err)
	}
	return nil
}

// CacheInvalidationSink drops the cached balance of the entry's subject.
type CacheInvalidationSink struct {
	client *redis.Client
}

func NewCacheInvalidationSink(client *redis.Client) *CacheInvalidationSink {
	return &CacheInvalidationSink{client: client}
}

func (s *CacheInvalidationSink) Deliver(ctx context.Context, rec models.OutboxRecord) error {
	if err := s.client.Del(ctx, database.BalanceKey(rec.TenantID, rec.SubjectID)).Err(); err != nil {
		return fmt.Errorf("invalidate balance cache: %w", err)
	}
	return nil
}

// WebhookSink posts the envelope to an HTTP endpoint. Client errors other
// than 408 and 429 are permanent.
type WebhookSink struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

func NewWebhookSink(url string, client *http.Client, rps float64) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = int(rps) + 1
	}
	return &WebhookSink{url: url, client: client, limiter: rate.NewLimiter(limit, burst)}
}

func (s *WebhookSink) Deliver(ctx context.Context, rec models.OutboxRecord) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(rec.Payload))
	if err != nil {
		return Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-ID", rec.ID)
	req.Header.Set("X-Event-Type", rec.EventType)
	req.Header.Set("X-Tenant-ID", rec.TenantID)
	if corr := correlationOf(rec); corr != "" {
		req.Header.Set("X-Correlation-ID", corr)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Permanent(fmt.Errorf("webhook rejected event: status %d", resp.StatusCode))
	default:
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
}

func correlationOf(rec models.OutboxRecord) string {
	var env models.Envelope
	if err := json.Unmarshal(rec.Payload, &env); err != nil {
		return ""
	}
	return env.CorrelationID
}

// FanoutSink delivers to every sink in order and stops at the first error.
// Sinks already reached see the record again on retry.
type FanoutSink []Sink

func (f FanoutSink) Deliver(ctx context.Context, rec models.OutboxRecord) error {
	for _, s := range f {
		if err := s.Deliver(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// NewLogSink returns a sink that only logs. Used when no other sink is
// configured.
func NewLogSink(logger *zap.Logger) Sink {
	return SinkFunc(func(ctx context.Context, rec models.OutboxRecord) error {
		logger.Info("outbox event",
			zap.String("record_id", rec.ID),
			zap.String("tenant_id", rec.TenantID),
			zap.String("event_type", rec.EventType),
			zap.ByteString("payload", rec.Payload))
		return nil
	})
}
