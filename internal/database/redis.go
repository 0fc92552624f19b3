package database

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/propledger/backend/internal/config"
)

// InitRedis returns a connected client, or nil when Redis is unreachable.
// Callers degrade: no balance cache, no client token dedupe, no queue sink.
func InitRedis(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Host + ":" + cfg.Port,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis connection failed, continuing without redis", zap.Error(err))
		rdb.Close()
		return nil
	}

	logger.Info("redis connection established", zap.String("addr", cfg.Host+":"+cfg.Port))
	return rdb
}

// BalanceKey is the cache key of a subject's balance. The tenant is part of
// the key so one tenant's entry can never answer another tenant's read.
func BalanceKey(tenantID, subjectID string) string {
	return "balance:" + tenantID + ":" + subjectID
}

// IdempotencyKey is the key of a client request token.
func IdempotencyKey(tenantID, token string) string {
	return "idempotency:" + tenantID + ":" + token
}
