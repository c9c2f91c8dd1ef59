package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redis_rate/v9"

	"edgevideo.ai/edge-wallet/internal/config"
	"edgevideo.ai/edge-wallet/pkg/errors"
	"edgevideo.ai/edge-wallet/pkg/log"
)

const pingTimeout = 5 * time.Second

// Connect opens a redis client for cred and pings it.
func Connect(ctx context.Context, cred *config.DBCredential) (*redis.Client, error) {
	db, _ := strconv.ParseInt(cred.Database, 10, 64)
	client := redis.NewClient(&redis.Options{
		Addr:     cred.GetRedisAddress(),
		Password: cred.Password,
		DB:       int(db),
	})
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if _, err := client.Ping(pingCtx).Result(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping to redis %s", cred.GetRedisAddress())
	}
	log.Infof("connected to redis %s db %d", cred.GetRedisAddress(), db)
	return client, nil
}

// NewRateLimiter builds a GCRA limiter on client.
func NewRateLimiter(client *redis.Client) *redis_rate.Limiter {
	return redis_rate.NewLimiter(client)
}

// Configured reports whether cred names a redis server.
func Configured(cred *config.DBCredential) bool {
	return cred != nil && cred.Address != ""
}
