package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// releaseScript deletes the lease only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLeases stores short-lived upload leases in Redis so overlapping passes,
// in this process or another, do not upload the same task at once.
type RedisLeases struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewRedisLeases creates leases using the provided Redis client and TTL.
func NewRedisLeases(client *redis.Client, ttl time.Duration, logger *log.Logger) *RedisLeases {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisLeases{client: client, ttl: ttl, logger: logger}
}

func (r *RedisLeases) key(taskID string) string {
	return "upload:" + taskID
}

// Acquire records the lease under a fresh token if nobody holds it. Redis
// failures grant the lease with an empty token.
func (r *RedisLeases) Acquire(ctx context.Context, taskID string) (string, bool) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key(taskID), token, r.ttl).Result()
	if err != nil {
		r.logger.WithError(err).WithField("task_id", taskID).Warn("upload lease unavailable; proceeding")
		return "", true
	}
	if !ok {
		return "", false
	}
	return token, true
}

// Release drops the lease once the upload attempt finished. A lease that
// expired and was taken by another holder is left alone.
func (r *RedisLeases) Release(ctx context.Context, taskID, token string) {
	if token == "" {
		return
	}
	if err := releaseScript.Run(ctx, r.client, []string{r.key(taskID)}, token).Err(); err != nil {
		r.logger.WithError(err).WithField("task_id", taskID).Debug("release upload lease")
	}
}
