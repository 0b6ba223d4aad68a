package httpx

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisRateLimitPrefix  = "covibes:ratelimit:"
	redisRateLimitTimeout = 250 * time.Millisecond
	// Window keys expire this long after their window ends.
	redisWindowGrace = 5 * time.Second
)

// redisRateLimiter shares counts between API replicas. Each window has its
// own key, named after the bucket and the window start.
type redisRateLimiter struct {
	client *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewRedisRateLimiter connects to Redis and returns a limiter shared by all
// API replicas.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return newRedisRateLimiter(client, logger), nil
}

func newRedisRateLimiter(client *redis.Client, logger *slog.Logger) *redisRateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisRateLimiter{
		client: client,
		logger: logger.With("component", "rate_limiter"),
		now:    time.Now,
	}
}

func windowKey(bucket string, start time.Time) string {
	return redisRateLimitPrefix + bucket + ":" + strconv.FormatInt(start.Unix(), 10)
}

// Allow fails open when Redis is unavailable.
func (rl *redisRateLimiter) Allow(bucket string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	start, end := windowBounds(rl.now(), window)
	key := windowKey(bucket, start)

	ctx, cancel := context.WithTimeout(context.Background(), redisRateLimitTimeout)
	defer cancel()
	var hits *redis.IntCmd
	_, err := rl.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		hits = pipe.Incr(ctx, key)
		pipe.PExpireAt(ctx, key, end.Add(redisWindowGrace))
		return nil
	})
	if err != nil {
		rl.logger.Warn("rate limit check failed, allowing request", "bucket", bucket, "error", err)
		return rateDecision{allowed: true, windowEnd: end}
	}
	count := int(hits.Val())
	return rateDecision{allowed: count <= limit, count: count, windowEnd: end}
}

func (rl *redisRateLimiter) Close() {
	_ = rl.client.Close()
}
