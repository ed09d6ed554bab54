package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/makeasinger/choreo/internal/logging"
	"github.com/makeasinger/choreo/pkg/response"
)

// RateLimiter counts requests per user in fixed redis windows.
type RateLimiter struct {
	redis  *redis.Client
	logger *zap.Logger
}

// NewRateLimiter returns a limiter; a nil client disables limiting.
func NewRateLimiter(redisClient *redis.Client, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{redis: redisClient, logger: logging.OrNop(logger)}
}

// Limit creates a rate limiting middleware
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := GetUserID(c)
		if rl.redis == nil || maxRequests <= 0 || userID == "" {
			return c.Next()
		}

		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, userID)
		ctx := c.UserContext()

		count, err := rl.redis.Incr(ctx, key).Result()
		if err != nil {
			// fail open
			rl.logger.Warn("rate limiter unavailable", zap.String("key", key), zap.Error(err))
			return c.Next()
		}
		if count == 1 {
			rl.redis.Expire(ctx, key, window)
		}

		if count > int64(maxRequests) {
			ttl, _ := rl.redis.TTL(ctx, key).Result()
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(ttl.Seconds())))
			return response.RateLimited(c)
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(maxRequests-int(count)))
		return c.Next()
	}
}

// GenerateLimit limits blueprint generation (POST /api/choreography/start).
func (rl *RateLimiter) GenerateLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("generate", maxPerHour, time.Hour)
}

// ValidateLimit limits blueprint validation requests.
func (rl *RateLimiter) ValidateLimit(maxPerMin int) fiber.Handler {
	return rl.Limit("validate", maxPerMin, time.Minute)
}
