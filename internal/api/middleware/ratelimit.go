package middleware

import (
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/Sungblab/Sungblab-AI-backend-sub000/internal/cache"
	apperrors "github.com/Sungblab/Sungblab-AI-backend-sub000/internal/errors"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterIdleTTL bounds how long a room's bucket is kept before it is rebuilt.
const limiterIdleTTL = 30 * time.Minute

// RoomLimiter applies a token bucket per room. Limits can be changed at runtime;
// existing buckets pick up the new rate on their next request.
type RoomLimiter struct {
	mu    sync.RWMutex
	limit rate.Limit
	burst int

	buckets *cache.LRU[string, *rate.Limiter]
}

// NewRoomLimiter builds a limiter. rps <= 0 disables limiting.
func NewRoomLimiter(rps float64, burst, maxRooms int) *RoomLimiter {
	if maxRooms <= 0 {
		maxRooms = 10000
	}
	l := &RoomLimiter{
		buckets: cache.New[string, *rate.Limiter](cache.Config{MaxSize: maxRooms, TTL: limiterIdleTTL}),
	}
	l.SetLimit(rps, burst)
	return l
}

// SetLimit changes the rate and burst.
func (l *RoomLimiter) SetLimit(rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rps <= 0 {
		l.limit = rate.Inf
	} else {
		l.limit = rate.Limit(rps)
	}
	if burst <= 0 {
		burst = 1
	}
	l.burst = burst
}

// Allow reports whether a request for room may proceed now, and otherwise how
// long the caller should wait.
func (l *RoomLimiter) Allow(room string) (bool, time.Duration) {
	l.mu.RLock()
	limit, burst := l.limit, l.burst
	l.mu.RUnlock()
	if limit == rate.Inf {
		return true, 0
	}

	b, ok := l.buckets.Get(room)
	if !ok {
		b = rate.NewLimiter(limit, burst)
		l.buckets.Set(room, b)
	} else if b.Limit() != limit || b.Burst() != burst {
		b.SetLimit(limit)
		b.SetBurst(burst)
	}

	r := b.Reserve()
	if !r.OK() {
		return false, time.Second
	}
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return false, d
	}
	return true, 0
}

// Middleware rejects requests over the limit with 429. The room comes from the
// :room_id route parameter.
func (l *RoomLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		room := c.Param("room_id")
		if room == "" {
			c.Next()
			return
		}
		ok, wait := l.Allow(room)
		if ok {
			c.Next()
			return
		}
		retry := int(math.Ceil(wait.Seconds()))
		if retry < 1 {
			retry = 1
		}
		c.Header("Retry-After", fmt.Sprint(retry))
		appErr := apperrors.New(http.StatusTooManyRequests, apperrors.CodeRateLimited, "too many requests for this room", nil).
			WithDetail("retry_after_seconds", retry)
		c.Data(http.StatusTooManyRequests, "application/json", appErr.ToJSON())
		c.Abort()
	}
}
