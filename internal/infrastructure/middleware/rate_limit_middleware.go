package middleware

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"avatarlink/pkg/config"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long a client's bucket survives without requests.
const limiterIdleTTL = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterStore keeps one token bucket per client key. Idle buckets are
// swept on access once per limiterIdleTTL.
type limiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*clientLimiter
	limit     rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

func newLimiterStore(limit rate.Limit, burst int) *limiterStore {
	return &limiterStore{
		limiters:  make(map[string]*clientLimiter),
		limit:     limit,
		burst:     burst,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (s *limiterStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if now.Sub(s.lastSweep) > limiterIdleTTL {
		for k, cl := range s.limiters {
			if now.Sub(cl.lastSeen) > limiterIdleTTL {
				delete(s.limiters, k)
			}
		}
		s.lastSweep = now
	}

	cl, ok := s.limiters[key]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(s.limit, s.burst)}
		s.limiters[key] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

func (s *limiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

// allow takes a token for key or reports how long the client should wait.
func (s *limiterStore) allow(key string) (bool, time.Duration) {
	limiter := s.get(key)
	r := limiter.Reserve()
	if !r.OK() {
		return false, time.Second
	}
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return false, d
	}
	return true, 0
}

// isMessageRoute matches the chat endpoint. Each chat message becomes
// paced data channel traffic, so it has a budget of its own.
func isMessageRoute(c *gin.Context) bool {
	return c.Request.Method == http.MethodPost && strings.HasSuffix(c.Request.URL.Path, "/session/messages")
}

func tooManyRequests(c *gin.Context, wait time.Duration, message string) {
	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":          "RATE_LIMITED",
		"message":        message,
		"retry_after_ms": wait.Milliseconds(),
	})
}

// NewHTTPRateLimitMiddleware limits control API requests per client IP, caps
// concurrent requests, and applies a separate per-client budget to chat
// messages when rate_limiting.messages_per_second is set.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	requests := newLimiterStore(rate.Limit(cfg.RateLimiting.RequestsPerSecond), cfg.RateLimiting.Burst)

	var messages *limiterStore
	if cfg.RateLimiting.MessagesPerSecond > 0 {
		burst := cfg.RateLimiting.MessageBurst
		if burst <= 0 {
			burst = 1
		}
		messages = newLimiterStore(rate.Limit(cfg.RateLimiting.MessagesPerSecond), burst)
	}

	var inFlight chan struct{}
	if cfg.RateLimiting.MaxConcurrent > 0 {
		inFlight = make(chan struct{}, cfg.RateLimiting.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if inFlight != nil {
			select {
			case inFlight <- struct{}{}:
				defer func() { <-inFlight }()
			default:
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error":   "RATE_LIMITED",
					"message": "too many concurrent requests",
				})
				return
			}
		}

		ip := c.ClientIP()
		if ok, wait := requests.allow(ip); !ok {
			tooManyRequests(c, wait, "rate limit exceeded")
			return
		}
		if messages != nil && isMessageRoute(c) {
			if ok, wait := messages.allow(ip); !ok {
				tooManyRequests(c, wait, "chat message rate exceeded")
				return
			}
		}
		c.Next()
	}
}
