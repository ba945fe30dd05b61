package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"surplus-service/internal/service"
	"surplus-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const actorKey = "actor"

// Request headers carrying the caller identity set by the gateway in front of
// this service
const (
	HeaderUserID      = "X-User-ID"
	HeaderRole        = "X-Role"
	HeaderCafeteriaID = "X-Cafeteria-ID"
	HeaderCallback    = "X-Callback-Secret"
)

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}

// requestLogger logs one line per request through the global zap logger
func requestLogger() gin.HandlerFunc {
	logger := util.GetLogger()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("user_id", c.GetHeader(HeaderUserID)))
	}
}

// actorMiddleware resolves the caller from identity headers. roleOverride, when
// set, replaces the role of every request.
func actorMiddleware(roleOverride string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(HeaderUserID)
		roleName := c.GetHeader(HeaderRole)
		if roleOverride != "" {
			roleName = roleOverride
		}

		role, ok := service.ParseRole(roleName)
		if userID == "" || !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "UNAUTHENTICATED",
				"message": "X-User-ID and a valid X-Role are required",
			})
			return
		}

		c.Set(actorKey, service.Actor{
			UserID:      userID,
			Role:        role,
			CafeteriaID: c.GetHeader(HeaderCafeteriaID),
		})
		c.Next()
	}
}

func actorFrom(c *gin.Context) service.Actor {
	actor, _ := c.MustGet(actorKey).(service.Actor)
	return actor
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// userRateLimiter keeps one token bucket per user. Idle buckets are dropped.
type userRateLimiter struct {
	mu          sync.Mutex
	limit       rate.Limit
	burst       int
	entries     map[string]*limiterEntry
	idleTTL     time.Duration
	lastCleanup time.Time
}

func newUserRateLimiter(perMinute, burst int) *userRateLimiter {
	if perMinute <= 0 || burst <= 0 {
		return nil
	}
	return &userRateLimiter{
		limit:       rate.Every(time.Minute / time.Duration(perMinute)),
		burst:       burst,
		entries:     make(map[string]*limiterEntry),
		idleTTL:     15 * time.Minute,
		lastCleanup: time.Now(),
	}
}

func (l *userRateLimiter) allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastCleanup) >= l.idleTTL {
		for k, e := range l.entries {
			if now.Sub(e.lastSeen) > l.idleTTL {
				delete(l.entries, k)
			}
		}
		l.lastCleanup = now
	}

	e, ok := l.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.Allow()
}

// middleware throttles a route per actor
func (l *userRateLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.allow(actorFrom(c).UserID) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "RATE_LIMITED",
				"message": "too many reservation attempts, slow down",
			})
			return
		}
		c.Next()
	}
}
