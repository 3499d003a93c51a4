package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/eventhub/live/internal/auth"
	"github.com/eventhub/live/internal/errdef"
	"github.com/eventhub/live/internal/logging"
)

const identityKey = "identity"

// ErrorHandler turns the last error attached to the context into a status
// code and a {"message": ...} body. Storage details never reach the client.
func ErrorHandler(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		err := c.Errors.Last()
		if err == nil || c.Writer.Written() {
			return
		}

		status := http.StatusInternalServerError
		message := "something went wrong"
		switch {
		case errdef.IsBadRequest(err):
			status, message = http.StatusBadRequest, err.Error()
		case errdef.IsUnauthorized(err):
			status, message = http.StatusUnauthorized, err.Error()
		case errdef.IsForbidden(err):
			status, message = http.StatusForbidden, err.Error()
		case errdef.IsNotFound(err):
			status, message = http.StatusNotFound, err.Error()
		case errdef.IsRateLimited(err):
			status, message = http.StatusTooManyRequests, err.Error()
		default:
			logger.Error("api: request failed",
				logging.Failure(errdef.Kind(err.Err)),
				zap.String("method", c.Request.Method),
				zap.String("path", c.FullPath()),
				zap.Error(err.Err))
		}
		c.JSON(status, gin.H{"message": message})
	}
}

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("api: request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// bucketIdle is how long a client IP's bucket is kept without requests.
const bucketIdle = 10 * time.Minute

// RateLimit is a token bucket per client IP.
func RateLimit(rps, burst int) gin.HandlerFunc {
	buckets := newIPBuckets(rps, burst, bucketIdle)
	return func(c *gin.Context) {
		ip, _, err := net.SplitHostPort(c.Request.RemoteAddr)
		if err != nil {
			ip = c.Request.RemoteAddr
		}
		if !buckets.allow(ip, time.Now()) {
			_ = c.Error(errdef.NewRateLimited("rate limit exceeded"))
			c.Abort()
			return
		}
		c.Next()
	}
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipBuckets drops buckets idle for longer than idle, at most once per idle
// period. An idle bucket has refilled, so dropping it changes no decision.
type ipBuckets struct {
	mu        sync.Mutex
	rps       rate.Limit
	burst     int
	idle      time.Duration
	buckets   map[string]*ipBucket
	lastSweep time.Time
}

func newIPBuckets(rps, burst int, idle time.Duration) *ipBuckets {
	if refill := time.Duration(float64(burst) / float64(rps) * float64(time.Second)); refill > idle {
		idle = refill
	}
	return &ipBuckets{
		rps:     rate.Limit(rps),
		burst:   burst,
		idle:    idle,
		buckets: make(map[string]*ipBucket),
	}
}

func (b *ipBuckets) allow(ip string, now time.Time) bool {
	b.mu.Lock()
	if now.Sub(b.lastSweep) >= b.idle {
		for key, bucket := range b.buckets {
			if now.Sub(bucket.lastSeen) > b.idle {
				delete(b.buckets, key)
			}
		}
		b.lastSweep = now
	}

	bucket, ok := b.buckets[ip]
	if !ok {
		bucket = &ipBucket{limiter: rate.NewLimiter(b.rps, b.burst)}
		b.buckets[ip] = bucket
	}
	bucket.lastSeen = now
	b.mu.Unlock()

	return bucket.limiter.AllowN(now, 1)
}

func (b *ipBuckets) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buckets)
}

// Authentication resolves the bearer token and stores the identity on the
// context.
func Authentication(a Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := a.Resolve(c.Request.Context(), c.GetHeader("Authorization"))
		if err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func identity(c *gin.Context) auth.Identity {
	id, _ := c.MustGet(identityKey).(auth.Identity)
	return id
}
