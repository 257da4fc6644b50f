package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"reservation-engine/internal/auth"
)

const claimsKey = "claims"

// AuthRequired verifies the bearer token and stores the caller context. The
// tenant inside the token is the only tenant identity the handlers trust.
func AuthRequired(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := auth.ParseToken(secret, tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

func callerClaims(c *gin.Context) *auth.Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*auth.Claims)
	return claims
}

const (
	// Limiters idle past this are forgotten; a returning tenant just gets a
	// fresh full bucket.
	limiterIdleAfter = 10 * time.Minute
	// Eviction runs when the map reaches this size, bounding its growth.
	limiterEvictAt = 1024
)

type limiterEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// tenantLimiter hands out one token-bucket limiter per tenant. Idle entries
// are evicted so the map stays bounded no matter how many tenant ids pass
// through.
type tenantLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rps      rate.Limit
	burst    int
	now      func() time.Time
}

func (t *tenantLimiter) get(tenant string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	e, ok := t.limiters[tenant]
	if !ok {
		if len(t.limiters) >= limiterEvictAt {
			t.evictIdle(now)
		}
		e = &limiterEntry{lim: rate.NewLimiter(t.rps, t.burst)}
		t.limiters[tenant] = e
	}
	e.lastSeen = now
	return e.lim
}

// evictIdle drops entries not seen within limiterIdleAfter. Caller holds t.mu.
func (t *tenantLimiter) evictIdle(now time.Time) {
	for tenant, e := range t.limiters {
		if now.Sub(e.lastSeen) >= limiterIdleAfter {
			delete(t.limiters, tenant)
		}
	}
}

// RateLimit throttles claims per tenant. Rejections are Busy-shaped (retry
// hint, 429), never Conflict: the caller did not lose any race.
func RateLimit(rps float64, burst int) gin.HandlerFunc {
	tl := &tenantLimiter{
		limiters: make(map[string]*limiterEntry),
		rps:      rate.Limit(rps),
		burst:    burst,
		now:      func() time.Time { return time.Now() },
	}
	return func(c *gin.Context) {
		claims := callerClaims(c)
		if claims == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing caller context"})
			return
		}
		if !tl.get(claims.TenantID).Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"outcome":        "busy",
				"retry_after_ms": 1000,
			})
			return
		}
		c.Next()
	}
}
