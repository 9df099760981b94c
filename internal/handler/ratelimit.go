package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Budget is one token bucket: steady requests per second and burst size.
// A zero RPS leaves that class of traffic unlimited.
type Budget struct {
	RPS   float64
	Burst int
}

// RateLimits holds separate budgets for the two kinds of ledger traffic.
// Reads are trace lookups from packaging scans, listings and verification;
// many shoppers can sit behind one store's address, so reads usually get the
// larger budget. Writes register batches, append events, seal and anchor.
type RateLimits struct {
	Read  Budget
	Write Budget
}

type trafficClass uint8

const (
	classRead trafficClass = iota
	classWrite
)

func classify(method string) trafficClass {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return classRead
	}
	return classWrite
}

type clientKey struct {
	class trafficClass
	ip    string
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter returns a Gin middleware that enforces per-client token
// buckets, one per traffic class, so a burst of writes from a producer never
// eats into that address's lookup budget. Idle buckets are swept every
// 5 minutes until ctx ends.
func RateLimiter(ctx context.Context, limits RateLimits) gin.HandlerFunc {
	budgets := [...]Budget{classRead: limits.Read, classWrite: limits.Write}

	var mu sync.Mutex
	limiters := make(map[clientKey]*clientLimiter)

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			mu.Lock()
			for k, l := range limiters {
				if time.Since(l.lastSeen) > 10*time.Minute {
					delete(limiters, k)
				}
			}
			mu.Unlock()
		}
	}()

	return func(c *gin.Context) {
		class := classify(c.Request.Method)
		budget := budgets[class]
		if budget.RPS <= 0 {
			c.Next()
			return
		}
		key := clientKey{class: class, ip: c.ClientIP()}

		mu.Lock()
		l, ok := limiters[key]
		if !ok {
			burst := budget.Burst
			if burst < 1 {
				burst = 1
			}
			l = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(budget.RPS), burst)}
			limiters[key] = l
		}
		l.lastSeen = time.Now()
		mu.Unlock()

		if !l.limiter.Allow() {
			rateLimited.WithLabelValues(classLabel(class)).Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

func classLabel(c trafficClass) string {
	if c == classWrite {
		return "write"
	}
	return "read"
}
