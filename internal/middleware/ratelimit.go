package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nanogen/backend/internal/apperrors"
	"github.com/nanogen/backend/internal/respond"
)

// AccountLimiter hands out one token bucket per account (or per client IP
// before authentication). Buckets idle for longer than idleTTL are evicted.
type AccountLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	r        rate.Limit
	b        int
	idleTTL  time.Duration
	now      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewAccountLimiter(perSecond float64, burst int) *AccountLimiter {
	return &AccountLimiter{
		limiters: make(map[string]*limiterEntry),
		r:        rate.Limit(perSecond),
		b:        burst,
		idleTTL:  10 * time.Minute,
		now:      time.Now,
	}
}

func (l *AccountLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) > 10_000 {
			l.evictLocked(now)
		}
		e = &limiterEntry{limiter: rate.NewLimiter(l.r, l.b)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (l *AccountLimiter) evictLocked(now time.Time) {
	for k, e := range l.limiters {
		if now.Sub(e.lastSeen) > l.idleTTL {
			delete(l.limiters, k)
		}
	}
}

// RateLimit throttles requests per authenticated account, falling back to
// the client IP. It must run after Authenticate to key by account.
func RateLimit(limiter *AccountLimiter, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var key string
			if id, ok := AccountIDFromCtx(r.Context()); ok {
				key = "account:" + id.String()
			} else {
				ip, _, err := net.SplitHostPort(r.RemoteAddr)
				if err != nil {
					ip = r.RemoteAddr
				}
				key = "ip:" + ip
			}
			if !limiter.Allow(key) {
				respond.Error(w, log, apperrors.ErrRateLimited.WithMessage("too many requests"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
