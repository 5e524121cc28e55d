package middleware

import (
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

const (
	apiRatePerIP   = 200.0 / 60
	apiBurstPerIP  = 50
	apiRatePerUser = 100.0 / 60
	apiBurstUser   = 30
)

type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   rate.Limit
	burst int
}

func newLimiterPool(rps float64, burst int) *limiterPool {
	return &limiterPool{m: make(map[string]*rate.Limiter), rps: rate.Limit(rps), burst: burst}
}

func (p *limiterPool) allow(key string) bool {
	p.mu.Lock()
	l, ok := p.m[key]
	if !ok {
		l = rate.NewLimiter(p.rps, p.burst)
		p.m[key] = l
	}
	p.mu.Unlock()
	return l.Allow()
}

// RateLimitAPI limits /api/* requests by client IP and, when authenticated, by user id.
func RateLimitAPI() func(http.Handler) http.Handler {
	byIP := newLimiterPool(apiRatePerIP, apiBurstPerIP)
	byUser := newLimiterPool(apiRatePerUser, apiBurstUser)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// RemoteAddr already carries X-Real-Ip via chi's RealIP
			if !byIP.allow(r.RemoteAddr) {
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			if userID := GetUserID(r.Context()); userID != "" && !byUser.allow("u:"+userID) {
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
