package middleware

import (
	"net/http"
	"time"

	"github.com/roomchat/internal/logger"
)

// RequestLog times every request and reports server errors with the client address.
// Slow requests are logged by DeferLogDuration; the rest only at debug level.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		defer logger.DeferLogDuration("http "+r.Method+" "+r.URL.Path, start)()
		next.ServeHTTP(wrap, r)

		if wrap.status >= http.StatusInternalServerError {
			logger.Warnf("http %s %s -> %d from %s in %v", r.Method, r.URL.Path, wrap.status, r.RemoteAddr, time.Since(start))
			return
		}
		logger.Debugf("http %s %s -> %d from %s", r.Method, r.URL.Path, wrap.status, r.RemoteAddr)
	})
}
