package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Middleware rejects requests from a client address with 429 once it exceeds
// maxRequests within window.
func Middleware(l *Limiter, maxRequests int, window time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.CheckSlidingWindow(ClientIP(r), maxRequests, window) {
				w.Header().Set("Retry-After", retryAfter(window))
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the first X-Forwarded-For entry, which is the original
// client behind a load balancer, or the host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		var first, _, _ = strings.Cut(forwarded, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	var host, _, err = net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func retryAfter(window time.Duration) string {
	var seconds = int(window.Round(time.Second) / time.Second)
	return strconv.Itoa(max(seconds, 1))
}
