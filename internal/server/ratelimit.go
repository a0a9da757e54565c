package server

import (
	"net/http"
	"sync"
	"time"
)

// rateLimiter is a fixed one-minute window per actor. Requests without an
// actor (public routes) are not counted.
type rateLimiter struct {
	perMinute int
	now       func() time.Time

	mu      sync.Mutex
	windows map[string]*rateWindow
}

type rateWindow struct {
	start time.Time
	count int
}

func newRateLimiter(perMinute int) *rateLimiter {
	return &rateLimiter{perMinute: perMinute, now: time.Now, windows: map[string]*rateWindow{}}
}

func (l *rateLimiter) allow(actorID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	w, ok := l.windows[actorID]
	if !ok || now.Sub(w.start) >= time.Minute {
		// Drop stale windows as we go so the map tracks only recent actors.
		for id, other := range l.windows {
			if now.Sub(other.start) >= time.Minute {
				delete(l.windows, id)
			}
		}
		w = &rateWindow{start: now}
		l.windows[actorID] = w
	}
	w.count++
	return w.count <= l.perMinute
}

func (l *rateLimiter) middleware(next http.Handler) http.Handler {
	if l == nil || l.perMinute <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorFromContext(r.Context())
		if err == nil && !l.allow(actor.ID) {
			w.Header().Set("Retry-After", "60")
			respondStatusError(w, newAPIError(http.StatusTooManyRequests, "", "rate_limited", "rate limit exceeded", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}
