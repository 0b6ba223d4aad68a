package httpx

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const rateLimiterSweepInterval = 5 * time.Minute

// RateLimiter counts hits per bucket in fixed windows aligned to the clock,
// so every replica agrees on where a window starts.
type RateLimiter interface {
	Allow(bucket string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

func (d rateDecision) remaining(limit int) int {
	return max(limit-d.count, 0)
}

// rateScope is what a request is counted against: the caller's user id, or
// the peer address when the route is anonymous.
type rateScope struct {
	kind string
	id   string
}

func requestScope(req *http.Request) rateScope {
	if info, ok := authInfoFromContext(req.Context()); ok && info.UserID != "" {
		return rateScope{kind: "user", id: info.UserID}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil || host == "" {
		host = "unknown"
	}
	return rateScope{kind: "ip", id: host}
}

// bucket keys counts by route and scope, e.g. "/ws/terminal|user:u1".
func (s rateScope) bucket(route string) string {
	return route + "|" + s.kind + ":" + s.id
}

func windowBounds(now time.Time, window time.Duration) (time.Time, time.Time) {
	start := now.Truncate(window)
	return start, start.Add(window)
}

type memoryRateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rateBucket
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type rateBucket struct {
	end   time.Time
	count int
}

// NewMemoryRateLimiter returns a process local limiter.
func NewMemoryRateLimiter() RateLimiter {
	rl := newMemoryRateLimiter(time.Now)
	go rl.sweepLoop()
	return rl
}

func newMemoryRateLimiter(now func() time.Time) *memoryRateLimiter {
	return &memoryRateLimiter{
		buckets: make(map[string]*rateBucket),
		now:     now,
		stop:    make(chan struct{}),
	}
}

func (rl *memoryRateLimiter) Allow(bucket string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}
	_, end := windowBounds(rl.now(), window)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[bucket]
	if !ok || !b.end.Equal(end) {
		b = &rateBucket{end: end}
		rl.buckets[bucket] = b
	}
	if b.count >= limit {
		return rateDecision{count: b.count, windowEnd: b.end}
	}
	b.count++
	return rateDecision{allowed: true, count: b.count, windowEnd: b.end}
}

func (rl *memoryRateLimiter) sweepLoop() {
	ticker := time.NewTicker(rateLimiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep()
		case <-rl.stop:
			return
		}
	}
}

// sweep forgets buckets whose window has ended.
func (rl *memoryRateLimiter) sweep() {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for bucket, b := range rl.buckets {
		if !now.Before(b.end) {
			delete(rl.buckets, bucket)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() { close(rl.stop) })
}

// withRateLimit charges each request to its route and scope. Rejected
// requests get 429 with Retry-After.
func (r *Router) withRateLimit(route string, limit int, window time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		scope := requestScope(req)
		decision := r.limiter.Allow(scope.bucket(route), limit, window)
		setRateHeaders(w.Header(), limit, decision, time.Now())
		if !decision.allowed {
			r.metrics.recordRateLimitHit(route, scope.kind)
			writeErrorCode(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

func (r *Router) handlerAuthRate(route string, limit int, window time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(r.withRateLimit(route, limit, window, next))
}

func setRateHeaders(h http.Header, limit int, decision rateDecision, now time.Time) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(decision.remaining(limit)))
	if decision.windowEnd.IsZero() {
		return
	}
	h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	if !decision.allowed {
		h.Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.windowEnd, now)))
	}
}

func retryAfterSeconds(windowEnd, now time.Time) int {
	wait := windowEnd.Sub(now)
	if wait <= time.Second {
		return 1
	}
	return int((wait + time.Second - 1) / time.Second)
}
