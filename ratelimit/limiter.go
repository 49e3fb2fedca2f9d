package ratelimit

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Limiter throttles requests per key using process-local memory only. Replicas
// each keep their own state, so limits hold per instance, not globally. State
// is lost on restart. Keys idle for longer than their cooldown or window are
// dropped by a sweep that runs at most once per sweep interval.
type Limiter struct {
	mu         sync.Mutex
	lastSentAt map[string]cooldownState
	recentHits map[string]*windowState

	lastSweep     time.Time
	sweepInterval time.Duration

	now        func() time.Time
	logger     *slog.Logger
	rejections *prometheus.CounterVec
}

type cooldownState struct {
	last     time.Time
	cooldown time.Duration
}

type windowState struct {
	hits   *ring
	window time.Duration
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source.
// DEFAULT: time.Now
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithLogger sets the logger for rejected requests.
// DEFAULT: discard
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithSweepInterval sets how often idle keys are dropped.
// DEFAULT: 1m
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) {
		l.sweepInterval = d
	}
}

// WithMetrics registers a rejection counter on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(l *Limiter) {
		l.rejections = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "leaseguard_ratelimit_rejections_total",
			Help: "Requests rejected by the in-process rate limiter, by policy.",
		}, []string{"policy"})
	}
}

// New creates a Limiter with empty state.
func New(opts ...Option) *Limiter {
	var l = &Limiter{
		lastSentAt:    make(map[string]cooldownState),
		recentHits:    make(map[string]*windowState),
		sweepInterval: time.Minute,
		now:           time.Now,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.lastSweep = l.now()
	return l
}

// CheckCooldown allows key at most once per cooldown. An allowed call records
// the current time; a rejected one leaves the state untouched.
func (l *Limiter) CheckCooldown(key string, cooldown time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	var now = l.now()
	l.maybeSweep(now)

	if state, ok := l.lastSentAt[key]; ok && now.Sub(state.last) < cooldown {
		l.reject("cooldown", key)
		return false
	}

	l.lastSentAt[key] = cooldownState{last: now, cooldown: cooldown}
	return true
}

// CooldownRemaining returns how long key has to wait before CheckCooldown
// would allow it again, or 0.
func (l *Limiter) CooldownRemaining(key string, cooldown time.Duration) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	var state, ok = l.lastSentAt[key]
	if !ok {
		return 0
	}
	var remaining = cooldown - l.now().Sub(state.last)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CheckSlidingWindow allows at most maxRequests calls for key within any
// trailing window. Only the last maxRequests allowed timestamps are kept; a
// request is rejected when all of them fall within window of now. Rejected
// requests are not recorded. maxRequests <= 0 rejects everything.
func (l *Limiter) CheckSlidingWindow(key string, maxRequests int, window time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if maxRequests <= 0 {
		l.reject("sliding_window", key)
		return false
	}

	var now = l.now()
	l.maybeSweep(now)

	var state, ok = l.recentHits[key]
	if !ok {
		state = &windowState{hits: newRing(maxRequests)}
		l.recentHits[key] = state
	} else if state.hits.capacity() != maxRequests {
		state.hits = state.hits.resize(maxRequests)
	}
	state.window = window

	if state.hits.full() && now.Sub(state.hits.oldest()) < window {
		l.reject("sliding_window", key)
		return false
	}

	state.hits.push(now)
	return true
}

// Reset forgets all state.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	clear(l.lastSentAt)
	clear(l.recentHits)
}

// maybeSweep must be called with the lock held.
func (l *Limiter) maybeSweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.sweepInterval {
		return
	}
	l.lastSweep = now
	l.sweep(now)
}

// sweep drops keys whose state can no longer reject anything. Must be called
// with the lock held.
func (l *Limiter) sweep(now time.Time) {
	for key, state := range l.lastSentAt {
		if now.Sub(state.last) >= state.cooldown {
			delete(l.lastSentAt, key)
		}
	}
	for key, state := range l.recentHits {
		if state.hits.size == 0 || now.Sub(state.hits.newest()) >= state.window {
			delete(l.recentHits, key)
		}
	}
}

// reject must be called with the lock held.
func (l *Limiter) reject(policy, key string) {
	if l.rejections != nil {
		l.rejections.WithLabelValues(policy).Inc()
	}
	l.logger.Debug("rate limited", "policy", policy, "key", key)
}
