package leaseguard

import (
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// options configures stores, coordinators and guards (internal only).
type options struct {
	renewBuffer      time.Duration
	claimTimeout     time.Duration
	renewTimeout     time.Duration
	storeTimeout     time.Duration
	taskClaimTimeout time.Duration
	maxAttempts      int
	retryBackoff     time.Duration
	holderID         string
	now              func() time.Time
	metrics          *Metrics
	logger           *slog.Logger
}

// defaultOptions returns sensible defaults.
func defaultOptions() options {
	return options{
		renewBuffer:      24 * time.Hour,
		claimTimeout:     60 * time.Second,
		renewTimeout:     30 * time.Second,
		storeTimeout:     10 * time.Second,
		taskClaimTimeout: 0,
		maxAttempts:      5,
		retryBackoff:     20 * time.Millisecond,
		holderID:         uuid.NewString(),
		now:              time.Now,
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func buildOptions(opts []Option) options {
	var o = defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option is a functional option shared by every component in this package.
// Each component reads only the settings that apply to it.
type Option func(*options)

// WithRenewBuffer sets how long before expiry a lease is considered due for renewal.
// DEFAULT: 24h
func WithRenewBuffer(d time.Duration) Option {
	return func(o *options) {
		o.renewBuffer = d
	}
}

// WithClaimTimeout sets how long a renewal claim is respected before another
// worker may assume the claimant crashed.
// DEFAULT: 60s
func WithClaimTimeout(d time.Duration) Option {
	return func(o *options) {
		o.claimTimeout = d
	}
}

// WithRenewTimeout bounds the external renewal call made after winning a claim.
// It must be shorter than the claim timeout.
// DEFAULT: 30s
func WithRenewTimeout(d time.Duration) Option {
	return func(o *options) {
		o.renewTimeout = d
	}
}

// WithStoreTimeout bounds each store round-trip (transaction or write).
// DEFAULT: 10s
func WithStoreTimeout(d time.Duration) Option {
	return func(o *options) {
		o.storeTimeout = d
	}
}

// WithTaskClaimTimeout lets a task stuck in "claimed" for longer than d be
// claimed again. Zero disables reclaiming.
// DEFAULT: 0 (a claimed task is never re-claimed)
func WithTaskClaimTimeout(d time.Duration) Option {
	return func(o *options) {
		o.taskClaimTimeout = d
	}
}

// WithMaxAttempts sets how many times a store retries a conflicting transaction.
// DEFAULT: 5
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n < 1 {
			n = 1
		}
		o.maxAttempts = n
	}
}

// WithHolderID sets the identity written into claims made by this process.
// DEFAULT: a random UUID
func WithHolderID(id string) Option {
	return func(o *options) {
		if id != "" {
			o.holderID = id
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMetrics records coordination outcomes on m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithLogger sets the logger.
// If the logger is nil, a no-op logger is used.
// DEFAULT: A no-op logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}

		o.logger = logger
	}
}
