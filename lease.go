package leaseguard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// RenewFunc performs the real external renewal (e.g. re-registering a mailbox
// push subscription) and returns when the renewed resource expires.
type RenewFunc func(ctx context.Context) (time.Time, error)

// errNoExpiry is logged when a renewal reports success without an expiry.
var errNoExpiry = errors.New("renewal returned no expiry in the future")

// LeaseCoordinator keeps one named external lease fresh across many workers
// sharing a TransactionalStore. At most one worker renews per cycle; a worker
// that crashes mid-renewal is superseded once its claim is older than the
// claim timeout.
//
// The in-process expiry cache is a read-through optimization only. A fresh
// instance (cold start) starts empty and falls back to the store.
type LeaseCoordinator struct {
	store   TransactionalStore
	name    string
	key     string
	options options

	mu        sync.RWMutex
	expiresAt time.Time
}

// NewLeaseCoordinator creates a coordinator for the lease stored at "system/<name>".
func NewLeaseCoordinator(store TransactionalStore, name string, opts ...Option) (*LeaseCoordinator, error) {
	var key = "system/" + name
	if err := ValidateKey(key); err != nil {
		return nil, fmt.Errorf("invalid lease name %q: %w", name, err)
	}

	var options = buildOptions(opts)
	if options.renewTimeout >= options.claimTimeout {
		return nil, fmt.Errorf("renew timeout %s must be shorter than claim timeout %s", options.renewTimeout, options.claimTimeout)
	}

	return &LeaseCoordinator{
		store:   store,
		name:    name,
		key:     key,
		options: options,
	}, nil
}

// ShouldClaim decides whether a worker observing record at now should claim the
// renewal. It is false while the lease is confirmed fresh beyond buffer, and
// false while another worker's claim is younger than claimTimeout. Everything
// else (missing, expired, expiring within buffer, stale claim, partial record)
// needs renewal. An expiry exactly at now+buffer needs renewal.
func ShouldClaim(record LeaseRecord, now time.Time, buffer, claimTimeout time.Duration) bool {
	if record.Status == LeaseCompleted && !record.ExpiresAt.IsZero() && record.ExpiresAt.After(now.Add(buffer)) {
		return false
	}

	if record.Status == LeaseRenewing && !record.ClaimedAt.IsZero() && now.Sub(record.ClaimedAt) < claimTimeout {
		return false
	}

	return true
}

// Ensure renews the lease through renew if it is due and this worker wins the
// claim. Renewal failures are logged and swallowed: the claim expires on its own
// and a later call retries. Only store failures are returned, in which case the
// caller should skip this cycle rather than fail its invocation.
func (c *LeaseCoordinator) Ensure(ctx context.Context, renew RenewFunc) error {
	var now = c.options.now()

	if c.cachedFresh(now) {
		c.options.metrics.leaseCheck(c.name, "cached")
		return nil
	}

	var claimed, observed, err = c.tryClaim(ctx, now)
	if err != nil {
		return err
	}

	if !claimed {
		c.remember(observed.ExpiresAt)
		c.options.metrics.leaseCheck(c.name, "skipped")
		c.options.logger.Debug("lease renewal not needed by this worker",
			"lease", c.name,
			"status", observed.Status,
			"expires_at", observed.ExpiresAt)
		return nil
	}

	c.options.metrics.leaseCheck(c.name, "claimed")
	c.options.logger.Info("claimed lease renewal",
		"lease", c.name,
		"holder", c.options.holderID,
		"previous_expires_at", observed.ExpiresAt)

	expiresAt, err := c.renew(ctx, renew, now)
	if err != nil {
		c.options.metrics.leaseRenewal(c.name, "failure")
		c.options.logger.Warn("lease renewal failed, claim will expire",
			"lease", c.name,
			"claim_timeout", c.options.claimTimeout,
			"error", err)
		return nil
	}
	c.options.metrics.leaseRenewal(c.name, "success")

	// The renewal happened whether or not the confirmation lands.
	c.remember(expiresAt)

	if err := c.confirm(ctx, expiresAt, c.options.now()); err != nil {
		return err
	}

	c.options.logger.Info("lease renewed",
		"lease", c.name,
		"expires_at", expiresAt)
	return nil
}

// Status reads the current lease record from the store.
func (c *LeaseCoordinator) Status(ctx context.Context) (LeaseRecord, error) {
	var storeCtx, cancel = context.WithTimeout(ctx, c.options.storeTimeout)
	defer cancel()

	var doc, err = c.store.Get(storeCtx, c.key)
	if err != nil {
		return LeaseRecord{}, fmt.Errorf("failed to read lease %q: %w", c.name, err)
	}
	return decodeLease(doc), nil
}

// Name returns the lease name.
func (c *LeaseCoordinator) Name() string {
	return c.name
}

// tryClaim runs the claim transaction and returns whether this worker won,
// along with the record it observed.
func (c *LeaseCoordinator) tryClaim(ctx context.Context, now time.Time) (bool, LeaseRecord, error) {
	var storeCtx, cancel = context.WithTimeout(ctx, c.options.storeTimeout)
	defer cancel()

	var (
		claimed  bool
		observed LeaseRecord
	)
	err := c.store.RunTransaction(storeCtx, c.key, func(doc *Document) (Fields, error) {
		observed = decodeLease(doc)
		claimed = ShouldClaim(observed, now, c.options.renewBuffer, c.options.claimTimeout)
		if !claimed {
			return nil, nil
		}

		// expiresAt is left untouched by the merge.
		return Fields{
			fieldStatus:    string(LeaseRenewing),
			fieldClaimedAt: now,
			fieldClaimedBy: c.options.holderID,
		}, nil
	})
	if err != nil {
		return false, LeaseRecord{}, fmt.Errorf("failed to claim lease %q: %w", c.name, err)
	}

	return claimed, observed, nil
}

func (c *LeaseCoordinator) renew(ctx context.Context, renew RenewFunc, now time.Time) (time.Time, error) {
	var renewCtx, cancel = context.WithTimeout(ctx, c.options.renewTimeout)
	defer cancel()

	expiresAt, err := renew(renewCtx)
	if err != nil {
		return time.Time{}, err
	}
	if !expiresAt.After(now) {
		return time.Time{}, fmt.Errorf("%w: %s", errNoExpiry, expiresAt)
	}
	return expiresAt.UTC(), nil
}

func (c *LeaseCoordinator) confirm(ctx context.Context, expiresAt, now time.Time) error {
	var storeCtx, cancel = context.WithTimeout(ctx, c.options.storeTimeout)
	defer cancel()

	err := c.store.Set(storeCtx, c.key, Fields{
		fieldStatus:      string(LeaseCompleted),
		fieldExpiresAt:   expiresAt,
		fieldCompletedAt: now,
	})
	if err != nil {
		return fmt.Errorf("failed to confirm lease %q renewal: %w", c.name, err)
	}
	return nil
}

func (c *LeaseCoordinator) cachedFresh(now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.expiresAt.IsZero() && c.expiresAt.After(now.Add(c.options.renewBuffer))
}

func (c *LeaseCoordinator) remember(expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expiresAt = expiresAt
}
