package leaseguard

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskClaimGuard makes a unit of work that can be triggered redundantly run to
// completion once. Each task moves pending -> claimed -> completed, and the
// pending -> claimed step succeeds for exactly one caller.
//
// A worker that crashes after winning a claim leaves the task claimed. Callers
// either Release the claim when their work fails, or opt into reclaiming stale
// claims with WithTaskClaimTimeout.
type TaskClaimGuard struct {
	store   TransactionalStore
	options options
}

// NewTaskClaimGuard creates a guard over store.
func NewTaskClaimGuard(store TransactionalStore, opts ...Option) *TaskClaimGuard {
	return &TaskClaimGuard{
		store:   store,
		options: buildOptions(opts),
	}
}

// ShouldClaimTask decides whether a task in record's state may be claimed at now.
// Only pending tasks are claimable, unless timeout is positive and the current
// claim is older than timeout (or carries no claim time at all).
func ShouldClaimTask(record *TaskRecord, now time.Time, timeout time.Duration) bool {
	if record == nil {
		return false
	}

	switch record.Status {
	case TaskPending:
		return true
	case TaskClaimed:
		if timeout <= 0 {
			return false
		}
		return record.ClaimedAt.IsZero() || now.Sub(record.ClaimedAt) >= timeout
	default:
		return false
	}
}

// Schedule creates a pending task for owner with a fresh id and makes it the
// owner's active task.
func (g *TaskClaimGuard) Schedule(ctx context.Context, owner string, payload Fields) (TaskKey, error) {
	var (
		key = TaskKey{Owner: owner, ID: uuid.NewString()}
		now = g.options.now()
	)
	if err := key.Validate(); err != nil {
		return TaskKey{}, err
	}

	var storeCtx, cancel = context.WithTimeout(ctx, g.options.storeTimeout)
	defer cancel()

	err := g.store.Set(storeCtx, key.path(), Fields{
		fieldStatus:    string(TaskPending),
		fieldOwner:     key.Owner,
		fieldID:        key.ID,
		fieldPayload:   payload,
		fieldCreatedAt: now,
	})
	if err != nil {
		return TaskKey{}, fmt.Errorf("failed to schedule task %s: %w", key, err)
	}

	err = g.store.Set(storeCtx, ownerPath(owner), Fields{
		fieldActiveTaskID: key.ID,
		fieldActiveSince:  now,
	})
	if err != nil {
		return TaskKey{}, fmt.Errorf("failed to activate task %s: %w", key, err)
	}

	g.options.logger.Info("task scheduled", "task_key", key.String())
	return key, nil
}

// ActiveTask returns the owner's active task, if any.
func (g *TaskClaimGuard) ActiveTask(ctx context.Context, owner string) (TaskKey, bool, error) {
	var storeCtx, cancel = context.WithTimeout(ctx, g.options.storeTimeout)
	defer cancel()

	var doc, err = g.store.Get(storeCtx, ownerPath(owner))
	if err != nil {
		return TaskKey{}, false, fmt.Errorf("failed to read owner %q: %w", owner, err)
	}
	if !doc.Exists {
		return TaskKey{}, false, nil
	}

	var id = doc.Fields.String(fieldActiveTaskID)
	if id == "" {
		return TaskKey{}, false, nil
	}
	return TaskKey{Owner: owner, ID: id}, true, nil
}

// Get returns the task record, or nil if it does not exist.
func (g *TaskClaimGuard) Get(ctx context.Context, key TaskKey) (*TaskRecord, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	var storeCtx, cancel = context.WithTimeout(ctx, g.options.storeTimeout)
	defer cancel()

	var doc, err = g.store.Get(storeCtx, key.path())
	if err != nil {
		return nil, fmt.Errorf("failed to read task %s: %w", key, err)
	}
	return decodeTask(key, doc), nil
}

// IsCompleted is a read-only filter meant to run before TryClaim, so duplicate
// notifications for finished work skip the transaction.
func (g *TaskClaimGuard) IsCompleted(ctx context.Context, key TaskKey) (bool, error) {
	var record, err = g.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return record != nil && record.Status == TaskCompleted, nil
}

// TryClaim moves the task from pending to claimed and reports whether this call
// made the transition. Missing, claimed and completed tasks all return false.
func (g *TaskClaimGuard) TryClaim(ctx context.Context, key TaskKey) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}

	var (
		now = g.options.now()
		won bool
	)

	var storeCtx, cancel = context.WithTimeout(ctx, g.options.storeTimeout)
	defer cancel()

	err := g.store.RunTransaction(storeCtx, key.path(), func(doc *Document) (Fields, error) {
		var record = decodeTask(key, doc)
		won = ShouldClaimTask(record, now, g.options.taskClaimTimeout)
		if !won {
			return nil, nil
		}

		if record.Status == TaskClaimed {
			g.options.logger.Warn("reclaiming stale task claim",
				"task_key", key.String(),
				"previous_holder", record.ClaimedBy,
				"claimed_at", record.ClaimedAt)
		}

		return Fields{
			fieldStatus:    string(TaskClaimed),
			fieldClaimedAt: now,
			fieldClaimedBy: g.options.holderID,
		}, nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to claim task %s: %w", key, err)
	}

	if won {
		g.options.metrics.taskTransition("won")
		g.options.logger.Debug("task claimed", "task_key", key.String(), "holder", g.options.holderID)
	} else {
		g.options.metrics.taskTransition("lost")
	}
	return won, nil
}

// MarkComplete records the result and moves the task to completed. It is
// unconditional and idempotent; call it only after winning TryClaim. The owner's
// active task pointer is cleared if it still names this task.
func (g *TaskClaimGuard) MarkComplete(ctx context.Context, key TaskKey, result Fields) error {
	if err := key.Validate(); err != nil {
		return err
	}

	var now = g.options.now()

	var storeCtx, cancel = context.WithTimeout(ctx, g.options.storeTimeout)
	defer cancel()

	err := g.store.Set(storeCtx, key.path(), Fields{
		fieldStatus:      string(TaskCompleted),
		fieldResult:      result,
		fieldCompletedAt: now,
	})
	if err != nil {
		return fmt.Errorf("failed to complete task %s: %w", key, err)
	}
	g.options.metrics.taskTransition("completed")

	// Separate document; the task itself is already complete.
	err = g.store.RunTransaction(storeCtx, ownerPath(key.Owner), func(doc *Document) (Fields, error) {
		if doc.Fields.String(fieldActiveTaskID) != key.ID {
			return nil, nil
		}
		return Fields{
			fieldActiveTaskID: nil,
			fieldActiveSince:  nil,
		}, nil
	})
	if err != nil {
		g.options.logger.Warn("failed to clear active task",
			"task_key", key.String(),
			"error", err)
	}

	return nil
}

// Release hands a claimed task back to pending so another invocation can retry
// it. Only the holder that made the claim can release it; the return value
// reports whether the task was released.
func (g *TaskClaimGuard) Release(ctx context.Context, key TaskKey) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}

	var released bool

	var storeCtx, cancel = context.WithTimeout(ctx, g.options.storeTimeout)
	defer cancel()

	err := g.store.RunTransaction(storeCtx, key.path(), func(doc *Document) (Fields, error) {
		var record = decodeTask(key, doc)
		released = record != nil && record.Status == TaskClaimed && record.ClaimedBy == g.options.holderID
		if !released {
			return nil, nil
		}

		return Fields{
			fieldStatus:    string(TaskPending),
			fieldClaimedAt: nil,
			fieldClaimedBy: nil,
		}, nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to release task %s: %w", key, err)
	}

	if released {
		g.options.metrics.taskTransition("released")
		g.options.logger.Info("task released for retry", "task_key", key.String())
	}
	return released, nil
}
