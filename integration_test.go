package leaseguard

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go-leaseguard/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration(t *testing.T) {
	const (
		testNamespace = "coach"
		workers       = 8
	)

	var (
		newDb = func(t *testing.T) *sql.DB {
			return database.SetupTestDatabase(t)
		}
		newCtx = func() context.Context {
			return context.Background()
		}
		newStore = func(t *testing.T, db *sql.DB, opts ...Option) *PostgresStore {
			store, err := NewPostgresStore(db, testNamespace, append([]Option{WithMaxAttempts(10)}, opts...)...)
			require.NoError(t, err)
			return store
		}
	)

	t.Run("should renew the lease once across competing instances", func(t *testing.T) {
		t.Parallel()

		var (
			db     = newDb(t)
			ctx    = newCtx()
			renews atomic.Int64
			wg     sync.WaitGroup
			nodes  = make([]*LeaseCoordinator, workers)
		)

		// Each worker gets its own store, like separate processes sharing a database.
		for i := range nodes {
			node, err := NewLeaseCoordinator(newStore(t, db), "mail_watch")
			require.NoError(t, err)
			nodes[i] = node
		}

		var renew = func(context.Context) (time.Time, error) {
			renews.Add(1)
			time.Sleep(100 * time.Millisecond)
			return time.Now().Add(7 * 24 * time.Hour), nil
		}

		for _, node := range nodes {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, node.Ensure(ctx, renew))
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(1), renews.Load(), "exactly one worker should call the mailbox")

		// Workers that skipped mid-renewal now read the confirmed lease.
		for _, node := range nodes {
			require.NoError(t, node.Ensure(ctx, renew))
		}
		assert.Equal(t, int64(1), renews.Load())

		var record, err = nodes[0].Status(ctx)
		require.NoError(t, err)
		assert.Equal(t, LeaseCompleted, record.Status)
		assert.True(t, record.ExpiresAt.After(time.Now().Add(6*24*time.Hour)))
	})

	t.Run("should hand a task to exactly one claimer", func(t *testing.T) {
		t.Parallel()

		var (
			db      = newDb(t)
			ctx     = newCtx()
			wins    atomic.Int64
			wg      sync.WaitGroup
			creator = NewTaskClaimGuard(newStore(t, db))
		)

		key, err := creator.Schedule(ctx, "student@example.com", Fields{"scenarioId": "s1"})
		require.NoError(t, err)

		var guards = make([]*TaskClaimGuard, workers)
		for i := range guards {
			guards[i] = NewTaskClaimGuard(newStore(t, db))
		}

		for _, guard := range guards {
			wg.Add(1)
			go func() {
				defer wg.Done()
				won, claimErr := guard.TryClaim(ctx, key)
				assert.NoError(t, claimErr)
				if won {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(1), wins.Load())

		var record, getErr = creator.Get(ctx, key)
		require.NoError(t, getErr)
		assert.Equal(t, TaskClaimed, record.Status)
		assert.Equal(t, "s1", record.Payload.String("scenarioId"))
	})

	t.Run("should complete a task and clear the active pointer", func(t *testing.T) {
		t.Parallel()

		var (
			db    = newDb(t)
			ctx   = newCtx()
			guard = NewTaskClaimGuard(newStore(t, db))
		)

		key, err := guard.Schedule(ctx, "student@example.com", nil)
		require.NoError(t, err)
		won, err := guard.TryClaim(ctx, key)
		require.NoError(t, err)
		require.True(t, won)

		require.NoError(t, guard.MarkComplete(ctx, key, Fields{"score": 7}))
		require.NoError(t, guard.MarkComplete(ctx, key, Fields{"score": 7}))

		var record, getErr = guard.Get(ctx, key)
		require.NoError(t, getErr)
		assert.Equal(t, TaskCompleted, record.Status)
		var score, _ = record.Result.Uint("score")
		assert.Equal(t, uint64(7), score)

		var _, active, activeErr = guard.ActiveTask(ctx, "student@example.com")
		require.NoError(t, activeErr)
		assert.False(t, active)
	})

	t.Run("should advance the history cursor only forward", func(t *testing.T) {
		t.Parallel()

		var (
			db     = newDb(t)
			ctx    = newCtx()
			cursor = NewHistoryCursor(newStore(t, db))
		)

		_, err := cursor.Advance(ctx, 500)
		require.NoError(t, err)
		moved, err := cursor.Advance(ctx, 400)
		require.NoError(t, err)

		var id, ok, getErr = cursor.Get(ctx)
		require.NoError(t, getErr)
		assert.False(t, moved)
		assert.True(t, ok)
		assert.Equal(t, uint64(500), id)
	})
}
