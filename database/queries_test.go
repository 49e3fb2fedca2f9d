package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueries(t *testing.T) {
	const namespace = "test_leaseguard"

	var (
		newDb = func(t *testing.T) (*sql.DB, *Queries) {
			var db = SetupTestDatabase(t)
			err := Migrate(db, namespace)
			require.NoError(t, err)
			return db, NewQueries(db, namespace)
		}
		newCtx = func() context.Context {
			return context.Background()
		}
		fieldsOf = func(t *testing.T, record *DocumentRecord) map[string]any {
			var fields map[string]any
			require.NoError(t, json.Unmarshal(record.Fields, &fields))
			return fields
		}
	)

	t.Run("should merge and get document", func(t *testing.T) {
		// Arrange
		var (
			_, sut = newDb(t)
			ctx    = newCtx()
		)

		// Act
		err := sut.MergeDocument(ctx, "system/watch_status", []byte(`{"status":"renewing"}`))
		require.NoError(t, err)

		var retrieved, getErr = sut.GetDocument(ctx, "system/watch_status")

		// Assert
		require.NoError(t, getErr)
		require.NotNil(t, retrieved)
		assert.Equal(t, "system/watch_status", retrieved.Key)
		assert.Equal(t, "renewing", fieldsOf(t, retrieved)["status"])
	})

	t.Run("should return nil for non-existent document", func(t *testing.T) {
		// Arrange
		var (
			_, sut = newDb(t)
			ctx    = newCtx()
		)

		// Act
		var retrieved, err = sut.GetDocument(ctx, "system/missing")

		// Assert
		require.NoError(t, err)
		assert.Nil(t, retrieved)
	})

	t.Run("should keep untouched fields on merge", func(t *testing.T) {
		// Arrange
		var (
			_, sut = newDb(t)
			ctx    = newCtx()
		)
		require.NoError(t, sut.MergeDocument(ctx, "k", []byte(`{"status":"completed","expiresAt":"2030-01-01T00:00:00Z"}`)))

		// Act
		err := sut.MergeDocument(ctx, "k", []byte(`{"status":"renewing"}`))
		require.NoError(t, err)

		var retrieved, getErr = sut.GetDocument(ctx, "k")

		// Assert
		require.NoError(t, getErr)
		var fields = fieldsOf(t, retrieved)
		assert.Equal(t, "renewing", fields["status"])
		assert.Equal(t, "2030-01-01T00:00:00Z", fields["expiresAt"])
	})

	t.Run("should fail update of missing document", func(t *testing.T) {
		// Arrange
		var (
			_, sut = newDb(t)
			ctx    = newCtx()
		)

		// Act
		err := sut.UpdateDocument(ctx, "missing", []byte(`{"a":1}`))

		// Assert
		require.Error(t, err)
		assert.ErrorIs(t, err, sql.ErrNoRows)
	})

	t.Run("should report duplicate insert as retryable", func(t *testing.T) {
		// Arrange
		var (
			_, sut = newDb(t)
			ctx    = newCtx()
		)
		require.NoError(t, sut.InsertDocument(ctx, "k", []byte(`{}`)))

		// Act
		err := sut.InsertDocument(ctx, "k", []byte(`{}`))

		// Assert
		require.Error(t, err)
		assert.True(t, IsRetryable(err))
	})

	t.Run("should list documents by prefix", func(t *testing.T) {
		// Arrange
		var (
			_, sut = newDb(t)
			ctx    = newCtx()
			keys   = []string{
				"users/b@example.com/tasks/2",
				"users/a@example.com/tasks/1",
				"users/a@example.com/tasks/2",
				"users/a@example.com",
			}
		)
		for _, key := range keys {
			require.NoError(t, sut.MergeDocument(ctx, key, []byte(`{}`)))
		}

		// Act
		var retrieved, err = sut.ListDocuments(ctx, "users/a@example.com/tasks/")

		// Assert - ordered by key, other owners excluded
		require.NoError(t, err)
		require.Len(t, retrieved, 2)
		assert.Equal(t, "users/a@example.com/tasks/1", retrieved[0].Key)
		assert.Equal(t, "users/a@example.com/tasks/2", retrieved[1].Key)
	})

	t.Run("should treat underscore in prefix literally", func(t *testing.T) {
		// Arrange
		var (
			_, sut = newDb(t)
			ctx    = newCtx()
		)
		require.NoError(t, sut.MergeDocument(ctx, "a_b/1", []byte(`{}`)))
		require.NoError(t, sut.MergeDocument(ctx, "axb/1", []byte(`{}`)))

		// Act
		var retrieved, err = sut.ListDocuments(ctx, "a_b/")

		// Assert
		require.NoError(t, err)
		require.Len(t, retrieved, 1)
		assert.Equal(t, "a_b/1", retrieved[0].Key)
	})

	t.Run("should serialize lockers on the same row", func(t *testing.T) {
		// Arrange
		var (
			db, sut = newDb(t)
			ctx     = newCtx()
			wg      sync.WaitGroup
		)
		require.NoError(t, sut.MergeDocument(ctx, "counter", []byte(`{"n":0}`)))

		// Act - each worker increments under FOR UPDATE
		for range 5 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tx, err := db.BeginTx(ctx, nil)
				if !assert.NoError(t, err) {
					return
				}
				defer tx.Rollback()

				var q = sut.WithTx(tx)
				record, err := q.LockDocument(ctx, "counter")
				if !assert.NoError(t, err) || !assert.NotNil(t, record) {
					return
				}

				var fields map[string]float64
				if !assert.NoError(t, json.Unmarshal(record.Fields, &fields)) {
					return
				}
				next, _ := json.Marshal(map[string]float64{"n": fields["n"] + 1})
				assert.NoError(t, q.UpdateDocument(ctx, "counter", next))
				assert.NoError(t, tx.Commit())
			}()
		}
		wg.Wait()

		// Assert - no lost updates
		var retrieved, err = sut.GetDocument(ctx, "counter")
		require.NoError(t, err)
		assert.Equal(t, float64(5), fieldsOf(t, retrieved)["n"])
	})
}

func TestIsRetryable(t *testing.T) {
	t.Run("should classify lib/pq codes", func(t *testing.T) {
		assert.True(t, IsRetryable(&pq.Error{Code: "40001"}))
		assert.True(t, IsRetryable(&pq.Error{Code: "40P01"}))
		assert.True(t, IsRetryable(&pq.Error{Code: "23505"}))
		assert.False(t, IsRetryable(&pq.Error{Code: "42P01"}))
	})

	t.Run("should classify pgx codes through wrapping", func(t *testing.T) {
		var err = errors.Join(errors.New("failed to insert document"), &pgconn.PgError{Code: "23505"})
		assert.True(t, IsRetryable(err))
	})

	t.Run("should not retry plain errors", func(t *testing.T) {
		assert.False(t, IsRetryable(nil))
		assert.False(t, IsRetryable(errors.New("connection refused")))
	})
}
