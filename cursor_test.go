package leaseguard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistoryCursor(t *testing.T) {
	var ctx = context.Background()

	t.Run("should report no cursor before the first advance", func(t *testing.T) {
		// Arrange
		var sut = NewHistoryCursor(NewMemoryStore())

		// Act
		var id, ok, err = sut.Get(ctx)

		// Assert
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Zero(t, id)
	})

	t.Run("should only move forward", func(t *testing.T) {
		// Arrange
		var sut = NewHistoryCursor(NewMemoryStore())

		// Act
		first, err1 := sut.Advance(ctx, 1200)
		stale, err2 := sut.Advance(ctx, 1100)
		same, err3 := sut.Advance(ctx, 1200)
		newer, err4 := sut.Advance(ctx, 1300)

		// Assert
		require.NoError(t, err1)
		require.NoError(t, err2)
		require.NoError(t, err3)
		require.NoError(t, err4)
		assert.True(t, first)
		assert.False(t, stale)
		assert.False(t, same)
		assert.True(t, newer)

		var id, ok, err = sut.Get(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, uint64(1300), id)
	})

	t.Run("should keep ids beyond float precision", func(t *testing.T) {
		// Arrange
		const big = uint64(1<<53 + 1)
		var (
			store = NewMemoryStore()
			sut   = NewHistoryCursor(store)
		)

		// Act
		_, err := sut.Advance(ctx, big)
		require.NoError(t, err)

		// Assert
		var doc, getErr = store.Get(ctx, cursorKey)
		require.NoError(t, getErr)
		assert.Equal(t, "9007199254740993", doc.Fields.String(fieldLastHistoryID))

		var id, _, idErr = sut.Get(ctx)
		require.NoError(t, idErr)
		assert.Equal(t, big, id)
	})

	t.Run("should surface store errors", func(t *testing.T) {
		// Arrange
		var sut = NewHistoryCursor(failingStore{})

		// Act
		var _, err = sut.Advance(ctx, 1)

		// Assert
		assert.ErrorIs(t, err, errStoreDown)
	})
}
