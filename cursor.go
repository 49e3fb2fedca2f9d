package leaseguard

import (
	"context"
	"fmt"
	"strconv"
)

const (
	cursorKey          = "system/mail_sync"
	fieldLastHistoryID = "lastHistoryId"
)

// HistoryCursor remembers the last mailbox history id that was processed.
// It only ever moves forward, so an old notification delivered late cannot
// rewind it.
type HistoryCursor struct {
	store   TransactionalStore
	options options
}

// NewHistoryCursor creates a cursor stored in the shared document store.
func NewHistoryCursor(store TransactionalStore, opts ...Option) *HistoryCursor {
	return &HistoryCursor{
		store:   store,
		options: buildOptions(opts),
	}
}

// Get returns the last processed history id, and false if none was recorded.
func (c *HistoryCursor) Get(ctx context.Context) (uint64, bool, error) {
	var storeCtx, cancel = context.WithTimeout(ctx, c.options.storeTimeout)
	defer cancel()

	var doc, err = c.store.Get(storeCtx, cursorKey)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read history cursor: %w", err)
	}

	var id, ok = doc.Fields.Uint(fieldLastHistoryID)
	return id, ok && doc.Exists, nil
}

// Advance moves the cursor to id if id is newer, and reports whether it moved.
func (c *HistoryCursor) Advance(ctx context.Context, id uint64) (bool, error) {
	var storeCtx, cancel = context.WithTimeout(ctx, c.options.storeTimeout)
	defer cancel()

	var moved bool
	err := c.store.RunTransaction(storeCtx, cursorKey, func(doc *Document) (Fields, error) {
		var current, ok = doc.Fields.Uint(fieldLastHistoryID)
		moved = !ok || id > current
		if !moved {
			return nil, nil
		}
		// Stored as a decimal string so JSON round trips keep full precision.
		return Fields{fieldLastHistoryID: strconv.FormatUint(id, 10)}, nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to advance history cursor: %w", err)
	}
	return moved, nil
}
