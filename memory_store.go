package leaseguard

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a process-local TransactionalStore. Transactions are optimistic:
// fn runs on a snapshot taken outside the lock and the write is only applied if
// the document version is unchanged at commit, otherwise the transaction is
// retried. It backs the tests and single-process runs.
type MemoryStore struct {
	mu      sync.Mutex
	docs    map[string]*memoryDoc
	options options

	// beforeCommit, when set, runs between fn and the commit check.
	beforeCommit func(key string)
}

type memoryDoc struct {
	fields    Fields
	version   uint64
	updatedAt time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		docs:    make(map[string]*memoryDoc),
		options: buildOptions(opts),
	}
}

// Get returns a copy of the document at key.
func (s *MemoryStore) Get(ctx context.Context, key string) (*Document, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var doc, _ = s.snapshot(key)
	return doc, nil
}

// Set merges fields into the document at key.
func (s *MemoryStore) Set(ctx context.Context, key string, fields Fields) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.apply(key, fields)
	return nil
}

// RunTransaction runs fn on a snapshot of key and commits its fields if no other
// writer committed to key in the meantime.
func (s *MemoryStore) RunTransaction(ctx context.Context, key string, fn TxFunc) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	for attempt := 1; attempt <= s.options.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		var doc, version = s.snapshot(key)

		fields, err := fn(doc)
		if err != nil {
			return fmt.Errorf("transaction on %q aborted: %w", key, err)
		}
		if fields == nil {
			return nil
		}

		if s.beforeCommit != nil {
			s.beforeCommit(key)
		}

		if s.commit(key, version, fields) {
			return nil
		}

		s.options.metrics.storeConflict()
		s.options.logger.Debug("transaction conflict, retrying",
			"key", key,
			"attempt", attempt)
	}

	return fmt.Errorf("%w: %q after %d attempts", ErrTooManyConflicts, key, s.options.maxAttempts)
}

// List returns all documents whose key starts with prefix, ordered by key.
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	var keys = make([]string, 0, len(s.docs))
	for key := range s.docs {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	s.mu.Unlock()

	sort.Strings(keys)

	var docs = make([]*Document, 0, len(keys))
	for _, key := range keys {
		var doc, _ = s.snapshot(key)
		if doc.Exists {
			docs = append(docs, doc)
		}
	}
	return docs, nil
}

func (s *MemoryStore) snapshot(key string) (*Document, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stored, ok = s.docs[key]
	if !ok {
		return &Document{Key: key, Fields: Fields{}}, 0
	}

	return &Document{
		Key:       key,
		Exists:    true,
		Fields:    stored.fields.Clone(),
		UpdatedAt: stored.updatedAt,
	}, stored.version
}

func (s *MemoryStore) commit(key string, version uint64, fields Fields) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current uint64
	if stored, ok := s.docs[key]; ok {
		current = stored.version
	}
	if current != version {
		return false
	}

	s.apply(key, fields)
	return true
}

// apply merges fields and bumps the version. Must be called with lock held.
func (s *MemoryStore) apply(key string, fields Fields) {
	var stored, ok = s.docs[key]
	if !ok {
		stored = &memoryDoc{fields: Fields{}}
		s.docs[key] = stored
	}

	stored.fields.merge(fields)
	stored.version++
	stored.updatedAt = s.options.now()
}
