package leaseguard

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go-leaseguard/database"
)

// PostgresStore is a TransactionalStore backed by one JSONB document table.
// A transaction locks the row with SELECT ... FOR UPDATE; two workers racing to
// create an absent document collide on the primary key and the loser retries.
type PostgresStore struct {
	db        *sql.DB
	namespace string
	queries   *database.Queries
	options   options
}

// NewPostgresStore validates the namespace, runs the migration and returns a store.
// The namespace must be a valid PostgreSQL identifier (lowercase letters, numbers, underscores, starting with a letter).
func NewPostgresStore(db *sql.DB, namespace string, opts ...Option) (*PostgresStore, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, fmt.Errorf("invalid namespace: %w", err)
	}

	if err := database.Migrate(db, namespace); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &PostgresStore{
		db:        db,
		namespace: namespace,
		queries:   database.NewQueries(db, namespace),
		options:   buildOptions(opts),
	}, nil
}

// Get returns the document at key.
func (s *PostgresStore) Get(ctx context.Context, key string) (*Document, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	var record, err = s.queries.GetDocument(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get %q: %w", key, err)
	}

	return decodeRecord(key, record)
}

// Set merges fields into the document at key.
func (s *PostgresStore) Set(ctx context.Context, key string, fields Fields) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	var encoded, err = json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields for %q: %w", key, err)
	}

	if err := s.queries.MergeDocument(ctx, key, encoded); err != nil {
		return fmt.Errorf("failed to set %q: %w", key, err)
	}
	return nil
}

// List returns all documents whose key starts with prefix, ordered by key.
func (s *PostgresStore) List(ctx context.Context, prefix string) ([]*Document, error) {
	var records, err = s.queries.ListDocuments(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", prefix, err)
	}

	var docs = make([]*Document, 0, len(records))
	for _, record := range records {
		var doc, err = decodeRecord(record.Key, record)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// RunTransaction runs fn on a locked snapshot of key and merges its fields in
// the same transaction. Serialization failures, deadlocks and insert races are
// retried with a short jittered backoff.
func (s *PostgresStore) RunTransaction(ctx context.Context, key string, fn TxFunc) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	for attempt := 1; attempt <= s.options.maxAttempts; attempt++ {
		var retry, err = s.runOnce(ctx, key, fn)
		if err == nil {
			return nil
		}
		if !retry {
			return err
		}

		s.options.metrics.storeConflict()
		s.options.logger.Debug("transaction conflict, retrying",
			"key", key,
			"attempt", attempt,
			"error", err)

		if attempt < s.options.maxAttempts {
			if err := sleepContext(ctx, backoff(s.options.retryBackoff, attempt)); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("%w: %q after %d attempts", ErrTooManyConflicts, key, s.options.maxAttempts)
}

// runOnce executes a single transaction attempt. It reports whether a failure
// is a write conflict worth retrying.
func (s *PostgresStore) runOnce(ctx context.Context, key string, fn TxFunc) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.options.logger.Warn("failed to rollback transaction", "key", key, "error", err)
		}
	}()

	var queries = s.queries.WithTx(tx)

	record, err := queries.LockDocument(ctx, key)
	if err != nil {
		return database.IsRetryable(err), fmt.Errorf("failed to read %q: %w", key, err)
	}

	doc, err := decodeRecord(key, record)
	if err != nil {
		return false, err
	}

	fields, err := fn(doc)
	if err != nil {
		return false, fmt.Errorf("transaction on %q aborted: %w", key, err)
	}

	if fields != nil {
		encoded, err := json.Marshal(fields)
		if err != nil {
			return false, fmt.Errorf("failed to encode fields for %q: %w", key, err)
		}

		if record == nil {
			err = queries.InsertDocument(ctx, key, encoded)
		} else {
			err = queries.UpdateDocument(ctx, key, encoded)
		}
		if err != nil {
			return database.IsRetryable(err), fmt.Errorf("failed to write %q: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return database.IsRetryable(err), fmt.Errorf("failed to commit %q: %w", key, err)
	}

	return false, nil
}

func decodeRecord(key string, record *database.DocumentRecord) (*Document, error) {
	if record == nil {
		return &Document{Key: key, Fields: Fields{}}, nil
	}

	var fields = Fields{}
	if len(record.Fields) > 0 {
		if err := json.Unmarshal(record.Fields, &fields); err != nil {
			return nil, fmt.Errorf("failed to decode %q: %w", key, err)
		}
	}

	return &Document{
		Key:       key,
		Exists:    true,
		Fields:    fields,
		UpdatedAt: record.UpdatedAt,
	}, nil
}

// backoff returns base * 2^(attempt-1) with up to 50% jitter.
func backoff(base time.Duration, attempt int) time.Duration {
	var d = base << (attempt - 1)
	if d <= 0 {
		return 0
	}
	return d/2 + rand.N(d/2+1)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	var timer = time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
