package leaseguard

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrTooManyConflicts is returned when a transaction keeps losing write
	// conflicts and the retry budget is exhausted.
	ErrTooManyConflicts = errors.New("transaction retries exhausted")

	// ErrInvalidKey is returned for empty keys or keys with empty path segments.
	ErrInvalidKey = errors.New("document key must be a non-empty slash path without empty segments")

	// ErrInvalidNamespace is returned when the namespace contains invalid characters
	ErrInvalidNamespace = errors.New("namespace must contain only lowercase letters, numbers, and underscores, and start with a letter")

	// validNamespacePattern validates PostgreSQL-safe identifiers
	validNamespacePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// Document is a snapshot of one stored document.
type Document struct {
	Key       string
	Exists    bool
	Fields    Fields
	UpdatedAt time.Time
}

// TxFunc inspects a consistent snapshot of a document and returns the fields to
// merge into it. Returning nil fields commits nothing. A returned error aborts
// the transaction and is not retried.
type TxFunc func(doc *Document) (Fields, error)

// TransactionalStore is the single source of truth shared by every worker.
// Transactions are linearizable per document key; nothing is promised across keys.
type TransactionalStore interface {
	// Get returns the document at key. A missing document has Exists=false.
	Get(ctx context.Context, key string) (*Document, error)

	// Set merges fields into the document at key, creating it if needed.
	Set(ctx context.Context, key string, fields Fields) error

	// RunTransaction runs fn against a snapshot of key and conditionally writes
	// its result. Conflicting transactions are retried with a fresh snapshot up
	// to a bounded number of attempts, after which ErrTooManyConflicts is returned.
	RunTransaction(ctx context.Context, key string, fn TxFunc) error
}

// ValidateKey checks that key is a usable document path.
func ValidateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}

	for _, segment := range strings.Split(key, "/") {
		if segment == "" {
			return ErrInvalidKey
		}
	}

	return nil
}

// ValidateNamespace checks if the namespace is valid for use as a PostgreSQL identifier.
func ValidateNamespace(namespace string) error {
	if namespace == "" {
		return errors.New("namespace cannot be empty")
	}

	if len(namespace) > 63 {
		return errors.New("namespace must be 63 characters or less")
	}

	if !validNamespacePattern.MatchString(namespace) {
		return ErrInvalidNamespace
	}

	return nil
}
