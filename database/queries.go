package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// DBTX is an interface that both sql.DB and sql.Tx implement.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Queries provides namespace-aware document operations.
type Queries struct {
	db        DBTX
	namespace string
}

// NewQueries creates a new Queries instance for the given table namespace.
func NewQueries(db DBTX, namespace string) *Queries {
	return &Queries{
		db:        db,
		namespace: namespace,
	}
}

// WithTx returns a copy of q that runs its statements inside tx.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{
		db:        tx,
		namespace: q.namespace,
	}
}

var (
	getDocumentSQL = `
SELECT key, fields, updated_at
FROM %s_documents
WHERE key = $1;`

	lockDocumentSQL = `
SELECT key, fields, updated_at
FROM %s_documents
WHERE key = $1
FOR UPDATE;`

	listDocumentsSQL = `
SELECT key, fields, updated_at
FROM %s_documents
WHERE key LIKE $1
ORDER BY key ASC;`

	insertDocumentSQL = `
INSERT INTO %s_documents (key, fields, updated_at)
VALUES ($1, $2::jsonb, now());`

	updateDocumentSQL = `
UPDATE %s_documents
SET fields = fields || $2::jsonb,
    updated_at = now()
WHERE key = $1;`

	mergeDocumentSQL = `
INSERT INTO %s_documents (key, fields, updated_at)
VALUES ($1, $2::jsonb, now())
ON CONFLICT (key)
DO UPDATE SET
    fields = %s_documents.fields || EXCLUDED.fields,
    updated_at = EXCLUDED.updated_at;`
)

// GetDocument retrieves a single document by key, or nil if it does not exist.
func (q *Queries) GetDocument(ctx context.Context, key string) (*DocumentRecord, error) {
	var record, err = q.scanOne(ctx, getDocumentSQL, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return record, nil
}

// LockDocument reads a document and holds a row lock until the surrounding
// transaction ends. Returns nil if the document does not exist, in which case
// nothing is locked and a later InsertDocument decides the race.
func (q *Queries) LockDocument(ctx context.Context, key string) (*DocumentRecord, error) {
	var record, err = q.scanOne(ctx, lockDocumentSQL, key)
	if err != nil {
		return nil, fmt.Errorf("failed to lock document: %w", err)
	}
	return record, nil
}

// ListDocuments returns all documents whose key starts with prefix, ordered by key.
func (q *Queries) ListDocuments(ctx context.Context, prefix string) ([]*DocumentRecord, error) {
	var (
		query     = fmt.Sprintf(listDocumentsSQL, q.namespace)
		rows, err = q.db.QueryContext(ctx, query, escapeLike(prefix)+"%")
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var documents []*DocumentRecord
	for rows.Next() {
		var document DocumentRecord
		if err := rows.Scan(&document.Key, &document.Fields, &document.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		documents = append(documents, &document)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return documents, nil
}

// InsertDocument creates a document. It fails with a unique violation if the key
// already exists.
func (q *Queries) InsertDocument(ctx context.Context, key string, fields []byte) error {
	var query = fmt.Sprintf(insertDocumentSQL, q.namespace)
	if _, err := q.db.ExecContext(ctx, query, key, string(fields)); err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

// UpdateDocument merges fields into an existing document.
func (q *Queries) UpdateDocument(ctx context.Context, key string, fields []byte) error {
	var query = fmt.Sprintf(updateDocumentSQL, q.namespace)
	result, err := q.db.ExecContext(ctx, query, key, string(fields))
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("failed to update document %q: %w", key, sql.ErrNoRows)
	}
	return nil
}

// MergeDocument inserts or merges fields into a document.
func (q *Queries) MergeDocument(ctx context.Context, key string, fields []byte) error {
	var query = fmt.Sprintf(mergeDocumentSQL, q.namespace, q.namespace)
	if _, err := q.db.ExecContext(ctx, query, key, string(fields)); err != nil {
		return fmt.Errorf("failed to merge document: %w", err)
	}
	return nil
}

func (q *Queries) scanOne(ctx context.Context, template string, key string) (*DocumentRecord, error) {
	var (
		query    = fmt.Sprintf(template, q.namespace)
		document DocumentRecord
		err      = q.db.QueryRowContext(ctx, query, key).Scan(
			&document.Key, &document.Fields, &document.UpdatedAt,
		)
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &document, nil
}

func escapeLike(s string) string {
	var replacer = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(s)
}
