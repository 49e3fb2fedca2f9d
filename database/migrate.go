package database

import (
	"database/sql"
	"fmt"
)

var (
	createDocumentsTableSQL = `
CREATE TABLE IF NOT EXISTS %s_documents (
    key           VARCHAR       NOT NULL,
    fields        JSONB         NOT NULL DEFAULT '{}'::jsonb,
    updated_at    TIMESTAMPTZ   NOT NULL DEFAULT now(),

    PRIMARY KEY (key)
);`

	createDocumentsIndexSQL = `
CREATE INDEX IF NOT EXISTS %s
ON %s_documents (key text_pattern_ops);`
)

// Migrate creates the documents table and its prefix index.
func Migrate(db *sql.DB, namespace string) error {
	if err := createDocumentsTable(db, namespace); err != nil {
		return err
	}

	if err := createDocumentsIndex(db, namespace); err != nil {
		return err
	}

	return nil
}

func createDocumentsTable(db *sql.DB, namespace string) error {
	var query = fmt.Sprintf(createDocumentsTableSQL, namespace)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create documents table: %w", err)
	}
	return nil
}

func createDocumentsIndex(db *sql.DB, namespace string) error {
	var (
		indexName = fmt.Sprintf("%s_documents_key_prefix_idx", namespace)
		query     = fmt.Sprintf(createDocumentsIndexSQL, indexName, namespace)
	)
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create documents index: %w", err)
	}
	return nil
}
