package database

import "time"

// DocumentRecord represents a stored document row.
// Fields holds the raw JSONB object.
type DocumentRecord struct {
	Key       string
	Fields    []byte
	UpdatedAt time.Time
}
