package leaseguard

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// LeaseStatus is the renewal state of a lease document.
type LeaseStatus string

const (
	LeaseAbsent    LeaseStatus = "absent"
	LeaseRenewing  LeaseStatus = "renewing"
	LeaseCompleted LeaseStatus = "completed"
)

// TaskStatus is the state of a task document.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskClaimed   TaskStatus = "claimed"
	TaskCompleted TaskStatus = "completed"
)

// Document field names shared by the lease and task documents.
const (
	fieldStatus       = "status"
	fieldClaimedAt    = "claimedAt"
	fieldClaimedBy    = "claimedBy"
	fieldExpiresAt    = "expiresAt"
	fieldCompletedAt  = "completedAt"
	fieldOwner        = "owner"
	fieldID           = "id"
	fieldPayload      = "payload"
	fieldResult       = "result"
	fieldCreatedAt    = "createdAt"
	fieldActiveTaskID = "activeTaskId"
	fieldActiveSince  = "activeSince"
)

// LeaseRecord is the decoded singleton document of a named lease.
type LeaseRecord struct {
	Status      LeaseStatus
	ClaimedAt   time.Time
	ClaimedBy   string
	ExpiresAt   time.Time
	CompletedAt time.Time
}

// TaskRecord is the decoded document of one unit of work.
type TaskRecord struct {
	Key         TaskKey
	Status      TaskStatus
	Payload     Fields
	Result      Fields
	CreatedAt   time.Time
	ClaimedAt   time.Time
	ClaimedBy   string
	CompletedAt time.Time
}

// TaskKey identifies a task: the owner it belongs to and its id.
type TaskKey struct {
	Owner string
	ID    string
}

// ErrInvalidTaskKey is returned for keys with an empty part or a slash inside a part.
var ErrInvalidTaskKey = errors.New("task key needs a non-empty owner and id without '/'")

// ParseTaskKey parses the "owner/id" form produced by TaskKey.String.
func ParseTaskKey(s string) (TaskKey, error) {
	var owner, id, found = strings.Cut(s, "/")
	if !found {
		return TaskKey{}, fmt.Errorf("%w: %q", ErrInvalidTaskKey, s)
	}

	var key = TaskKey{Owner: owner, ID: id}
	if err := key.Validate(); err != nil {
		return TaskKey{}, err
	}
	return key, nil
}

// Validate checks that both parts are usable as path segments.
func (k TaskKey) Validate() error {
	if k.Owner == "" || k.ID == "" || strings.Contains(k.Owner, "/") || strings.Contains(k.ID, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidTaskKey, k.String())
	}
	return nil
}

// String returns "owner/id".
func (k TaskKey) String() string {
	return k.Owner + "/" + k.ID
}

// path is the document key of the task.
func (k TaskKey) path() string {
	return ownerPath(k.Owner) + "/tasks/" + k.ID
}

// ownerPath is the document key of an owner, which holds the active task pointer.
func ownerPath(owner string) string {
	return "users/" + owner
}

// decodeLease normalizes a lease document. Missing or unknown statuses decode
// as absent so that a partial write is treated as "needs renewal".
func decodeLease(doc *Document) LeaseRecord {
	if doc == nil || !doc.Exists {
		return LeaseRecord{Status: LeaseAbsent}
	}

	var record = LeaseRecord{
		Status:      LeaseStatus(doc.Fields.String(fieldStatus)),
		ClaimedAt:   doc.Fields.Time(fieldClaimedAt),
		ClaimedBy:   doc.Fields.String(fieldClaimedBy),
		ExpiresAt:   doc.Fields.Time(fieldExpiresAt),
		CompletedAt: doc.Fields.Time(fieldCompletedAt),
	}

	switch record.Status {
	case LeaseRenewing, LeaseCompleted:
	default:
		record.Status = LeaseAbsent
	}

	return record
}

// decodeTask normalizes a task document. Unknown statuses are kept verbatim so
// that they never compare equal to pending.
func decodeTask(key TaskKey, doc *Document) *TaskRecord {
	if doc == nil || !doc.Exists {
		return nil
	}

	return &TaskRecord{
		Key:         key,
		Status:      TaskStatus(doc.Fields.String(fieldStatus)),
		Payload:     doc.Fields.Map(fieldPayload),
		Result:      doc.Fields.Map(fieldResult),
		CreatedAt:   doc.Fields.Time(fieldCreatedAt),
		ClaimedAt:   doc.Fields.Time(fieldClaimedAt),
		ClaimedBy:   doc.Fields.String(fieldClaimedBy),
		CompletedAt: doc.Fields.Time(fieldCompletedAt),
	}
}
