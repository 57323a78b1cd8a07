package models

import (
	"time"

	"github.com/gofrs/uuid"
	"github.com/oklog/ulid/v2"
)

type OperationType string

const (
	OperationInsert OperationType = "insert"
	OperationUpdate OperationType = "update"
	OperationDelete OperationType = "delete"
)

func (t OperationType) Valid() bool {
	switch t {
	case OperationInsert, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// Origin names the side that produced a write.
type Origin string

const (
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// DefaultMaxRetries is used for operations built without an explicit limit.
const DefaultMaxRetries = 5

// Operation is a local mutation waiting to be replicated to the remote side.
type Operation struct {
	ID              string        `json:"id" cbor:"id"`
	Type            OperationType `json:"type" cbor:"type"`
	Collection      string        `json:"collection" cbor:"collection"`
	Filter          Document      `json:"filter,omitempty" cbor:"filter,omitempty"`
	Data            Document      `json:"data,omitempty" cbor:"data,omitempty"`
	Timestamp       time.Time     `json:"timestamp" cbor:"timestamp"`
	RetryCount      int           `json:"retryCount" cbor:"retryCount"`
	MaxRetries      int           `json:"maxRetries" cbor:"maxRetries"`
	Origin          Origin        `json:"origin" cbor:"origin"`
	OwnerInstanceID string        `json:"ownerInstanceId" cbor:"ownerInstanceId"`

	// NextAttemptAt holds a retried operation back until the given time.
	// The zero value means it is eligible immediately.
	NextAttemptAt time.Time `json:"nextAttemptAt" cbor:"nextAttemptAt"`
}

// NewOperation builds a local-origin operation stamped with the current time.
func NewOperation(typ OperationType, collection string, filter, data Document, ownerInstanceID string) *Operation {
	return &Operation{
		ID:              NewOperationID(),
		Type:            typ,
		Collection:      collection,
		Filter:          filter,
		Data:            data,
		Timestamp:       time.Now(),
		MaxRetries:      DefaultMaxRetries,
		Origin:          OriginLocal,
		OwnerInstanceID: ownerInstanceID,
	}
}

// DocumentID extracts the target document id from data._id, then filter._id.
func (op *Operation) DocumentID() any {
	if id := op.Data.ID(); id != nil {
		return id
	}
	return op.Filter.ID()
}

// DedupKey returns the (collection, documentId) identity of the operation.
// ok is false when the operation has no usable document id.
func (op *Operation) DedupKey() (key string, ok bool) {
	id := IDKey(op.DocumentID())
	if id == "" || op.Collection == "" {
		return "", false
	}
	return op.Collection + "\x00" + id, true
}

// Due reports whether the operation may be attempted at now.
func (op *Operation) Due(now time.Time) bool {
	return op.NextAttemptAt.IsZero() || !now.Before(op.NextAttemptAt)
}

// Clone returns a copy that shares no maps with op.
func (op *Operation) Clone() *Operation {
	if op == nil {
		return nil
	}
	out := *op
	out.Filter = op.Filter.Clone()
	out.Data = op.Data.Clone()
	return &out
}

// NewOperationID returns a lexically time-ordered operation id.
func NewOperationID() string {
	return ulid.Make().String()
}

// NewInstanceID returns a random id for a replication engine instance.
func NewInstanceID() string {
	return uuid.Must(uuid.NewV4()).String()
}
