package models

import "time"

type ChangeType string

const (
	ChangeInsert  ChangeType = "insert"
	ChangeUpdate  ChangeType = "update"
	ChangeReplace ChangeType = "replace"
	ChangeDelete  ChangeType = "delete"
)

func (t ChangeType) Valid() bool {
	switch t {
	case ChangeInsert, ChangeUpdate, ChangeReplace, ChangeDelete:
		return true
	}
	return false
}

// ResumeToken is an opaque position in a change stream.
type ResumeToken string

type Namespace struct {
	DB         string `json:"db"`
	Collection string `json:"coll"`
}

type DocumentKey struct {
	ID any `json:"_id"`
}

type UpdateDescription struct {
	UpdatedFields Document `json:"updatedFields,omitempty"`
	RemovedFields []string `json:"removedFields,omitempty"`
}

// ChangeEvent is a single change observed on the remote side.
type ChangeEvent struct {
	ResumeToken       ResumeToken        `json:"resumeToken"`
	OperationType     ChangeType         `json:"operationType"`
	Namespace         Namespace          `json:"ns"`
	DocumentKey       DocumentKey        `json:"documentKey"`
	FullDocument      Document           `json:"fullDocument,omitempty"`
	UpdateDescription *UpdateDescription `json:"updateDescription,omitempty"`
	CommitTime        time.Time          `json:"commitTime"`
}

// DocumentID returns the id of the changed document.
func (e *ChangeEvent) DocumentID() any {
	if e == nil {
		return nil
	}
	if e.DocumentKey.ID != nil {
		return e.DocumentKey.ID
	}
	return e.FullDocument.ID()
}

// UpdatedFields returns the $set portion of an update event.
func (e *ChangeEvent) UpdatedFields() Document {
	if e == nil || e.UpdateDescription == nil {
		return nil
	}
	return e.UpdateDescription.UpdatedFields
}

// RemovedFields returns the $unset portion of an update event.
func (e *ChangeEvent) RemovedFields() []string {
	if e == nil || e.UpdateDescription == nil {
		return nil
	}
	return e.UpdateDescription.RemovedFields
}
