package models

import "time"

// OriginRecord remembers which side most recently wrote a document.
type OriginRecord struct {
	Origin    Origin    `json:"origin"`
	Timestamp time.Time `json:"timestamp"`
}

// ConflictResolution is the outcome of comparing a local document with an
// incoming remote change.
type ConflictResolution struct {
	ShouldApply     bool      `json:"shouldApply"`
	Winner          Origin    `json:"winner"`
	Reason          string    `json:"reason"`
	LocalTimestamp  time.Time `json:"localTimestamp"`
	RemoteTimestamp time.Time `json:"remoteTimestamp"`
}

type ConflictLogEntry struct {
	Collection string             `json:"collection"`
	DocumentID any                `json:"documentId"`
	Resolution ConflictResolution `json:"resolution"`
	ResolvedAt time.Time          `json:"resolvedAt"`
}
