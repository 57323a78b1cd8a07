// Package models holds the values that flow through the replication engine:
// documents, outbound operations, inbound change events, origin records and
// conflict resolutions.
//
// Everything here is plain data. JSON field names are camelCase so that a
// persisted queue snapshot stays readable by other tooling.
package models
