// Package arrow provides the Apache Arrow wire format of the hash service.
// This package implements:
// - Request and response schemas for batch hashing
// - Arrow IPC stream encoding with request metadata in the schema
package arrow
