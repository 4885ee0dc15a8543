// Package kv provides the shared coordination layer: revision-guarded
// key-value buckets for circuit-breaker state, progress snapshots, and
// heartbeats, plus an ordered per-subject event bus for progress events.
// The production implementation runs on NATS JetStream; a memory
// implementation backs tests and embedded development mode.
package kv

import (
	"context"
	"errors"
)

// Common bucket errors.
var (
	// ErrKeyNotFound is returned when a key does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyExists is returned by Create when the key already exists.
	ErrKeyExists = errors.New("key already exists")

	// ErrRevisionMismatch is returned by Update when the expected
	// revision does not match the current one.
	ErrRevisionMismatch = errors.New("revision mismatch")
)

// Entry is a stored value with its revision.
type Entry struct {
	Value    []byte
	Revision uint64
}

// Bucket is a revision-guarded key-value bucket. Update performs a
// compare-and-swap on the revision, which is the atomicity primitive for
// cross-worker state (circuit breakers in particular).
type Bucket interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, expectedRevision uint64) (uint64, error)
	Delete(ctx context.Context, key string) error
}

// EventBus delivers events in publish order per subject to live
// subscribers. Delivery is at-least-once for connected subscribers;
// durable truth lives in the snapshot bucket, not the bus.
type EventBus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string) (<-chan []byte, func(), error)
}
