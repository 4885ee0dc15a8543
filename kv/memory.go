package kv

import (
	"context"
	"sync"
)

// MemoryBucket is an in-memory Bucket for tests and embedded mode.
type MemoryBucket struct {
	mu      sync.Mutex
	entries map[string]*Entry
	nextRev uint64
}

// NewMemoryBucket creates an empty in-memory bucket.
func NewMemoryBucket() *MemoryBucket {
	return &MemoryBucket{entries: make(map[string]*Entry)}
}

// Get returns the entry for key.
func (b *MemoryBucket) Get(_ context.Context, key string) (*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	val := make([]byte, len(e.Value))
	copy(val, e.Value)
	return &Entry{Value: val, Revision: e.Revision}, nil
}

// Put writes the value unconditionally.
func (b *MemoryBucket) Put(_ context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.write(key, value), nil
}

// Create writes the value only if the key does not exist.
func (b *MemoryBucket) Create(_ context.Context, key string, value []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[key]; ok {
		return 0, ErrKeyExists
	}
	return b.write(key, value), nil
}

// Update compare-and-swaps against the expected revision.
func (b *MemoryBucket) Update(_ context.Context, key string, value []byte, expectedRevision uint64) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	if !ok {
		return 0, ErrKeyNotFound
	}
	if e.Revision != expectedRevision {
		return 0, ErrRevisionMismatch
	}
	return b.write(key, value), nil
}

// Delete removes the key.
func (b *MemoryBucket) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

func (b *MemoryBucket) write(key string, value []byte) uint64 {
	b.nextRev++
	val := make([]byte, len(value))
	copy(val, value)
	b.entries[key] = &Entry{Value: val, Revision: b.nextRev}
	return b.nextRev
}

// MemoryEventBus is an in-memory EventBus for tests and embedded mode.
// Events are delivered in publish order per subject; slow subscribers
// past the channel buffer drop events, mirroring the snapshot-only
// degradation of the production bus.
type MemoryEventBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan []byte
}

// NewMemoryEventBus creates an empty in-memory event bus.
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{subs: make(map[string]map[int]chan []byte)}
}

// Publish delivers data to all current subscribers of subject.
func (b *MemoryEventBus) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[subject] {
		val := make([]byte, len(data))
		copy(val, data)
		select {
		case ch <- val:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber for subject.
func (b *MemoryEventBus) Subscribe(ctx context.Context, subject string) (<-chan []byte, func(), error) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	ch := make(chan []byte, 256)
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[int]chan []byte)
	}
	b.subs[subject][id] = ch
	b.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[subject], id)
			b.mu.Unlock()
			close(ch)
			close(done)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()

	return ch, cancel, nil
}
