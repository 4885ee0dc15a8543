package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSBucket adapts a JetStream KV bucket to the Bucket interface.
type NATSBucket struct {
	kv jetstream.KeyValue
}

// NewNATSBucket opens the named JetStream KV bucket, creating it if it
// does not exist.
func NewNATSBucket(ctx context.Context, js jetstream.JetStream, name string) (*NATSBucket, error) {
	bucket, err := js.KeyValue(ctx, name)
	if err == nil {
		return &NATSBucket{kv: bucket}, nil
	}
	bucket, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("prepflow %s bucket", name),
		History:     5,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket %s: %w", name, err)
	}
	return &NATSBucket{kv: bucket}, nil
}

// Get returns the entry for key.
func (b *NATSBucket) Get(ctx context.Context, key string) (*Entry, error) {
	entry, err := b.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return &Entry{Value: entry.Value(), Revision: entry.Revision()}, nil
}

// Put writes the value unconditionally and returns the new revision.
func (b *NATSBucket) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := b.kv.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("kv put %s: %w", key, err)
	}
	return rev, nil
}

// Create writes the value only if the key does not exist.
func (b *NATSBucket) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := b.kv.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, ErrKeyExists
		}
		return 0, fmt.Errorf("kv create %s: %w", key, err)
	}
	return rev, nil
}

// Update compare-and-swaps the value against the expected revision.
func (b *NATSBucket) Update(ctx context.Context, key string, value []byte, expectedRevision uint64) (uint64, error) {
	rev, err := b.kv.Update(ctx, key, value, expectedRevision)
	if err != nil {
		var apiErr *jetstream.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
			return 0, ErrRevisionMismatch
		}
		return 0, fmt.Errorf("kv update %s: %w", key, err)
	}
	return rev, nil
}

// Delete removes the key. Deleting a missing key is not an error.
func (b *NATSBucket) Delete(ctx context.Context, key string) error {
	if err := b.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// NATSEventBus publishes events over core NATS subjects. Per-subject
// publish order is preserved for a single publisher, which matches the
// one-publisher-per-task-attempt model of the progress bus.
type NATSEventBus struct {
	nc *nats.Conn
}

// NewNATSEventBus wraps a NATS connection as an EventBus.
func NewNATSEventBus(nc *nats.Conn) *NATSEventBus {
	return &NATSEventBus{nc: nc}
}

// Publish sends data on subject.
func (b *NATSEventBus) Publish(_ context.Context, subject string, data []byte) error {
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe delivers messages for subject until the context is done or
// the returned cancel function is called.
func (b *NATSEventBus) Subscribe(ctx context.Context, subject string) (<-chan []byte, func(), error) {
	msgs := make(chan *nats.Msg, 256)
	sub, err := b.nc.ChanSubscribe(subject, msgs)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	out := make(chan []byte, 256)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() { close(done) })
	}

	go func() {
		defer close(out)
		defer func() {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				// Connection teardown races with unsubscribe; nothing to do.
				_ = err
			}
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Data:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			}
		}
	}()

	return out, cancel, nil
}
