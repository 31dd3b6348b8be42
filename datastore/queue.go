package datastore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Queue is a durable FIFO of JSON values on top of a Store.
//
// Every Push creates a new entry holding the pushed values, so producers never contend.
// Consumers claim values from the head of an entry with CompareAndSwap,
// which makes two consumers popping the same entry mutually exclusive.
type Queue struct {
	store  Store
	prefix string
}

// NewQueue returns the Queue called name within store.
func NewQueue(store Store, name string) *Queue {
	return &Queue{
		store:  store,
		prefix: "queue/" + name + "/",
	}
}

// Push persists the values as one new queue entry.
func (q *Queue) Push(ctx context.Context, values ...json.RawMessage) error {
	if len(values) == 0 {
		return nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("queue key: %w", err)
	}

	value, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode queue entry: %w", err)
	}

	_, err = q.store.CompareAndSwap(ctx, q.prefix+id.String(), 0, value, 0)
	return err
}

// Entries returns the queue entries in insertion order.
func (q *Queue) Entries(ctx context.Context) ([]Entry, error) {
	return q.store.Scan(ctx, q.prefix)
}

// Pop claims up to n values from the head of entry.
//
// ErrConflict is returned when entry was modified by another consumer since it was read,
// in which case nothing was claimed.
func (q *Queue) Pop(ctx context.Context, entry Entry, n int) ([]json.RawMessage, error) {
	var values []json.RawMessage
	if err := json.Unmarshal(entry.Value, &values); err != nil {
		// A corrupt entry can never be consumed.
		if err := q.store.CompareAndDelete(ctx, entry.Key, entry.Version); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("decode %v: %w", entry.Key, ErrDatabase)
	}

	if n > len(values) {
		n = len(values)
	}

	claimed, rest := values[:n], values[n:]
	if len(rest) == 0 {
		if err := q.store.CompareAndDelete(ctx, entry.Key, entry.Version); err != nil {
			return nil, err
		}
		return claimed, nil
	}

	value, err := json.Marshal(rest)
	if err != nil {
		return nil, fmt.Errorf("encode %v: %w", entry.Key, err)
	}

	if _, err := q.store.CompareAndSwap(ctx, entry.Key, entry.Version, value, 0); err != nil {
		return nil, err
	}

	return claimed, nil
}

// Len returns the number of values waiting in the queue.
func (q *Queue) Len(ctx context.Context) (int, error) {
	entries, err := q.Entries(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, entry := range entries {
		var values []json.RawMessage
		if err := json.Unmarshal(entry.Value, &values); err != nil {
			continue
		}
		total += len(values)
	}

	return total, nil
}
