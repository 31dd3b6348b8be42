package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// MaxUpdateAttempts is the number of optimistic attempts Update makes before
// giving up with ErrContention.
const MaxUpdateAttempts = 8

// UpdateFunc computes the new value of a key from its current value.
//
// exists is false when the key is absent, in which case value is nil.
// Returning ErrSkip leaves the key untouched.
type UpdateFunc func(value []byte, exists bool) ([]byte, error)

// Update atomically replaces the value of key with the result of fn.
//
// The current value is read, fn is applied and the result is written back only if
// nothing else modified the key since the read. Conflicting writes are retried with
// a short jittered backoff, at most MaxUpdateAttempts times.
func Update(ctx context.Context, store Store, key string, ttl time.Duration, fn UpdateFunc) (Entry, error) {
	var result Entry

	operation := func() error {
		current, err := store.Get(ctx, key)
		exists := true
		if errors.Is(err, ErrNotFound) {
			current = Entry{Key: key}
			exists = false
		} else if err != nil {
			return backoff.Permanent(err)
		}

		value, err := fn(current.Value, exists)
		if errors.Is(err, ErrSkip) {
			result = current
			return nil
		}
		if err != nil {
			return backoff.Permanent(err)
		}

		entry, err := store.CompareAndSwap(ctx, key, current.Version, value, ttl)
		if errors.Is(err, ErrConflict) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}

		result = entry
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.RandomizationFactor = 0.5

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, MaxUpdateAttempts-1), ctx))
	if errors.Is(err, ErrConflict) {
		return Entry{}, fmt.Errorf("%v: %w", key, ErrContention)
	}
	if err != nil {
		return Entry{}, err
	}

	return result, nil
}

// GetJSON decodes the value of key into v.
func GetJSON(ctx context.Context, store Store, key string, v interface{}) error {
	entry, err := store.Get(ctx, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(entry.Value, v); err != nil {
		return fmt.Errorf("decode %v: %w", key, ErrDatabase)
	}

	return nil
}

// SetJSON encodes v and stores it at key.
func SetJSON(ctx context.Context, store Store, key string, v interface{}, ttl time.Duration) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %v: %w", key, err)
	}

	_, err = store.Set(ctx, key, value, ttl)
	return err
}

// UpdateJSON is Update for JSON encoded values.
func UpdateJSON[T any](ctx context.Context, store Store, key string, ttl time.Duration, fn func(value T, exists bool) (T, error)) (T, error) {
	var out T

	_, err := Update(ctx, store, key, ttl, func(raw []byte, exists bool) ([]byte, error) {
		var current T
		if exists {
			if err := json.Unmarshal(raw, &current); err != nil {
				return nil, fmt.Errorf("decode %v: %w", key, ErrDatabase)
			}
		}

		next, err := fn(current, exists)
		if errors.Is(err, ErrSkip) {
			out = current
			return nil, err
		}
		if err != nil {
			return nil, err
		}

		out = next
		return json.Marshal(next)
	})

	return out, err
}
