// Package storage persists agent state across restarts.
package storage

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("key not found")

// KV is a byte-oriented store scoped to one key prefix.
type KV interface {
	Put(ctx context.Context, key string, value []byte) error
	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	ListKeys(ctx context.Context) ([]string, error)
	// Range calls fn for every entry in key order until fn returns an error. value is only
	// valid for the duration of the call.
	Range(ctx context.Context, fn func(key string, value []byte) error) error
	Delete(ctx context.Context, key string) error
}

type KVBroker interface {
	KeyValue(prefix string) KV
}

type KeyValue[T any] interface {
	Put(ctx context.Context, key string, obj T) error
	Get(ctx context.Context, key string) (T, error)
	ListKeys(ctx context.Context) ([]string, error)
	List(ctx context.Context) ([]T, error)
	Delete(ctx context.Context, key string) error
}
