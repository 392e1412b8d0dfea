package core

import (
	"context"
	"errors"
)

var ErrKeyNotFound = errors.New("key not found")

// KVStore is the local durable key/value storage. Values are opaque strings (usually JSON).
type KVStore interface {
	// Get returns ErrKeyNotFound when the key was never set (or was deleted).
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}
