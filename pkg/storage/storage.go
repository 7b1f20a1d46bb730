package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups whose subject does not exist.
var ErrNotFound = errors.New("not found")

// KeyedStore is the fast keyed counter/set store that breaker and statistics state lives in.
// Implementations must make every single call atomic with respect to concurrent callers.
type KeyedStore interface {
	// SetAdd adds member to the set at key, refreshes its TTL when ttl > 0 and
	// returns the set cardinality observed after the add.
	SetAdd(ctx context.Context, key, member string, ttl time.Duration) (int64, error)
	// SetInsert adds member to the set at key and reports whether it was absent.
	// Of several concurrent callers inserting the same member, exactly one sees true.
	SetInsert(ctx context.Context, key, member string) (bool, error)
	SetCard(ctx context.Context, key string) (int64, error)
	SetRemove(ctx context.Context, key string, members ...string) error
	SetIsMember(ctx context.Context, key, member string) (bool, error)
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Incr increments the counter at key and sets its TTL on creation when ttl > 0.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Counters returns the value of each key, zero for missing keys.
	Counters(ctx context.Context, keys ...string) ([]int64, error)

	Delete(ctx context.Context, keys ...string) error
	Close() error
}
