// Package kv defines the narrow key-value/counter contract the cost
// tracker, budget enforcer, and workflow version store are built against.
// It is the Go analogue of the Redis client the original Python system
// used directly: atomic counters, TTLs, optimistic transactions, sets,
// sorted sets, and HyperLogLog-style approximate cardinality.
//
// Out of scope per the specification: the adapter's wire format and the
// backing store's own persistence guarantees. Only the contract matters.
package kv

import (
	"context"
	"time"
)

// TxFunc reads the watched keys' current values and either returns the
// mutations to commit or ErrAbort to cancel without side effects. It may
// be invoked more than once if a concurrent writer wins the race.
type TxFunc func(ctx context.Context, watched map[string]string) ([]Op, error)

// Op is a single mutation applied atomically within a transaction.
type Op struct {
	Kind  OpKind
	Key   string
	Value string // for Set / IncrByFloat (delta) / Expire (ignored)
	TTL   time.Duration
}

type OpKind int

const (
	OpSet OpKind = iota
	OpIncrByFloat
	OpExpireNX // set TTL only if the key has none yet
	OpDelete
)

// ErrAbort signals a TxFunc wants to cancel the transaction deliberately
// (distinct from a concurrent-write retry, which the adapter handles
// internally).
var ErrAbort = abortError{}

type abortError struct{}

func (abortError) Error() string { return "kv: transaction aborted" }

// Adapter is the minimum API the substrate's atomic-counter consumers
// need. Implementations: kv/memory (single process, for tests and
// single-node deployments) and kv/postgres (durable, multi-node safe).
type Adapter interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// IncrByFloat atomically adds delta to key (creating it at 0 first)
	// and returns the new value.
	IncrByFloat(ctx context.Context, key string, delta float64) (float64, error)

	// Expire sets a TTL on key. If nx is true, it is a no-op when the key
	// already has a TTL (expire_if_new semantics).
	Expire(ctx context.Context, key string, ttl time.Duration, nx bool) error

	// SetNX sets key only if absent, applying ttl; returns whether it was
	// newly set (used for alert idempotence flags).
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Scan iterates keys matching pattern (a simple glob: '*' wildcard),
	// paging via cursor; cursor 0 both starts and ends iteration.
	Scan(ctx context.Context, cursor uint64, pattern string, count int) (next uint64, keys []string, err error)

	// WatchCommit implements optimistic concurrency: it reads the watched
	// keys' current values, invokes fn to compute mutations, and commits
	// them only if none of the watched keys changed since the read. On a
	// detected race it retries fn automatically. Returns the mutations
	// actually committed (empty on ErrAbort).
	WatchCommit(ctx context.Context, watch []string, fn TxFunc) ([]Op, error)

	// Set-backed membership (used for the version and experiment id lists).
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// Sorted-set operations, used by the cost tracker's ranked-spenders
	// upgrade path (see DESIGN.md "Cost-tracker cardinality").
	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredMember, error)
	ZRevRange(ctx context.Context, key string, count int) ([]ScoredMember, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) error
	ZCard(ctx context.Context, key string) (int64, error)

	// Hash operations.
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error)

	// Approximate cardinality (HyperLogLog). Implementations that cannot
	// offer true HLL semantics may back this with an exact set for
	// correctness at the cost of memory; the contract only promises an
	// approximate count.
	PFAdd(ctx context.Context, key string, elements ...string) error
	PFCount(ctx context.Context, keys ...string) (int64, error)
	PFMerge(ctx context.Context, dest string, sources ...string) error
}

// ScoredMember is one entry of a sorted-set range query.
type ScoredMember struct {
	Member string
	Score  float64
}
