package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/unsflow/pkg/retry"
)

// ErrKVKeyNotFound is returned when a key does not exist in the bucket
var ErrKVKeyNotFound = stderrors.New("kv key not found")

// KVEntry wraps a KV entry with its revision for CAS operations
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVOptions configures KV operations behavior
type KVOptions struct {
	MaxRetries   int           // Maximum CAS retry attempts
	RetryDelay   time.Duration // Initial delay between retries
	Timeout      time.Duration // Operation timeout
	MaxValueSize int           // Maximum size for values
}

// DefaultKVOptions returns sensible defaults for cache-style usage
func DefaultKVOptions() KVOptions {
	return KVOptions{
		MaxRetries:   10,
		RetryDelay:   10 * time.Millisecond,
		Timeout:      5 * time.Second,
		MaxValueSize: 1024 * 1024, // 1MB
	}
}

// KVStore provides high-level KV operations with built-in CAS support
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
	logger  Logger
}

// NewKVStore creates a new KV store with the given bucket
func (c *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &KVStore{
		bucket:  bucket,
		options: options,
		logger:  c.logger,
	}
}

// applyTimeout applies the configured timeout to the context if set
func (kv *KVStore) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout > 0 {
		return context.WithTimeout(ctx, kv.options.Timeout)
	}
	return ctx, func() {}
}

// Get retrieves a value with its revision for CAS operations
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if IsKVNotFoundError(err) {
			return nil, ErrKVKeyNotFound
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}

	return &KVEntry{
		Key:      key,
		Value:    entry.Value(),
		Revision: entry.Revision(),
	}, nil
}

// Put creates or updates a key without revision check (last writer wins)
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := kv.checkValueSize(value); err != nil {
		return 0, err
	}

	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("kv put %s: %w", key, err)
	}

	return rev, nil
}

// Create only creates if key doesn't exist (returns error if exists)
func (kv *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := kv.checkValueSize(value); err != nil {
		return 0, err
	}

	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Create(ctx, key, value)
	if err != nil {
		return 0, fmt.Errorf("kv create %s: %w", key, err)
	}

	return rev, nil
}

// Update updates a key only if the revision matches (CAS)
func (kv *KVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := kv.checkValueSize(value); err != nil {
		return 0, err
	}

	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Update(ctx, key, value, revision)
	if err != nil {
		return 0, fmt.Errorf("kv update %s at revision %d: %w", key, revision, err)
	}

	return rev, nil
}

// UpdateWithRetry performs a read-modify-write with CAS retry. The
// modify function receives the current value (nil when the key is
// absent) and returns the value to write, or (nil, nil) to skip the
// write entirely - callers use that for monotonic guards, e.g. never
// regressing a latest-value cache entry to an older timestamp.
func (kv *KVStore) UpdateWithRetry(
	ctx context.Context, key string, modify func(current []byte) ([]byte, error),
) error {
	cfg := retry.Config{
		MaxAttempts:  kv.options.MaxRetries,
		InitialDelay: kv.options.RetryDelay,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}

	return retry.Do(ctx, cfg, func() error {
		entry, err := kv.Get(ctx, key)
		var current []byte
		var revision uint64

		switch {
		case err == nil:
			current = entry.Value
			revision = entry.Revision
		case stderrors.Is(err, ErrKVKeyNotFound):
			// Key absent: create below
		default:
			return err
		}

		next, err := modify(current)
		if err != nil {
			return retry.NonRetryable(err)
		}
		if next == nil {
			// Modify declined the write
			return nil
		}

		if revision == 0 {
			_, err = kv.Create(ctx, key, next)
		} else {
			_, err = kv.Update(ctx, key, next, revision)
		}
		if err != nil && IsKVConflictError(err) {
			// Another writer won the race, re-read and retry
			return err
		}
		if err != nil {
			return retry.NonRetryable(err)
		}
		return nil
	})
}

// Delete removes a key
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	if err := kv.bucket.Delete(ctx, key); err != nil {
		if IsKVNotFoundError(err) {
			return ErrKVKeyNotFound
		}
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

func (kv *KVStore) checkValueSize(value []byte) error {
	if kv.options.MaxValueSize > 0 && len(value) > kv.options.MaxValueSize {
		return fmt.Errorf("kv value size %d exceeds maximum %d", len(value), kv.options.MaxValueSize)
	}
	return nil
}

// IsKVNotFoundError checks whether an error means "key not found"
func IsKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrKeyNotFound) || stderrors.Is(err, ErrKVKeyNotFound) {
		return true
	}
	return strings.Contains(err.Error(), "key not found")
}

// IsKVConflictError checks whether an error is a CAS revision conflict
func IsKVConflictError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") || strings.Contains(msg, "key exists")
}
