package natsclient

import (
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// StreamConfigFor builds the standard stream configuration used for
// durable document history: file storage, old-message discard, bounded
// by age and count.
func StreamConfigFor(name string, subjects []string, maxAge time.Duration, maxMsgs int64) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		Discard:   jetstream.DiscardOld,
		MaxAge:    maxAge,
		MaxMsgs:   maxMsgs,
	}
}

// BucketConfigFor builds the standard KV bucket configuration for a
// latest-value cache. TTL is per bucket; callers wanting different TTL
// classes use separate buckets.
func BucketConfigFor(name string, ttl time.Duration) jetstream.KeyValueConfig {
	return jetstream.KeyValueConfig{
		Bucket:  name,
		TTL:     ttl,
		History: 1,
		Storage: jetstream.FileStorage,
	}
}
