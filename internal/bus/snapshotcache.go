package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"genesis/internal/sim"
)

const (
	snapshotBucket = "ws-snapshots"
	snapshotTTL    = 5 * time.Minute
)

// SnapshotCache stores world snapshots in a TTL-bounded JetStream KV bucket.
// The telemetry event carries the key; the watcher and the stats API load by
// it.
type SnapshotCache struct {
	kv jetstream.KeyValue
}

// NewSnapshotCache creates (or reuses) the snapshot bucket.
func NewSnapshotCache(ctx context.Context, js jetstream.JetStream) (*SnapshotCache, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      snapshotBucket,
		Description: "World snapshots keyed by tick",
		TTL:         snapshotTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("create snapshot bucket: %w", err)
	}
	return &SnapshotCache{kv: kv}, nil
}

// Put stores snap under a tick-derived key and returns the key.
func (c *SnapshotCache) Put(ctx context.Context, tick uint64, snap *sim.WorldSnapshot) (string, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	key := fmt.Sprintf("snapshot.%d", tick)
	if _, err := c.kv.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("cache snapshot %s: %w", key, err)
	}
	return key, nil
}

// Get loads a snapshot by its key.
func (c *SnapshotCache) Get(ctx context.Context, key string) (*sim.WorldSnapshot, error) {
	entry, err := c.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", key, err)
	}
	var snap sim.WorldSnapshot
	if err := json.Unmarshal(entry.Value(), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return &snap, nil
}
