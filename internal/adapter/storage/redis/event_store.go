package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	eventInFlight  = "processing"
	eventProcessed = "done"
)

// releaseScript deletes a claim only while it is still in flight, so a late
// Release never erases a completed marker.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// EventStore implements ports.EventDeduplicator for provider webhook deliveries.
type EventStore struct {
	client *goredis.Client
	prefix string
}

// NewEventStore creates a new Redis-backed webhook delivery store.
func NewEventStore(client *goredis.Client) *EventStore {
	return &EventStore{
		client: client,
		prefix: "webhook:event:",
	}
}

// Claim marks key in flight. Returns false when the delivery is already being
// processed or was processed before.
func (s *EventStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	err := s.client.SetArgs(ctx, s.prefix+key, eventInFlight, goredis.SetArgs{
		Mode: "NX",
		TTL:  ttl,
	}).Err()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("redis event claim: %w", err)
	}
	return true, nil
}

// Complete records key as processed for ttl.
func (s *EventStore) Complete(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+key, eventProcessed, ttl).Err(); err != nil {
		return fmt.Errorf("redis event complete: %w", err)
	}
	return nil
}

// Release drops an in-flight claim so the provider's retry is processed.
func (s *EventStore) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.prefix + key}, eventInFlight).Err(); err != nil {
		return fmt.Errorf("redis event release: %w", err)
	}
	return nil
}
