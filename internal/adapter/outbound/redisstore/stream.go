package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/quotaguard/quotaguard/internal/domain/audit"
)

// StreamStore publishes events to a Redis stream for external consumers.
type StreamStore struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewStreamStore creates a publisher. maxLen > 0 trims the stream approximately.
func NewStreamStore(client redis.UniversalClient, stream string, maxLen int64) *StreamStore {
	if stream == "" {
		stream = "quotaguard:events"
	}
	return &StreamStore{client: client, stream: stream, maxLen: maxLen}
}

// Append XADDs every event in one pipeline.
func (s *StreamStore) Append(ctx context.Context, events ...audit.Event) error {
	if len(events) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", e.ID, err)
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Approx: s.maxLen > 0,
			Values: map[string]any{
				"kind":     string(e.Kind),
				"caller":   e.CallerIdentity,
				"endpoint": e.EndpointClass,
				"event":    data,
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapErr("xadd", err)
	}
	return nil
}

// Flush is a no-op; Append writes through.
func (s *StreamStore) Flush(context.Context) error {
	return nil
}

// Close leaves the shared client open; its owner closes it.
func (s *StreamStore) Close() error {
	return nil
}

var _ audit.EventStore = (*StreamStore)(nil)
