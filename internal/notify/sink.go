package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/npezzotti/go-fitsocial/internal/types"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "notify:"

// Sink is the push delivery boundary. The dispatcher behind it owns
// device tokens and retries.
type Sink interface {
	Deliver(ctx context.Context, ev types.Event) error
}

// RedisPublisher is the part of *redis.Client the sink needs.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink publishes each event as JSON on notify:{recipient}.
type RedisSink struct {
	rdb RedisPublisher
}

func NewRedisSink(rdb RedisPublisher) *RedisSink {
	return &RedisSink{rdb: rdb}
}

func Channel(recipientId string) string {
	return channelPrefix + recipientId
}

func (s *RedisSink) Deliver(ctx context.Context, ev types.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	if err := s.rdb.Publish(ctx, Channel(ev.RecipientId), payload).Err(); err != nil {
		return fmt.Errorf("publish event %s: %w", ev.Id, err)
	}
	return nil
}

// MultiSink delivers to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Deliver(ctx context.Context, ev types.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
