package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const updateChannelPrefix = "opdqueue:updates:"

// RedisBridge moves queue updates across api-server instances over Redis
// pub/sub: one channel per clinic day.
type RedisBridge struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewRedisBridge(rdb *redis.Client, log zerolog.Logger) *RedisBridge {
	return &RedisBridge{rdb: rdb, log: log}
}

func (b *RedisBridge) PublishQueueUpdate(ctx context.Context, u QueueUpdate) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal queue update: %w", err)
	}
	if err := b.rdb.Publish(ctx, updateChannelPrefix+u.Date, payload).Err(); err != nil {
		return fmt.Errorf("publish queue update: %w", err)
	}
	return nil
}

// Run consumes updates for all days and hands them to dispatch, until the
// context is cancelled. Intended to run as a goroutine per api-server.
func (b *RedisBridge) Run(ctx context.Context, dispatch func(QueueUpdate)) error {
	sub := b.rdb.PSubscribe(ctx, updateChannelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}

			var u QueueUpdate
			if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
				b.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed queue update")
				continue
			}
			dispatch(u)
		}
	}
}
