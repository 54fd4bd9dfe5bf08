package changestream

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis subscribes through Redis Pub/Sub on a channel named after the topic.
type Redis struct {
	client     *redis.Client
	bufferSize int
	logger     *zap.Logger
}

// NewRedis constructs the adapter.
func NewRedis(client *redis.Client, bufferSize int, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Redis{client: client, bufferSize: bufferSize, logger: logger}
}

// Subscribe opens a Pub/Sub connection and waits for the subscription confirmation.
func (r *Redis) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return newRedisSubscription(topic, ps.Channel(), ps.Close, r.bufferSize, r.logger.With(zap.String("topic", topic))), nil
}

// Publish emits a change payload on the topic. Used by the store actions when the
// database does not publish notifications itself.
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func newRedisSubscription(topic string, messages <-chan *redis.Message, closer func() error, buffer int, logger *zap.Logger) *subscription {
	sub := newSubscription(topic, buffer, closer, logger)
	sub.run(func() {
		for {
			select {
			case <-sub.done:
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				if msg == nil {
					continue
				}
				if !sub.decodeAndDeliver([]byte(msg.Payload)) {
					return
				}
			}
		}
	})
	return sub
}
