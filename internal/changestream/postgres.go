package changestream

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresConfig configures LISTEN/NOTIFY subscriptions.
type PostgresConfig struct {
	DSN                  string
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
	BufferSize           int
}

// Postgres subscribes through LISTEN on a channel named after the topic. Triggers on
// lyrics_approvals and jobs publish JSON payloads with pg_notify.
type Postgres struct {
	cfg    PostgresConfig
	logger *zap.Logger
}

// NewPostgres constructs the adapter.
func NewPostgres(cfg PostgresConfig, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinReconnectInterval <= 0 {
		cfg.MinReconnectInterval = 10 * time.Second
	}
	if cfg.MaxReconnectInterval < cfg.MinReconnectInterval {
		cfg.MaxReconnectInterval = cfg.MinReconnectInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	return &Postgres{cfg: cfg, logger: logger}
}

// Subscribe opens a dedicated listener connection for the topic. Reconnection is
// handled by pq.Listener itself.
func (p *Postgres) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	logger := p.logger.With(zap.String("topic", topic))
	listener := pq.NewListener(p.cfg.DSN, p.cfg.MinReconnectInterval, p.cfg.MaxReconnectInterval,
		func(ev pq.ListenerEventType, err error) {
			switch ev {
			case pq.ListenerEventConnected:
				logger.Debug("change stream connected")
			case pq.ListenerEventDisconnected:
				logger.Warn("change stream disconnected", zap.Error(err))
			case pq.ListenerEventReconnected:
				logger.Info("change stream reconnected")
			case pq.ListenerEventConnectionAttemptFailed:
				logger.Warn("change stream connection attempt failed", zap.Error(err))
			}
		})

	if err := listener.Listen(topic); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen %s: %w", topic, err)
	}
	if err := ctx.Err(); err != nil {
		_ = listener.Close()
		return nil, err
	}

	return newPostgresSubscription(topic, listener.Notify, listener.Close, p.cfg.BufferSize, logger), nil
}

func newPostgresSubscription(topic string, notify <-chan *pq.Notification, closer func() error, buffer int, logger *zap.Logger) *subscription {
	sub := newSubscription(topic, buffer, closer, logger)
	sub.run(func() {
		for {
			select {
			case <-sub.done:
				return
			case n, ok := <-notify:
				if !ok {
					return
				}
				if n == nil {
					// pq sends nil after a reconnect; notifications in the gap are lost.
					sub.logger.Info("change stream resumed after reconnect")
					continue
				}
				if !sub.decodeAndDeliver([]byte(n.Extra)) {
					return
				}
			}
		}
	})
	return sub
}
