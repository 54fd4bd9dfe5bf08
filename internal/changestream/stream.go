// Package changestream delivers row change notifications for a topic. Adapters exist
// for PostgreSQL LISTEN/NOTIFY, Redis Pub/Sub and an in-memory publisher used in tests.
package changestream

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/noah-isme/lyrics-approvals-api/internal/models"
)

// ErrClosed is returned when subscribing on a stream that was shut down.
var ErrClosed = errors.New("changestream: closed")

// Stream opens live subscriptions. Each Subscribe call opens one underlying connection.
type Stream interface {
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Publisher emits raw change payloads on a topic. Used when the store does not publish
// notifications itself.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscription is one live connection to a topic. Changes are delivered in emission
// order and the channel is closed once the subscription ends.
type Subscription interface {
	Topic() string
	Changes() <-chan models.ChangeEvent
	Close() error
}

// subscription holds the delivery side shared by every adapter.
type subscription struct {
	topic  string
	out    chan models.ChangeEvent
	done   chan struct{}
	closer func() error
	logger *zap.Logger

	once     sync.Once
	closeErr error
	wg       sync.WaitGroup
	sendMu   sync.RWMutex
}

func newSubscription(topic string, buffer int, closer func() error, logger *zap.Logger) *subscription {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer < 0 {
		buffer = 0
	}
	return &subscription{
		topic:  topic,
		out:    make(chan models.ChangeEvent, buffer),
		done:   make(chan struct{}),
		closer: closer,
		logger: logger,
	}
}

func (s *subscription) Topic() string { return s.topic }

func (s *subscription) Changes() <-chan models.ChangeEvent { return s.out }

// Close stops delivery and closes the underlying connection. Subsequent calls return
// the first result.
func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.closer != nil {
			s.closeErr = s.closer()
		}
		s.wg.Wait()
		s.sendMu.Lock()
		close(s.out)
		s.sendMu.Unlock()
	})
	return s.closeErr
}

// run starts the delivery loop. The loop must return when done is closed.
func (s *subscription) run(loop func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		loop()
	}()
}

// decodeAndDeliver parses a raw payload and forwards it. Malformed payloads are logged
// and dropped. It reports false once the subscription is closing.
func (s *subscription) decodeAndDeliver(payload []byte) bool {
	evt, err := models.DecodeChangeEvent(s.topic, payload)
	if err != nil {
		s.logger.Warn("dropping malformed change notification", zap.String("topic", s.topic), zap.Error(err))
		return true
	}
	return s.deliver(evt)
}

func (s *subscription) deliver(evt models.ChangeEvent) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case <-s.done:
		return false
	case s.out <- evt:
		return true
	}
}
