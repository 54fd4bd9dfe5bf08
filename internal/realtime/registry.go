package realtime

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/noah-isme/lyrics-approvals-api/internal/changestream"
	"github.com/noah-isme/lyrics-approvals-api/internal/models"
)

// NotificationHandler receives every change delivered on a subscribed topic, in
// emission order, from a single goroutine per topic.
type NotificationHandler interface {
	HandleChange(ctx context.Context, evt models.ChangeEvent)
}

// NotificationHandlerFunc adapts a function to NotificationHandler.
type NotificationHandlerFunc func(ctx context.Context, evt models.ChangeEvent)

// HandleChange implements NotificationHandler.
func (f NotificationHandlerFunc) HandleChange(ctx context.Context, evt models.ChangeEvent) {
	f(ctx, evt)
}

// SessionChecker reports whether an authenticated actor is present.
type SessionChecker interface {
	CurrentSession(ctx context.Context) (*models.Session, bool)
}

type topicResetter interface {
	Reset(topic string)
}

type subscriptionRecorder interface {
	RecordConnectionOpened(topic string)
	SetActiveSubscriptions(topic string, observers int)
}

type handle struct {
	topic  string
	sub    changestream.Subscription
	refs   int
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry keeps at most one live subscription per topic and reference counts the
// observers sharing it.
type Registry struct {
	stream   changestream.Stream
	sessions SessionChecker
	resetter topicResetter
	handlers []NotificationHandler
	recorder subscriptionRecorder
	logger   *zap.Logger

	mu      sync.Mutex
	handles map[string]*handle
	closed  bool
}

// RegistryOption configures the registry.
type RegistryOption func(*Registry)

// WithHandlers registers the shared notification callbacks.
func WithHandlers(handlers ...NotificationHandler) RegistryOption {
	return func(r *Registry) {
		for _, h := range handlers {
			if h != nil {
				r.handlers = append(r.handlers, h)
			}
		}
	}
}

// WithTopicResetter clears per-topic state after teardown. Usually the debouncer.
func WithTopicResetter(resetter topicResetter) RegistryOption {
	return func(r *Registry) {
		r.resetter = resetter
	}
}

// WithSubscriptionRecorder reports connection and observer counts.
func WithSubscriptionRecorder(recorder subscriptionRecorder) RegistryOption {
	return func(r *Registry) {
		r.recorder = recorder
	}
}

// NewRegistry constructs a registry over the stream.
func NewRegistry(stream changestream.Stream, sessions SessionChecker, logger *zap.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		stream:   stream,
		sessions: sessions,
		logger:   logger,
		handles:  make(map[string]*handle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Lease is one observer's share of a topic subscription.
type Lease struct {
	registry *Registry
	handle   *handle
	once     sync.Once
}

// Topic returns the leased topic.
func (l *Lease) Topic() string {
	if l == nil || l.handle == nil {
		return ""
	}
	return l.handle.topic
}

// Release gives the share back. Calling it more than once has no further effect.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.registry.release(l.handle)
	})
}

// Acquire joins the topic's subscription, opening it when no observer holds it yet.
// It returns false, without error, when no session is present, the registry is closed
// or the connection could not be opened; the caller then runs without live updates.
func (r *Registry) Acquire(ctx context.Context, topic string) (*Lease, bool) {
	logger := r.logger.With(zap.String("topic", topic))
	if !r.authenticated(ctx) {
		logger.Debug("not subscribing without a session")
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false
	}

	if h, ok := r.handles[topic]; ok {
		h.refs++
		r.recordObservers(h)
		return &Lease{registry: r, handle: h}, true
	}

	sub, err := r.stream.Subscribe(context.WithoutCancel(ctx), topic)
	if err != nil {
		logger.Warn("change stream subscription failed", zap.Error(err))
		return nil, false
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	h := &handle{topic: topic, sub: sub, refs: 1, cancel: cancel, done: make(chan struct{})}
	r.handles[topic] = h
	go r.pump(pumpCtx, h)

	if r.recorder != nil {
		r.recorder.RecordConnectionOpened(topic)
	}
	r.recordObservers(h)
	logger.Info("change stream subscribed")
	return &Lease{registry: r, handle: h}, true
}

// Active returns the number of observers sharing the topic.
func (r *Registry) Active(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[topic]; ok {
		return h.refs
	}
	return 0
}

// Connections returns the number of live subscriptions.
func (r *Registry) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Close tears down every subscription and refuses new ones.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for topic, h := range r.handles {
		delete(r.handles, topic)
		h.refs = 0
		r.recordObservers(h)
		r.teardown(h)
	}
}

func (r *Registry) release(h *handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.handles[h.topic]
	if !ok || current != h {
		return
	}
	h.refs--
	r.recordObservers(h)
	if h.refs > 0 {
		return
	}
	delete(r.handles, h.topic)
	r.teardown(h)
}

// teardown is best effort: a remote side that already closed is not an error worth
// reporting to anyone.
func (r *Registry) teardown(h *handle) {
	h.cancel()
	if err := h.sub.Close(); err != nil {
		r.logger.Debug("change stream close failed", zap.String("topic", h.topic), zap.Error(err))
	}
	<-h.done
	if r.resetter != nil {
		r.resetter.Reset(h.topic)
	}
	r.logger.Info("change stream unsubscribed", zap.String("topic", h.topic))
}

func (r *Registry) pump(ctx context.Context, h *handle) {
	defer close(h.done)
	for evt := range h.sub.Changes() {
		if evt.Topic == "" {
			evt.Topic = h.topic
		}
		for _, handler := range r.handlers {
			handler.HandleChange(ctx, evt)
		}
	}
}

func (r *Registry) authenticated(ctx context.Context) bool {
	if r.sessions == nil {
		return models.SessionFromContext(ctx) != nil
	}
	_, ok := r.sessions.CurrentSession(ctx)
	return ok
}

func (r *Registry) recordObservers(h *handle) {
	if r.recorder != nil {
		r.recorder.SetActiveSubscriptions(h.topic, h.refs)
	}
}
