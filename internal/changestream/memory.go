package changestream

import (
	"context"
	"fmt"
	"sync"

	"github.com/noah-isme/lyrics-approvals-api/internal/models"
)

// Memory is an in-process publisher. It counts the connections it opened so callers
// can assert how many live subscriptions exist.
type Memory struct {
	mu         sync.Mutex
	subs       map[string]map[*subscription]struct{}
	opened     int
	closed     bool
	failWith   error
	closeErr   error
	bufferSize int
}

// NewMemory constructs an empty in-memory stream.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[*subscription]struct{}), bufferSize: 64}
}

// FailSubscribe makes subsequent Subscribe calls return err. Pass nil to clear it.
func (m *Memory) FailSubscribe(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// FailClose makes subscription teardown report err after detaching.
func (m *Memory) FailClose(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeErr = err
}

// Subscribe opens an in-memory subscription.
func (m *Memory) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.failWith != nil {
		return nil, m.failWith
	}

	var sub *subscription
	sub = newSubscription(topic, m.bufferSize, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[topic], sub)
		return m.closeErr
	}, nil)
	if m.subs[topic] == nil {
		m.subs[topic] = make(map[*subscription]struct{})
	}
	m.subs[topic][sub] = struct{}{}
	m.opened++
	return sub, nil
}

// Emit delivers evt to every open subscription of its topic, blocking until each
// accepted it. It returns how many subscriptions received the event.
func (m *Memory) Emit(evt models.ChangeEvent) int {
	m.mu.Lock()
	targets := make([]*subscription, 0, len(m.subs[evt.Topic]))
	for sub := range m.subs[evt.Topic] {
		targets = append(targets, sub)
	}
	m.mu.Unlock()

	delivered := 0
	for _, sub := range targets {
		if sub.deliver(evt) {
			delivered++
		}
	}
	return delivered
}

// Publish decodes payload like a remote adapter would and emits it.
func (m *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	evt, err := models.DecodeChangeEvent(topic, payload)
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	m.Emit(evt)
	return nil
}

// Opened returns how many connections were ever opened.
func (m *Memory) Opened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

// Open returns how many connections are currently open for the topic.
func (m *Memory) Open(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[topic])
}

// Close refuses further subscriptions.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}
