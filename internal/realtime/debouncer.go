// Package realtime coordinates live change notifications with the read cache: one
// shared subscription per topic and a rate-limited invalidation signal.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/noah-isme/lyrics-approvals-api/internal/models"
)

// DefaultDebounceWindow is the coalescing window for normal-path notifications.
const DefaultDebounceWindow = 3 * time.Second

// Invalidation paths reported to the recorder.
const (
	PathFast      = "fast"
	PathImmediate = "immediate"
	PathDeferred  = "deferred"
)

// Invalidator is the read cache side of an invalidation.
type Invalidator interface {
	Invalidate(ctx context.Context, family string, mode models.InvalidateMode) error
}

type invalidationRecorder interface {
	RecordInvalidation(path string)
}

type topicState struct {
	last  time.Time
	timer clock.Timer
	gen   uint64
}

// Debouncer turns bursts of change notifications into a bounded rate of cache
// invalidations per topic. New pending work bypasses the window.
type Debouncer struct {
	invalidator Invalidator
	clock       clock.Clock
	window      time.Duration
	families    []string
	mode        models.InvalidateMode
	recorder    invalidationRecorder
	logger      *zap.Logger
	ctx         context.Context

	mu     sync.Mutex
	topics map[string]*topicState
	// gen numbers timers across every topic, so a reset topic never reuses one.
	gen uint64
}

// DebouncerOption configures the debouncer.
type DebouncerOption func(*Debouncer)

// WithClock overrides the clock used for timers.
func WithClock(c clock.Clock) DebouncerOption {
	return func(d *Debouncer) {
		if c != nil {
			d.clock = c
		}
	}
}

// WithWindow overrides the debounce window.
func WithWindow(window time.Duration) DebouncerOption {
	return func(d *Debouncer) {
		if window > 0 {
			d.window = window
		}
	}
}

// WithFamilies overrides the families invalidated together.
func WithFamilies(families ...string) DebouncerOption {
	return func(d *Debouncer) {
		if len(families) > 0 {
			d.families = append([]string(nil), families...)
		}
	}
}

// WithInvalidationRecorder reports every fired invalidation.
func WithInvalidationRecorder(r invalidationRecorder) DebouncerOption {
	return func(d *Debouncer) {
		d.recorder = r
	}
}

// WithBaseContext sets the context handed to invalidations fired by timers.
func WithBaseContext(ctx context.Context) DebouncerOption {
	return func(d *Debouncer) {
		if ctx != nil {
			d.ctx = ctx
		}
	}
}

// NewDebouncer constructs a debouncer invalidating the approval families.
func NewDebouncer(invalidator Invalidator, logger *zap.Logger, opts ...DebouncerOption) *Debouncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Debouncer{
		invalidator: invalidator,
		clock:       clock.WallClock,
		window:      DefaultDebounceWindow,
		families:    models.ApprovalFamilies(),
		mode:        models.InvalidateAll,
		logger:      logger,
		ctx:         context.Background(),
		topics:      make(map[string]*topicState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Window returns the configured debounce window.
func (d *Debouncer) Window() time.Duration { return d.window }

// IsFastPath reports whether the change represents new work for the reviewer: an
// insert that is pending or an update moving into pending.
func IsFastPath(evt models.ChangeEvent) bool {
	if evt.Entity != models.EntityApproval {
		return false
	}
	switch evt.Kind {
	case models.ChangeInsert:
		return evt.NewStatus() == models.ApprovalStatusPending
	case models.ChangeUpdate:
		return evt.NewStatus() == models.ApprovalStatusPending && evt.OldStatus() != models.ApprovalStatusPending
	}
	return false
}

// HandleChange lets the debouncer receive notifications from the registry.
func (d *Debouncer) HandleChange(ctx context.Context, evt models.ChangeEvent) {
	d.Notify(ctx, evt)
}

// Notify classifies one notification and invalidates now, later or not at all.
func (d *Debouncer) Notify(ctx context.Context, evt models.ChangeEvent) {
	if IsFastPath(evt) {
		d.Flush(ctx, evt.Topic)
		return
	}
	d.Schedule(ctx, evt.Topic)
}

// Flush invalidates immediately and cancels any pending timer for the topic.
func (d *Debouncer) Flush(ctx context.Context, topic string) {
	d.mu.Lock()
	st := d.state(topic)
	d.cancelLocked(st)
	st.last = d.clock.Now()
	d.mu.Unlock()

	d.invalidate(ctx, topic, PathFast)
}

// Schedule applies the normal path: invalidate now when the window has passed since
// the last invalidation, otherwise make sure one timer covers the rest of the window.
func (d *Debouncer) Schedule(ctx context.Context, topic string) {
	d.mu.Lock()
	st := d.state(topic)
	now := d.clock.Now()
	if st.last.IsZero() || now.Sub(st.last) >= d.window {
		d.cancelLocked(st)
		st.last = now
		d.mu.Unlock()
		d.invalidate(ctx, topic, PathImmediate)
		return
	}
	if st.timer == nil {
		d.gen++
		st.gen = d.gen
		gen := st.gen
		delay := d.window - now.Sub(st.last)
		st.timer = d.clock.AfterFunc(delay, func() { d.fire(topic, gen) })
	}
	d.mu.Unlock()
}

// Pending reports whether a deferred invalidation is scheduled for the topic.
func (d *Debouncer) Pending(topic string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.topics[topic]
	return ok && st.timer != nil
}

// LastInvalidation returns when the topic was last invalidated, zero if never.
func (d *Debouncer) LastInvalidation(topic string) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.topics[topic]; ok {
		return st.last
	}
	return time.Time{}
}

// Reset cancels the pending timer and forgets the topic.
func (d *Debouncer) Reset(topic string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.topics[topic]; ok {
		d.cancelLocked(st)
		delete(d.topics, topic)
	}
}

// Stop cancels every pending timer.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for topic, st := range d.topics {
		d.cancelLocked(st)
		delete(d.topics, topic)
	}
}

func (d *Debouncer) fire(topic string, gen uint64) {
	d.mu.Lock()
	st, ok := d.topics[topic]
	if !ok || st.gen != gen || st.timer == nil {
		// cancelled after the timer had already been released
		d.mu.Unlock()
		return
	}
	st.timer = nil
	st.last = d.clock.Now()
	d.mu.Unlock()

	d.invalidate(d.ctx, topic, PathDeferred)
}

func (d *Debouncer) state(topic string) *topicState {
	st, ok := d.topics[topic]
	if !ok {
		st = &topicState{}
		d.topics[topic] = st
	}
	return st
}

func (d *Debouncer) cancelLocked(st *topicState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	d.gen++
	st.gen = d.gen
}

func (d *Debouncer) invalidate(ctx context.Context, topic, path string) {
	if ctx == nil {
		ctx = d.ctx
	}
	if d.recorder != nil {
		d.recorder.RecordInvalidation(path)
	}
	d.logger.Debug("invalidating approval queries", zap.String("topic", topic), zap.String("path", path))
	if d.invalidator == nil {
		return
	}
	for _, family := range d.families {
		if err := d.invalidator.Invalidate(ctx, family, d.mode); err != nil {
			d.logger.Warn("invalidate failed", zap.String("topic", topic), zap.String("family", family), zap.Error(err))
		}
	}
}
