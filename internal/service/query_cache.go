package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/lyrics-approvals-api/internal/models"
	appErrors "github.com/noah-isme/lyrics-approvals-api/pkg/errors"
)

type approvalReader interface {
	List(ctx context.Context, w models.QueryWindow, now time.Time) ([]models.ApprovalRecord, error)
	Count(ctx context.Context, w models.QueryWindow, now time.Time) (int, error)
}

// RecordUpdater rewrites one cached record. Returning keep=false removes it from the window.
type RecordUpdater func(r models.ApprovalRecord) (updated models.ApprovalRecord, keep bool)

// QueryCacheConfig tunes the read cache.
type QueryCacheConfig struct {
	DefaultLimit int
	MaxLimit     int
	// TTL bounds how long an unobserved entry is served, and kept, without refetching.
	TTL         time.Duration
	Concurrency int
}

type listEntry struct {
	window    models.QueryWindow
	records   []models.ApprovalRecord
	loaded    bool
	stale     bool
	observers int
	fetchedAt time.Time
	fetchGen  uint64
}

type countEntry struct {
	window    models.QueryWindow
	total     int
	loaded    bool
	stale     bool
	observers int
	fetchedAt time.Time
	fetchGen  uint64
}

// CacheSnapshot remembers where one record sat in each cached window of a family.
type CacheSnapshot struct {
	family  string
	id      string
	entries map[string]snapshotEntry
}

type snapshotEntry struct {
	record   models.ApprovalRecord
	index    int
	after    string
	fetchGen uint64
}

// QueryCache holds approval list and count results keyed by query window. Every write
// replaces single entries under the cache lock so readers never see a half-applied change.
type QueryCache struct {
	source  approvalReader
	clock   clock.Clock
	metrics *MetricsService
	logger  *zap.Logger
	cfg     QueryCacheConfig

	mu        sync.RWMutex
	lists     map[string]*listEntry
	counts    map[string]*countEntry
	listeners []func(family string)
	// patchGen counts local patches; list fetches started before the latest one are dropped.
	patchGen uint64
}

// QueryCacheOption configures the cache.
type QueryCacheOption func(*QueryCache)

// WithCacheClock overrides the clock used for freshness and expiry filtering.
func WithCacheClock(c clock.Clock) QueryCacheOption {
	return func(q *QueryCache) {
		if c != nil {
			q.clock = c
		}
	}
}

// WithCacheMetrics attaches metrics recording.
func WithCacheMetrics(metrics *MetricsService) QueryCacheOption {
	return func(q *QueryCache) {
		q.metrics = metrics
	}
}

// NewQueryCache constructs the read cache over the approval source.
func NewQueryCache(source approvalReader, cfg QueryCacheConfig, logger *zap.Logger, opts ...QueryCacheOption) *QueryCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 20
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 100
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	q := &QueryCache{
		source: source,
		clock:  clock.WallClock,
		logger: logger,
		cfg:    cfg,
		lists:  make(map[string]*listEntry),
		counts: make(map[string]*countEntry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Normalize applies the cache's pagination defaults to a window.
func (q *QueryCache) Normalize(w models.QueryWindow) models.QueryWindow {
	return w.Normalize(q.cfg.DefaultLimit, q.cfg.MaxLimit)
}

// OnRefresh registers fn to be told whenever a family's cached data changed.
func (q *QueryCache) OnRefresh(fn func(family string)) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, fn)
}

// Window returns the records of one window, reading through to the source when the
// entry is missing or stale.
func (q *QueryCache) Window(ctx context.Context, w models.QueryWindow) ([]models.ApprovalRecord, error) {
	w = q.Normalize(w)
	key := w.Key()
	start := time.Now()

	q.mu.RLock()
	entry, ok := q.lists[key]
	if ok && entry.loaded && !entry.stale && q.freshLocked(entry.observers, entry.fetchedAt) {
		records := cloneRecords(entry.records)
		q.mu.RUnlock()
		q.metrics.RecordCacheOperation(true, time.Since(start))
		return records, nil
	}
	q.mu.RUnlock()

	records, err := q.fetchList(ctx, w)
	q.metrics.RecordCacheOperation(false, time.Since(start))
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Count returns the total for the window's filter, reading through when needed.
func (q *QueryCache) Count(ctx context.Context, w models.QueryWindow) (int, error) {
	w = q.Normalize(w)
	key := w.CountKey()
	start := time.Now()

	q.mu.RLock()
	entry, ok := q.counts[key]
	if ok && entry.loaded && !entry.stale && q.freshLocked(entry.observers, entry.fetchedAt) {
		total := entry.total
		q.mu.RUnlock()
		q.metrics.RecordCacheOperation(true, time.Since(start))
		return total, nil
	}
	q.mu.RUnlock()

	total, err := q.fetchCount(ctx, w)
	q.metrics.RecordCacheOperation(false, time.Since(start))
	return total, err
}

// Peek returns the cached records of a window without fetching. ok is false when the
// window was never loaded.
func (q *QueryCache) Peek(w models.QueryWindow) (records []models.ApprovalRecord, ok bool) {
	w = q.Normalize(w)
	q.mu.RLock()
	defer q.mu.RUnlock()
	entry, exists := q.lists[w.Key()]
	if !exists || !entry.loaded {
		return nil, false
	}
	return cloneRecords(entry.records), true
}

// PeekCount returns the cached total of a window's filter, nil while unresolved.
func (q *QueryCache) PeekCount(w models.QueryWindow) *int {
	w = q.Normalize(w)
	q.mu.RLock()
	defer q.mu.RUnlock()
	entry, exists := q.counts[w.CountKey()]
	if !exists || !entry.loaded {
		return nil
	}
	total := entry.total
	return &total
}

// Observe marks the window and its count as active so invalidations refetch them.
// The returned function ends the observation.
func (q *QueryCache) Observe(w models.QueryWindow) func() {
	w = q.Normalize(w)
	listKey, countKey := w.Key(), w.CountKey()

	q.mu.Lock()
	list, ok := q.lists[listKey]
	if !ok {
		list = &listEntry{window: w}
		q.lists[listKey] = list
	}
	list.observers++
	count, ok := q.counts[countKey]
	if !ok {
		count = &countEntry{window: w}
		q.counts[countKey] = count
	}
	count.observers++
	q.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			q.mu.Lock()
			defer q.mu.Unlock()
			if entry, ok := q.lists[listKey]; ok && entry.observers > 0 {
				entry.observers--
			}
			if entry, ok := q.counts[countKey]; ok && entry.observers > 0 {
				entry.observers--
			}
		})
	}
}

// Invalidate marks the family stale and refetches the observed windows concurrently.
// InvalidateActive leaves unobserved entries untouched; InvalidateAll marks them stale
// so their next read goes to the source.
func (q *QueryCache) Invalidate(ctx context.Context, family string, mode models.InvalidateMode) error {
	var windows []models.QueryWindow

	q.mu.Lock()
	switch family {
	case models.FamilyApprovalList:
		for _, entry := range q.lists {
			if entry.observers > 0 {
				entry.stale = true
				windows = append(windows, entry.window)
			} else if mode == models.InvalidateAll {
				entry.stale = true
			}
		}
	case models.FamilyApprovalCount:
		for _, entry := range q.counts {
			if entry.observers > 0 {
				entry.stale = true
				windows = append(windows, entry.window)
			} else if mode == models.InvalidateAll {
				entry.stale = true
			}
		}
	default:
		q.mu.Unlock()
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown query family %q", family))
	}
	q.mu.Unlock()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.cfg.Concurrency)
	for _, w := range windows {
		w := w
		g.Go(func() error {
			if family == models.FamilyApprovalList {
				_, err := q.fetchList(gctx, w)
				return err
			}
			_, err := q.fetchCount(gctx, w)
			return err
		})
	}
	err := g.Wait()
	q.metrics.ObserveRefetch(family, time.Since(start))
	if err != nil {
		return fmt.Errorf("refetch %s: %w", family, err)
	}
	q.notify(family)
	return nil
}

// Patch rewrites matching records in every cached window of the list family. A record
// the update moves out of a window's filter leaves that window. It returns the number
// of records that changed or were removed.
func (q *QueryCache) Patch(family string, update RecordUpdater) int {
	if family != models.FamilyApprovalList || update == nil {
		return 0
	}
	changed := 0
	now := q.clock.Now()
	q.mu.Lock()
	for _, entry := range q.lists {
		if !entry.loaded {
			continue
		}
		next := make([]models.ApprovalRecord, 0, len(entry.records))
		touched := false
		for _, record := range entry.records {
			updated, keep := update(record)
			if keep && !sameRecord(record, updated) && !entry.window.Matches(updated, now) {
				keep = false
			}
			if !keep {
				touched = true
				changed++
				continue
			}
			if !sameRecord(record, updated) {
				touched = true
				changed++
			}
			next = append(next, updated)
		}
		if touched {
			entry.records = next
		}
	}
	if changed > 0 {
		q.patchGen++
	}
	q.mu.Unlock()

	if changed > 0 {
		q.notify(family)
	}
	return changed
}

// Snapshot records the position of one record in every loaded window of the list
// family, so a failed removal can put back that record alone.
func (q *QueryCache) Snapshot(family, id string) *CacheSnapshot {
	snap := &CacheSnapshot{family: family, id: id, entries: make(map[string]snapshotEntry)}
	if family != models.FamilyApprovalList {
		return snap
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for key, entry := range q.lists {
		if !entry.loaded {
			continue
		}
		idx := indexOf(entry.records, id)
		if idx < 0 {
			continue
		}
		saved := snapshotEntry{record: entry.records[idx], index: idx, fetchGen: entry.fetchGen}
		if idx > 0 {
			saved.after = entry.records[idx-1].ID
		}
		snap.entries[key] = saved
	}
	return snap
}

// Restore re-inserts the snapshot's record next to its old neighbour. Windows refetched
// since the snapshot, or already holding the record, are left alone, and other records
// removed in the meantime stay removed.
func (q *QueryCache) Restore(family string, snap *CacheSnapshot) int {
	if snap == nil || snap.family != family || family != models.FamilyApprovalList {
		return 0
	}
	restored := 0
	q.mu.Lock()
	for key, saved := range snap.entries {
		entry, ok := q.lists[key]
		if !ok || !entry.loaded || entry.fetchGen != saved.fetchGen {
			continue
		}
		if indexOf(entry.records, snap.id) >= 0 {
			continue
		}
		pos := 0
		if saved.after != "" {
			if prev := indexOf(entry.records, saved.after); prev >= 0 {
				pos = prev + 1
			} else {
				pos = min(saved.index, len(entry.records))
			}
		}
		next := make([]models.ApprovalRecord, 0, len(entry.records)+1)
		next = append(next, entry.records[:pos]...)
		next = append(next, saved.record)
		next = append(next, entry.records[pos:]...)
		entry.records = next
		restored++
	}
	q.mu.Unlock()

	if restored > 0 {
		q.notify(family)
	}
	return restored
}

func (q *QueryCache) fetchList(ctx context.Context, w models.QueryWindow) ([]models.ApprovalRecord, error) {
	q.mu.RLock()
	gen := q.patchGen
	q.mu.RUnlock()

	records, err := q.source.List(ctx, w, q.clock.Now())
	if err != nil {
		return nil, err
	}
	now := q.clock.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictLocked(now)
	entry, ok := q.lists[w.Key()]
	if !ok {
		entry = &listEntry{window: w}
		q.lists[w.Key()] = entry
	}
	if gen != q.patchGen && entry.loaded {
		// a patch landed while this fetch was running; keep the patched records
		entry.stale = true
		q.logger.Debug("dropped list fetch older than a local patch", zap.String("window", w.Key()))
		return cloneRecords(entry.records), nil
	}
	entry.records = cloneRecords(records)
	entry.loaded = true
	entry.stale = false
	entry.fetchedAt = now
	entry.fetchGen++
	return records, nil
}

func (q *QueryCache) fetchCount(ctx context.Context, w models.QueryWindow) (int, error) {
	total, err := q.source.Count(ctx, w, q.clock.Now())
	if err != nil {
		return 0, err
	}
	now := q.clock.Now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictLocked(now)
	entry, ok := q.counts[w.CountKey()]
	if !ok {
		entry = &countEntry{window: w}
		q.counts[w.CountKey()] = entry
	}
	entry.total = total
	entry.loaded = true
	entry.stale = false
	entry.fetchedAt = now
	entry.fetchGen++
	return total, nil
}

// evictLocked drops unobserved entries whose TTL has passed.
func (q *QueryCache) evictLocked(now time.Time) {
	for key, entry := range q.lists {
		if entry.observers == 0 && (!entry.loaded || now.Sub(entry.fetchedAt) >= q.cfg.TTL) {
			delete(q.lists, key)
		}
	}
	for key, entry := range q.counts {
		if entry.observers == 0 && (!entry.loaded || now.Sub(entry.fetchedAt) >= q.cfg.TTL) {
			delete(q.counts, key)
		}
	}
}

func (q *QueryCache) freshLocked(observers int, fetchedAt time.Time) bool {
	if observers > 0 {
		return true
	}
	return q.clock.Now().Sub(fetchedAt) < q.cfg.TTL
}

func (q *QueryCache) notify(family string) {
	q.mu.RLock()
	listeners := append([]func(string){}, q.listeners...)
	q.mu.RUnlock()
	for _, fn := range listeners {
		fn(family)
	}
}

func indexOf(records []models.ApprovalRecord, id string) int {
	for i, r := range records {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func cloneRecords(records []models.ApprovalRecord) []models.ApprovalRecord {
	if records == nil {
		return []models.ApprovalRecord{}
	}
	out := make([]models.ApprovalRecord, len(records))
	copy(out, records)
	return out
}

func sameRecord(a, b models.ApprovalRecord) bool {
	return a.ID == b.ID && a.Status == b.Status && a.Preview == b.Preview &&
		a.RegenerationCount == b.RegenerationCount && a.UpdatedAt.Equal(b.UpdatedAt) &&
		a.Lyrics.Text() == b.Lyrics.Text() && a.Lyrics.Kind() == b.Lyrics.Kind() &&
		equalTimePtr(a.ExpiresAt, b.ExpiresAt)
}

func equalTimePtr(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
