package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultQueueSize      = 256
	defaultWriteTimeout   = 5 * time.Second
	defaultResyncInterval = time.Minute
	reloadTimeout         = 5 * time.Second
)

// Backend is the durable side of a CachedStore.
type Backend interface {
	Load(ctx context.Context) ([]Record, error)
	Put(ctx context.Context, record Record) error
	Delete(ctx context.Context, userID, experimentID string) error
}

// Invalidation names one entry written by another process. The zero value
// means any entry may have changed, as after a missed notification.
type Invalidation struct {
	UserID       string
	ExperimentID string
}

func (i Invalidation) everything() bool {
	return i.UserID == "" || i.ExperimentID == ""
}

// Backends that can report writes made by other processes implement this.
type invalidationSubscriber interface {
	SubscribeProfileInvalidation(ctx context.Context) (<-chan Invalidation, error)
}

// Backends that can read a single entry get targeted refreshes instead of a
// full reload per invalidation. A missing entry is reported as
// ErrRecordNotFound.
type entryFetcher interface {
	GetVariationID(ctx context.Context, userID, experimentID string) (string, error)
}

type entryKey struct {
	userID       string
	experimentID string
}

type CachedOption func(*CachedStore)

func WithLogger(logger *slog.Logger) CachedOption {
	return func(s *CachedStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithQueueSize(size int) CachedOption {
	return func(s *CachedStore) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

func WithWriteTimeout(timeout time.Duration) CachedOption {
	return func(s *CachedStore) {
		if timeout > 0 {
			s.writeTimeout = timeout
		}
	}
}

func WithResyncInterval(interval time.Duration) CachedOption {
	return func(s *CachedStore) {
		if interval > 0 {
			s.resyncInterval = interval
		}
	}
}

// WithFailureHook registers a callback invoked with "put" or "delete" each
// time a durable write fails and the cached entry is rolled back.
func WithFailureHook(fn func(op string)) CachedOption {
	return func(s *CachedStore) { s.onFailure = fn }
}

type writeJob struct {
	record      Record
	remove      bool
	previous    string
	hadPrevious bool
}

// CachedStore is a write-through cache over a Backend. Reads are served from
// memory. Writes update memory before returning and reach the backend from a
// single background worker, in order. A failed backend write restores the
// previous cached value unless a later write has already replaced it.
type CachedStore struct {
	backend        Backend
	logger         *slog.Logger
	cache          *MemoryStore
	queueSize      int
	writeTimeout   time.Duration
	resyncInterval time.Duration
	onFailure      func(op string)

	// Guarded by cache.mu. inflight counts queued durable writes per entry.
	// touched is non-nil while a backend read is in flight and collects the
	// entries written locally in the meantime.
	inflight map[entryKey]int
	touched  map[entryKey]struct{}

	// readMu serializes backend reads so only one touched window is open.
	readMu sync.Mutex

	closeMu sync.RWMutex
	closed  bool
	jobs    chan writeJob
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewCachedStore loads every record from backend and starts the write
// worker and the resync loop. Call Close to drain queued writes.
func NewCachedStore(ctx context.Context, backend Backend, opts ...CachedOption) (*CachedStore, error) {
	if backend == nil {
		return nil, errNilBackendStore
	}

	s := &CachedStore{
		backend:        backend,
		logger:         slog.Default(),
		cache:          NewMemoryStore(),
		queueSize:      defaultQueueSize,
		writeTimeout:   defaultWriteTimeout,
		resyncInterval: defaultResyncInterval,
		inflight:       make(map[entryKey]int),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.Reload(ctx); err != nil {
		return nil, err
	}

	s.jobs = make(chan writeJob, s.queueSize)
	go s.run()

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	var invalidations <-chan Invalidation
	subscriber, _ := backend.(invalidationSubscriber)
	if subscriber != nil {
		ch, err := subscriber.SubscribeProfileInvalidation(watchCtx)
		if err != nil {
			cancel()
			s.Close()
			return nil, fmt.Errorf("subscribe profile invalidation: %w", err)
		}
		invalidations = ch
	}
	go s.watch(watchCtx, subscriber, invalidations)

	return s, nil
}

func (s *CachedStore) Lookup(ctx context.Context, userID string) (map[string]string, error) {
	return s.cache.Lookup(ctx, userID)
}

func (s *CachedStore) Records(ctx context.Context) ([]Record, error) {
	return s.cache.Records(ctx)
}

func (s *CachedStore) Save(ctx context.Context, userID, experimentID, variationID string) error {
	record := Record{UserID: userID, ExperimentID: experimentID, VariationID: variationID}
	if err := record.validate(); err != nil {
		return err
	}

	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	s.cache.mu.Lock()
	previous, had := s.cache.get(userID, experimentID)
	s.cache.put(record)
	s.begin(entryKey{userID, experimentID})
	s.cache.mu.Unlock()

	return s.enqueue(ctx, writeJob{record: record, previous: previous, hadPrevious: had})
}

func (s *CachedStore) Remove(ctx context.Context, userID, experimentID string) error {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}

	s.cache.mu.Lock()
	previous, had := s.cache.get(userID, experimentID)
	if !had {
		s.cache.mu.Unlock()
		return nil
	}
	s.cache.delete(userID, experimentID)
	s.begin(entryKey{userID, experimentID})
	s.cache.mu.Unlock()

	return s.enqueue(ctx, writeJob{
		record:      Record{UserID: userID, ExperimentID: experimentID},
		remove:      true,
		previous:    previous,
		hadPrevious: true,
	})
}

// Reload replaces the cache with the backend's records. Entries with queued
// writes, and entries written while Load ran, keep their cached value since
// it is newer than the snapshot.
func (s *CachedStore) Reload(ctx context.Context) error {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	s.openReadWindow()
	records, err := s.backend.Load(ctx)

	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	touched := s.closeReadWindow()
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}

	type cached struct {
		variationID string
		ok          bool
	}
	keep := make(map[entryKey]cached, len(touched)+len(s.inflight))
	for key := range touched {
		v, ok := s.cache.get(key.userID, key.experimentID)
		keep[key] = cached{v, ok}
	}
	for key := range s.inflight {
		v, ok := s.cache.get(key.userID, key.experimentID)
		keep[key] = cached{v, ok}
	}

	s.cache.replace(records)
	for key, c := range keep {
		if c.ok {
			s.cache.put(Record{UserID: key.userID, ExperimentID: key.experimentID, VariationID: c.variationID})
		} else {
			s.cache.delete(key.userID, key.experimentID)
		}
	}
	if len(keep) > 0 {
		s.logger.Debug("profile reload kept newer local entries", slog.Int("entries", len(keep)))
	}
	return nil
}

// refresh re-reads one entry. A local write that is queued or landed during
// the read wins over the fetched value.
func (s *CachedStore) refresh(ctx context.Context, fetcher entryFetcher, inv Invalidation) error {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	s.openReadWindow()
	variationID, err := fetcher.GetVariationID(ctx, inv.UserID, inv.ExperimentID)

	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	touched := s.closeReadWindow()
	missing := errors.Is(err, ErrRecordNotFound)
	if err != nil && !missing {
		return fmt.Errorf("refresh profile %s/%s: %w", inv.UserID, inv.ExperimentID, err)
	}

	key := entryKey{inv.UserID, inv.ExperimentID}
	if _, ok := touched[key]; ok || s.inflight[key] > 0 {
		return nil
	}
	if missing {
		s.cache.delete(inv.UserID, inv.ExperimentID)
		return nil
	}
	s.cache.put(Record{UserID: inv.UserID, ExperimentID: inv.ExperimentID, VariationID: variationID})
	return nil
}

func (s *CachedStore) openReadWindow() {
	s.cache.mu.Lock()
	s.touched = make(map[entryKey]struct{})
	s.cache.mu.Unlock()
}

// closeReadWindow expects cache.mu to be held.
func (s *CachedStore) closeReadWindow() map[entryKey]struct{} {
	touched := s.touched
	s.touched = nil
	return touched
}

// begin, finish and touch expect cache.mu to be held.

func (s *CachedStore) begin(key entryKey) {
	s.inflight[key]++
	s.touch(key)
}

func (s *CachedStore) finish(key entryKey) {
	if s.inflight[key] <= 1 {
		delete(s.inflight, key)
		return
	}
	s.inflight[key]--
}

func (s *CachedStore) touch(key entryKey) {
	if s.touched != nil {
		s.touched[key] = struct{}{}
	}
}

// Close stops accepting writes and waits for queued writes to finish.
func (s *CachedStore) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	if s.jobs != nil {
		close(s.jobs)
	}
	s.closeMu.Unlock()

	if s.jobs != nil {
		<-s.done
	}
	return nil
}

func (s *CachedStore) enqueue(ctx context.Context, job writeJob) error {
	select {
	case s.jobs <- job:
		return nil
	case <-ctx.Done():
		s.rollback(job)
		return ctx.Err()
	}
}

func (s *CachedStore) run() {
	defer close(s.done)
	for job := range s.jobs {
		s.apply(job)
	}
}

func (s *CachedStore) apply(job writeJob) {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	op := "put"
	var err error
	if job.remove {
		op = "delete"
		err = s.backend.Delete(ctx, job.record.UserID, job.record.ExperimentID)
	} else {
		err = s.backend.Put(ctx, job.record)
	}
	if err == nil {
		s.cache.mu.Lock()
		s.finish(entryKey{job.record.UserID, job.record.ExperimentID})
		s.cache.mu.Unlock()
		return
	}

	s.logger.Error("profile write failed, rolling back",
		slog.String("op", op),
		slog.String("user_id", job.record.UserID),
		slog.String("experiment_id", job.record.ExperimentID),
		slog.Any("error", err),
	)
	if s.onFailure != nil {
		s.onFailure(op)
	}
	s.rollback(job)
}

// rollback restores the value a failed job replaced, provided nothing else
// has changed the entry since.
func (s *CachedStore) rollback(job writeJob) {
	key := entryKey{job.record.UserID, job.record.ExperimentID}
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()
	defer s.finish(key)

	current, ok := s.cache.get(job.record.UserID, job.record.ExperimentID)
	if job.remove {
		if ok {
			return
		}
	} else if !ok || current != job.record.VariationID {
		return
	}

	s.touch(key)
	if job.hadPrevious {
		s.cache.put(Record{UserID: job.record.UserID, ExperimentID: job.record.ExperimentID, VariationID: job.previous})
		return
	}
	s.cache.delete(job.record.UserID, job.record.ExperimentID)
}

// watch reloads every resyncInterval and applies invalidations from
// subscriber, when the backend has one. A closed invalidation channel is
// resubscribed at once and then on each tick until that succeeds.
func (s *CachedStore) watch(ctx context.Context, subscriber invalidationSubscriber, invalidations <-chan Invalidation) {
	ticker := time.NewTicker(s.resyncInterval)
	defer ticker.Stop()

	resubscribe := func() {
		next, err := subscriber.SubscribeProfileInvalidation(ctx)
		if err != nil {
			s.logger.Warn("profile invalidation resubscribe failed", slog.Any("error", err))
			invalidations = nil
			return
		}
		invalidations = next
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if subscriber != nil && invalidations == nil {
				resubscribe()
			}
			s.reload(ctx)
		case inv, ok := <-invalidations:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				resubscribe()
				continue
			}
			s.invalidate(ctx, inv)
		}
	}
}

func (s *CachedStore) invalidate(ctx context.Context, inv Invalidation) {
	fetcher, ok := s.backend.(entryFetcher)
	if !ok || inv.everything() {
		s.reload(ctx)
		return
	}

	refreshCtx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()
	if err := s.refresh(refreshCtx, fetcher, inv); err != nil {
		s.logger.Warn("profile refresh failed",
			slog.String("user_id", inv.UserID),
			slog.String("experiment_id", inv.ExperimentID),
			slog.Any("error", err),
		)
	}
}

func (s *CachedStore) reload(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()
	if err := s.Reload(reloadCtx); err != nil {
		s.logger.Warn("profile reload failed", slog.Any("error", err))
	}
}
