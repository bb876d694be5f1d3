package profile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"
)

var errBackendDown = errors.New("backend down")

type fakeBackend struct {
	mu       sync.Mutex
	records  map[[2]string]string
	failPut  map[string]error
	failDel  error
	loadErr  error
	ops      []string
	release  chan struct{}
	loadings int
	fetches  int

	// When set, Load takes its snapshot, signals loadStarted and then waits
	// for loadGate.
	loadStarted chan struct{}
	loadGate    chan struct{}
}

func newFakeBackend(records ...Record) *fakeBackend {
	b := &fakeBackend{records: make(map[[2]string]string), failPut: make(map[string]error)}
	for _, record := range records {
		b.records[[2]string{record.UserID, record.ExperimentID}] = record.VariationID
	}
	return b
}

func (b *fakeBackend) Load(context.Context) ([]Record, error) {
	b.mu.Lock()
	b.loadings++
	if b.loadErr != nil {
		b.mu.Unlock()
		return nil, b.loadErr
	}
	records := make([]Record, 0, len(b.records))
	for key, variationID := range b.records {
		records = append(records, Record{UserID: key[0], ExperimentID: key[1], VariationID: variationID})
	}
	started, gate := b.loadStarted, b.loadGate
	b.mu.Unlock()

	if gate != nil {
		started <- struct{}{}
		<-gate
	}
	return records, nil
}

func (b *fakeBackend) gateLoads() (started <-chan struct{}, gate chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loadStarted = make(chan struct{}, 1)
	b.loadGate = make(chan struct{})
	return b.loadStarted, b.loadGate
}

func (b *fakeBackend) loads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadings
}

func (b *fakeBackend) Put(_ context.Context, record Record) error {
	b.wait()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.ops = append(b.ops, "put:"+record.VariationID)
	if err := b.failPut[record.VariationID]; err != nil {
		return err
	}
	b.records[[2]string{record.UserID, record.ExperimentID}] = record.VariationID
	return nil
}

func (b *fakeBackend) Delete(_ context.Context, userID, experimentID string) error {
	b.wait()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.ops = append(b.ops, "delete:"+userID+"/"+experimentID)
	if b.failDel != nil {
		return b.failDel
	}
	delete(b.records, [2]string{userID, experimentID})
	return nil
}

func (b *fakeBackend) wait() {
	if b.release != nil {
		<-b.release
	}
}

func (b *fakeBackend) set(record Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[[2]string{record.UserID, record.ExperimentID}] = record.VariationID
}

func (b *fakeBackend) stored(userID, experimentID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	variationID, ok := b.records[[2]string{userID, experimentID}]
	return variationID, ok
}

func (b *fakeBackend) operations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.ops)
}

type notifyingBackend struct {
	*fakeBackend
	invalidations chan Invalidation
}

func newNotifyingBackend(records ...Record) *notifyingBackend {
	return &notifyingBackend{fakeBackend: newFakeBackend(records...), invalidations: make(chan Invalidation, 4)}
}

func (b *notifyingBackend) SubscribeProfileInvalidation(context.Context) (<-chan Invalidation, error) {
	return b.invalidations, nil
}

// fetchingBackend also reads single entries, so invalidations naming an
// entry are applied without a full Load.
type fetchingBackend struct {
	*notifyingBackend
}

func (b *fetchingBackend) GetVariationID(_ context.Context, userID, experimentID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetches++
	variationID, ok := b.records[[2]string{userID, experimentID}]
	if !ok {
		return "", ErrRecordNotFound
	}
	return variationID, nil
}

func (b *fetchingBackend) fetchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCachedStore(t *testing.T, backend Backend, opts ...CachedOption) *CachedStore {
	t.Helper()

	opts = append([]CachedOption{WithLogger(quietLogger())}, opts...)
	store, err := NewCachedStore(context.Background(), backend, opts...)
	if err != nil {
		t.Fatalf("NewCachedStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func lookupOne(t *testing.T, store Store, userID, experimentID string) (string, bool) {
	t.Helper()

	variations, err := store.Lookup(context.Background(), userID)
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	variationID, ok := variations[experimentID]
	return variationID, ok
}

func TestCachedStoreLoadsBackendOnStart(t *testing.T) {
	backend := newFakeBackend(Record{UserID: "u", ExperimentID: "e", VariationID: "v"})
	store := newTestCachedStore(t, backend)

	if got, ok := lookupOne(t, store, "u", "e"); !ok || got != "v" {
		t.Fatalf("Lookup() = (%q, %t), want (v, true)", got, ok)
	}
}

func TestCachedStoreLoadFailure(t *testing.T) {
	backend := newFakeBackend()
	backend.loadErr = errBackendDown

	if _, err := NewCachedStore(context.Background(), backend, WithLogger(quietLogger())); !errors.Is(err, errBackendDown) {
		t.Fatalf("NewCachedStore() error = %v, want %v", err, errBackendDown)
	}
	if _, err := NewCachedStore(context.Background(), nil); err == nil {
		t.Fatal("NewCachedStore(nil) error = nil, want error")
	}
}

func TestCachedStoreSaveIsVisibleBeforeDurableWrite(t *testing.T) {
	backend := newFakeBackend()
	backend.release = make(chan struct{})
	store := newTestCachedStore(t, backend)

	if err := store.Save(context.Background(), "u", "e", "v1"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if got, ok := lookupOne(t, store, "u", "e"); !ok || got != "v1" {
		t.Fatalf("Lookup() before durable write = (%q, %t), want (v1, true)", got, ok)
	}
	if _, ok := backend.stored("u", "e"); ok {
		t.Fatal("backend written before the worker was released")
	}

	close(backend.release)
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got, ok := backend.stored("u", "e"); !ok || got != "v1" {
		t.Fatalf("backend after Close = (%q, %t), want (v1, true)", got, ok)
	}
}

func TestCachedStoreRollsBackFailedSave(t *testing.T) {
	var failures []string
	backend := newFakeBackend(Record{UserID: "u", ExperimentID: "e", VariationID: "old"})
	backend.failPut["new"] = errBackendDown
	store := newTestCachedStore(t, backend, WithFailureHook(func(op string) { failures = append(failures, op) }))

	if err := store.Save(context.Background(), "u", "e", "new"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Save(context.Background(), "fresh", "e", "new"); err != nil {
		t.Fatalf("Save(fresh) error = %v", err)
	}
	_ = store.Close()

	if got, ok := lookupOne(t, store, "u", "e"); !ok || got != "old" {
		t.Fatalf("Lookup(u) after failed write = (%q, %t), want (old, true)", got, ok)
	}
	if _, ok := lookupOne(t, store, "fresh", "e"); ok {
		t.Fatal("Lookup(fresh) found an entry whose durable write failed")
	}
	if want := []string{"put", "put"}; !slices.Equal(failures, want) {
		t.Fatalf("failures = %v, want %v", failures, want)
	}
}

func TestCachedStoreRollbackKeepsLaterWrite(t *testing.T) {
	backend := newFakeBackend()
	backend.failPut["first"] = errBackendDown
	store := newTestCachedStore(t, backend)

	ctx := context.Background()
	if err := store.Save(ctx, "u", "e", "first"); err != nil {
		t.Fatalf("Save(first) error = %v", err)
	}
	if err := store.Save(ctx, "u", "e", "second"); err != nil {
		t.Fatalf("Save(second) error = %v", err)
	}
	_ = store.Close()

	if got, ok := lookupOne(t, store, "u", "e"); !ok || got != "second" {
		t.Fatalf("Lookup() = (%q, %t), want (second, true)", got, ok)
	}
	if want := []string{"put:first", "put:second"}; !slices.Equal(backend.operations(), want) {
		t.Fatalf("backend ops = %v, want %v", backend.operations(), want)
	}
}

func TestCachedStoreRollsBackFailedRemove(t *testing.T) {
	backend := newFakeBackend(Record{UserID: "u", ExperimentID: "e", VariationID: "v"})
	backend.failDel = errBackendDown
	store := newTestCachedStore(t, backend)

	if err := store.Remove(context.Background(), "u", "e"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	_ = store.Close()

	if got, ok := lookupOne(t, store, "u", "e"); !ok || got != "v" {
		t.Fatalf("Lookup() after failed remove = (%q, %t), want (v, true)", got, ok)
	}
}

func TestCachedStoreRemoveOfMissingEntrySkipsBackend(t *testing.T) {
	backend := newFakeBackend()
	store := newTestCachedStore(t, backend)

	if err := store.Remove(context.Background(), "u", "e"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	_ = store.Close()

	if ops := backend.operations(); len(ops) != 0 {
		t.Fatalf("backend ops = %v, want none", ops)
	}
}

func TestCachedStoreRejectsWritesAfterClose(t *testing.T) {
	store := newTestCachedStore(t, newFakeBackend())
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if err := store.Save(context.Background(), "u", "e", "v"); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("Save() after Close error = %v, want %v", err, ErrStoreClosed)
	}
	if err := store.Remove(context.Background(), "u", "e"); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("Remove() after Close error = %v, want %v", err, ErrStoreClosed)
	}
}

func TestCachedStoreSaveHonoursContextWhenQueueIsFull(t *testing.T) {
	backend := newFakeBackend()
	backend.release = make(chan struct{})
	store := newTestCachedStore(t, backend, WithQueueSize(1))
	defer close(backend.release)

	ctx := context.Background()
	// The worker holds the first job; the second fills the queue.
	if err := store.Save(ctx, "u1", "e", "v"); err != nil {
		t.Fatalf("Save(u1) error = %v", err)
	}
	waitForCondition(t, time.Second, func() bool { return len(store.jobs) == 0 })
	if err := store.Save(ctx, "u2", "e", "v"); err != nil {
		t.Fatalf("Save(u2) error = %v", err)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if err := store.Save(canceled, "u3", "e", "v"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Save(u3) error = %v, want %v", err, context.Canceled)
	}
	if _, ok := lookupOne(t, store, "u3", "e"); ok {
		t.Fatal("Lookup(u3) found an entry that was never queued")
	}
}

func TestCachedStoreReloadsOnInvalidation(t *testing.T) {
	backend := newNotifyingBackend()
	store := newTestCachedStore(t, backend)

	backend.set(Record{UserID: "remote", ExperimentID: "e", VariationID: "v"})
	if _, ok := lookupOne(t, store, "remote", "e"); ok {
		t.Fatal("Lookup() saw a remote write before invalidation")
	}

	backend.invalidations <- Invalidation{}
	waitForCondition(t, time.Second, func() bool {
		got, ok := lookupOne(t, store, "remote", "e")
		return ok && got == "v"
	})
}

func TestCachedStoreKeepsSaveMadeDuringReload(t *testing.T) {
	backend := newFakeBackend(Record{UserID: "other", ExperimentID: "e", VariationID: "v"})
	store := newTestCachedStore(t, backend)
	ctx := context.Background()

	started, gate := backend.gateLoads()
	errc := make(chan error, 1)
	go func() { errc <- store.Reload(ctx) }()
	<-started

	// The snapshot is already taken; this write lands durably before the
	// reload installs it.
	if err := store.Save(ctx, "u1", "exp", "var"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	waitForCondition(t, time.Second, func() bool {
		_, ok := backend.stored("u1", "exp")
		return ok
	})
	waitForCondition(t, time.Second, func() bool {
		store.cache.mu.RLock()
		defer store.cache.mu.RUnlock()
		return len(store.inflight) == 0
	})

	close(gate)
	if err := <-errc; err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if got, ok := lookupOne(t, store, "u1", "exp"); !ok || got != "var" {
		t.Fatalf("Lookup() after Save during Reload = (%q, %t), want (var, true)", got, ok)
	}
	if got, ok := lookupOne(t, store, "other", "e"); !ok || got != "v" {
		t.Fatalf("Lookup(other) = (%q, %t), want (v, true)", got, ok)
	}
}

func TestCachedStoreReloadKeepsQueuedWrites(t *testing.T) {
	backend := newFakeBackend(Record{UserID: "gone", ExperimentID: "e", VariationID: "v"})
	backend.release = make(chan struct{})
	store := newTestCachedStore(t, backend)
	ctx := context.Background()

	if err := store.Save(ctx, "u", "e", "queued"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	// Another writer changes the backend while our write is still queued.
	backend.set(Record{UserID: "remote", ExperimentID: "e", VariationID: "r"})
	backend.mu.Lock()
	delete(backend.records, [2]string{"gone", "e"})
	backend.mu.Unlock()

	if err := store.Reload(ctx); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	tests := []struct {
		userID string
		want   string
		wantOK bool
	}{
		{userID: "u", want: "queued", wantOK: true},
		{userID: "remote", want: "r", wantOK: true},
		{userID: "gone", wantOK: false},
	}
	for _, tt := range tests {
		if got, ok := lookupOne(t, store, tt.userID, "e"); ok != tt.wantOK || got != tt.want {
			t.Errorf("Lookup(%s) after Reload = (%q, %t), want (%q, %t)", tt.userID, got, ok, tt.want, tt.wantOK)
		}
	}
	close(backend.release)
}

func TestCachedStoreRefreshesNamedEntry(t *testing.T) {
	backend := &fetchingBackend{newNotifyingBackend(Record{UserID: "u", ExperimentID: "old", VariationID: "v"})}
	store := newTestCachedStore(t, backend)
	loads := backend.loads()

	backend.set(Record{UserID: "u", ExperimentID: "e", VariationID: "remote"})
	backend.invalidations <- Invalidation{UserID: "u", ExperimentID: "e"}
	waitForCondition(t, time.Second, func() bool {
		got, ok := lookupOne(t, store, "u", "e")
		return ok && got == "remote"
	})

	backend.mu.Lock()
	delete(backend.records, [2]string{"u", "old"})
	backend.mu.Unlock()
	backend.invalidations <- Invalidation{UserID: "u", ExperimentID: "old"}
	waitForCondition(t, time.Second, func() bool {
		_, ok := lookupOne(t, store, "u", "old")
		return !ok
	})

	if got := backend.loads(); got != loads {
		t.Fatalf("Load calls = %d, want %d (targeted refresh only)", got, loads)
	}
	if got := backend.fetchCount(); got != 2 {
		t.Fatalf("GetVariationID calls = %d, want 2", got)
	}
}

func TestCachedStoreRefreshKeepsQueuedWrite(t *testing.T) {
	backend := &fetchingBackend{newNotifyingBackend()}
	backend.release = make(chan struct{})
	store := newTestCachedStore(t, backend)

	if err := store.Save(context.Background(), "u", "e", "local"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	backend.set(Record{UserID: "u", ExperimentID: "e", VariationID: "stale"})
	backend.invalidations <- Invalidation{UserID: "u", ExperimentID: "e"}
	// Invalidations are applied in order, so once the marker shows up the
	// refresh for u/e has finished.
	backend.set(Record{UserID: "marker", ExperimentID: "e", VariationID: "m"})
	backend.invalidations <- Invalidation{UserID: "marker", ExperimentID: "e"}
	waitForCondition(t, time.Second, func() bool {
		_, ok := lookupOne(t, store, "marker", "e")
		return ok
	})

	if got, ok := lookupOne(t, store, "u", "e"); !ok || got != "local" {
		t.Fatalf("Lookup() with queued write = (%q, %t), want (local, true)", got, ok)
	}
	close(backend.release)
}

func TestCachedStoreResyncsBackendWithoutNotifications(t *testing.T) {
	backend := newFakeBackend()
	store := newTestCachedStore(t, backend, WithResyncInterval(10*time.Millisecond))

	backend.set(Record{UserID: "remote", ExperimentID: "e", VariationID: "v"})
	waitForCondition(t, time.Second, func() bool {
		got, ok := lookupOne(t, store, "remote", "e")
		return ok && got == "v"
	})
}

func waitForCondition(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if check() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
