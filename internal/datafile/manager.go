package datafile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/matt-riley/bucketz/internal/core"
	"github.com/matt-riley/bucketz/internal/tracing"
)

const (
	defaultRefreshInterval = 5 * time.Minute
	defaultRefreshTimeout  = 30 * time.Second
)

// Refresh outcomes reported to the refresh hook.
const (
	ResultUpdated     = "updated"
	ResultUnchanged   = "unchanged"
	ResultNotModified = "not_modified"
	ResultError       = "error"
)

// RevisionChangeFunc is called after a new snapshot replaces the previous
// one. previous is nil for the first snapshot.
type RevisionChangeFunc func(previous, current *core.ProjectConfig)

// Option configures a [Manager].
type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRefreshInterval sets the polling period used by Start.
func WithRefreshInterval(interval time.Duration) Option {
	return func(m *Manager) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// WithWatch makes Start also refresh on change signals when the source
// implements [Watcher].
func WithWatch(enabled bool) Option {
	return func(m *Manager) { m.watch = enabled }
}

// WithRefreshHook registers a callback receiving every refresh outcome
// (e.g. to increment a Prometheus counter).
func WithRefreshHook(fn func(result string)) Option {
	return func(m *Manager) { m.onRefresh = fn }
}

// Manager holds the current project config snapshot. Readers never block on
// refreshes: a refresh parses the new datafile fully before swapping the
// pointer.
type Manager struct {
	source    Source
	logger    *slog.Logger
	interval  time.Duration
	watch     bool
	onRefresh func(string)

	current atomic.Pointer[core.ProjectConfig]
	group   singleflight.Group
	swapMu  sync.Mutex

	mu        sync.Mutex
	listeners []RevisionChangeFunc
}

func NewManager(source Source, opts ...Option) *Manager {
	m := &Manager{
		source:   source,
		logger:   slog.Default(),
		interval: defaultRefreshInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the current snapshot, or nil before the first successful
// refresh.
func (m *Manager) Config() *core.ProjectConfig {
	return m.current.Load()
}

// Revision returns the current snapshot's revision, or "" before the first
// successful refresh.
func (m *Manager) Revision() string {
	if cfg := m.current.Load(); cfg != nil {
		return cfg.Revision()
	}
	return ""
}

// OnRevisionChange registers fn to run after each snapshot swap, in
// registration order.
func (m *Manager) OnRevisionChange(fn RevisionChangeFunc) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Refresh fetches and parses the datafile. Concurrent calls share one fetch.
// An unchanged revision or a not-modified response leaves the snapshot in
// place; an invalid datafile returns an error and also keeps the previous
// snapshot.
//
// The shared fetch is detached from ctx and bounded by its own timeout, so a
// caller that gives up only stops waiting; the others still get the result.
func (m *Manager) Refresh(ctx context.Context) (*core.ProjectConfig, error) {
	results := m.group.DoChan("refresh", func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultRefreshTimeout)
		defer cancel()
		return m.refresh(fetchCtx)
	})

	select {
	case res := <-results:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*core.ProjectConfig), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Set installs an already-parsed snapshot, running revision-change callbacks
// when the revision differs. Swaps and their callbacks are serialized.
func (m *Manager) Set(cfg *core.ProjectConfig) bool {
	if cfg == nil {
		return false
	}
	m.swapMu.Lock()
	defer m.swapMu.Unlock()

	previous := m.current.Load()
	if previous != nil && previous.Revision() == cfg.Revision() {
		return false
	}
	m.current.Store(cfg)
	m.notify(previous, cfg)
	return true
}

func (m *Manager) refresh(ctx context.Context) (cfg *core.ProjectConfig, err error) {
	ctx, span := tracing.Start(ctx, "datafile.refresh", attribute.String("datafile.source", m.source.String()))
	defer func() { tracing.End(span, err) }()

	payload, err := m.source.Fetch(ctx)
	if errors.Is(err, ErrNotModified) {
		m.report(ResultNotModified)
		return m.current.Load(), nil
	}
	if err != nil {
		m.report(ResultError)
		return nil, err
	}

	next, err := core.NewProjectConfig(payload)
	if err != nil {
		m.report(ResultError)
		return nil, fmt.Errorf("parse datafile from %s: %w", m.source, err)
	}
	span.SetAttributes(attribute.String("datafile.revision", next.Revision()))

	if !m.Set(next) {
		m.report(ResultUnchanged)
		return m.current.Load(), nil
	}

	m.report(ResultUpdated)
	m.logger.Info("datafile updated", "source", m.source.String(), "revision", next.Revision())
	return next, nil
}

func (m *Manager) notify(previous, current *core.ProjectConfig) {
	m.mu.Lock()
	listeners := append([]RevisionChangeFunc(nil), m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(previous, current)
	}
}

func (m *Manager) report(result string) {
	if m.onRefresh != nil {
		m.onRefresh(result)
	}
}

// Start refreshes every interval, and on change signals when watching is
// enabled, until ctx is done. Refresh failures are logged; the previous
// snapshot stays in service until the next attempt.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.refreshInBackground(ctx, "interval")
			}
		}
	}()

	watcher, ok := m.source.(Watcher)
	if !m.watch || !ok {
		return
	}
	go func() {
		err := watcher.Watch(ctx, func() { m.refreshInBackground(ctx, "watch") })
		if err != nil && ctx.Err() == nil {
			m.logger.Warn("datafile watch stopped", "source", m.source.String(), "error", err)
		}
	}()
}

func (m *Manager) refreshInBackground(ctx context.Context, trigger string) {
	refreshCtx, cancel := context.WithTimeout(ctx, defaultRefreshTimeout)
	defer cancel()

	if _, err := m.Refresh(refreshCtx); err != nil && ctx.Err() == nil {
		m.logger.Warn("datafile refresh failed", "source", m.source.String(), "trigger", trigger, "error", err)
	}
}
