// Package notification fans decision outcomes out to registered listeners.
//
// Each notification type has its own payload struct and listener interface,
// so dispatch is fully typed. Listeners run synchronously on the publishing
// goroutine, in registration order; a listener that errors or panics is
// logged and skipped without affecting the others.
package notification

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/matt-riley/bucketz/internal/core"
)

// InvalidID is returned when a registration is rejected.
const InvalidID = -1

// Type identifies a notification stream.
type Type string

const (
	TypeActivate     Type = "activate"
	TypeTrack        Type = "track"
	TypeDecision     Type = "decision"
	TypeConfigUpdate Type = "config_update"
)

// ActivateNotification is published when a user is activated into an
// experiment and an impression is sent.
type ActivateNotification struct {
	Experiment *core.Experiment
	Variation  *core.Variation
	UserID     string
	Attributes core.Attributes
}

// TrackNotification is published when a conversion event is tracked.
type TrackNotification struct {
	EventKey   string
	UserID     string
	Attributes core.Attributes
	Tags       map[string]any
}

// DecisionType names what kind of decision a DecisionNotification describes.
type DecisionType string

const (
	DecisionExperiment      DecisionType = "experiment"
	DecisionFeature         DecisionType = "feature"
	DecisionFeatureVariable DecisionType = "feature-variable"
)

// DecisionNotification is published for every decision, including those that
// produced no variation.
type DecisionNotification struct {
	Type          DecisionType
	UserID        string
	Attributes    core.Attributes
	ExperimentKey string
	VariationKey  string
	FeatureKey    string
	VariableKey   string
	FeatureOn     bool
	Source        core.DecisionSource
}

// ConfigUpdateNotification is published after a new datafile revision has
// been installed.
type ConfigUpdateNotification struct {
	Revision         string
	PreviousRevision string
}

type ActivateListener interface {
	OnActivate(ActivateNotification) error
}

type TrackListener interface {
	OnTrack(TrackNotification) error
}

type DecisionListener interface {
	OnDecision(DecisionNotification) error
}

type ConfigUpdateListener interface {
	OnConfigUpdate(ConfigUpdateNotification) error
}

// Function adapters. Functions cannot be compared, so registering the same
// function twice yields two registrations.
type (
	ActivateFunc     func(ActivateNotification) error
	TrackFunc        func(TrackNotification) error
	DecisionFunc     func(DecisionNotification) error
	ConfigUpdateFunc func(ConfigUpdateNotification) error
)

func (f ActivateFunc) OnActivate(n ActivateNotification) error             { return f(n) }
func (f TrackFunc) OnTrack(n TrackNotification) error                      { return f(n) }
func (f DecisionFunc) OnDecision(n DecisionNotification) error             { return f(n) }
func (f ConfigUpdateFunc) OnConfigUpdate(n ConfigUpdateNotification) error { return f(n) }

type entry[L any] struct {
	id       int
	listener L
}

type registry[L any] struct {
	entries []entry[L]
}

func (r *registry[L]) contains(listener L) bool {
	for _, existing := range r.entries {
		if sameListener(existing.listener, listener) {
			return true
		}
	}
	return false
}

func (r *registry[L]) remove(id int) bool {
	for i, existing := range r.entries {
		if existing.id == id {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (r *registry[L]) snapshot() []entry[L] {
	return append([]entry[L](nil), r.entries...)
}

// Option configures a Center.
type Option func(*Center)

// WithLogger sets the logger used for rejected registrations and listener
// failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Center) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithFailureHook registers a callback invoked whenever a listener fails
// (e.g. to increment a Prometheus counter).
func WithFailureHook(fn func(Type)) Option {
	return func(c *Center) { c.onFailure = fn }
}

// Center is a registry of listeners keyed by notification type.
type Center struct {
	mu        sync.Mutex
	lastID    int
	logger    *slog.Logger
	onFailure func(Type)

	activate     registry[ActivateListener]
	track        registry[TrackListener]
	decision     registry[DecisionListener]
	configUpdate registry[ConfigUpdateListener]
}

func New(opts ...Option) *Center {
	c := &Center{logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add registers listener for notifications of type t and returns its id.
// It returns InvalidID when listener does not implement the interface that
// matches t, or when the same listener is already registered for t.
func (c *Center) Add(t Type, listener any) int {
	switch t {
	case TypeActivate:
		if l, ok := listener.(ActivateListener); ok {
			return addTo(c, &c.activate, t, l)
		}
	case TypeTrack:
		if l, ok := listener.(TrackListener); ok {
			return addTo(c, &c.track, t, l)
		}
	case TypeDecision:
		if l, ok := listener.(DecisionListener); ok {
			return addTo(c, &c.decision, t, l)
		}
	case TypeConfigUpdate:
		if l, ok := listener.(ConfigUpdateListener); ok {
			return addTo(c, &c.configUpdate, t, l)
		}
	default:
		c.logger.Warn("unknown notification type", slog.String("type", string(t)))
		return InvalidID
	}

	c.logger.Warn("listener does not handle notification type",
		slog.String("type", string(t)),
		slog.String("listener", fmt.Sprintf("%T", listener)),
	)
	return InvalidID
}

func (c *Center) AddActivateListener(l ActivateListener) int { return c.Add(TypeActivate, l) }
func (c *Center) AddTrackListener(l TrackListener) int       { return c.Add(TypeTrack, l) }
func (c *Center) AddDecisionListener(l DecisionListener) int { return c.Add(TypeDecision, l) }
func (c *Center) AddConfigUpdateListener(l ConfigUpdateListener) int {
	return c.Add(TypeConfigUpdate, l)
}

func addTo[L any](c *Center, r *registry[L], t Type, listener L) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r.contains(listener) {
		c.logger.Warn("listener already registered", slog.String("type", string(t)))
		return InvalidID
	}

	c.lastID++
	r.entries = append(r.entries, entry[L]{id: c.lastID, listener: listener})
	return c.lastID
}

// Remove unregisters the listener with the given id and reports whether it
// was found.
func (c *Center) Remove(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.activate.remove(id) ||
		c.track.remove(id) ||
		c.decision.remove(id) ||
		c.configUpdate.remove(id)
}

// Clear removes every listener of type t.
func (c *Center) Clear(t Type) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch t {
	case TypeActivate:
		c.activate.entries = nil
	case TypeTrack:
		c.track.entries = nil
	case TypeDecision:
		c.decision.entries = nil
	case TypeConfigUpdate:
		c.configUpdate.entries = nil
	}
}

// ClearAll removes every listener.
func (c *Center) ClearAll() {
	for _, t := range []Type{TypeActivate, TypeTrack, TypeDecision, TypeConfigUpdate} {
		c.Clear(t)
	}
}

// Count returns the number of listeners registered for t.
func (c *Center) Count(t Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch t {
	case TypeActivate:
		return len(c.activate.entries)
	case TypeTrack:
		return len(c.track.entries)
	case TypeDecision:
		return len(c.decision.entries)
	case TypeConfigUpdate:
		return len(c.configUpdate.entries)
	default:
		return 0
	}
}

func (c *Center) SendActivate(n ActivateNotification) {
	dispatch(c, TypeActivate, &c.activate, func(l ActivateListener) error { return l.OnActivate(n) })
}

func (c *Center) SendTrack(n TrackNotification) {
	dispatch(c, TypeTrack, &c.track, func(l TrackListener) error { return l.OnTrack(n) })
}

func (c *Center) SendDecision(n DecisionNotification) {
	dispatch(c, TypeDecision, &c.decision, func(l DecisionListener) error { return l.OnDecision(n) })
}

func (c *Center) SendConfigUpdate(n ConfigUpdateNotification) {
	dispatch(c, TypeConfigUpdate, &c.configUpdate, func(l ConfigUpdateListener) error { return l.OnConfigUpdate(n) })
}

// dispatch copies the registry under the lock so listeners may add or remove
// registrations while being notified.
func dispatch[L any](c *Center, t Type, r *registry[L], call func(L) error) {
	c.mu.Lock()
	entries := r.snapshot()
	c.mu.Unlock()

	for _, e := range entries {
		c.notifyOne(t, e.id, func() error { return call(e.listener) })
	}
}

func (c *Center) notifyOne(t Type, id int, fn func() error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			c.listenerFailed(t, id, fmt.Errorf("panic: %v", recovered))
		}
	}()

	if err := fn(); err != nil {
		c.listenerFailed(t, id, err)
	}
}

func (c *Center) listenerFailed(t Type, id int, err error) {
	c.logger.Error("notification listener failed",
		slog.String("type", string(t)),
		slog.Int("listener_id", id),
		slog.Any("error", err),
	)
	if c.onFailure != nil {
		c.onFailure(t)
	}
}

func sameListener(a, b any) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if !va.IsValid() || !vb.IsValid() || va.Type() != vb.Type() {
		return false
	}
	if !va.Comparable() || !vb.Comparable() {
		return false
	}
	return va.Equal(vb)
}
