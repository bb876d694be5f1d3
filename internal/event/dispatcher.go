package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/matt-riley/bucketz/internal/repository"
)

var ErrDispatcherClosed = errors.New("event dispatcher closed")

// Dispatcher delivers events.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event) error
}

// DispatcherFunc adapts a function to [Dispatcher].
type DispatcherFunc func(ctx context.Context, ev Event) error

func (f DispatcherFunc) Dispatch(ctx context.Context, ev Event) error { return f(ctx, ev) }

// LogDispatcher writes each event as a structured log record.
type LogDispatcher struct {
	logger *slog.Logger
}

func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(ctx context.Context, ev Event) error {
	attrs := []slog.Attr{
		slog.String("event_id", ev.ID),
		slog.String("type", string(ev.Type)),
		slog.String("user_id", ev.UserID),
		slog.String("revision", ev.Revision),
	}
	switch ev.Type {
	case TypeImpression:
		attrs = append(attrs,
			slog.String("experiment_key", ev.ExperimentKey),
			slog.String("variation_key", ev.VariationKey),
		)
	case TypeConversion:
		attrs = append(attrs, slog.String("event_key", ev.EventKey))
	}
	d.logger.LogAttrs(ctx, slog.LevelInfo, "event dispatched", attrs...)
	return nil
}

// EventStore persists decision events. The Postgres repository implements
// it.
type EventStore interface {
	InsertDecisionEvent(ctx context.Context, event repository.DecisionEvent) (repository.DecisionEvent, error)
}

// StoreDispatcher writes events to an [EventStore].
type StoreDispatcher struct {
	store EventStore
}

func NewStoreDispatcher(store EventStore) *StoreDispatcher {
	return &StoreDispatcher{store: store}
}

func (d *StoreDispatcher) Dispatch(ctx context.Context, ev Event) error {
	record, err := toDecisionEvent(ev)
	if err != nil {
		return err
	}
	if _, err := d.store.InsertDecisionEvent(ctx, record); err != nil {
		return fmt.Errorf("store event %s: %w", ev.ID, err)
	}
	return nil
}

func toDecisionEvent(ev Event) (repository.DecisionEvent, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return repository.DecisionEvent{}, fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	return repository.DecisionEvent{
		ID:           ev.ID,
		Type:         string(ev.Type),
		UserID:       ev.UserID,
		ExperimentID: ev.ExperimentID,
		VariationID:  ev.VariationID,
		EventKey:     ev.EventKey,
		Revision:     ev.Revision,
		Payload:      payload,
		CreatedAt:    ev.Timestamp,
	}, nil
}

// MultiDispatcher sends each event to every dispatcher in order. All are
// attempted; failures are joined.
type MultiDispatcher []Dispatcher

func (m MultiDispatcher) Dispatch(ctx context.Context, ev Event) error {
	var errs []error
	for _, d := range m {
		if d == nil {
			continue
		}
		if err := d.Dispatch(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BufferedOption configures a [BufferedDispatcher].
type BufferedOption func(*BufferedDispatcher)

func WithBufferedLogger(logger *slog.Logger) BufferedOption {
	return func(d *BufferedDispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDropHook registers a callback for events dropped because the queue was
// full or delivery failed.
func WithDropHook(fn func(reason string)) BufferedOption {
	return func(d *BufferedDispatcher) { d.onDrop = fn }
}

// WithDeliveryTimeout bounds each delivery to the wrapped dispatcher.
func WithDeliveryTimeout(timeout time.Duration) BufferedOption {
	return func(d *BufferedDispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// BufferedDispatcher queues events and delivers them from a background
// worker so decision calls never wait on the event sink. A full queue drops
// the event.
type BufferedDispatcher struct {
	next    Dispatcher
	logger  *slog.Logger
	onDrop  func(string)
	timeout time.Duration

	queue chan Event
	done  chan struct{}

	closeMu sync.RWMutex
	closed  bool
}

func NewBufferedDispatcher(next Dispatcher, size int, opts ...BufferedOption) *BufferedDispatcher {
	if size <= 0 {
		size = 1
	}
	d := &BufferedDispatcher{
		next:    next,
		logger:  slog.Default(),
		timeout: 5 * time.Second,
		queue:   make(chan Event, size),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	go d.run()
	return d
}

func (d *BufferedDispatcher) Dispatch(_ context.Context, ev Event) error {
	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.queue <- ev:
		return nil
	default:
		d.drop("queue_full", ev, nil)
		return nil
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (d *BufferedDispatcher) Close() error {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.closeMu.Unlock()

	<-d.done
	return nil
}

func (d *BufferedDispatcher) run() {
	defer close(d.done)
	for ev := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.next.Dispatch(ctx, ev); err != nil {
			d.drop("delivery_failed", ev, err)
		}
		cancel()
	}
}

func (d *BufferedDispatcher) drop(reason string, ev Event, err error) {
	d.logger.Warn("event dropped", "reason", reason, "event_id", ev.ID, "type", string(ev.Type), "error", err)
	if d.onDrop != nil {
		d.onDrop(reason)
	}
}
