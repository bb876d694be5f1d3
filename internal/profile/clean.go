package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/matt-riley/bucketz/internal/core"
)

// ExperimentLookup is the slice of the project configuration Clean needs.
type ExperimentLookup interface {
	ExperimentByID(id string) *core.Experiment
}

// Clean removes every stored assignment whose experiment is gone or no
// longer active, or whose variation is not one of the experiment's current
// variations. It removes each stale entry with a single Remove call, keeps
// going past individual failures and returns how many entries it removed.
func Clean(ctx context.Context, store Store, cfg ExperimentLookup, logger *slog.Logger) (int, error) {
	if store == nil || cfg == nil {
		return 0, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	records, err := store.Records(ctx)
	if err != nil {
		return 0, fmt.Errorf("list profiles: %w", err)
	}

	removed := 0
	var errs []error
	for _, record := range records {
		reason := staleReason(cfg, record)
		if reason == "" {
			continue
		}

		if err := store.Remove(ctx, record.UserID, record.ExperimentID); err != nil {
			errs = append(errs, fmt.Errorf("remove %s/%s: %w", record.UserID, record.ExperimentID, err))
			continue
		}
		removed++
		logger.Debug("removed stale profile entry",
			slog.String("user_id", record.UserID),
			slog.String("experiment_id", record.ExperimentID),
			slog.String("variation_id", record.VariationID),
			slog.String("reason", reason),
		)
	}

	return removed, errors.Join(errs...)
}

func staleReason(cfg ExperimentLookup, record Record) string {
	experiment := cfg.ExperimentByID(record.ExperimentID)
	switch {
	case experiment == nil:
		return "experiment not found"
	case !experiment.Active():
		return "experiment not running"
	case experiment.VariationByID(record.VariationID) == nil:
		return "variation not found"
	default:
		return ""
	}
}

// Reader adapts a Store to core.ProfileReader for a single decision. Each
// user is looked up at most once. Lookup errors are logged and read as "no
// stored profile".
type Reader struct {
	ctx     context.Context
	store   Store
	logger  *slog.Logger
	onError func()

	loaded   map[string]map[string]string
	failures int
}

func NewReader(ctx context.Context, store Store, logger *slog.Logger, onError func()) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		ctx:     ctx,
		store:   store,
		logger:  logger,
		onError: onError,
		loaded:  make(map[string]map[string]string),
	}
}

func (r *Reader) StoredVariationID(userID, experimentID string) (string, bool) {
	if r == nil || r.store == nil {
		return "", false
	}

	variations, ok := r.loaded[userID]
	if !ok {
		var err error
		variations, err = r.store.Lookup(r.ctx, userID)
		if err != nil {
			r.failures++
			r.logger.Warn("profile lookup failed", slog.String("user_id", userID), slog.Any("error", err))
			if r.onError != nil {
				r.onError()
			}
			variations = nil
		}
		r.loaded[userID] = variations
	}

	variationID, ok := variations[experimentID]
	return variationID, ok
}

// Failures reports how many lookups failed.
func (r *Reader) Failures() int {
	return r.failures
}
