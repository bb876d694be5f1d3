// Package service runs experiment and feature decisions against the current
// datafile snapshot, keeps sticky assignments in the profile store, and
// fans results out to notification listeners and event dispatchers.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/matt-riley/bucketz/internal/core"
	"github.com/matt-riley/bucketz/internal/event"
	"github.com/matt-riley/bucketz/internal/notification"
	"github.com/matt-riley/bucketz/internal/profile"
	"github.com/matt-riley/bucketz/internal/tracing"
)

const (
	cleanTimeout    = 30 * time.Second
	dispatchTimeout = 2 * time.Second
)

var (
	ErrNoConfig           = errors.New("no datafile loaded")
	ErrExperimentNotFound = errors.New("experiment not found")
	ErrFeatureNotFound    = errors.New("feature not found")
	ErrVariableNotFound   = errors.New("feature variable not found")
	ErrEventNotFound      = errors.New("event not found")
	ErrVariableType       = errors.New("feature variable type mismatch")
	ErrInvalidInput       = errors.New("invalid input")
)

// ConfigSource supplies the current datafile snapshot; nil means none has
// been loaded yet. [datafile.Manager] implements it.
type ConfigSource interface {
	Config() *core.ProjectConfig
}

// VariationResult is the outcome of an experiment decision. VariationKey is
// empty when the user gets no variation.
type VariationResult struct {
	ExperimentKey string              `json:"experiment_key"`
	VariationKey  string              `json:"variation_key,omitempty"`
	VariationID   string              `json:"variation_id,omitempty"`
	Source        core.DecisionSource `json:"source"`
	Reasons       []string            `json:"reasons,omitempty"`
}

// VariableValue is a resolved feature variable in its declared type's string
// form.
type VariableValue struct {
	FeatureKey  string            `json:"feature_key"`
	VariableKey string            `json:"variable_key"`
	Type        core.VariableType `json:"type"`
	Value       string            `json:"value"`
	FeatureOn   bool              `json:"feature_enabled"`
}

// ConfigSummary describes the loaded datafile.
type ConfigSummary struct {
	Revision    string   `json:"revision"`
	ProjectID   string   `json:"project_id"`
	Version     string   `json:"version"`
	Experiments []string `json:"experiments"`
	Features    []string `json:"features"`
	Events      []string `json:"events"`
}

// Option configures a [Service].
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithProfileStore sets the sticky assignment store. The default is an
// in-memory store.
func WithProfileStore(store profile.Store) Option {
	return func(s *Service) {
		if store != nil {
			s.profiles = store
		}
	}
}

// WithDispatcher sets where impressions and conversions are sent. The
// default logs them.
func WithDispatcher(dispatcher event.Dispatcher) Option {
	return func(s *Service) {
		if dispatcher != nil {
			s.dispatcher = dispatcher
		}
	}
}

func WithNotificationCenter(center *notification.Center) Option {
	return func(s *Service) {
		if center != nil {
			s.notifications = center
		}
	}
}

func WithEventBuilder(builder *event.Builder) Option {
	return func(s *Service) {
		if builder != nil {
			s.events = builder
		}
	}
}

// WithDecisionMetrics registers callbacks for decision outcomes and profile
// store failures (e.g. Prometheus counters).
func WithDecisionMetrics(onDecision func(core.DecisionSource), onProfileError func(op string)) Option {
	return func(s *Service) {
		s.onDecision = onDecision
		s.onProfileError = onProfileError
	}
}

type Service struct {
	configs       ConfigSource
	profiles      profile.Store
	bucketer      *core.Bucketer
	notifications *notification.Center
	dispatcher    event.Dispatcher
	events        *event.Builder
	logger        *slog.Logger

	onDecision     func(core.DecisionSource)
	onProfileError func(string)
}

func New(configs ConfigSource, opts ...Option) (*Service, error) {
	if configs == nil {
		return nil, errors.New("config source is nil")
	}

	s := &Service{
		configs:  configs,
		profiles: profile.NewMemoryStore(),
		bucketer: core.NewBucketer(),
		events:   event.NewBuilder(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifications == nil {
		s.notifications = notification.New(notification.WithLogger(s.logger))
	}
	if s.dispatcher == nil {
		s.dispatcher = event.NewLogDispatcher(s.logger)
	}

	return s, nil
}

// Notifications exposes the listener registry.
func (s *Service) Notifications() *notification.Center {
	return s.notifications
}

// Ready reports whether a datafile has been loaded.
func (s *Service) Ready() bool {
	return s.configs.Config() != nil
}

func (s *Service) config() (*core.ProjectConfig, error) {
	cfg := s.configs.Config()
	if cfg == nil {
		return nil, ErrNoConfig
	}
	return cfg, nil
}

// GetVariation decides which variation of the experiment the user sees
// without sending an impression.
func (s *Service) GetVariation(ctx context.Context, experimentKey, userID string, attributes core.Attributes) (result VariationResult, err error) {
	ctx, span := tracing.Start(ctx, "decision.get_variation",
		attribute.String("experiment_key", experimentKey),
	)
	defer func() { tracing.End(span, err) }()

	cfg, experiment, err := s.experiment(experimentKey, userID)
	if err != nil {
		return VariationResult{}, err
	}

	decision := s.decide(ctx, cfg, experiment, userID, attributes, s.reader(ctx))
	s.notifyExperimentDecision(decision, userID, attributes)
	return toResult(decision), nil
}

// Activate decides the user's variation and, when there is one, sends an
// impression and an activate notification.
func (s *Service) Activate(ctx context.Context, experimentKey, userID string, attributes core.Attributes) (result VariationResult, err error) {
	ctx, span := tracing.Start(ctx, "decision.activate",
		attribute.String("experiment_key", experimentKey),
	)
	defer func() { tracing.End(span, err) }()

	cfg, experiment, err := s.experiment(experimentKey, userID)
	if err != nil {
		return VariationResult{}, err
	}

	decision := s.decide(ctx, cfg, experiment, userID, attributes, s.reader(ctx))
	s.notifyExperimentDecision(decision, userID, attributes)
	if decision.Variation != nil {
		s.impression(ctx, cfg, decision, userID, attributes)
	}
	return toResult(decision), nil
}

// IsFeatureEnabled walks the feature's experiments in order; the first one
// that yields a variation decides, using that variation's feature flag. An
// impression is sent for the deciding experiment.
func (s *Service) IsFeatureEnabled(ctx context.Context, featureKey, userID string, attributes core.Attributes) (enabled bool, err error) {
	ctx, span := tracing.Start(ctx, "decision.feature_enabled",
		attribute.String("feature_key", featureKey),
	)
	defer func() { tracing.End(span, err) }()

	if err := validateKeys(featureKey, userID); err != nil {
		return false, err
	}
	cfg, err := s.config()
	if err != nil {
		return false, err
	}
	feature := cfg.FeatureByKey(featureKey)
	if feature == nil {
		return false, fmt.Errorf("%w: %q", ErrFeatureNotFound, featureKey)
	}

	return s.featureEnabled(ctx, cfg, feature, userID, attributes, s.reader(ctx)), nil
}

// EnabledFeatures returns the sorted keys of every feature enabled for the
// user.
func (s *Service) EnabledFeatures(ctx context.Context, userID string, attributes core.Attributes) (keys []string, err error) {
	ctx, span := tracing.Start(ctx, "decision.enabled_features")
	defer func() { tracing.End(span, err) }()

	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	cfg, err := s.config()
	if err != nil {
		return nil, err
	}

	reader := s.reader(ctx)
	keys = make([]string, 0)
	for _, key := range cfg.FeatureKeys() {
		if s.featureEnabled(ctx, cfg, cfg.FeatureByKey(key), userID, attributes, reader) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// FeatureVariable resolves a variable: the deciding variation's override
// when the feature is enabled for the user, else the variable's default.
func (s *Service) FeatureVariable(ctx context.Context, featureKey, variableKey, userID string, attributes core.Attributes) (value VariableValue, err error) {
	ctx, span := tracing.Start(ctx, "decision.feature_variable",
		attribute.String("feature_key", featureKey),
		attribute.String("variable_key", variableKey),
	)
	defer func() { tracing.End(span, err) }()

	if err := validateKeys(featureKey, userID); err != nil {
		return VariableValue{}, err
	}
	if strings.TrimSpace(variableKey) == "" {
		return VariableValue{}, fmt.Errorf("%w: variable key is required", ErrInvalidInput)
	}
	cfg, err := s.config()
	if err != nil {
		return VariableValue{}, err
	}
	feature := cfg.FeatureByKey(featureKey)
	if feature == nil {
		return VariableValue{}, fmt.Errorf("%w: %q", ErrFeatureNotFound, featureKey)
	}
	variable := feature.Variable(variableKey)
	if variable == nil {
		return VariableValue{}, fmt.Errorf("%w: %q on feature %q", ErrVariableNotFound, variableKey, featureKey)
	}

	value = VariableValue{
		FeatureKey:  featureKey,
		VariableKey: variableKey,
		Type:        variable.Type,
		Value:       variable.DefaultValue,
	}

	decision, ok := s.featureDecision(ctx, cfg, feature, userID, attributes, s.reader(ctx))
	if ok && decision.Variation.FeatureEnabled {
		value.FeatureOn = true
		if override, found := decision.Variation.VariableValue(variable.ID); found {
			value.Value = override
		}
	}

	s.notifications.SendDecision(notification.DecisionNotification{
		Type:        notification.DecisionFeatureVariable,
		UserID:      userID,
		Attributes:  attributes,
		FeatureKey:  featureKey,
		VariableKey: variableKey,
		FeatureOn:   value.FeatureOn,
		Source:      decision.Source,
	})
	return value, nil
}

// FeatureVariableBoolean resolves a boolean variable.
func (s *Service) FeatureVariableBoolean(ctx context.Context, featureKey, variableKey, userID string, attributes core.Attributes) (bool, error) {
	value, err := s.typedVariable(ctx, core.VariableBoolean, featureKey, variableKey, userID, attributes)
	if err != nil {
		return false, err
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%w: %q is not a boolean", ErrVariableType, value)
	}
	return parsed, nil
}

// FeatureVariableInteger resolves an integer variable.
func (s *Service) FeatureVariableInteger(ctx context.Context, featureKey, variableKey, userID string, attributes core.Attributes) (int64, error) {
	value, err := s.typedVariable(ctx, core.VariableInteger, featureKey, variableKey, userID, attributes)
	if err != nil {
		return 0, err
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrVariableType, value)
	}
	return parsed, nil
}

// FeatureVariableDouble resolves a double variable.
func (s *Service) FeatureVariableDouble(ctx context.Context, featureKey, variableKey, userID string, attributes core.Attributes) (float64, error) {
	value, err := s.typedVariable(ctx, core.VariableDouble, featureKey, variableKey, userID, attributes)
	if err != nil {
		return 0, err
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a double", ErrVariableType, value)
	}
	return parsed, nil
}

// FeatureVariableString resolves a string variable.
func (s *Service) FeatureVariableString(ctx context.Context, featureKey, variableKey, userID string, attributes core.Attributes) (string, error) {
	return s.typedVariable(ctx, core.VariableString, featureKey, variableKey, userID, attributes)
}

func (s *Service) typedVariable(ctx context.Context, want core.VariableType, featureKey, variableKey, userID string, attributes core.Attributes) (string, error) {
	value, err := s.FeatureVariable(ctx, featureKey, variableKey, userID, attributes)
	if err != nil {
		return "", err
	}
	if value.Type != want {
		return "", fmt.Errorf("%w: %q is %s, not %s", ErrVariableType, variableKey, value.Type, want)
	}
	return value.Value, nil
}

// Track sends a conversion event and a track notification.
func (s *Service) Track(ctx context.Context, eventKey, userID string, attributes core.Attributes, tags map[string]any) (err error) {
	ctx, span := tracing.Start(ctx, "decision.track", attribute.String("event_key", eventKey))
	defer func() { tracing.End(span, err) }()

	if err := validateKeys(eventKey, userID); err != nil {
		return err
	}
	cfg, err := s.config()
	if err != nil {
		return err
	}
	eventType := cfg.EventByKey(eventKey)
	if eventType == nil {
		return fmt.Errorf("%w: %q", ErrEventNotFound, eventKey)
	}

	s.dispatch(ctx, s.events.Conversion(cfg, eventType, userID, attributes, tags))
	s.notifications.SendTrack(notification.TrackNotification{
		EventKey:   eventKey,
		UserID:     userID,
		Attributes: attributes,
		Tags:       tags,
	})
	return nil
}

// Config summarizes the loaded datafile.
func (s *Service) Config() (ConfigSummary, error) {
	cfg, err := s.config()
	if err != nil {
		return ConfigSummary{}, err
	}

	experiments := make([]string, 0)
	for _, experiment := range cfg.Experiments() {
		experiments = append(experiments, experiment.Key)
	}
	return ConfigSummary{
		Revision:    cfg.Revision(),
		ProjectID:   cfg.ProjectID(),
		Version:     cfg.Version(),
		Experiments: experiments,
		Features:    cfg.FeatureKeys(),
		Events:      cfg.EventKeys(),
	}, nil
}

// Profile returns the user's stored assignments keyed by experiment id.
func (s *Service) Profile(ctx context.Context, userID string) (map[string]string, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	entries, err := s.profiles.Lookup(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lookup profile: %w", err)
	}
	if entries == nil {
		entries = map[string]string{}
	}
	return entries, nil
}

// ConfigUpdated purges profile entries invalidated by the new snapshot and
// publishes a config update notification. Register it with the datafile
// manager's revision-change hook.
func (s *Service) ConfigUpdated(ctx context.Context, previous, current *core.ProjectConfig) {
	if current == nil {
		return
	}

	cleanCtx, cancel := context.WithTimeout(ctx, cleanTimeout)
	removed, err := profile.Clean(cleanCtx, s.profiles, current, s.logger)
	cancel()
	if err != nil {
		s.logger.Warn("profile cleaning incomplete", "revision", current.Revision(), "removed", removed, "error", err)
	} else if removed > 0 {
		s.logger.Info("stale profile entries removed", "revision", current.Revision(), "removed", removed)
	}

	update := notification.ConfigUpdateNotification{Revision: current.Revision()}
	if previous != nil {
		update.PreviousRevision = previous.Revision()
	}
	s.notifications.SendConfigUpdate(update)
}

func (s *Service) experiment(experimentKey, userID string) (*core.ProjectConfig, *core.Experiment, error) {
	if err := validateKeys(experimentKey, userID); err != nil {
		return nil, nil, err
	}
	cfg, err := s.config()
	if err != nil {
		return nil, nil, err
	}
	experiment := cfg.ExperimentByKey(experimentKey)
	if experiment == nil {
		return nil, nil, fmt.Errorf("%w: %q", ErrExperimentNotFound, experimentKey)
	}
	return cfg, experiment, nil
}

func (s *Service) reader(ctx context.Context) *profile.Reader {
	return profile.NewReader(ctx, s.profiles, s.logger, func() { s.profileFailed("lookup") })
}

// decide runs the pipeline and persists newly bucketed variations. Forced
// variations are never stored. A failed save is logged and does not change
// the decision.
func (s *Service) decide(ctx context.Context, cfg *core.ProjectConfig, experiment *core.Experiment, userID string, attributes core.Attributes, reader *profile.Reader) core.Decision {
	decision := core.Decide(cfg, s.bucketer, reader, experiment, userID, attributes)

	if s.logger.Enabled(ctx, slog.LevelDebug) {
		s.logger.DebugContext(ctx, "decision",
			"experiment_key", experiment.Key,
			"user_id", userID,
			"source", string(decision.Source),
			"reasons", decision.Reasons,
		)
	}

	if decision.Source == core.SourceBucketed {
		if err := s.profiles.Save(ctx, userID, experiment.ID, decision.Variation.ID); err != nil {
			s.profileFailed("save")
			s.logger.Warn("save profile failed",
				"experiment_key", experiment.Key,
				"user_id", userID,
				"error", err,
			)
		}
	}

	if s.onDecision != nil {
		s.onDecision(decision.Source)
	}
	return decision
}

// featureDecision returns the first decision among the feature's
// experiments that yields a variation.
func (s *Service) featureDecision(ctx context.Context, cfg *core.ProjectConfig, feature *core.FeatureFlag, userID string, attributes core.Attributes, reader *profile.Reader) (core.Decision, bool) {
	for _, experimentID := range feature.ExperimentIDs {
		experiment := cfg.ExperimentByID(experimentID)
		if experiment == nil {
			continue
		}
		decision := s.decide(ctx, cfg, experiment, userID, attributes, reader)
		if decision.Variation != nil {
			return decision, true
		}
	}
	return core.Decision{Source: core.SourceNone}, false
}

func (s *Service) featureEnabled(ctx context.Context, cfg *core.ProjectConfig, feature *core.FeatureFlag, userID string, attributes core.Attributes, reader *profile.Reader) bool {
	decision, ok := s.featureDecision(ctx, cfg, feature, userID, attributes, reader)
	enabled := ok && decision.Variation.FeatureEnabled

	notice := notification.DecisionNotification{
		Type:       notification.DecisionFeature,
		UserID:     userID,
		Attributes: attributes,
		FeatureKey: feature.Key,
		FeatureOn:  enabled,
		Source:     decision.Source,
	}
	if ok {
		notice.ExperimentKey = decision.Experiment.Key
		notice.VariationKey = decision.Variation.Key
		s.impression(ctx, cfg, decision, userID, attributes)
	}
	s.notifications.SendDecision(notice)
	return enabled
}

func (s *Service) notifyExperimentDecision(decision core.Decision, userID string, attributes core.Attributes) {
	notice := notification.DecisionNotification{
		Type:          notification.DecisionExperiment,
		UserID:        userID,
		Attributes:    attributes,
		ExperimentKey: decision.Experiment.Key,
		Source:        decision.Source,
	}
	if decision.Variation != nil {
		notice.VariationKey = decision.Variation.Key
	}
	s.notifications.SendDecision(notice)
}

func (s *Service) impression(ctx context.Context, cfg *core.ProjectConfig, decision core.Decision, userID string, attributes core.Attributes) {
	s.dispatch(ctx, s.events.Impression(cfg, decision.Experiment, decision.Variation, userID, attributes))
	s.notifications.SendActivate(notification.ActivateNotification{
		Experiment: decision.Experiment,
		Variation:  decision.Variation,
		UserID:     userID,
		Attributes: attributes,
	})
}

// dispatch is best effort: a failing sink never fails the decision.
func (s *Service) dispatch(ctx context.Context, ev event.Event) {
	dispatchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), dispatchTimeout)
	defer cancel()

	if err := s.dispatcher.Dispatch(dispatchCtx, ev); err != nil {
		s.logger.Warn("event dispatch failed", "event_id", ev.ID, "type", string(ev.Type), "error", err)
	}
}

func (s *Service) profileFailed(op string) {
	if s.onProfileError != nil {
		s.onProfileError(op)
	}
}

func toResult(decision core.Decision) VariationResult {
	result := VariationResult{
		ExperimentKey: decision.Experiment.Key,
		Source:        decision.Source,
		Reasons:       decision.Reasons,
	}
	if decision.Variation != nil {
		result.VariationKey = decision.Variation.Key
		result.VariationID = decision.Variation.ID
	}
	return result
}

func validateKeys(key, userID string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: key is required", ErrInvalidInput)
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return nil
}
