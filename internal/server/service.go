package server

import (
	"context"

	"github.com/matt-riley/bucketz/internal/core"
	"github.com/matt-riley/bucketz/internal/notification"
	"github.com/matt-riley/bucketz/internal/service"
)

// Service is the decision surface the transports expose.
type Service interface {
	GetVariation(ctx context.Context, experimentKey, userID string, attributes core.Attributes) (service.VariationResult, error)
	Activate(ctx context.Context, experimentKey, userID string, attributes core.Attributes) (service.VariationResult, error)
	IsFeatureEnabled(ctx context.Context, featureKey, userID string, attributes core.Attributes) (bool, error)
	EnabledFeatures(ctx context.Context, userID string, attributes core.Attributes) ([]string, error)
	FeatureVariable(ctx context.Context, featureKey, variableKey, userID string, attributes core.Attributes) (service.VariableValue, error)
	Track(ctx context.Context, eventKey, userID string, attributes core.Attributes, tags map[string]any) error
	Config() (service.ConfigSummary, error)
	Ready() bool
	Notifications() *notification.Center
}

var _ Service = (*service.Service)(nil)
