// Package bucketz provides client interfaces and wire types for the bucketz
// decision service.
//
// Use the sub-packages to create transport-specific clients:
//
//	import bucketzhttp "github.com/matt-riley/bucketz/clients/go/http"
//	import bucketzgrpc "github.com/matt-riley/bucketz/clients/go/grpc"
package bucketz

import "context"

// Decider covers the decision endpoints.
type Decider interface {
	Activate(ctx context.Context, experimentKey, userID string, attributes Attributes) (Variation, error)
	GetVariation(ctx context.Context, experimentKey, userID string, attributes Attributes) (Variation, error)
	IsFeatureEnabled(ctx context.Context, featureKey, userID string, attributes Attributes) (bool, error)
	EnabledFeatures(ctx context.Context, userID string, attributes Attributes) ([]string, error)
	FeatureVariable(ctx context.Context, featureKey, variableKey, userID string, attributes Attributes) (Variable, error)
	Track(ctx context.Context, eventKey, userID string, attributes Attributes, tags map[string]any) error
	Config(ctx context.Context) (ConfigSummary, error)
}

// Watcher delivers datafile revision changes.
// The returned channel is closed when ctx is cancelled or the connection drops.
type Watcher interface {
	Watch(ctx context.Context) (<-chan ConfigUpdate, error)
}

// Attributes are user attributes. Values must be strings, booleans or
// numbers; nil values are ignored by the server.
type Attributes map[string]any

// Variation is the outcome of Activate or GetVariation. VariationKey is
// empty when the user is not bucketed.
type Variation struct {
	ExperimentKey string   `json:"experiment_key"`
	VariationKey  string   `json:"variation_key,omitempty"`
	VariationID   string   `json:"variation_id,omitempty"`
	Source        string   `json:"source"`
	Reasons       []string `json:"reasons,omitempty"`
}

// Bucketed reports whether the user received a variation.
func (v Variation) Bucketed() bool {
	return v.VariationKey != ""
}

// Variable is a resolved feature variable in string form.
type Variable struct {
	FeatureKey     string `json:"feature_key"`
	VariableKey    string `json:"variable_key"`
	Type           string `json:"type"`
	Value          string `json:"value"`
	FeatureEnabled bool   `json:"feature_enabled"`
}

// ConfigSummary describes the datafile the server has loaded.
type ConfigSummary struct {
	Revision    string   `json:"revision"`
	ProjectID   string   `json:"project_id"`
	Version     string   `json:"version"`
	Experiments []string `json:"experiments"`
	Features    []string `json:"features"`
	Events      []string `json:"events"`
}

// ConfigUpdate is a revision change. The first update on a new watch carries
// the current revision and no previous one.
type ConfigUpdate struct {
	Revision         string `json:"revision"`
	PreviousRevision string `json:"previous_revision,omitempty"`
}
