package core

// ExperimentStatus is the lifecycle state of an experiment as published in
// the datafile.
type ExperimentStatus string

const (
	StatusNotStarted ExperimentStatus = "Not started"
	StatusRunning    ExperimentStatus = "Running"
	StatusPaused     ExperimentStatus = "Paused"
	StatusLaunched   ExperimentStatus = "Launched"
	StatusArchived   ExperimentStatus = "Archived"
)

// Active reports whether users may be bucketed into an experiment with this
// status.
func (s ExperimentStatus) Active() bool {
	return s == StatusRunning || s == StatusLaunched
}

// Attributes are the user attributes supplied with a single decision call.
// A nil map is valid and means "no attributes".
type Attributes map[string]string

// Reserved attribute keys understood by the bucketer and event builders.
const (
	BucketingIDAttribute  = "$opt_bucketing_id"
	UserAgentAttribute    = "$opt_user_agent"
	BotFilteringAttribute = "$opt_bot_filtering"
)

// TrafficRange assigns the bucket values below EndOfRange (and above the
// previous range) to EntityID. An empty EntityID is a hole in the
// allocation.
type TrafficRange struct {
	EntityID   string `json:"entityId"`
	EndOfRange int    `json:"endOfRange"`
}

// VariableOverride is a variation's value for a feature variable.
type VariableOverride struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

type Variation struct {
	ID             string             `json:"id"`
	Key            string             `json:"key"`
	FeatureEnabled bool               `json:"featureEnabled"`
	Variables      []VariableOverride `json:"variables,omitempty"`
}

// VariableValue returns the override for the variable id, if any.
func (v *Variation) VariableValue(variableID string) (string, bool) {
	for _, override := range v.Variables {
		if override.ID == variableID {
			return override.Value, true
		}
	}
	return "", false
}

type Experiment struct {
	ID                string            `json:"id"`
	Key               string            `json:"key"`
	Status            ExperimentStatus  `json:"status"`
	LayerID           string            `json:"layerId"`
	GroupID           string            `json:"-"`
	AudienceIDs       []string          `json:"audienceIds"`
	Variations        []Variation       `json:"variations"`
	TrafficAllocation []TrafficRange    `json:"trafficAllocation"`
	ForcedVariations  map[string]string `json:"forcedVariations"`
}

// Active reports whether the experiment is running or launched.
func (e *Experiment) Active() bool {
	return e.Status.Active()
}

// VariationByID returns the variation with the given id, or nil.
func (e *Experiment) VariationByID(id string) *Variation {
	for i := range e.Variations {
		if e.Variations[i].ID == id {
			return &e.Variations[i]
		}
	}
	return nil
}

// VariationByKey returns the variation with the given key, or nil.
func (e *Experiment) VariationByKey(key string) *Variation {
	for i := range e.Variations {
		if e.Variations[i].Key == key {
			return &e.Variations[i]
		}
	}
	return nil
}

// GroupPolicy controls how experiments in a group share traffic.
type GroupPolicy string

const (
	GroupPolicyRandom      GroupPolicy = "random"
	GroupPolicyOverlapping GroupPolicy = "overlapping"
)

type Group struct {
	ID                string         `json:"id"`
	Policy            GroupPolicy    `json:"policy"`
	TrafficAllocation []TrafficRange `json:"trafficAllocation"`
	Experiments       []Experiment   `json:"experiments"`
}

// VariableType is the declared type of a feature variable.
type VariableType string

const (
	VariableBoolean VariableType = "boolean"
	VariableInteger VariableType = "integer"
	VariableDouble  VariableType = "double"
	VariableString  VariableType = "string"
)

type FeatureVariable struct {
	ID           string       `json:"id"`
	Key          string       `json:"key"`
	Type         VariableType `json:"type"`
	DefaultValue string       `json:"defaultValue"`
}

type FeatureFlag struct {
	ID            string            `json:"id"`
	Key           string            `json:"key"`
	ExperimentIDs []string          `json:"experimentIds"`
	Variables     []FeatureVariable `json:"variables"`
}

// Variable returns the feature variable with the given key, or nil.
func (f *FeatureFlag) Variable(key string) *FeatureVariable {
	for i := range f.Variables {
		if f.Variables[i].Key == key {
			return &f.Variables[i]
		}
	}
	return nil
}

// EventType is a conversion event declared in the datafile.
type EventType struct {
	ID            string   `json:"id"`
	Key           string   `json:"key"`
	ExperimentIDs []string `json:"experimentIds"`
}

// AttributeDef declares a custom attribute known to the project.
type AttributeDef struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}
