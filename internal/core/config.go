package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	ErrInvalidDatafile    = errors.New("invalid datafile")
	ErrUnsupportedVersion = errors.New("unsupported datafile version")
)

var supportedDatafileVersions = []string{"2", "3", "4"}

// Audience is a named, reusable condition tree.
type Audience struct {
	ID         string
	Name       string
	Conditions Condition
}

type datafile struct {
	Version      string         `json:"version"`
	ProjectID    string         `json:"projectId"`
	AccountID    string         `json:"accountId"`
	Revision     string         `json:"revision"`
	BotFiltering *bool          `json:"botFiltering,omitempty"`
	Experiments  []Experiment   `json:"experiments"`
	Groups       []Group        `json:"groups"`
	FeatureFlags []FeatureFlag  `json:"featureFlags"`
	Events       []EventType    `json:"events"`
	Audiences    []audienceJSON `json:"audiences"`
	Attributes   []AttributeDef `json:"attributes"`
}

type audienceJSON struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Conditions json.RawMessage `json:"conditions"`
}

// ProjectConfig is an immutable snapshot of a parsed datafile. It is never
// modified after [NewProjectConfig] returns, so it can be shared by any number
// of concurrent decisions; a refresh builds a new ProjectConfig.
type ProjectConfig struct {
	raw          []byte
	version      string
	projectID    string
	accountID    string
	revision     string
	botFiltering *bool

	experiments      []*Experiment
	experimentsByID  map[string]*Experiment
	experimentsByKey map[string]*Experiment
	groupsByID       map[string]*Group
	audiencesByID    map[string]*Audience
	featuresByKey    map[string]*FeatureFlag
	eventsByKey      map[string]*EventType
	attributesByKey  map[string]*AttributeDef
}

// NewProjectConfig parses and indexes a datafile.
func NewProjectConfig(payload []byte) (*ProjectConfig, error) {
	var df datafile
	if err := json.Unmarshal(payload, &df); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDatafile, err)
	}

	if !slices.Contains(supportedDatafileVersions, df.Version) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, df.Version)
	}
	if strings.TrimSpace(df.Revision) == "" {
		return nil, fmt.Errorf("%w: revision is required", ErrInvalidDatafile)
	}

	cfg := &ProjectConfig{
		raw:              slices.Clone(payload),
		version:          df.Version,
		projectID:        df.ProjectID,
		accountID:        df.AccountID,
		revision:         df.Revision,
		botFiltering:     df.BotFiltering,
		experimentsByID:  make(map[string]*Experiment),
		experimentsByKey: make(map[string]*Experiment),
		groupsByID:       make(map[string]*Group, len(df.Groups)),
		audiencesByID:    make(map[string]*Audience, len(df.Audiences)),
		featuresByKey:    make(map[string]*FeatureFlag, len(df.FeatureFlags)),
		eventsByKey:      make(map[string]*EventType, len(df.Events)),
		attributesByKey:  make(map[string]*AttributeDef, len(df.Attributes)),
	}

	for i := range df.Experiments {
		if err := cfg.addExperiment(&df.Experiments[i]); err != nil {
			return nil, err
		}
	}

	for i := range df.Groups {
		group := &df.Groups[i]
		if group.ID == "" {
			return nil, fmt.Errorf("%w: group without id", ErrInvalidDatafile)
		}
		cfg.groupsByID[group.ID] = group
		for j := range group.Experiments {
			experiment := &group.Experiments[j]
			experiment.GroupID = group.ID
			if err := cfg.addExperiment(experiment); err != nil {
				return nil, err
			}
		}
	}

	for _, audience := range df.Audiences {
		condition, err := ParseConditions(audience.Conditions)
		if err != nil {
			return nil, fmt.Errorf("%w: audience %q: %v", ErrInvalidDatafile, audience.ID, err)
		}
		cfg.audiencesByID[audience.ID] = &Audience{
			ID:         audience.ID,
			Name:       audience.Name,
			Conditions: condition,
		}
	}

	for i := range df.FeatureFlags {
		feature := &df.FeatureFlags[i]
		cfg.featuresByKey[feature.Key] = feature
	}
	for i := range df.Events {
		event := &df.Events[i]
		cfg.eventsByKey[event.Key] = event
	}
	for i := range df.Attributes {
		attribute := &df.Attributes[i]
		cfg.attributesByKey[attribute.Key] = attribute
	}

	return cfg, nil
}

func (c *ProjectConfig) addExperiment(experiment *Experiment) error {
	if experiment.ID == "" || experiment.Key == "" {
		return fmt.Errorf("%w: experiment requires id and key", ErrInvalidDatafile)
	}
	if _, exists := c.experimentsByID[experiment.ID]; exists {
		return fmt.Errorf("%w: duplicate experiment id %q", ErrInvalidDatafile, experiment.ID)
	}

	c.experiments = append(c.experiments, experiment)
	c.experimentsByID[experiment.ID] = experiment
	c.experimentsByKey[experiment.Key] = experiment
	return nil
}

func (c *ProjectConfig) Version() string   { return c.version }
func (c *ProjectConfig) ProjectID() string { return c.projectID }
func (c *ProjectConfig) AccountID() string { return c.accountID }
func (c *ProjectConfig) Revision() string  { return c.revision }

// BotFiltering returns the project's bot filtering setting and whether the
// datafile declared one.
func (c *ProjectConfig) BotFiltering() (bool, bool) {
	if c.botFiltering == nil {
		return false, false
	}
	return *c.botFiltering, true
}

// Datafile returns a copy of the payload the snapshot was built from.
func (c *ProjectConfig) Datafile() []byte {
	return slices.Clone(c.raw)
}

// Experiments returns all experiments, grouped ones included, in datafile
// order.
func (c *ProjectConfig) Experiments() []*Experiment {
	return slices.Clone(c.experiments)
}

func (c *ProjectConfig) ExperimentByID(id string) *Experiment {
	return c.experimentsByID[id]
}

func (c *ProjectConfig) ExperimentByKey(key string) *Experiment {
	return c.experimentsByKey[key]
}

// Variation returns the variation of the given experiment, or nil when either
// no longer exists.
func (c *ProjectConfig) Variation(experimentID, variationID string) *Variation {
	experiment := c.experimentsByID[experimentID]
	if experiment == nil {
		return nil
	}
	return experiment.VariationByID(variationID)
}

func (c *ProjectConfig) Audience(id string) *Audience {
	return c.audiencesByID[id]
}

// AudienceCondition returns the condition tree of an audience, or nil if the
// audience is unknown.
func (c *ProjectConfig) AudienceCondition(id string) Condition {
	audience := c.audiencesByID[id]
	if audience == nil {
		return nil
	}
	return audience.Conditions
}

func (c *ProjectConfig) Group(id string) *Group {
	return c.groupsByID[id]
}

func (c *ProjectConfig) FeatureByKey(key string) *FeatureFlag {
	return c.featuresByKey[key]
}

// FeatureKeys returns all feature keys in sorted order.
func (c *ProjectConfig) FeatureKeys() []string {
	keys := make([]string, 0, len(c.featuresByKey))
	for key := range c.featuresByKey {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// EventKeys returns all event keys in sorted order.
func (c *ProjectConfig) EventKeys() []string {
	keys := make([]string, 0, len(c.eventsByKey))
	for key := range c.eventsByKey {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

func (c *ProjectConfig) EventByKey(key string) *EventType {
	return c.eventsByKey[key]
}

func (c *ProjectConfig) AttributeByKey(key string) *AttributeDef {
	return c.attributesByKey[key]
}
