// Package event builds impression and conversion events and hands them to
// dispatchers.
package event

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/matt-riley/bucketz/internal/core"
)

type Type string

const (
	TypeImpression Type = "impression"
	TypeConversion Type = "conversion"
)

// Reserved tag keys lifted into typed fields on conversions.
const (
	RevenueTag = "revenue"
	ValueTag   = "value"
)

const reservedAttributePrefix = "$opt_"

// VisitorAttribute is one user attribute attached to an event. EntityID is
// the datafile attribute id, or the key itself for reserved attributes.
type VisitorAttribute struct {
	EntityID string `json:"entity_id"`
	Key      string `json:"key"`
	Value    any    `json:"value"`
}

type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	ProjectID string    `json:"project_id"`
	AccountID string    `json:"account_id"`
	Revision  string    `json:"revision"`

	UserID     string             `json:"user_id"`
	Attributes []VisitorAttribute `json:"attributes,omitempty"`

	// Impressions.
	CampaignID    string `json:"campaign_id,omitempty"`
	ExperimentID  string `json:"experiment_id,omitempty"`
	ExperimentKey string `json:"experiment_key,omitempty"`
	VariationID   string `json:"variation_id,omitempty"`
	VariationKey  string `json:"variation_key,omitempty"`

	// Conversions.
	EventID  string         `json:"event_id,omitempty"`
	EventKey string         `json:"event_key,omitempty"`
	Tags     map[string]any `json:"tags,omitempty"`
	Revenue  *int64         `json:"revenue,omitempty"`
	Value    *float64       `json:"value,omitempty"`
}

// Builder stamps events with ids and timestamps.
type Builder struct {
	Now   func() time.Time
	NewID func() string
}

// NewBuilder returns a Builder using the wall clock and random UUIDs.
func NewBuilder() *Builder {
	return &Builder{Now: time.Now, NewID: uuid.NewString}
}

// Impression describes a user being exposed to a variation.
func (b *Builder) Impression(cfg *core.ProjectConfig, experiment *core.Experiment, variation *core.Variation, userID string, attributes core.Attributes) Event {
	ev := b.base(cfg, TypeImpression, userID, attributes)
	ev.CampaignID = experiment.LayerID
	ev.ExperimentID = experiment.ID
	ev.ExperimentKey = experiment.Key
	ev.VariationID = variation.ID
	ev.VariationKey = variation.Key
	return ev
}

// Conversion describes a tracked event. Numeric "revenue" (integral) and
// "value" tags are also copied into typed fields.
func (b *Builder) Conversion(cfg *core.ProjectConfig, eventType *core.EventType, userID string, attributes core.Attributes, tags map[string]any) Event {
	ev := b.base(cfg, TypeConversion, userID, attributes)
	ev.EventID = eventType.ID
	ev.EventKey = eventType.Key
	if len(tags) > 0 {
		ev.Tags = make(map[string]any, len(tags))
		for k, v := range tags {
			ev.Tags[k] = v
		}
	}
	if revenue, ok := RevenueValue(tags); ok {
		ev.Revenue = &revenue
	}
	if value, ok := NumericValue(tags); ok {
		ev.Value = &value
	}
	return ev
}

func (b *Builder) base(cfg *core.ProjectConfig, typ Type, userID string, attributes core.Attributes) Event {
	now, newID := time.Now, uuid.NewString
	if b != nil && b.Now != nil {
		now = b.Now
	}
	if b != nil && b.NewID != nil {
		newID = b.NewID
	}

	return Event{
		ID:         newID(),
		Type:       typ,
		Timestamp:  now().UTC(),
		ProjectID:  cfg.ProjectID(),
		AccountID:  cfg.AccountID(),
		Revision:   cfg.Revision(),
		UserID:     userID,
		Attributes: visitorAttributes(cfg, attributes),
	}
}

// visitorAttributes keeps attributes declared in the datafile plus reserved
// $opt_ attributes, sorted by key, and appends the project's bot filtering
// flag when it is declared.
func visitorAttributes(cfg *core.ProjectConfig, attributes core.Attributes) []VisitorAttribute {
	var out []VisitorAttribute
	for key, value := range attributes {
		switch {
		case strings.HasPrefix(key, reservedAttributePrefix):
			if key == core.BotFilteringAttribute {
				continue
			}
			out = append(out, VisitorAttribute{EntityID: key, Key: key, Value: value})
		default:
			if def := cfg.AttributeByKey(key); def != nil {
				out = append(out, VisitorAttribute{EntityID: def.ID, Key: key, Value: value})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	if enabled, ok := cfg.BotFiltering(); ok {
		out = append(out, VisitorAttribute{
			EntityID: core.BotFilteringAttribute,
			Key:      core.BotFilteringAttribute,
			Value:    enabled,
		})
	}
	return out
}

// RevenueValue returns the "revenue" tag as an integer. Non-integral or
// non-numeric values are ignored.
func RevenueValue(tags map[string]any) (int64, bool) {
	raw, ok := tags[RevenueTag]
	if !ok {
		return 0, false
	}
	switch n := raw.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	}
	// float64(math.MaxInt64) rounds up to 2^63, which does not fit, so the
	// upper bound is exclusive.
	f, ok := toFloat(raw)
	if !ok || f != math.Trunc(f) || f >= 1<<63 || f < -(1<<63) {
		return 0, false
	}
	return int64(f), true
}

// NumericValue returns the "value" tag as a float. Non-numeric values are
// ignored.
func NumericValue(tags map[string]any) (float64, bool) {
	raw, ok := tags[ValueTag]
	if !ok {
		return 0, false
	}
	f, ok := toFloat(raw)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := strconv.ParseFloat(n.String(), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
