package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/matt-riley/bucketz/internal/core"
)

var errInvalidAttributes = errors.New("invalid attributes")

// decisionRequest is the body shared by the decision endpoints. Which keys
// are required depends on the endpoint.
type decisionRequest struct {
	ExperimentKey string         `json:"experiment_key,omitempty"`
	EventKey      string         `json:"event_key,omitempty"`
	UserID        string         `json:"user_id"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	Tags          map[string]any `json:"tags,omitempty"`
}

// attributesFromJSON flattens scalar attribute values to the string form
// audience conditions compare against. Null values are dropped; nested
// objects and arrays are rejected.
func attributesFromJSON(raw map[string]any) (core.Attributes, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	attributes := make(core.Attributes, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case nil:
			continue
		case string:
			attributes[key] = v
		case bool:
			attributes[key] = strconv.FormatBool(v)
		case json.Number:
			// Float64 fails with ErrRange past float64's range.
			f, err := v.Float64()
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not a finite number", errInvalidAttributes, key)
			}
			text, _ := core.FormatNumber(f)
			attributes[key] = text
		case float64:
			text, ok := core.FormatNumber(v)
			if !ok {
				return nil, fmt.Errorf("%w: %q is not a finite number", errInvalidAttributes, key)
			}
			attributes[key] = text
		default:
			return nil, fmt.Errorf("%w: %q must be a string, number or boolean", errInvalidAttributes, key)
		}
	}
	return attributes, nil
}
