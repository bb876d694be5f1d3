package core

// ConfigProvider is the read-only configuration surface the decision
// pipeline needs. [ProjectConfig] implements it.
type ConfigProvider interface {
	GroupLookup
	ExperimentByID(id string) *Experiment
	ExperimentByKey(key string) *Experiment
	AudienceCondition(id string) Condition
	Variation(experimentID, variationID string) *Variation
}

// ProfileReader exposes previously stored variation assignments. Lookup
// failures are the implementation's concern; a failed lookup reports false.
type ProfileReader interface {
	StoredVariationID(userID, experimentID string) (string, bool)
}

// DecisionSource records which step of the pipeline produced a variation.
type DecisionSource string

const (
	SourceNone     DecisionSource = "none"
	SourceForced   DecisionSource = "forced"
	SourceStored   DecisionSource = "stored"
	SourceBucketed DecisionSource = "bucketed"
)

// Reasons attached to a Decision.
const (
	ReasonExperimentNotFound   = "experiment not found"
	ReasonExperimentNotRunning = "experiment not running"
	ReasonForcedVariation      = "user is forced into variation"
	ReasonInvalidForced        = "forced variation key does not exist"
	ReasonStoredVariation      = "returning stored variation"
	ReasonStaleStored          = "stored variation no longer exists"
	ReasonNotInAudience        = "user does not meet audience conditions"
	ReasonNotBucketed          = "user not bucketed into any variation"
	ReasonBucketed             = "user bucketed into variation"
)

// Decision is the outcome of running the pipeline for one user and
// experiment.
type Decision struct {
	Experiment *Experiment
	Variation  *Variation
	Source     DecisionSource
	Reasons    []string

	// StaleVariationID is set when the profile held a variation id that is no
	// longer part of the experiment.
	StaleVariationID string
}

// IsExperimentActive reports whether the experiment is running or launched.
func IsExperimentActive(experiment *Experiment) bool {
	return experiment != nil && experiment.Active()
}

// HasForcedVariation reports whether the experiment maps userID to a forced
// variation key.
func HasForcedVariation(experiment *Experiment, userID string) bool {
	if experiment == nil {
		return false
	}
	_, ok := experiment.ForcedVariations[userID]
	return ok
}

// ForcedVariation resolves the user's forced variation, or nil when none is
// declared or its key is not a variation of the experiment.
func ForcedVariation(experiment *Experiment, userID string) *Variation {
	if experiment == nil {
		return nil
	}
	key, ok := experiment.ForcedVariations[userID]
	if !ok {
		return nil
	}
	return experiment.VariationByKey(key)
}

// IsUserInExperiment evaluates the experiment's audiences in declaration
// order and reports whether any matches. Experiments without audiences admit
// everyone; experiments with audiences admit nobody without attributes.
func IsUserInExperiment(config ConfigProvider, experiment *Experiment, attributes Attributes) bool {
	if experiment == nil {
		return false
	}
	if len(experiment.AudienceIDs) == 0 {
		return true
	}
	if len(attributes) == 0 {
		return false
	}

	for _, audienceID := range experiment.AudienceIDs {
		condition := config.AudienceCondition(audienceID)
		if condition == nil {
			continue
		}
		if Evaluate(condition, attributes) {
			return true
		}
	}
	return false
}

// IsEligible checks status, then forced variation, then audiences.
func IsEligible(config ConfigProvider, experiment *Experiment, userID string, attributes Attributes) bool {
	if !IsExperimentActive(experiment) {
		return false
	}
	if HasForcedVariation(experiment, userID) {
		return true
	}
	return IsUserInExperiment(config, experiment, attributes)
}

// ValidatePreconditions is IsEligible with a stored profile assignment taking
// precedence over audience evaluation. A nil profile is allowed.
func ValidatePreconditions(config ConfigProvider, profile ProfileReader, experiment *Experiment, userID string, attributes Attributes) bool {
	if !IsExperimentActive(experiment) {
		return false
	}
	if HasForcedVariation(experiment, userID) {
		return true
	}
	if profile != nil {
		if _, ok := profile.StoredVariationID(userID, experiment.ID); ok {
			return true
		}
	}
	return IsUserInExperiment(config, experiment, attributes)
}

// Decide runs the full pipeline: status, forced variation, stored
// variation, audiences, then bucketing. It never fails; a nil Variation
// means the user gets no variation and Reasons says why.
func Decide(config ConfigProvider, bucketer *Bucketer, profile ProfileReader, experiment *Experiment, userID string, attributes Attributes) Decision {
	decision := Decision{Experiment: experiment, Source: SourceNone}

	if experiment == nil {
		decision.Reasons = append(decision.Reasons, ReasonExperimentNotFound)
		return decision
	}
	if !IsExperimentActive(experiment) {
		decision.Reasons = append(decision.Reasons, ReasonExperimentNotRunning)
		return decision
	}

	if HasForcedVariation(experiment, userID) {
		if forced := ForcedVariation(experiment, userID); forced != nil {
			decision.Variation = forced
			decision.Source = SourceForced
			decision.Reasons = append(decision.Reasons, ReasonForcedVariation)
			return decision
		}
		decision.Reasons = append(decision.Reasons, ReasonInvalidForced)
	}

	if profile != nil {
		if variationID, ok := profile.StoredVariationID(userID, experiment.ID); ok {
			if stored := config.Variation(experiment.ID, variationID); stored != nil {
				decision.Variation = stored
				decision.Source = SourceStored
				decision.Reasons = append(decision.Reasons, ReasonStoredVariation)
				return decision
			}
			decision.StaleVariationID = variationID
			decision.Reasons = append(decision.Reasons, ReasonStaleStored)
		}
	}

	if !IsUserInExperiment(config, experiment, attributes) {
		decision.Reasons = append(decision.Reasons, ReasonNotInAudience)
		return decision
	}

	if bucketer == nil {
		bucketer = NewBucketer()
	}
	variation := bucketer.Bucket(config, experiment, BucketingID(userID, attributes))
	if variation == nil {
		decision.Reasons = append(decision.Reasons, ReasonNotBucketed)
		return decision
	}

	decision.Variation = variation
	decision.Source = SourceBucketed
	decision.Reasons = append(decision.Reasons, ReasonBucketed)
	return decision
}
