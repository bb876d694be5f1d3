package core

import (
	"slices"
	"testing"

	"github.com/matt-riley/bucketz/internal/coretest"
)

type fakeProfile map[string]map[string]string

func (p fakeProfile) StoredVariationID(userID, experimentID string) (string, bool) {
	variationID, ok := p[userID][experimentID]
	return variationID, ok
}

// countingConfig wraps a ProjectConfig and counts audience lookups.
type countingConfig struct {
	*ProjectConfig
	lookups []string
}

func (c *countingConfig) AudienceCondition(id string) Condition {
	c.lookups = append(c.lookups, id)
	return c.ProjectConfig.AudienceCondition(id)
}

func withStatus(experiment *Experiment, status ExperimentStatus) *Experiment {
	clone := *experiment
	clone.Status = status
	return &clone
}

func TestIsEligibleStatus(t *testing.T) {
	cfg := mustConfig(t, coretest.Datafile)
	base := cfg.ExperimentByKey("checkout_flow")

	tests := []struct {
		status ExperimentStatus
		want   bool
	}{
		{status: StatusRunning, want: true},
		{status: StatusLaunched, want: true},
		{status: StatusPaused, want: false},
		{status: StatusArchived, want: false},
		{status: StatusNotStarted, want: false},
		{status: ExperimentStatus("Unknown"), want: false},
	}

	for _, test := range tests {
		t.Run(string(test.status), func(t *testing.T) {
			experiment := withStatus(base, test.status)

			// Forced variation and a matching audience never rescue an
			// inactive experiment.
			if got := IsEligible(cfg, experiment, "forced_user", Attributes{"browser": "firefox"}); got != test.want {
				t.Fatalf("IsEligible(forced, matching) = %t, want %t", got, test.want)
			}
			profile := fakeProfile{"stored_user": {"1000": "1001"}}
			if got := ValidatePreconditions(cfg, profile, experiment, "stored_user", nil); got != test.want {
				t.Fatalf("ValidatePreconditions(stored) = %t, want %t", got, test.want)
			}
			if got := IsExperimentActive(experiment); got != test.want {
				t.Fatalf("IsExperimentActive() = %t, want %t", got, test.want)
			}
		})
	}
}

func TestIsEligiblePrecedence(t *testing.T) {
	cfg := mustConfig(t, coretest.Datafile)
	experiment := cfg.ExperimentByKey("checkout_flow")
	failing := Attributes{"browser": "chrome", "country": "CA"}

	t.Run("forced variation wins over failing audience", func(t *testing.T) {
		counting := &countingConfig{ProjectConfig: cfg}
		if !IsEligible(counting, experiment, "forced_user", failing) {
			t.Fatal("IsEligible() = false, want true")
		}
		if len(counting.lookups) != 0 {
			t.Fatalf("audience lookups = %v, want none", counting.lookups)
		}
	})

	t.Run("stored profile wins over failing audience", func(t *testing.T) {
		counting := &countingConfig{ProjectConfig: cfg}
		profile := fakeProfile{"returning": {"1000": "1001"}}
		if !ValidatePreconditions(counting, profile, experiment, "returning", failing) {
			t.Fatal("ValidatePreconditions() = false, want true")
		}
		if len(counting.lookups) != 0 {
			t.Fatalf("audience lookups = %v, want none", counting.lookups)
		}
	})

	t.Run("profile for another experiment does not help", func(t *testing.T) {
		profile := fakeProfile{"returning": {"4000": "4001"}}
		if ValidatePreconditions(cfg, profile, experiment, "returning", failing) {
			t.Fatal("ValidatePreconditions() = true, want false")
		}
	})

	t.Run("nil profile falls through to audiences", func(t *testing.T) {
		if ValidatePreconditions(cfg, nil, experiment, "anyone", failing) {
			t.Fatal("ValidatePreconditions(failing) = true, want false")
		}
		if !ValidatePreconditions(cfg, nil, experiment, "anyone", Attributes{"country": "US"}) {
			t.Fatal("ValidatePreconditions(matching) = false, want true")
		}
	})

	t.Run("audience decides without overrides", func(t *testing.T) {
		if IsEligible(cfg, experiment, "anyone", failing) {
			t.Fatal("IsEligible(failing) = true, want false")
		}
		if !IsEligible(cfg, experiment, "anyone", Attributes{"browser": "firefox"}) {
			t.Fatal("IsEligible(matching) = false, want true")
		}
	})
}

func TestIsUserInExperiment(t *testing.T) {
	cfg := mustConfig(t, coretest.Datafile)
	open := cfg.ExperimentByKey("open_exp")
	gated := cfg.ExperimentByKey("checkout_flow")

	if !IsUserInExperiment(cfg, open, nil) {
		t.Fatal("IsUserInExperiment(no audiences, nil attrs) = false, want true")
	}
	if !IsUserInExperiment(cfg, open, Attributes{}) {
		t.Fatal("IsUserInExperiment(no audiences, empty attrs) = false, want true")
	}

	counting := &countingConfig{ProjectConfig: cfg}
	if IsUserInExperiment(counting, gated, Attributes{}) {
		t.Fatal("IsUserInExperiment(audiences, empty attrs) = true, want false")
	}
	if len(counting.lookups) != 0 {
		t.Fatalf("audience lookups with empty attrs = %v, want none", counting.lookups)
	}

	counting = &countingConfig{ProjectConfig: cfg}
	if !IsUserInExperiment(counting, gated, Attributes{"browser": "firefox", "country": "US"}) {
		t.Fatal("IsUserInExperiment(first audience matches) = false, want true")
	}
	if !slices.Equal(counting.lookups, []string{"aud-ff"}) {
		t.Fatalf("audience lookups = %v, want [aud-ff]", counting.lookups)
	}

	counting = &countingConfig{ProjectConfig: cfg}
	if !IsUserInExperiment(counting, gated, Attributes{"country": "US"}) {
		t.Fatal("IsUserInExperiment(second audience matches) = false, want true")
	}
	if !slices.Equal(counting.lookups, []string{"aud-ff", "aud-us"}) {
		t.Fatalf("audience lookups = %v, want [aud-ff aud-us]", counting.lookups)
	}

	unknownAudience := &Experiment{ID: "u", Status: StatusRunning, AudienceIDs: []string{"missing"}}
	if IsUserInExperiment(cfg, unknownAudience, Attributes{"a": "b"}) {
		t.Fatal("IsUserInExperiment(unknown audience) = true, want false")
	}

	if IsUserInExperiment(cfg, nil, Attributes{"a": "b"}) {
		t.Fatal("IsUserInExperiment(nil experiment) = true, want false")
	}
}

func TestForcedVariation(t *testing.T) {
	cfg := mustConfig(t, coretest.Datafile)
	experiment := cfg.ExperimentByKey("checkout_flow")

	if variation := ForcedVariation(experiment, "forced_user"); variation == nil || variation.Key != "treatment" {
		t.Fatalf("ForcedVariation(forced_user) = %#v, want treatment", variation)
	}
	if variation := ForcedVariation(experiment, "broken_user"); variation != nil {
		t.Fatalf("ForcedVariation(broken_user) = %#v, want nil", variation)
	}
	if !HasForcedVariation(experiment, "broken_user") {
		t.Fatal("HasForcedVariation(broken_user) = false, want true")
	}
	if HasForcedVariation(experiment, "nobody") || HasForcedVariation(nil, "forced_user") {
		t.Fatal("HasForcedVariation() = true for a user without a mapping")
	}
}

func TestDecide(t *testing.T) {
	cfg := mustConfig(t, coretest.Datafile)
	checkout := cfg.ExperimentByKey("checkout_flow")
	bucketer := fixedBucketer(map[string]int{"bucketed1000": 9000, "household1000": 100})

	tests := []struct {
		name       string
		experiment *Experiment
		userID     string
		attributes Attributes
		profile    ProfileReader
		wantKey    string
		wantSource DecisionSource
		wantReason string
		wantStale  string
	}{
		{
			name:       "missing experiment",
			userID:     "u",
			wantSource: SourceNone,
			wantReason: ReasonExperimentNotFound,
		},
		{
			name:       "paused experiment with forced user",
			experiment: cfg.ExperimentByKey("paused_exp"),
			userID:     "forced_user",
			wantSource: SourceNone,
			wantReason: ReasonExperimentNotRunning,
		},
		{
			name:       "forced variation",
			experiment: checkout,
			userID:     "forced_user",
			profile:    fakeProfile{"forced_user": {"1000": "1001"}},
			wantKey:    "treatment",
			wantSource: SourceForced,
			wantReason: ReasonForcedVariation,
		},
		{
			name:       "invalid forced key falls through to stored",
			experiment: checkout,
			userID:     "broken_user",
			profile:    fakeProfile{"broken_user": {"1000": "1001"}},
			wantKey:    "control",
			wantSource: SourceStored,
			wantReason: ReasonStoredVariation,
		},
		{
			name:       "stored variation beats failing audience",
			experiment: checkout,
			userID:     "returning",
			attributes: Attributes{"browser": "chrome"},
			profile:    fakeProfile{"returning": {"1000": "1002"}},
			wantKey:    "treatment",
			wantSource: SourceStored,
			wantReason: ReasonStoredVariation,
		},
		{
			name:       "stale stored variation is ignored",
			experiment: checkout,
			userID:     "bucketed",
			attributes: Attributes{"browser": "firefox"},
			profile:    fakeProfile{"bucketed": {"1000": "9999"}},
			wantKey:    "treatment",
			wantSource: SourceBucketed,
			wantReason: ReasonBucketed,
			wantStale:  "9999",
		},
		{
			name:       "audience mismatch",
			experiment: checkout,
			userID:     "bucketed",
			attributes: Attributes{"browser": "chrome"},
			wantSource: SourceNone,
			wantReason: ReasonNotInAudience,
		},
		{
			name:       "bucketing id attribute",
			experiment: checkout,
			userID:     "someone",
			attributes: Attributes{"country": "US", BucketingIDAttribute: "household"},
			wantKey:    "control",
			wantSource: SourceBucketed,
			wantReason: ReasonBucketed,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			decision := Decide(cfg, bucketer, test.profile, test.experiment, test.userID, test.attributes)

			gotKey := ""
			if decision.Variation != nil {
				gotKey = decision.Variation.Key
			}
			if gotKey != test.wantKey {
				t.Fatalf("Decide().Variation = %q, want %q", gotKey, test.wantKey)
			}
			if decision.Source != test.wantSource {
				t.Fatalf("Decide().Source = %q, want %q", decision.Source, test.wantSource)
			}
			if !slices.Contains(decision.Reasons, test.wantReason) {
				t.Fatalf("Decide().Reasons = %v, want %q", decision.Reasons, test.wantReason)
			}
			if decision.StaleVariationID != test.wantStale {
				t.Fatalf("Decide().StaleVariationID = %q, want %q", decision.StaleVariationID, test.wantStale)
			}
		})
	}
}

func TestDecideNotBucketed(t *testing.T) {
	cfg := mustConfig(t, coretest.Datafile)
	bucketer := fixedBucketer(map[string]int{"user5000": 9000})

	decision := Decide(cfg, bucketer, nil, cfg.ExperimentByKey("group_exp_a"), "user", nil)
	if decision.Variation != nil || !slices.Contains(decision.Reasons, ReasonNotBucketed) {
		t.Fatalf("Decide() = %#v, want no variation with %q", decision, ReasonNotBucketed)
	}
}

func TestDecideIsDeterministic(t *testing.T) {
	cfg := mustConfig(t, coretest.Datafile)
	experiment := cfg.ExperimentByKey("checkout_flow")
	attributes := Attributes{"browser": "firefox"}

	first := Decide(cfg, nil, nil, experiment, "user-123", attributes)
	if first.Variation == nil {
		t.Fatalf("Decide() = %#v, want a variation for a full allocation", first)
	}
	for range 20 {
		again := Decide(cfg, NewBucketer(), nil, experiment, "user-123", attributes)
		if again.Variation != first.Variation {
			t.Fatalf("Decide() = %q, want %q on repeat", again.Variation.Key, first.Variation.Key)
		}
	}
}
