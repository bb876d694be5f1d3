package core

import (
	"math"

	"github.com/twmb/murmur3"
)

const (
	bucketingSeed   = 1
	maxTrafficValue = 10000
)

// GroupLookup resolves mutual-exclusion groups by id.
type GroupLookup interface {
	Group(id string) *Group
}

// Bucketer deterministically assigns users to traffic allocation ranges.
type Bucketer struct {
	bucketValue func(key string) int
}

func NewBucketer() *Bucketer {
	return &Bucketer{bucketValue: BucketValue}
}

// BucketValue maps a bucketing key onto [0, 10000) using MurmurHash3
// (x86, 32-bit, seed 1).
func BucketValue(key string) int {
	hash := murmur3.SeedSum32(bucketingSeed, []byte(key))
	ratio := float64(hash) / math.Exp2(32)
	return int(ratio * maxTrafficValue)
}

// BucketingID returns the identifier used for hashing: the
// $opt_bucketing_id attribute when present, otherwise the user id.
func BucketingID(userID string, attributes Attributes) string {
	if id, ok := attributes[BucketingIDAttribute]; ok && id != "" {
		return id
	}
	return userID
}

// Bucket returns the variation the bucketing id falls into, or nil when it
// lands outside the experiment's allocation or in another experiment of a
// random-policy group.
func (b *Bucketer) Bucket(groups GroupLookup, experiment *Experiment, bucketingID string) *Variation {
	if experiment == nil {
		return nil
	}

	if experiment.GroupID != "" && groups != nil {
		group := groups.Group(experiment.GroupID)
		if group != nil && group.Policy == GroupPolicyRandom {
			selected := b.allocate(group.TrafficAllocation, bucketingID+group.ID)
			if selected != experiment.ID {
				return nil
			}
		}
	}

	variationID := b.allocate(experiment.TrafficAllocation, bucketingID+experiment.ID)
	if variationID == "" {
		return nil
	}
	return experiment.VariationByID(variationID)
}

func (b *Bucketer) allocate(allocation []TrafficRange, key string) string {
	value := b.bucketValue(key)
	for _, traffic := range allocation {
		if value < traffic.EndOfRange {
			return traffic.EntityID
		}
	}
	return ""
}
