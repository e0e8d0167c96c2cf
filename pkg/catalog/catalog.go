// Package catalog holds the static subscription tier catalogue: the
// per-feature usage allowances each tier grants per billing cycle, the
// storage quota per tier, and the credit cost of pay-as-you-go feature
// invocations. The catalogue is compile-time configuration; changing it
// requires a redeploy.
package catalog

import "fmt"

// TierID identifies a subscription tier
type TierID string

const (
	TierFree         TierID = "free"
	TierEducator     TierID = "educator"
	TierProfessional TierID = "professional"
	TierSchool       TierID = "school"
)

// FallbackTier is the tier applied to users without an active
// subscription (none at all, canceled, or past_due).
const FallbackTier = TierFree

// Feature identifies a metered platform feature
type Feature string

const (
	FeatureAIRecommendations         Feature = "aiRecommendations"
	FeatureAILessonPlans             Feature = "aiLessonPlans"
	FeatureSpeechAssessments         Feature = "speechAssessments"
	FeatureCurriculumDifferentiation Feature = "curriculumDifferentiation"
	FeatureReportGeneration          Feature = "reportGeneration"
	FeatureDocumentUploads           Feature = "documentUploads"
)

// Unlimited marks a feature with no per-cycle allowance cap for a tier.
const Unlimited = -1

// ValidFeature reports whether f names a known metered feature
func ValidFeature(f Feature) bool {
	switch f {
	case FeatureAIRecommendations, FeatureAILessonPlans, FeatureSpeechAssessments,
		FeatureCurriculumDifferentiation, FeatureReportGeneration, FeatureDocumentUploads:
		return true
	}
	return false
}

// Tier describes the allowances a subscription tier grants.
type Tier struct {
	ID             TierID
	Name           string
	FeatureLimits  map[Feature]int // per billing cycle; Unlimited = no cap
	StorageQuotaMB int
}

// UnknownTierError is returned when a tier ID is not in the catalogue
type UnknownTierError struct {
	TierID TierID
}

func (e *UnknownTierError) Error() string {
	return fmt.Sprintf("unknown subscription tier: %s", e.TierID)
}

// IsUnknownTier checks if an error is an unknown tier error
func IsUnknownTier(err error) bool {
	_, ok := err.(*UnknownTierError)
	return ok
}

// Catalogue is a read-only tier and credit-cost lookup
type Catalogue struct {
	tiers       map[TierID]Tier
	creditCosts map[Feature]int
}

// Default returns the production tier catalogue.
func Default() *Catalogue {
	return New(defaultTiers(), defaultCreditCosts())
}

// New creates a catalogue from explicit tier and credit-cost tables
func New(tiers []Tier, creditCosts map[Feature]int) *Catalogue {
	byID := make(map[TierID]Tier, len(tiers))
	for _, t := range tiers {
		byID[t.ID] = t
	}
	return &Catalogue{tiers: byID, creditCosts: creditCosts}
}

// Limit returns the per-cycle allowance for a feature on a tier.
// unlimited is true when the tier places no cap on the feature. A
// feature absent from the tier's table has a limit of zero (the tier
// does not include it).
func (c *Catalogue) Limit(tierID TierID, feature Feature) (limit int, unlimited bool, err error) {
	tier, ok := c.tiers[tierID]
	if !ok {
		return 0, false, &UnknownTierError{TierID: tierID}
	}

	l, ok := tier.FeatureLimits[feature]
	if !ok {
		return 0, false, nil
	}
	if l == Unlimited {
		return 0, true, nil
	}
	return l, false, nil
}

// StorageQuotaMB returns the storage quota for a tier
func (c *Catalogue) StorageQuotaMB(tierID TierID) (int, error) {
	tier, ok := c.tiers[tierID]
	if !ok {
		return 0, &UnknownTierError{TierID: tierID}
	}
	return tier.StorageQuotaMB, nil
}

// CreditCost returns the per-unit credit cost of a feature. ok is false
// when the feature is not credit-eligible.
func (c *Catalogue) CreditCost(feature Feature) (cost int, ok bool) {
	cost, ok = c.creditCosts[feature]
	return cost, ok
}

// Tiers returns all tier IDs in the catalogue
func (c *Catalogue) Tiers() []TierID {
	ids := make([]TierID, 0, len(c.tiers))
	for id := range c.tiers {
		ids = append(ids, id)
	}
	return ids
}

func defaultTiers() []Tier {
	return []Tier{
		{
			ID:   TierFree,
			Name: "Free",
			FeatureLimits: map[Feature]int{
				FeatureAIRecommendations: 10,
				FeatureAILessonPlans:     3,
				FeatureReportGeneration:  2,
				FeatureDocumentUploads:   20,
			},
			StorageQuotaMB: 100,
		},
		{
			ID:   TierEducator,
			Name: "Educator",
			FeatureLimits: map[Feature]int{
				FeatureAIRecommendations:         50,
				FeatureAILessonPlans:             25,
				FeatureSpeechAssessments:         20,
				FeatureCurriculumDifferentiation: 15,
				FeatureReportGeneration:          20,
				FeatureDocumentUploads:           200,
			},
			StorageQuotaMB: 2048,
		},
		{
			ID:   TierProfessional,
			Name: "Professional",
			FeatureLimits: map[Feature]int{
				FeatureAIRecommendations:         250,
				FeatureAILessonPlans:             100,
				FeatureSpeechAssessments:         100,
				FeatureCurriculumDifferentiation: 75,
				FeatureReportGeneration:          100,
				FeatureDocumentUploads:           1000,
			},
			StorageQuotaMB: 10240,
		},
		{
			ID:   TierSchool,
			Name: "School",
			FeatureLimits: map[Feature]int{
				FeatureAIRecommendations:         Unlimited,
				FeatureAILessonPlans:             Unlimited,
				FeatureSpeechAssessments:         500,
				FeatureCurriculumDifferentiation: Unlimited,
				FeatureReportGeneration:          Unlimited,
				FeatureDocumentUploads:           Unlimited,
			},
			StorageQuotaMB: 102400,
		},
	}
}

// Credit costs are global per feature, not per tier: tier
// differentiation is expressed through allowances. A feature absent
// here cannot be paid for with credits.
func defaultCreditCosts() map[Feature]int {
	return map[Feature]int{
		FeatureAIRecommendations:         1,
		FeatureAILessonPlans:             3,
		FeatureSpeechAssessments:         2,
		FeatureCurriculumDifferentiation: 3,
		FeatureReportGeneration:          2,
	}
}
