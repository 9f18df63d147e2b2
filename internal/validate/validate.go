// Package validate decides whether a provider envelope may be served.
package validate

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/vnmchuo/tutor-gateway/internal/provider"
)

const DefaultRelevanceThreshold = 0.5

type Validator struct {
	RelevanceThreshold float64
}

// New uses threshold as given; zero accepts any relevance score. Negative
// or NaN thresholds fall back to DefaultRelevanceThreshold.
func New(threshold float64) *Validator {
	if threshold < 0 || math.IsNaN(threshold) {
		threshold = DefaultRelevanceThreshold
	}
	return &Validator{RelevanceThreshold: threshold}
}

// Validate runs shape, safety and relevance checks in that order and stops
// at the first failure. The returned error is always a *provider.Error.
func (v *Validator) Validate(env *provider.Envelope) error {
	if env == nil {
		return provider.Malformed("", "no envelope")
	}
	id := env.Provider

	if strings.TrimSpace(env.Answer) == "" {
		return provider.Malformed(id, "empty answer")
	}
	if !inUnitRange(env.Confidence) {
		return provider.Malformed(id, "confidence %v outside [0,1]", env.Confidence)
	}
	if env.RelevanceScore != nil && !inUnitRange(*env.RelevanceScore) {
		return provider.Malformed(id, "relevanceScore %v outside [0,1]", *env.RelevanceScore)
	}

	if env.ContainsInappropriateContent != nil && *env.ContainsInappropriateContent {
		reason := "answer flagged as inappropriate"
		if len(env.ContentFlags) > 0 {
			reason = fmt.Sprintf("%s: %s", reason, strings.Join(env.ContentFlags, ", "))
		}
		return provider.NewError(provider.KindInappropriateContent, id, errors.New(reason))
	}

	if env.RelevanceScore != nil && *env.RelevanceScore < v.RelevanceThreshold {
		return provider.NewError(provider.KindIrrelevant, id,
			fmt.Errorf("relevance %.2f below %.2f", *env.RelevanceScore, v.RelevanceThreshold))
	}
	return nil
}

func inUnitRange(f float64) bool {
	return !math.IsNaN(f) && f >= 0 && f <= 1
}
