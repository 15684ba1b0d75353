package dosage

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidInput reports out-of-range physiological parameters.
var ErrInvalidInput = errors.New("invalid dosage input")

const (
	DefaultCarbFactor       = 450.0
	DefaultCorrectionFactor = 1800.0
	DefaultReferenceSugar   = 100.0
)

// Policy holds the constants of the insulin-to-carb ratio and correction
// factor formula. Ratios are derived per kilogram of body weight.
type Policy struct {
	CarbFactor       float64 `json:"carb_factor"`
	CorrectionFactor float64 `json:"correction_factor"`
	ReferenceSugar   float64 `json:"reference_sugar"`
}

// DefaultPolicy returns the 450 / 1800 / 100 policy.
func DefaultPolicy() Policy {
	return Policy{
		CarbFactor:       DefaultCarbFactor,
		CorrectionFactor: DefaultCorrectionFactor,
		ReferenceSugar:   DefaultReferenceSugar,
	}
}

// Validate checks that the policy can be used for division.
func (p Policy) Validate() error {
	if !finite(p.CarbFactor) || p.CarbFactor <= 0 {
		return fmt.Errorf("carb factor must be positive, got %v", p.CarbFactor)
	}
	if !finite(p.CorrectionFactor) || p.CorrectionFactor <= 0 {
		return fmt.Errorf("correction factor must be positive, got %v", p.CorrectionFactor)
	}
	if !finite(p.ReferenceSugar) {
		return fmt.Errorf("reference sugar must be finite, got %v", p.ReferenceSugar)
	}
	return nil
}

// Compute returns insulin units for a carb portion (grams) and the current
// blood sugar, scaled by body weight (kg).
func (p Policy) Compute(weight, carbPortion, currentSugar float64) (float64, error) {
	if !finite(weight) || weight <= 0 {
		return 0, fmt.Errorf("%w: weight must be positive, got %v", ErrInvalidInput, weight)
	}
	if !finite(carbPortion) || carbPortion < 0 {
		return 0, fmt.Errorf("%w: carb portion must be non-negative, got %v", ErrInvalidInput, carbPortion)
	}
	if !finite(currentSugar) {
		return 0, fmt.Errorf("%w: current sugar must be finite, got %v", ErrInvalidInput, currentSugar)
	}

	insulinCarbRatio := p.CarbFactor / weight
	insulinSensitivity := p.CorrectionFactor / weight
	return carbPortion/insulinCarbRatio + (currentSugar-p.ReferenceSugar)/insulinSensitivity, nil
}

// Compute applies DefaultPolicy.
func Compute(weight, carbPortion, currentSugar float64) (float64, error) {
	return DefaultPolicy().Compute(weight, carbPortion, currentSugar)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
