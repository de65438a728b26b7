package balancer

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/multierr"

	"github.com/dreamware/strata/internal/segment"
)

// Default cost parameters.
const (
	// DefaultHalfLife is the interval distance over which the time term halves.
	DefaultHalfLife = 24 * time.Hour

	// DefaultSizeScale is the byte count that doubles the size weight of a pair.
	DefaultSizeScale int64 = 1 << 30

	// DefaultSameSourcePenalty multiplies the cost of two segments of one data source.
	DefaultSameSourcePenalty = 2.0

	// DefaultRecencyWindow is how far before ReferenceTime a segment counts as recent.
	DefaultRecencyWindow = 7 * 24 * time.Hour

	// DefaultRecencyMultiplier multiplies the cost of two recent segments.
	DefaultRecencyMultiplier = 2.0
)

// CostFunction scores the undesirability of two segments sharing a node.
// Implementations must be pure, symmetric and non-negative, and safe for
// concurrent use.
type CostFunction interface {
	PairCost(a, b *segment.Segment) float64
}

// CostParams are the tunables of JointCostFunction.
type CostParams struct {
	// HalfLife sets the decay rate of the time term: lambda = ln 2 / HalfLife.
	HalfLife time.Duration

	// SizeScale normalizes sizes in the weight 1 + (a.Size+b.Size)/SizeScale.
	SizeScale int64

	// SameSourcePenalty applies when both segments share a data source.
	SameSourcePenalty float64

	// ReferenceTime enables the recency multiplier when non-zero.
	ReferenceTime time.Time

	// RecencyWindow and RecencyMultiplier: if both segments end less than
	// RecencyWindow before ReferenceTime the cost is multiplied.
	RecencyWindow     time.Duration
	RecencyMultiplier float64
}

// DefaultCostParams returns the documented defaults. Recency is disabled
// until a ReferenceTime is set.
func DefaultCostParams() CostParams {
	return CostParams{
		HalfLife:          DefaultHalfLife,
		SizeScale:         DefaultSizeScale,
		SameSourcePenalty: DefaultSameSourcePenalty,
		RecencyWindow:     DefaultRecencyWindow,
		RecencyMultiplier: DefaultRecencyMultiplier,
	}
}

// Validate reports every invalid parameter at once.
func (p CostParams) Validate() error {
	var err error
	if p.HalfLife <= 0 {
		err = multierr.Append(err, fmt.Errorf("half life must be positive, got %s", p.HalfLife))
	}
	if p.SizeScale <= 0 {
		err = multierr.Append(err, fmt.Errorf("size scale must be positive, got %d", p.SizeScale))
	}
	if p.SameSourcePenalty < 1 || math.IsInf(p.SameSourcePenalty, 0) || math.IsNaN(p.SameSourcePenalty) {
		err = multierr.Append(err, fmt.Errorf("same source penalty must be finite and >= 1, got %v", p.SameSourcePenalty))
	}
	if !p.ReferenceTime.IsZero() {
		if p.RecencyWindow <= 0 {
			err = multierr.Append(err, fmt.Errorf("recency window must be positive, got %s", p.RecencyWindow))
		}
		if p.RecencyMultiplier < 1 || math.IsInf(p.RecencyMultiplier, 0) || math.IsNaN(p.RecencyMultiplier) {
			err = multierr.Append(err, fmt.Errorf("recency multiplier must be finite and >= 1, got %v", p.RecencyMultiplier))
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	return nil
}

// JointCostFunction is the default CostFunction:
//
//	cost(a, b) = I(a, b) * (1 + (size_a + size_b) / SizeScale) * P_source * P_recency
//
// where I is the integral of exp(-lambda*|x-y|) over both intervals (see
// IntervalCost). The time term never reaches zero; it decays smoothly as the
// intervals move apart, and abutting intervals still cost something.
type JointCostFunction struct {
	params CostParams
	lambda float64 // decay per nanosecond
}

// NewJointCostFunction validates params and builds the cost function.
func NewJointCostFunction(params CostParams) (*JointCostFunction, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &JointCostFunction{
		params: params,
		lambda: math.Ln2 / float64(params.HalfLife),
	}, nil
}

// Params returns the parameters the function was built with.
func (f *JointCostFunction) Params() CostParams {
	return f.params
}

// PairCost implements CostFunction.
func (f *JointCostFunction) PairCost(a, b *segment.Segment) float64 {
	// Evaluate in a canonical order so the result is bit-for-bit symmetric.
	if precedes(b, a) {
		a, b = b, a
	}

	origin := a.Interval.Start
	x1 := float64(a.Interval.End.Sub(origin)) * f.lambda
	y0 := float64(b.Interval.Start.Sub(origin)) * f.lambda
	y1 := float64(b.Interval.End.Sub(origin)) * f.lambda

	cost := IntervalCost(x1, y0, y1)
	cost *= 1 + (float64(a.Size)+float64(b.Size))/float64(f.params.SizeScale)
	if a.DataSource == b.DataSource {
		cost *= f.params.SameSourcePenalty
	}
	if f.recent(a) && f.recent(b) {
		cost *= f.params.RecencyMultiplier
	}
	return cost
}

func (f *JointCostFunction) recent(s *segment.Segment) bool {
	if f.params.ReferenceTime.IsZero() {
		return false
	}
	return f.params.ReferenceTime.Sub(s.Interval.End) < f.params.RecencyWindow
}

func precedes(a, b *segment.Segment) bool {
	if !a.Interval.Start.Equal(b.Interval.Start) {
		return a.Interval.Start.Before(b.Interval.Start)
	}
	if !a.Interval.End.Equal(b.Interval.End) {
		return a.Interval.End.Before(b.Interval.End)
	}
	return a.ID < b.ID
}

// IntervalCost returns
//
//	∫_0^x1 ∫_y0^y1 exp(-|x-y|) dy dx
//
// for X = [0, x1) and Y = [y0, y1), with all values expressed in units of
// 1/lambda. The result is symmetric in X and Y and never negative.
func IntervalCost(x1, y0, y1 float64) float64 {
	if x1 <= 0 || y1 <= y0 {
		return 0
	}

	// Shift so that X starts first.
	if y0 < 0 {
		x1, y0, y1 = y1-y0, -y0, x1-y0
	}

	if y0 < x1 {
		// Overlap. Split X = A + B + C (or X = A + B, Y = B + C) where B is the
		// shared part, then cost(X,Y) = cost(A,Y) + cost(B,C) + cost(B,B) with
		// cost(B,B) = 2(beta + e^-beta - 1).
		var beta, gamma float64
		if y1 <= x1 {
			beta = y1 - y0
			gamma = x1 - y0
		} else {
			beta = x1 - y0
			gamma = y1 - y0
		}
		return IntervalCost(y0, y0, y1) +
			IntervalCost(beta, beta, gamma) +
			math.Max(0, 2*(beta+math.Expm1(-beta)))
	}

	// Disjoint: x <= y everywhere, so the integrand is e^(x-y). The exponents
	// are kept non-positive to avoid overflow for large offsets.
	exy0 := math.Exp(x1 - y0)
	exy1 := math.Exp(x1 - y1)
	ey0 := math.Exp(-y0)
	ey1 := math.Exp(-y1)

	return math.Max(0, (ey1-ey0)-(exy1-exy0))
}
