package constraint

import (
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/adalundhe/selectinf/core/discrete"
)

// =============================================================================
// Gibbs Hypothesis Test
// =============================================================================
//
// Monte-Carlo significance test for the linear functional eta'mean of the
// truncated reference law. With sigma unknown (the default) the null draws
// come from the sphere through the observed point, carrying importance
// weights; with sigma known, plain constrained draws with uniform weights.
// One-sided p-values are weighted empirical tail probabilities. The
// two-sided UMPU variant hands the weighted statistics to an empirical
// discrete exponential family and returns its test decision instead of a
// p-value.

// TestConfig controls a GibbsTest run. Zero values become defaults.
type TestConfig struct {
	// NDraw is the number of null draws. Default 5000.
	NDraw int

	// Burnin before retained draws. Default 2000.
	Burnin int

	// HowOften is the forced-move cadence along eta.
	HowOften int

	// White asserts the set is already isotropic.
	White bool

	// SigmaKnown selects plain constrained draws instead of the
	// sphere-restricted weighted draws.
	SigmaKnown bool

	// UMPU requests the unbiased two-sided decision at level Alpha.
	UMPU bool

	// Alpha is the UMPU test level. Default 0.05.
	Alpha float64

	// UseConstraintDirections mixes constraint rows into the Gibbs
	// direction pool (plain sampling only).
	UseConstraintDirections bool

	// Seed for the sampler chain and randomized test. 0 = current time.
	Seed int64
}

func (c TestConfig) withDefaults() TestConfig {
	if c.NDraw <= 0 {
		c.NDraw = 5000
	}
	if c.Burnin <= 0 {
		c.Burnin = 2000
	}
	if c.Alpha <= 0 {
		c.Alpha = 0.05
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c
}

// TestResult carries the outcome of a GibbsTest along with the null draws
// and their weights for reuse by the caller.
type TestResult struct {
	// PValue is the weighted empirical p-value. NaN when the UMPU decision
	// path was taken.
	PValue float64

	// Reject is the UMPU decision; meaningful only when UMPU was requested
	// with the two-sided alternative.
	Reject bool

	Samples *mat.Dense
	Weights []float64
}

// GibbsTest tests eta'mean = 0 against the given alternative for the
// truncated law of s, observed at the feasible point y.
func GibbsTest(s *Set, y, eta []float64, alternative Alternative, cfg TestConfig) (TestResult, error) {
	if !alternative.valid() {
		return TestResult{}, ErrBadAlternative
	}
	cfg = cfg.withDefaults()

	var (
		draws   *mat.Dense
		weights []float64
		err     error
	)
	scfg := SampleConfig{
		NDraw:                   cfg.NDraw,
		Burnin:                  cfg.Burnin,
		HowOften:                cfg.HowOften,
		White:                   cfg.White,
		UseConstraintDirections: cfg.UseConstraintDirections,
		Seed:                    cfg.Seed,
	}
	if cfg.SigmaKnown {
		draws, err = SampleFromConstraints(s, y, eta, scfg)
		if err == nil {
			weights = make([]float64, cfg.NDraw)
			for i := range weights {
				weights[i] = 1
			}
		}
	} else {
		draws, weights, err = SampleFromSphere(s, y, eta, scfg)
	}
	if err != nil {
		return TestResult{}, err
	}

	stats := rowStatistics(draws, eta)
	observed := floats.Dot(eta, y)
	sumW := floats.Sum(weights)

	result := TestResult{Samples: draws, Weights: weights, PValue: math.NaN()}

	switch {
	case alternative == Greater:
		result.PValue = weightedTail(stats, weights, observed, false) / sumW
	case alternative == Less:
		result.PValue = weightedTail(stats, weights, observed, true) / sumW
	case !cfg.UMPU:
		p := weightedTail(stats, weights, observed, true) / sumW
		result.PValue = 2 * math.Min(p, 1-p)
	default:
		fam, ferr := discrete.New(stats, weights)
		if ferr != nil {
			return TestResult{}, ferr
		}
		rng := rand.New(rand.NewSource(cfg.Seed))
		result.Reject = fam.TwoSidedTest(0, observed, cfg.Alpha, rng)
	}

	return result, nil
}

// weightedTail sums weights of statistics at or beyond the observed value on
// the requested side.
func weightedTail(stats, weights []float64, observed float64, lessEqual bool) float64 {
	var sum float64
	for i, v := range stats {
		if lessEqual {
			if v <= observed {
				sum += weights[i]
			}
		} else if v >= observed {
			sum += weights[i]
		}
	}
	return sum
}
