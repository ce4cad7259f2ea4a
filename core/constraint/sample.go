package constraint

import (
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/adalundhe/selectinf/core/gibbs"
)

// =============================================================================
// Constrained Sampling Adapters
// =============================================================================
//
// The sampler kernel works in a white basis. These adapters whiten the
// geometry, push the observed point and direction of interest through the
// change of basis, delegate to the kernel, and map every draw back to the
// original coordinates. Three regimes: plain truncated-Gaussian draws,
// sphere-restricted draws with importance weights, and the tilted draws the
// MLE solver consumes.

// SampleConfig controls a sampling run. Zero values become defaults.
type SampleConfig struct {
	// NDraw is the number of retained draws. Default 1000.
	NDraw int

	// Burnin is the number of discarded warm-up steps. Default 1000.
	Burnin int

	// HowOften is the cadence of forced moves along the direction of
	// interest. Non-positive disables them.
	HowOften int

	// White asserts the set already has the identity reference law, so
	// whitening is skipped.
	White bool

	// UseConstraintDirections mixes constraint rows into the Gibbs
	// direction pool.
	UseConstraintDirections bool

	// Seed for all randomness in the run. 0 = current time.
	Seed int64
}

func (c SampleConfig) withDefaults() SampleConfig {
	if c.NDraw <= 0 {
		c.NDraw = 1000
	}
	if c.Burnin <= 0 {
		c.Burnin = 1000
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c
}

func (c SampleConfig) gibbsConfig() gibbs.Config {
	return gibbs.Config{
		NDraw:                   c.NDraw,
		Burnin:                  c.Burnin,
		HowOften:                c.HowOften,
		UseConstraintDirections: c.UseConstraintDirections,
		Seed:                    c.Seed,
	}
}

// randomDirection draws a standard normal direction for callers that do not
// care about a particular projection.
func randomDirection(dim int, seed int64) []float64 {
	rng := rand.New(rand.NewSource(seed))
	eta := make([]float64, dim)
	for i := range eta {
		eta[i] = rng.NormFloat64()
	}
	return eta
}

// SampleFromConstraints draws cfg.NDraw points from the Gaussian reference
// law of s truncated to the constraint set, starting the chain at y. An
// infeasible y is warned, never rejected. A nil eta samples without a
// preferred direction. Every returned row is feasible within tolerance.
func SampleFromConstraints(s *Set, y, eta []float64, cfg SampleConfig) (*mat.Dense, error) {
	cfg = cfg.withDefaults()
	if eta == nil {
		eta = randomDirection(s.dim, cfg.Seed)
	}

	if cfg.White {
		return gibbs.SampleWhite(s.LinearPart, s.Offset, y, eta, cfg.gibbsConfig())
	}

	w, err := s.Whiten()
	if err != nil {
		return nil, err
	}
	whiteY := w.Forward(y)
	whiteEta := w.Forward(mulVec(s.Covariance, eta))

	draws, err := gibbs.SampleWhite(w.Set.LinearPart, w.Set.Offset, whiteY, whiteEta, cfg.gibbsConfig())
	if err != nil {
		return nil, err
	}
	return w.InverseBatch(draws), nil
}

// SampleFromSphere draws from the constraint set intersected with the
// sphere through y: in whitened coordinates the sphere of radius ||y||, in
// the original coordinates the ellipsoid of constant Mahalanobis distance
// from the mean. Returns draws and per-draw importance weights correcting
// the restricted sampling measure.
func SampleFromSphere(s *Set, y, eta []float64, cfg SampleConfig) (*mat.Dense, []float64, error) {
	cfg = cfg.withDefaults()
	if eta == nil {
		eta = randomDirection(s.dim, cfg.Seed)
	}

	if cfg.White {
		return gibbs.SampleWhiteSphere(s.LinearPart, s.Offset, y, eta, cfg.gibbsConfig())
	}

	w, err := s.Whiten()
	if err != nil {
		return nil, nil, err
	}
	whiteY := w.Forward(y)
	whiteEta := w.Forward(eta)

	draws, weights, err := gibbs.SampleWhiteSphere(w.Set.LinearPart, w.Set.Offset, whiteY, whiteEta, cfg.gibbsConfig())
	if err != nil {
		return nil, nil, err
	}
	return w.InverseBatch(draws), weights, nil
}
