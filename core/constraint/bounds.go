package constraint

import (
	"log/slog"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/adalundhe/selectinf/core/truncnorm"
)

// =============================================================================
// Truncation Geometry
// =============================================================================
//
// For a feasible point Y and a direction eta, slicing the polyhedron along
// eta leaves the scalar statistic V = eta'Y truncated to an exact interval
// [lower, upper]. The endpoints depend on Y only through the residual
// orthogonal to eta, so they are independent of V. That independence is what
// makes the truncated-Gaussian CDF of V an exact pivot after selection.
//
// Sensitivities alpha_i near zero are excluded with a relative sign
// tolerance; rows with no significant sensitivity never bind as a function
// of V, and a direction with no binding rows on one side yields an infinite
// bound. Unbounded intervals are valid outcomes, not errors.

// DefaultGeomTol is the relative tolerance for deciding the sign of a
// sensitivity coefficient.
const DefaultGeomTol = 1e-4

// GeometryConfig controls tolerance and diagnostics of the geometry
// routines. The zero value uses defaults with diagnostics off.
type GeometryConfig struct {
	// Tol is the relative sign tolerance. Zero = DefaultGeomTol.
	Tol float64

	// WarnInfeasible emits a structured warning when the supplied point
	// fails the feasibility check. Computation proceeds regardless.
	WarnInfeasible bool
}

func (c GeometryConfig) withDefaults() GeometryConfig {
	if c.Tol <= 0 {
		c.Tol = DefaultGeomTol
	}
	return c
}

// Bounds is the exact truncation of the statistic eta'Y.
type Bounds struct {
	Lower    float64 // may be -Inf
	Observed float64 // V = eta'Y
	Upper    float64 // may be +Inf
	Sigma    float64 // std deviation of V under the reference law
}

// IntervalConstraints computes the truncation interval of eta'Y for the
// system {z : Az <= b} under covariance cov, observed at y.
func IntervalConstraints(A *mat.Dense, b []float64, cov *mat.SymDense, y, eta []float64, cfg GeometryConfig) Bounds {
	cfg = cfg.withDefaults()
	q, _ := A.Dims()

	resid := mulVec(A, y) // A*y - b
	floats.Sub(resid, b)
	if cfg.WarnInfeasible {
		var maxAbs float64
		for _, r := range resid {
			if a := abs(r); a > maxAbs {
				maxAbs = a
			}
		}
		for _, r := range resid {
			if r >= cfg.Tol*maxAbs {
				slog.Warn("constraints not satisfied at supplied point",
					slog.Float64("worst_residual", floats.Max(resid)),
					slog.Float64("tolerance", cfg.Tol*maxAbs))
				break
			}
		}
	}

	sw := mulVec(cov, eta)
	sigma := math.Sqrt(floats.Dot(eta, sw))
	v := floats.Dot(eta, y)
	if sigma == 0 {
		// Degenerate direction: V is deterministic; nothing binds.
		return Bounds{Lower: math.Inf(-1), Observed: v, Upper: math.Inf(1), Sigma: 0}
	}

	// alpha_i = (A*Sigma*eta)_i / sigma^2: sensitivity of row i to moving V.
	alpha := mulVec(A, sw)
	floats.Scale(1/(sigma*sigma), alpha)

	var maxAbsAlpha float64
	for _, a := range alpha {
		if aa := abs(a); aa > maxAbsAlpha {
			maxAbsAlpha = aa
		}
	}

	lower, upper := math.Inf(-1), math.Inf(1)
	for i := 0; i < q; i++ {
		a := alpha[i]
		switch {
		case a > cfg.Tol*maxAbsAlpha:
			if rhs := (-resid[i] + v*a) / a; rhs < upper {
				upper = rhs
			}
		case a < -cfg.Tol*maxAbsAlpha:
			if rhs := (-resid[i] + v*a) / a; rhs > lower {
				lower = rhs
			}
		}
	}

	return Bounds{Lower: lower, Observed: v, Upper: upper, Sigma: sigma}
}

// Bounds computes the truncation interval of eta'Y for this set at the
// default geometry tolerance.
func (s *Set) Bounds(eta, y []float64) Bounds {
	return IntervalConstraints(s.LinearPart, s.Offset, s.Covariance, y, eta, GeometryConfig{})
}

// Pivot returns the exact selective p-value for the linear functional
// eta'mean, based on the truncated-Gaussian CDF F of (V - eta'mean)/sigma:
// 1-F for Greater, F for Less, 2*min(F, 1-F) for TwoSided.
func (s *Set) Pivot(eta, y []float64, alternative Alternative) (float64, error) {
	if !alternative.valid() {
		return 0, ErrBadAlternative
	}

	b := s.Bounds(eta, y)
	meanV := floats.Dot(eta, s.Mean)
	f := truncnorm.CDF(
		(b.Observed-meanV)/b.Sigma,
		(b.Lower-meanV)/b.Sigma,
		(b.Upper-meanV)/b.Sigma)

	switch alternative {
	case Greater:
		return 1 - f, nil
	case Less:
		return f, nil
	default:
		return 2 * math.Min(f, 1-f), nil
	}
}

// Interval returns a confidence interval of level 1-alpha for eta'mean given
// truncation of V to its selection bounds: UMAU when umau is set, otherwise
// equal tailed.
func (s *Set) Interval(eta, y []float64, alpha float64, umau bool) (float64, float64, error) {
	return SelectionInterval(s.LinearPart, s.Offset, s.Covariance, y, eta, GeometryConfig{}, alpha, umau)
}

// SelectionInterval is the free-function form of Interval on raw system
// components.
func SelectionInterval(A *mat.Dense, b []float64, cov *mat.SymDense, y, eta []float64, cfg GeometryConfig, alpha float64, umau bool) (float64, float64, error) {
	bounds := IntervalConstraints(A, b, cov, y, eta, cfg)

	tg := truncnorm.Gaussian{
		Lower: bounds.Lower,
		Upper: bounds.Upper,
		Sigma: bounds.Sigma,
	}
	if umau {
		return tg.UMAUInterval(bounds.Observed, alpha)
	}
	return tg.EqualTailedInterval(bounds.Observed, alpha)
}
