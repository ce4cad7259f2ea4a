package truncnorm

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// =============================================================================
// Scalar Truncated Gaussian Utility
// =============================================================================
//
// A standard normal restricted to an interval [lower, upper] is the scalar
// building block for exact post-selection pivots: the CDF of the restricted
// law evaluated at the observed statistic is uniformly distributed under the
// null. The interval machinery inverts that pivot (equal-tailed) or inverts
// the UMPU acceptance region (UMAU) to produce confidence intervals for the
// mean of the untruncated law.
//
// Numerical care concentrates in two places:
//   - CDF ratios in far tails, where Phi(b)-Phi(a) underflows; computed on
//     whichever side of zero keeps the survival/CDF difference well scaled,
//     with a Mills-ratio fallback when both endpoints are extreme.
//   - Root finding in the mean parameter, where the truncated CDF is strictly
//     decreasing; brackets are expanded geometrically before bisection.

var ErrNoBracket = errors.New("failed to bracket root for truncated gaussian inversion")

var unit = distuv.UnitNormal

// CDF evaluates, at x, the distribution function of a standard normal
// truncated to [lower, upper]. Bounds may be infinite. Values of x outside
// the truncation interval clamp to 0 or 1.
func CDF(x, lower, upper float64) float64 {
	if x <= lower {
		return 0
	}
	if x >= upper {
		return 1
	}

	switch {
	case lower >= 0:
		// Right tail: survival differences stay well scaled.
		den := unit.Survival(lower) - unit.Survival(upper)
		if den > 0 {
			return (unit.Survival(lower) - unit.Survival(x)) / den
		}
	case upper <= 0:
		// Left tail, mirrored.
		den := unit.CDF(upper) - unit.CDF(lower)
		if den > 0 {
			return (unit.CDF(x) - unit.CDF(lower)) / den
		}
	default:
		den := unit.CDF(upper) - unit.CDF(lower)
		if den > 0 {
			return (unit.CDF(x) - unit.CDF(lower)) / den
		}
	}

	return tailRatioCDF(x, lower, upper)
}

// tailRatioCDF handles intervals so deep in one tail that CDF/survival
// differences underflow. Works in log space with the Mills-ratio
// approximation log Q(z) ~ -z^2/2 - log(z*sqrt(2*pi)).
func tailRatioCDF(x, lower, upper float64) float64 {
	if lower < 0 {
		// Mirror the deep-left-tail case onto the right tail.
		return 1 - tailRatioCDF(-x, -upper, -lower)
	}
	// Q(lower) - Q(x) versus Q(lower) - Q(upper), all tiny. Factor out
	// Q(lower): ratio = (1 - Q(x)/Q(lower)) / (1 - Q(upper)/Q(lower)).
	num := -math.Expm1(logMills(x) - logMills(lower))
	den := -math.Expm1(logMills(upper) - logMills(lower))
	if den <= 0 {
		return 0.5
	}
	r := num / den
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}

func logMills(z float64) float64 {
	if math.IsInf(z, 1) {
		return math.Inf(-1)
	}
	if z < 35 {
		if q := unit.Survival(z); q > 0 {
			return math.Log(q)
		}
	}
	return -z*z/2 - math.Log(z*math.Sqrt(2*math.Pi))
}

// Gaussian is a Gaussian with scale Sigma truncated to [Lower, Upper],
// parametrized by the mean of the untruncated law.
type Gaussian struct {
	Lower float64
	Upper float64
	Sigma float64
}

// CDF evaluates the truncated distribution function at x when the
// untruncated mean is mu.
func (g Gaussian) CDF(mu, x float64) float64 {
	return CDF((x-mu)/g.Sigma, (g.Lower-mu)/g.Sigma, (g.Upper-mu)/g.Sigma)
}

// Quantile returns x such that g.CDF(mu, x) = p.
func (g Gaussian) Quantile(mu, p float64) float64 {
	a := (g.Lower - mu) / g.Sigma
	b := (g.Upper - mu) / g.Sigma
	if p <= 0 {
		return g.Lower
	}
	if p >= 1 {
		return g.Upper
	}

	var z float64
	if a >= 0 {
		// Invert through the survival function to keep right-tail precision.
		qa := unit.Survival(a)
		qb := unit.Survival(b)
		z = -unit.Quantile(qa - p*(qa-qb))
	} else {
		fa := unit.CDF(a)
		fb := unit.CDF(b)
		z = unit.Quantile(fa + p*(fb-fa))
	}
	if z < a {
		z = a
	}
	if z > b {
		z = b
	}
	return mu + g.Sigma*z
}

// mass returns Phi(b)-Phi(a) for standardized endpoints.
func mass(a, b float64) float64 {
	if a >= 0 {
		return unit.Survival(a) - unit.Survival(b)
	}
	return unit.CDF(b) - unit.CDF(a)
}

// partialExpectation returns E[X, x in [a,b]] under the law of g with
// untruncated mean mu (unnormalized by the truncation mass of [a,b]).
// Closed form: mu*(Phi(b')-Phi(a')) + sigma*(phi(a')-phi(b')) over the
// truncation mass of [Lower, Upper].
func (g Gaussian) partialExpectation(mu, a, b float64) float64 {
	at := (a - mu) / g.Sigma
	bt := (b - mu) / g.Sigma
	z := mass((g.Lower-mu)/g.Sigma, (g.Upper-mu)/g.Sigma)
	if z <= 0 {
		return 0
	}
	return (mu*mass(at, bt) + g.Sigma*(unit.Prob(at)-unit.Prob(bt))) / z
}

// Mean returns the mean of the truncated law at untruncated mean mu.
func (g Gaussian) Mean(mu float64) float64 {
	return g.partialExpectation(mu, g.Lower, g.Upper)
}

// EqualTailedInterval inverts the exact pivot at both tails: the returned
// (lo, hi) satisfy g.CDF(lo, observed) = 1-alpha/2 and
// g.CDF(hi, observed) = alpha/2. The truncated CDF is strictly decreasing in
// the mean, so each endpoint is a simple bisection.
func (g Gaussian) EqualTailedInterval(observed, alpha float64) (float64, float64, error) {
	lo, err := g.solveMean(func(mu float64) float64 {
		return g.CDF(mu, observed) - (1 - alpha/2)
	}, observed)
	if err != nil {
		return 0, 0, err
	}
	hi, err := g.solveMean(func(mu float64) float64 {
		return g.CDF(mu, observed) - alpha/2
	}, observed)
	if err != nil {
		return 0, 0, err
	}
	return lo, hi, nil
}

// UMAUInterval inverts the UMPU acceptance region: the interval is the set
// of means whose level-alpha unbiased test accepts the observed value.
func (g Gaussian) UMAUInterval(observed, alpha float64) (float64, float64, error) {
	// Lower endpoint: smallest mu whose upper cutoff reaches observed.
	lo, err := g.solveMean(func(mu float64) float64 {
		_, c2 := g.umpuCutoffs(mu, alpha)
		return observed - c2
	}, observed)
	if err != nil {
		return 0, 0, err
	}
	// Upper endpoint: largest mu whose lower cutoff stays below observed.
	hi, err := g.solveMean(func(mu float64) float64 {
		c1, _ := g.umpuCutoffs(mu, alpha)
		return observed - c1
	}, observed)
	if err != nil {
		return 0, 0, err
	}
	return lo, hi, nil
}

// umpuCutoffs returns the acceptance region [c1, c2] of the level-alpha
// UMPU test of mean mu. The region holds 1-alpha truncated mass and
// satisfies the unbiasedness side condition
//
//	E[X; c1 <= X <= c2] = (1-alpha) * E[X].
//
// Given c1, the mass condition pins c2; the side condition is monotone in
// c1, so a single bisection suffices.
func (g Gaussian) umpuCutoffs(mu, alpha float64) (float64, float64) {
	target := (1 - alpha) * g.Mean(mu)

	cutoff2 := func(c1 float64) float64 {
		p1 := g.CDF(mu, c1)
		return g.Quantile(mu, p1+(1-alpha))
	}

	lo := g.Lower
	if math.IsInf(lo, -1) {
		lo = g.Quantile(mu, 1e-12)
	}
	hi := g.Quantile(mu, alpha)

	side := func(c1 float64) float64 {
		c2 := cutoff2(c1)
		return g.partialExpectation(mu, c1, c2) - target
	}

	// side is increasing in c1 (the region shifts right). If the side
	// condition cannot flip sign the equal-tailed region is returned.
	if side(lo) > 0 {
		return lo, cutoff2(lo)
	}
	if side(hi) < 0 {
		return hi, cutoff2(hi)
	}
	for i := 0; i < 200; i++ {
		mid := 0.5 * (lo + hi)
		if side(mid) < 0 {
			lo = mid
		} else {
			hi = mid
		}
	}
	c1 := 0.5 * (lo + hi)
	return c1, cutoff2(c1)
}

// solveMean finds the root of f, decreasing in mu, bracketing around the
// observed value in units of Sigma.
func (g Gaussian) solveMean(f func(float64) float64, observed float64) (float64, error) {
	step := 2 * g.Sigma
	lo, hi := observed-step, observed+step
	for i := 0; f(lo) < 0; i++ {
		if i >= 60 {
			return 0, ErrNoBracket
		}
		step *= 2
		lo = observed - step
	}
	step = 2 * g.Sigma
	for i := 0; f(hi) > 0; i++ {
		if i >= 60 {
			return 0, ErrNoBracket
		}
		step *= 2
		hi = observed + step
	}
	for i := 0; i < 200 && hi-lo > 1e-10*g.Sigma; i++ {
		mid := 0.5 * (lo + hi)
		if f(mid) > 0 {
			lo = mid
		} else {
			hi = mid
		}
	}
	return 0.5 * (lo + hi), nil
}
