package discrete

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// =============================================================================
// Empirical Discrete Exponential Family
// =============================================================================
//
// A finite-support exponential family built from weighted Monte-Carlo draws:
// atoms x_j with base weights w_j, tilted by a natural parameter theta as
//
//	p_j(theta) = w_j * exp(theta*x_j - Lambda(theta)).
//
// Supports exact randomized UMPU two-sided tests of the natural parameter,
// which is how weighted sampler output turns into a test decision.

var (
	ErrEmptySupport   = errors.New("empty support")
	ErrLengthMismatch = errors.New("values and weights have different lengths")
)

// Family is an immutable discrete exponential family on a sorted support.
type Family struct {
	xs []float64 // sorted atom values
	ws []float64 // base weights, normalized to sum 1
}

// New builds a family from weighted observations. Duplicate values are
// merged by summing their weights; non-positive weights drop the atom.
func New(values, weights []float64) (*Family, error) {
	if len(values) != len(weights) {
		return nil, fmt.Errorf("%w: %d values, %d weights", ErrLengthMismatch, len(values), len(weights))
	}
	if len(values) == 0 {
		return nil, ErrEmptySupport
	}

	idx := make([]int, len(values))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })

	xs := make([]float64, 0, len(values))
	ws := make([]float64, 0, len(values))
	for _, i := range idx {
		if weights[i] <= 0 {
			continue
		}
		if n := len(xs); n > 0 && xs[n-1] == values[i] {
			ws[n-1] += weights[i]
			continue
		}
		xs = append(xs, values[i])
		ws = append(ws, weights[i])
	}
	if len(xs) == 0 {
		return nil, ErrEmptySupport
	}

	total := floats.Sum(ws)
	for i := range ws {
		ws[i] /= total
	}
	return &Family{xs: xs, ws: ws}, nil
}

// Support returns the sorted atom values.
func (f *Family) Support() []float64 {
	return append([]float64(nil), f.xs...)
}

// PMF returns the tilted probabilities at natural parameter theta,
// max-subtracted for range control before exponentiation.
func (f *Family) PMF(theta float64) []float64 {
	logp := make([]float64, len(f.xs))
	for i, x := range f.xs {
		logp[i] = math.Log(f.ws[i]) + theta*x
	}
	shift := floats.Max(logp)
	for i := range logp {
		logp[i] = math.Exp(logp[i] - shift)
	}
	total := floats.Sum(logp)
	for i := range logp {
		logp[i] /= total
	}
	return logp
}

// Mean returns E[X] under the tilt theta.
func (f *Family) Mean(theta float64) float64 {
	p := f.PMF(theta)
	var m float64
	for i, x := range f.xs {
		m += x * p[i]
	}
	return m
}

// CDF returns P(X < x) + gamma * P(X = x) under the tilt theta.
// gamma is the randomization weight on the atom at x.
func (f *Family) CDF(theta, x, gamma float64) float64 {
	p := f.PMF(theta)
	var c float64
	for i, xi := range f.xs {
		switch {
		case xi < x:
			c += p[i]
		case xi == x:
			c += gamma * p[i]
		}
	}
	return c
}

// CCDF returns P(X > x) + gamma * P(X = x) under the tilt theta.
func (f *Family) CCDF(theta, x, gamma float64) float64 {
	p := f.PMF(theta)
	var c float64
	for i, xi := range f.xs {
		switch {
		case xi > x:
			c += p[i]
		case xi == x:
			c += gamma * p[i]
		}
	}
	return c
}

// cut is a randomized tail cutoff: full rejection beyond the atom at index,
// rejection with probability gamma exactly on it.
type cut struct {
	index int
	gamma float64
}

// leftCut finds the randomized cutoff with left-tail mass lam under pmf p.
func leftCut(p []float64, lam float64) cut {
	cum := 0.0
	for j := range p {
		if p[j] > 0 && cum+p[j] >= lam {
			return cut{index: j, gamma: (lam - cum) / p[j]}
		}
		cum += p[j]
	}
	return cut{index: len(p) - 1, gamma: 1}
}

// rightCut finds the randomized cutoff with right-tail mass lam under pmf p.
func rightCut(p []float64, lam float64) cut {
	cum := 0.0
	for j := len(p) - 1; j >= 0; j-- {
		if p[j] > 0 && cum+p[j] >= lam {
			return cut{index: j, gamma: (lam - cum) / p[j]}
		}
		cum += p[j]
	}
	return cut{index: 0, gamma: 1}
}

// rejectionMoment returns E[X * phi(X)] for the randomized two-tailed test
// with the given cutoffs.
func (f *Family) rejectionMoment(p []float64, left, right cut) float64 {
	var m float64
	for j := range f.xs {
		switch {
		case j < left.index:
			m += f.xs[j] * p[j]
		case j == left.index:
			m += left.gamma * f.xs[j] * p[j]
		}
		// When both cutoffs land on one atom the test rejects there with
		// probability left.gamma+right.gamma, so both contributions count.
		switch {
		case j > right.index:
			m += f.xs[j] * p[j]
		case j == right.index:
			m += right.gamma * f.xs[j] * p[j]
		}
	}
	return m
}

// TwoSidedTest performs the randomized level-alpha UMPU test of the natural
// parameter theta0 against a two-sided alternative, returning true when the
// observed statistic rejects. The unbiasedness side condition
// E[X*phi] = alpha*E[X] determines the split of alpha between the tails; the
// split is found by bisection since the rejection moment is monotone in it.
func (f *Family) TwoSidedTest(theta0, observed, alpha float64, rng *rand.Rand) bool {
	p := f.PMF(theta0)
	target := alpha * f.Mean(theta0)

	moment := func(lam float64) float64 {
		return f.rejectionMoment(p, leftCut(p, lam), rightCut(p, alpha-lam))
	}

	// Shifting mass from the right tail to the left tail only decreases
	// E[X*phi], so moment is decreasing in lam.
	lo, hi := 0.0, alpha
	switch {
	case moment(lo) < target:
		hi = lo
	case moment(hi) > target:
		lo = hi
	default:
		for i := 0; i < 100; i++ {
			mid := 0.5 * (lo + hi)
			if moment(mid) > target {
				lo = mid
			} else {
				hi = mid
			}
		}
	}
	lam := 0.5 * (lo + hi)
	left, right := leftCut(p, lam), rightCut(p, alpha-lam)

	xl, xr := f.xs[left.index], f.xs[right.index]
	switch {
	case observed < xl || observed > xr:
		return true
	case observed == xl && observed == xr:
		return rng.Float64() < left.gamma+right.gamma
	case observed == xl:
		return rng.Float64() < left.gamma
	case observed == xr:
		return rng.Float64() < right.gamma
	}
	return false
}
