package discrete

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewMergesAndNormalizes(t *testing.T) {
	fam, err := New([]float64{1, 0, 1, 2}, []float64{0.5, 1, 0.5, 1})
	require.NoError(t, err)

	support := fam.Support()
	require.Equal(t, []float64{0, 1, 2}, support)

	p := fam.PMF(0)
	require.InDelta(t, 1.0, p[0]+p[1]+p[2], 1e-12)
	require.InDelta(t, p[0], p[1], 1e-12) // merged weight 1 each for 0 and 1
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New([]float64{1}, []float64{1, 2})
	require.ErrorIs(t, err, ErrLengthMismatch)

	_, err = New(nil, nil)
	require.ErrorIs(t, err, ErrEmptySupport)

	_, err = New([]float64{1, 2}, []float64{0, -1})
	require.ErrorIs(t, err, ErrEmptySupport)
}

func TestTiltShiftsMean(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	n := 4000
	values := make([]float64, n)
	weights := make([]float64, n)
	for i := range values {
		values[i] = rng.NormFloat64()
		weights[i] = 1
	}
	fam, err := New(values, weights)
	require.NoError(t, err)

	require.InDelta(t, 0, fam.Mean(0), 0.05)

	prev := math.Inf(-1)
	for _, theta := range []float64{-1, -0.3, 0, 0.3, 1} {
		m := fam.Mean(theta)
		require.Greater(t, m, prev, "mean must increase with the tilt")
		prev = m
	}
}

func TestCDFBoundsAndMonotone(t *testing.T) {
	fam, err := New([]float64{-2, -1, 0, 1, 2}, []float64{1, 2, 4, 2, 1})
	require.NoError(t, err)

	require.InDelta(t, 0, fam.CDF(0, -3, 1), 1e-12)
	require.InDelta(t, 1, fam.CDF(0, 3, 1), 1e-12)
	require.InDelta(t, 1, fam.CDF(0, 2, 1)+fam.CCDF(0, 2, 0), 1e-12)

	prev := -1.0
	for _, x := range []float64{-2, -1, 0, 1, 2} {
		c := fam.CDF(0, x, 1)
		require.Greater(t, c, prev)
		prev = c
	}
}

func TestTwoSidedTestDecisions(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	n := 5000
	values := make([]float64, n)
	weights := make([]float64, n)
	for i := range values {
		values[i] = rng.NormFloat64()
		weights[i] = 1
	}
	fam, err := New(values, weights)
	require.NoError(t, err)

	decide := rand.New(rand.NewSource(1))
	require.True(t, fam.TwoSidedTest(0, 3.8, 0.05, decide), "far-tail observation must reject")
	require.True(t, fam.TwoSidedTest(0, -3.8, 0.05, decide), "far-tail observation must reject")
	require.False(t, fam.TwoSidedTest(0, 0.1, 0.05, decide), "central observation must accept")
}

func TestTwoSidedTestLevel(t *testing.T) {
	// Under the null tilt the rejection rate across atoms must be close to
	// alpha by construction of the randomized cutoffs.
	rng := rand.New(rand.NewSource(9))
	n := 2000
	values := make([]float64, n)
	weights := make([]float64, n)
	for i := range values {
		values[i] = rng.NormFloat64()
		weights[i] = 1
	}
	fam, err := New(values, weights)
	require.NoError(t, err)

	alpha := 0.1
	decide := rand.New(rand.NewSource(2))
	p := fam.PMF(0)
	support := fam.Support()

	var rate float64
	for i, x := range support {
		rejected := 0
		const reps = 20
		for r := 0; r < reps; r++ {
			if fam.TwoSidedTest(0, x, alpha, decide) {
				rejected++
			}
		}
		rate += p[i] * float64(rejected) / reps
	}
	require.InDelta(t, alpha, rate, 0.03)
}

func TestTwoSidedTestUnbiasedOnDominantAtom(t *testing.T) {
	// One atom carries almost all the mass, so both randomized cutoffs can
	// land on it; the executed rejection probability there is the sum of the
	// two boundary gammas and the side condition E[X*phi] = alpha*E[X] must
	// still hold.
	fam, err := New([]float64{0, 2, 10}, []float64{0.05, 0.9, 0.05})
	require.NoError(t, err)

	alpha := 0.5
	p := fam.PMF(0)
	support := fam.Support()
	target := alpha * fam.Mean(0)

	decide := rand.New(rand.NewSource(6))
	var moment float64
	for i, x := range support {
		rejected := 0
		const reps = 4000
		for r := 0; r < reps; r++ {
			if fam.TwoSidedTest(0, x, alpha, decide) {
				rejected++
			}
		}
		moment += x * p[i] * float64(rejected) / reps
	}
	require.InDelta(t, target, moment, 0.06)
}
