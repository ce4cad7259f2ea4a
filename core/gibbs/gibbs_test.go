package gibbs

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/mat"
)

// negIdentity builds the nonnegative-orthant system -I*z <= 0.
func negIdentity(p int) (*mat.Dense, []float64) {
	a := mat.NewDense(p, p, nil)
	for i := 0; i < p; i++ {
		a.Set(i, i, -1)
	}
	return a, make([]float64, p)
}

func assertFeasible(t *testing.T, a *mat.Dense, b []float64, draws *mat.Dense) {
	t.Helper()
	n, _ := draws.Dims()
	q, p := a.Dims()
	az := make([]float64, q)
	for i := 0; i < n; i++ {
		row := draws.RawRowView(i)
		blas64.Gemv(blas.NoTrans, 1.0, a.RawMatrix(),
			blas64.Vector{N: p, Inc: 1, Data: row},
			0.0,
			blas64.Vector{N: q, Inc: 1, Data: az})
		for j := 0; j < q; j++ {
			if az[j]-b[j] > 1e-7 {
				t.Fatalf("draw %d violates row %d by %g", i, j, az[j]-b[j])
			}
		}
	}
}

func TestSampleWhiteFeasible(t *testing.T) {
	a, b := negIdentity(2)
	start := []float64{0.5, 0.5}
	eta := []float64{1, 0}

	draws, err := SampleWhite(a, b, start, eta, Config{NDraw: 3000, Burnin: 1000, Seed: 7})
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if n, p := draws.Dims(); n != 3000 || p != 2 {
		t.Fatalf("unexpected shape %dx%d", n, p)
	}
	assertFeasible(t, a, b, draws)
}

func TestSampleWhiteMatchesTruncatedMoments(t *testing.T) {
	// Standard normal restricted to the positive orthant: each coordinate
	// is an independent half-normal with mean sqrt(2/pi).
	a, b := negIdentity(2)
	draws, err := SampleWhite(a, b, []float64{0.5, 0.5}, []float64{1, 1},
		Config{NDraw: 8000, Burnin: 2000, Seed: 11})
	if err != nil {
		t.Fatalf("sample: %v", err)
	}

	want := math.Sqrt(2 / math.Pi)
	n, _ := draws.Dims()
	var m0, m1 float64
	for i := 0; i < n; i++ {
		m0 += draws.At(i, 0)
		m1 += draws.At(i, 1)
	}
	m0 /= float64(n)
	m1 /= float64(n)

	if math.Abs(m0-want) > 0.1 || math.Abs(m1-want) > 0.1 {
		t.Fatalf("half-normal means (%g, %g), want ~%g", m0, m1, want)
	}
}

func TestSampleWhiteUseConstraintDirections(t *testing.T) {
	a := mat.NewDense(3, 2, []float64{
		-1, 0,
		0, -1,
		1, 1,
	})
	b := []float64{0, 0, 4}
	draws, err := SampleWhite(a, b, []float64{1, 1}, []float64{1, 0},
		Config{NDraw: 2000, Burnin: 1000, Seed: 3, UseConstraintDirections: true, HowOften: 50})
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	assertFeasible(t, a, b, draws)
}

func TestSampleWhiteInfeasibleStartRecovers(t *testing.T) {
	// A start violating a constraint is warned, not rejected; the first
	// binding move pulls the chain back into the polyhedron.
	a, b := negIdentity(2)
	draws, err := SampleWhite(a, b, []float64{-1, 0.5}, []float64{1, 0},
		Config{NDraw: 500, Burnin: 200, Seed: 1})
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	assertFeasible(t, a, b, draws)
}

func TestSampleWhiteFiniteOnHalfOpenSegments(t *testing.T) {
	// A single half-space leaves most conditionals unbounded on one side;
	// every resampled coordinate must still be finite.
	a := mat.NewDense(1, 2, []float64{-1, 0})
	b := []float64{0}
	draws, err := SampleWhite(a, b, []float64{1, 0}, []float64{0, 1},
		Config{NDraw: 4000, Burnin: 500, Seed: 17})
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	n, p := draws.Dims()
	for i := 0; i < n; i++ {
		for j := 0; j < p; j++ {
			if v := draws.At(i, j); math.IsInf(v, 0) || math.IsNaN(v) {
				t.Fatalf("draw %d coordinate %d is %g", i, j, v)
			}
		}
	}
	assertFeasible(t, a, b, draws)
}

func TestSampleWhiteSphereKeepsRadiusAndFeasibility(t *testing.T) {
	a, b := negIdentity(3)
	start := []float64{0.8, 0.4, 1.1}
	radius := math.Sqrt(0.8*0.8 + 0.4*0.4 + 1.1*1.1)

	draws, weights, err := SampleWhiteSphere(a, b, start, []float64{1, 0, 0},
		Config{NDraw: 2000, Burnin: 500, Seed: 13})
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if len(weights) != 2000 {
		t.Fatalf("got %d weights", len(weights))
	}
	assertFeasible(t, a, b, draws)

	n, _ := draws.Dims()
	for i := 0; i < n; i++ {
		row := draws.RawRowView(i)
		r := blas64.Nrm2(blas64.Vector{N: len(row), Inc: 1, Data: row})
		if math.Abs(r-radius) > 1e-8 {
			t.Fatalf("draw %d has radius %g, want %g", i, r, radius)
		}
	}
	for i, w := range weights {
		if w <= 0 {
			t.Fatalf("nonpositive weight %g at %d", w, i)
		}
	}
}

func TestSampleWhiteSphereMixes(t *testing.T) {
	// On the quarter circle the angle should spread over (0, pi/2) instead
	// of sticking near the start.
	a, b := negIdentity(2)
	draws, _, err := SampleWhiteSphere(a, b, []float64{1, 0.05}, []float64{0, 1},
		Config{NDraw: 4000, Burnin: 1000, Seed: 29})
	if err != nil {
		t.Fatalf("sample: %v", err)
	}

	n, _ := draws.Dims()
	var meanAngle float64
	for i := 0; i < n; i++ {
		meanAngle += math.Atan2(draws.At(i, 1), draws.At(i, 0))
	}
	meanAngle /= float64(n)

	// Uniform on the quarter circle has mean angle pi/4.
	if math.Abs(meanAngle-math.Pi/4) > 0.15 {
		t.Fatalf("mean angle %g, want ~%g", meanAngle, math.Pi/4)
	}
}
