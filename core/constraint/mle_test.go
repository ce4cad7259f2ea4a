package constraint

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestOneParameterMLERecoverNull(t *testing.T) {
	// Standard normal truncated to x >= 0. When the observation equals the
	// truncated null mean sqrt(2/pi), the matching tilt is theta = 0.
	a := mat.NewDense(1, 1, []float64{-1})
	s, err := New(a, []float64{0})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	y := []float64{math.Sqrt(2 / math.Pi)}
	theta, err := OneParameterMLE(s, y, []float64{1}, MLEConfig{
		NDraw:  1500,
		Burnin: 500,
		NIter:  15,
		Seed:   23,
	})
	if err != nil {
		t.Fatalf("mle: %v", err)
	}
	if math.Abs(theta) > 0.25 {
		t.Fatalf("theta = %.4f, want near 0", theta)
	}
}

func TestOneParameterMLESignTracksObservation(t *testing.T) {
	a := mat.NewDense(1, 1, []float64{-1})
	s, err := New(a, []float64{0})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	// Observation well above the null truncated mean demands a positive
	// tilt; the tilted truncated mean is monotone in theta.
	theta, err := OneParameterMLE(s, []float64{2.5}, []float64{1}, MLEConfig{
		NDraw:  1500,
		Burnin: 500,
		NIter:  15,
		Seed:   29,
	})
	if err != nil {
		t.Fatalf("mle: %v", err)
	}
	if theta < 0.5 {
		t.Fatalf("theta = %.4f, want clearly positive", theta)
	}
}

func TestOneParameterMLEStartOverride(t *testing.T) {
	a := mat.NewDense(1, 1, []float64{-1})
	s, err := New(a, []float64{0})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	// With a zero iteration budget effect (tight tolerance never reached in
	// one step from a far start), the iterate must have moved off Start
	// toward the root rather than stayed at the default start.
	theta, err := OneParameterMLE(s, []float64{math.Sqrt(2 / math.Pi)}, []float64{1}, MLEConfig{
		NDraw:    1000,
		Burnin:   500,
		NIter:    10,
		Start:    3,
		StartSet: true,
		Seed:     31,
	})
	if err != nil {
		t.Fatalf("mle: %v", err)
	}
	if theta >= 3 {
		t.Fatalf("theta = %.4f, iteration never moved from the start", theta)
	}
	if math.Abs(theta) > 0.5 {
		t.Fatalf("theta = %.4f, want near 0 from a far start", theta)
	}
}

func TestOneParameterMLELeavesSetUnchanged(t *testing.T) {
	a := mat.NewDense(1, 1, []float64{-1})
	s, err := New(a, []float64{0})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if _, err := OneParameterMLE(s, []float64{1}, []float64{1}, MLEConfig{
		NDraw:  300,
		Burnin: 300,
		NIter:  3,
		Seed:   37,
	}); err != nil {
		t.Fatalf("mle: %v", err)
	}
	if s.Mean[0] != 0 {
		t.Fatalf("caller's mean mutated to %g", s.Mean[0])
	}
}
