package gibbs

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/mat"

	"github.com/adalundhe/selectinf/core/truncnorm"
)

// =============================================================================
// White-Basis Constrained Gaussian Sampler
// =============================================================================
//
// Samples a standard Gaussian restricted to a polyhedron {z : Az <= b}. The
// caller is expected to have whitened the geometry first, so the reference
// law is isotropic and every one-dimensional conditional is a truncated
// standard normal, invertible in closed form.
//
// The kernel is a hit-and-run Gibbs scan: each step picks a direction (a
// fresh random unit vector, optionally one of the constraint rows, and
// periodically the caller's direction of interest), computes the exact
// feasible segment along that direction, and resamples the coordinate from
// its truncated conditional. QxP work per step is a single blas64 Gemv.

var ErrDimMismatch = errors.New("dimension mismatch between system and starting point")

// tolerance for deciding the sign of a directional sensitivity.
const dirTol = 1e-12

// Config controls a sampling run. Zero values are replaced by defaults in
// the entry points.
type Config struct {
	// NDraw is the number of retained draws. Default 1000.
	NDraw int

	// Burnin is the number of discarded warm-up steps. Default 1000.
	Burnin int

	// HowOften is the cadence (in steps) of forced moves along the
	// direction of interest. Non-positive disables forced moves
	// (equivalently a cadence of NDraw+Burnin).
	HowOften int

	// UseConstraintDirections mixes the rows of A into the direction pool,
	// which accelerates mixing when the polyhedron is a sharp cone.
	UseConstraintDirections bool

	// Seed for the RNG. 0 = current time.
	Seed int64
}

func (c Config) withDefaults() Config {
	if c.NDraw <= 0 {
		c.NDraw = 1000
	}
	if c.Burnin <= 0 {
		c.Burnin = 1000
	}
	if c.HowOften <= 0 {
		c.HowOften = c.NDraw + c.Burnin
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c
}

type walkState struct {
	q, p int

	a   blas64.General // q x p constraint matrix
	b   []float64
	z   []float64 // current point
	az  []float64 // A @ z, maintained incrementally
	ad  []float64 // A @ direction, scratch
	dir []float64 // current direction, scratch

	rng *rand.Rand
}

func newWalkState(A *mat.Dense, b, start []float64, seed int64) (*walkState, error) {
	q, p := A.Dims()
	if len(b) != q || len(start) != p {
		return nil, fmt.Errorf("%w: A is %dx%d, b has %d, start has %d",
			ErrDimMismatch, q, p, len(b), len(start))
	}

	s := &walkState{
		q:   q,
		p:   p,
		a:   A.RawMatrix(),
		b:   b,
		z:   append([]float64(nil), start...),
		az:  make([]float64, q),
		ad:  make([]float64, q),
		dir: make([]float64, p),
		rng: rand.New(rand.NewSource(seed)),
	}
	s.gemv(s.z, s.az)

	// An infeasible start is advisory only: the first binding step moves the
	// chain back inside, so sampling proceeds regardless.
	for i := 0; i < q; i++ {
		if s.az[i]-b[i] > 1e-7*(1+math.Abs(b[i])) {
			slog.Warn("constraints not satisfied at starting point",
				slog.Int("row", i),
				slog.Float64("residual", s.az[i]-b[i]))
			break
		}
	}
	return s, nil
}

func (s *walkState) gemv(x, out []float64) {
	blas64.Gemv(blas.NoTrans, 1.0, s.a,
		blas64.Vector{N: s.p, Inc: 1, Data: x},
		0.0,
		blas64.Vector{N: s.q, Inc: 1, Data: out})
}

// randomUnitDir fills s.dir with a uniform random unit vector.
func (s *walkState) randomUnitDir() {
	for {
		var norm float64
		for i := range s.dir {
			g := s.rng.NormFloat64()
			s.dir[i] = g
			norm += g * g
		}
		if norm > 1e-24 {
			scale := 1 / math.Sqrt(norm)
			blas64.Scal(scale, blas64.Vector{N: s.p, Inc: 1, Data: s.dir})
			return
		}
	}
}

// setDir loads d into the scratch direction, normalized. Returns false for a
// zero vector.
func (s *walkState) setDir(d []float64) bool {
	copy(s.dir, d)
	v := blas64.Vector{N: s.p, Inc: 1, Data: s.dir}
	norm := blas64.Nrm2(v)
	if norm <= 1e-24 {
		return false
	}
	blas64.Scal(1/norm, v)
	return true
}

// step resamples the coordinate of z along s.dir from its truncated
// standard-normal conditional.
func (s *walkState) step() {
	s.gemv(s.dir, s.ad)
	s0 := blas64.Dot(
		blas64.Vector{N: s.p, Inc: 1, Data: s.z},
		blas64.Vector{N: s.p, Inc: 1, Data: s.dir})

	lower, upper := math.Inf(-1), math.Inf(1)
	for i := 0; i < s.q; i++ {
		ad := s.ad[i]
		resid := s.b[i] - s.az[i] // >= 0 up to tolerance
		switch {
		case ad > dirTol:
			if u := s0 + resid/ad; u < upper {
				upper = u
			}
		case ad < -dirTol:
			if l := s0 + resid/ad; l > lower {
				lower = l
			}
		}
	}
	if lower > upper {
		// Numerical corner: the feasible segment collapsed. Stay put.
		return
	}

	// Float64 can return exactly 0, whose quantile on a half-open segment is
	// infinite; so can deep-tail rounding inside the inversion. Redraw the
	// uniform and keep the chain at finite points.
	u := s.rng.Float64()
	for u == 0 {
		u = s.rng.Float64()
	}
	tg := truncnorm.Gaussian{Lower: lower, Upper: upper, Sigma: 1}
	snew := tg.Quantile(0, u)
	if math.IsInf(snew, 0) || math.IsNaN(snew) {
		return
	}
	if snew < lower {
		snew = lower
	}
	if snew > upper {
		snew = upper
	}

	delta := snew - s0
	blas64.Axpy(delta,
		blas64.Vector{N: s.p, Inc: 1, Data: s.dir},
		blas64.Vector{N: s.p, Inc: 1, Data: s.z})
	blas64.Axpy(delta,
		blas64.Vector{N: s.q, Inc: 1, Data: s.ad},
		blas64.Vector{N: s.q, Inc: 1, Data: s.az})
}

// SampleWhite draws from a standard Gaussian restricted to {z : Az <= b},
// starting at start. An infeasible start is warned, not rejected; the walk
// re-enters the polyhedron on its first binding move. The direction eta
// receives a forced move every cfg.HowOften steps. The result has cfg.NDraw
// rows of dimension equal to the system's column count; every row satisfies
// the constraint system within tolerance.
func SampleWhite(A *mat.Dense, b, start, eta []float64, cfg Config) (*mat.Dense, error) {
	cfg = cfg.withDefaults()

	s, err := newWalkState(A, b, start, cfg.Seed)
	if err != nil {
		return nil, err
	}

	out := mat.NewDense(cfg.NDraw, s.p, nil)
	total := cfg.Burnin + cfg.NDraw
	for i := 0; i < total; i++ {
		switch {
		case (i+1)%cfg.HowOften == 0 && s.setDir(eta):
		case cfg.UseConstraintDirections && s.q > 0 && s.rng.Intn(2) == 0:
			row := s.rng.Intn(s.q)
			if !s.setDir(s.a.Data[row*s.a.Stride : row*s.a.Stride+s.p]) {
				s.randomUnitDir()
			}
		default:
			s.randomUnitDir()
		}
		s.step()

		if i >= cfg.Burnin {
			out.SetRow(i-cfg.Burnin, s.z)
		}
	}
	return out, nil
}
