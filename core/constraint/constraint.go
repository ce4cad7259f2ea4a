package constraint

import (
	"errors"
	"fmt"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// =============================================================================
// Affine Constraint Sets
// =============================================================================
//
// A Set describes a polyhedron {z : Az <= b} together with the Gaussian
// reference law N(mean, covariance) being truncated to it. It is the core
// object of affine post-selection inference: slices through the polyhedron
// along a direction of interest carry an exactly known truncated-Gaussian
// law, which yields exact pivots, selection intervals, and the geometry the
// constrained samplers walk.
//
// Mean is the mean of the *reference* (untruncated) measure, not the mean of
// the resulting truncated distribution.
//
// Sets are immutable by convention after construction; derived sets
// (Conditional, Whiten, Stack) are produced functionally. The one sanctioned
// mutation is the mean of a private copy inside the MLE solver.

var (
	ErrShapeMismatch   = errors.New("inconsistent constraint shapes")
	ErrBadAlternative  = errors.New("alternative must be one of greater, less, twosided")
	ErrEmptyStack      = errors.New("stack of zero constraint sets")
	ErrNotPositiveSemi = errors.New("covariance eigendecomposition failed")
)

// DefaultFeasTol is the relative tolerance of the membership check.
const DefaultFeasTol = 1e-3

// Alternative selects the tail of a test.
type Alternative string

const (
	Greater  Alternative = "greater"
	Less     Alternative = "less"
	TwoSided Alternative = "twosided"
)

func (a Alternative) valid() bool {
	return a == Greater || a == Less || a == TwoSided
}

// Set is an affine constraint region with a Gaussian reference law.
type Set struct {
	// LinearPart is the q x p matrix A; rows are half-space normals.
	LinearPart *mat.Dense

	// Offset is the vector b of length q.
	Offset []float64

	// Covariance of the reference Gaussian, p x p symmetric PSD. May be
	// rank deficient; whitening works on the reduced eigenbasis.
	Covariance *mat.SymDense

	// Mean of the reference Gaussian.
	Mean []float64

	dim int

	// Lazily computed whitening factors; covariance never changes after
	// construction, so memoizing them is sound.
	whitenMu sync.Mutex
	sqrtCov  *mat.Dense // p x rank
	sqrtInv  *mat.Dense // rank x p
}

// New creates a constraint set truncating the standard Gaussian.
func New(linearPart *mat.Dense, offset []float64) (*Set, error) {
	return NewWithLaw(linearPart, offset, nil, nil)
}

// NewWithLaw creates a constraint set truncating N(mean, covariance).
// A nil covariance defaults to the identity, a nil mean to zero.
func NewWithLaw(linearPart *mat.Dense, offset []float64, covariance *mat.SymDense, mean []float64) (*Set, error) {
	q, p := linearPart.Dims()
	if len(offset) != q {
		return nil, fmt.Errorf("%w: %d constraint rows, %d offsets", ErrShapeMismatch, q, len(offset))
	}

	if covariance == nil {
		covariance = identitySym(p)
	} else if n := covariance.SymmetricDim(); n != p {
		return nil, fmt.Errorf("%w: dim %d, covariance %dx%d", ErrShapeMismatch, p, n, n)
	}

	if mean == nil {
		mean = make([]float64, p)
	} else if len(mean) != p {
		return nil, fmt.Errorf("%w: dim %d, mean length %d", ErrShapeMismatch, p, len(mean))
	}

	return &Set{
		LinearPart: linearPart,
		Offset:     offset,
		Covariance: covariance,
		Mean:       mean,
		dim:        p,
	}, nil
}

// Dim returns the ambient dimension p.
func (s *Set) Dim() int {
	return s.dim
}

// Contains reports feasibility of y at the default tolerance.
func (s *Set) Contains(y []float64) bool {
	return s.ContainsTol(y, DefaultFeasTol)
}

// ContainsTol checks A*y - b < tol * max|A*y - b| elementwise, the relative
// form that tolerates small boundary violations proportional to the worst
// residual magnitude.
func (s *Set) ContainsTol(y []float64, tol float64) bool {
	resid := mulVec(s.LinearPart, y)
	floats.Sub(resid, s.Offset)

	var maxAbs float64
	for _, r := range resid {
		if a := abs(r); a > maxAbs {
			maxAbs = a
		}
	}
	for _, r := range resid {
		if r >= tol*maxAbs {
			return false
		}
	}
	return true
}

// Conditional returns a set with the same inequalities whose reference law
// is the conditional law given the linear equality C*Z = d. The covariance
// shrinks by M1*pinv(M2)*M1' with M1 = Cov*C', M2 = C*M1, and the mean picks
// up the conditional shift. The offset is deliberately left unchanged: the
// derivation's offset correction vanishes in this formulation.
func (s *Set) Conditional(C *mat.Dense, d []float64) (*Set, error) {
	k, p := C.Dims()
	if p != s.dim || len(d) != k {
		return nil, fmt.Errorf("%w: conditioning on %dx%d system with %d values against dim %d",
			ErrShapeMismatch, k, p, len(d), s.dim)
	}

	var m1 mat.Dense // p x k
	m1.Mul(s.Covariance, C.T())
	var m2 mat.Dense // k x k
	m2.Mul(C, &m1)

	m2i, err := pseudoInverse(&m2)
	if err != nil {
		return nil, err
	}

	var m1m2i mat.Dense // p x k
	m1m2i.Mul(&m1, m2i)

	var deltaCov mat.Dense // p x p
	deltaCov.Mul(&m1m2i, m1.T())

	// Residual of the equality at the reference mean: C*mean - d.
	shift := mulVec(C, s.Mean)
	floats.Sub(shift, d)
	deltaMean := mulVec(&m1m2i, shift)

	newCov := mat.NewSymDense(s.dim, nil)
	for i := 0; i < s.dim; i++ {
		for j := i; j < s.dim; j++ {
			half := 0.5 * (deltaCov.At(i, j) + deltaCov.At(j, i))
			newCov.SetSym(i, j, s.Covariance.At(i, j)-half)
		}
	}

	newMean := append([]float64(nil), s.Mean...)
	floats.Sub(newMean, deltaMean)

	return NewWithLaw(s.LinearPart, s.Offset, newCov, newMean)
}

// Stack concatenates the inequality systems of several sets into one set
// with the standard Gaussian reference law. Row counts add; equality
// constraints are not representable in this path.
func Stack(sets ...*Set) (*Set, error) {
	if len(sets) == 0 {
		return nil, ErrEmptyStack
	}
	dim := sets[0].dim
	rows := 0
	for _, s := range sets {
		if s.dim != dim {
			return nil, fmt.Errorf("%w: stacking dims %d and %d", ErrShapeMismatch, dim, s.dim)
		}
		r, _ := s.LinearPart.Dims()
		rows += r
	}

	a := mat.NewDense(rows, dim, nil)
	b := make([]float64, 0, rows)
	at := 0
	for _, s := range sets {
		r, _ := s.LinearPart.Dims()
		for i := 0; i < r; i++ {
			a.SetRow(at+i, s.LinearPart.RawRowView(i))
		}
		b = append(b, s.Offset...)
		at += r
	}
	return New(a, b)
}

// withMean returns a shallow copy sharing the geometry and any cached
// whitening factors, with its own mean slice. Used by the MLE solver, which
// perturbs the mean of a private copy per Newton step.
func (s *Set) withMean(mean []float64) *Set {
	ns := &Set{
		LinearPart: s.LinearPart,
		Offset:     s.Offset,
		Covariance: s.Covariance,
		Mean:       mean,
		dim:        s.dim,
	}
	s.whitenMu.Lock()
	ns.sqrtCov, ns.sqrtInv = s.sqrtCov, s.sqrtInv
	s.whitenMu.Unlock()
	return ns
}

func identitySym(p int) *mat.SymDense {
	m := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		m.SetSym(i, i, 1)
	}
	return m
}

func mulVec(m mat.Matrix, v []float64) []float64 {
	r, _ := m.Dims()
	out := mat.NewVecDense(r, nil)
	out.MulVec(m, mat.NewVecDense(len(v), v))
	return out.RawVector().Data
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// pseudoInverse computes the Moore-Penrose inverse via thin SVD, zeroing
// singular values below the numpy-style rank cutoff.
func pseudoInverse(m *mat.Dense) (*mat.Dense, error) {
	r, c := m.Dims()

	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDThin) {
		return nil, errors.New("svd factorization failed")
	}
	values := svd.Values(nil)

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	cutoff := 0.0
	if len(values) > 0 {
		cutoff = float64(max(r, c)) * 2.220446049250313e-16 * values[0]
	}

	k := len(values)
	scaled := mat.NewDense(c, k, nil)
	for j := 0; j < k; j++ {
		inv := 0.0
		if values[j] > cutoff {
			inv = 1 / values[j]
		}
		for i := 0; i < c; i++ {
			scaled.Set(i, j, v.At(i, j)*inv)
		}
	}

	out := mat.NewDense(c, r, nil)
	out.Mul(scaled, u.T())
	return out, nil
}
