package constraint

import (
	"math"

	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// =============================================================================
// Whitening Transform
// =============================================================================
//
// Maps a constraint set with covariance Sigma into a basis where the
// reference law is standard normal: eigendecompose Sigma, keep the top-rank
// eigenpairs (so rank-deficient covariances reduce dimension instead of
// failing), and push the inequality system through the square-root factor.
// Whitened rows are scaled to unit norm, which stabilizes the sampler's
// one-dimensional conditionals.
//
// The whitened set carries the constructor defaults (zero mean, identity
// covariance); downstream code treats whitened coordinates as centered.

// Whitened is a constraint set in the isotropic basis along with the change
// of basis in both directions.
type Whitened struct {
	// Set is the whitened system with unit row norms and the standard
	// Gaussian reference law on the reduced rank.
	Set *Set

	mean    []float64
	sqrtCov *mat.Dense // p x rank
	sqrtInv *mat.Dense // rank x p
}

// Rank returns the retained rank of the covariance.
func (w *Whitened) Rank() int {
	_, r := w.sqrtCov.Dims()
	return r
}

// Forward maps a point of the original space into whitened coordinates:
// sqrtInv * (v - mean).
func (w *Whitened) Forward(v []float64) []float64 {
	centered := append([]float64(nil), v...)
	floats.Sub(centered, w.mean)
	return mulVec(w.sqrtInv, centered)
}

// Inverse maps whitened coordinates back: sqrtCov * z + mean.
func (w *Whitened) Inverse(z []float64) []float64 {
	out := mulVec(w.sqrtCov, z)
	floats.Add(out, w.mean)
	return out
}

// InverseBatch applies Inverse to every row of samples, returning an
// (n x p) matrix in original coordinates.
func (w *Whitened) InverseBatch(samples *mat.Dense) *mat.Dense {
	n, _ := samples.Dims()
	p, _ := w.sqrtCov.Dims()

	out := mat.NewDense(n, p, nil)
	var tmp mat.Dense
	tmp.Mul(samples, w.sqrtCov.T())
	for i := 0; i < n; i++ {
		row := out.RawRowView(i)
		copy(row, tmp.RawRowView(i))
		floats.Add(row, w.mean)
	}
	return out
}

// Whiten returns the change of basis to an isotropic reference law together
// with the whitened constraint system. The eigendecomposition is computed
// once per Set and memoized; covariance never changes after construction.
func (s *Set) Whiten() (*Whitened, error) {
	sqrtCov, sqrtInv, err := s.whitenFactors()
	if err != nil {
		return nil, err
	}

	q, _ := s.LinearPart.Dims()
	_, rank := sqrtCov.Dims()

	var newA mat.Dense // q x rank
	newA.Mul(s.LinearPart, sqrtCov)

	// b' = b - A*mean, then scale each row and offset by the row norm.
	newB := append([]float64(nil), s.Offset...)
	floats.Sub(newB, mulVec(s.LinearPart, s.Mean))

	for i := 0; i < q; i++ {
		row := newA.RawRowView(i)
		den := blas64.Nrm2(blas64.Vector{N: rank, Inc: 1, Data: row})
		if den == 0 {
			// Row orthogonal to the range of the covariance; vacuous in
			// whitened coordinates.
			continue
		}
		floats.Scale(1/den, row)
		newB[i] /= den
	}

	wset, err := New(&newA, newB)
	if err != nil {
		return nil, err
	}

	return &Whitened{
		Set:     wset,
		mean:    append([]float64(nil), s.Mean...),
		sqrtCov: sqrtCov,
		sqrtInv: sqrtInv,
	}, nil
}

// whitenFactors computes (or returns memoized) square-root factors of the
// covariance restricted to its numeric rank.
func (s *Set) whitenFactors() (*mat.Dense, *mat.Dense, error) {
	s.whitenMu.Lock()
	defer s.whitenMu.Unlock()

	if s.sqrtCov != nil {
		return s.sqrtCov, s.sqrtInv, nil
	}

	var eig mat.EigenSym
	if !eig.Factorize(s.Covariance, true) {
		return nil, nil, ErrNotPositiveSemi
	}

	vals := eig.Values(nil) // ascending
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	p := s.dim
	maxVal := vals[p-1]
	cutoff := float64(p) * 2.220446049250313e-16 * maxVal
	rank := 0
	for _, v := range vals {
		if v > cutoff {
			rank++
		}
	}
	if rank == 0 {
		rank = 1 // zero covariance degenerates to a single flat direction
	}

	sqrtCov := mat.NewDense(p, rank, nil)
	sqrtInv := mat.NewDense(rank, p, nil)
	for j := 0; j < rank; j++ {
		col := p - rank + j // top eigenpairs sit at the end in ascending order
		d := math.Sqrt(math.Max(vals[col], 0))
		for i := 0; i < p; i++ {
			u := vecs.At(i, col)
			sqrtCov.Set(i, j, u*d)
			if d > 0 {
				sqrtInv.Set(j, i, u/d)
			}
		}
	}

	s.sqrtCov, s.sqrtInv = sqrtCov, sqrtInv
	return sqrtCov, sqrtInv, nil
}
