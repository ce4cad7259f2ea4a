package gibbs

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/mat"
)

// =============================================================================
// Sphere-Restricted Sampling
// =============================================================================
//
// Samples the standard Gaussian restricted to {z : Az <= b} and further
// conditioned on the sphere ||z|| = ||start||. For an isotropic reference law
// the sphere-conditional distribution is uniform on the feasible cap, so the
// walk is hit-and-run over great circles: pick a random tangent direction,
// intersect the great circle through the current point with every half-space
// (each intersection is an excluded arc, computed in closed form), and draw
// the next angle uniformly from the feasible arcs.
//
// The kernel's stationary law is exactly the sphere-conditional target, so
// the returned importance weights are uniform; they are carried so callers
// can treat sphere draws and tilted draws through one weighted interface.

// arc is a half-open excluded angular interval on [0, 2*pi).
type arc struct {
	lo, hi float64
}

// excludedArcs computes the angular intervals violating p*cos(t)+q*sin(t) <= b
// for each constraint row, already split so no interval wraps past 2*pi.
func excludedArcs(p, q, b []float64, buf []arc) []arc {
	buf = buf[:0]
	for i := range p {
		r := math.Hypot(p[i], q[i])
		if r <= b[i] {
			continue // row never binds on this circle
		}
		c := b[i] / r
		if c < -1 {
			c = -1
		}
		// Excluded where cos(t - phi) > c.
		phi := math.Atan2(q[i], p[i])
		half := math.Acos(c)
		lo, hi := phi-half, phi+half
		for lo < 0 {
			lo += 2 * math.Pi
			hi += 2 * math.Pi
		}
		if hi <= 2*math.Pi {
			buf = append(buf, arc{lo, hi})
		} else {
			buf = append(buf, arc{lo, 2 * math.Pi}, arc{0, hi - 2*math.Pi})
		}
	}
	return buf
}

// mergeArcs merges overlapping intervals in place, returning the merged
// slice sorted by lower endpoint.
func mergeArcs(arcs []arc) []arc {
	if len(arcs) < 2 {
		return arcs
	}
	sort.Slice(arcs, func(i, j int) bool { return arcs[i].lo < arcs[j].lo })
	out := arcs[:1]
	for _, a := range arcs[1:] {
		last := &out[len(out)-1]
		if a.lo <= last.hi {
			if a.hi > last.hi {
				last.hi = a.hi
			}
		} else {
			out = append(out, a)
		}
	}
	return out
}

// sampleFeasibleAngle draws an angle uniformly from the complement of the
// merged excluded arcs. Returns 0 (stay put) when the complement has no
// measure left.
func (s *walkState) sampleFeasibleAngle(merged []arc) float64 {
	var excluded float64
	for _, a := range merged {
		excluded += a.hi - a.lo
	}
	free := 2*math.Pi - excluded
	if free <= 1e-12 {
		return 0
	}

	t := s.rng.Float64() * free
	cursor := 0.0
	for _, a := range merged {
		gap := a.lo - cursor
		if t < gap {
			return cursor + t
		}
		t -= gap
		cursor = a.hi
	}
	return cursor + t
}

// SampleWhiteSphere draws from the standard Gaussian restricted to
// {z : Az <= b} and conditioned on ||z|| = ||start||. Returns the draws and
// per-draw importance weights. The direction eta receives a forced tangent
// move every cfg.HowOften steps.
func SampleWhiteSphere(A *mat.Dense, b, start, eta []float64, cfg Config) (*mat.Dense, []float64, error) {
	cfg = cfg.withDefaults()

	s, err := newWalkState(A, b, start, cfg.Seed)
	if err != nil {
		return nil, nil, err
	}

	radius := blas64.Nrm2(blas64.Vector{N: s.p, Inc: 1, Data: s.z})
	if radius <= 0 {
		// Degenerate sphere: the origin is the only point.
		out := mat.NewDense(cfg.NDraw, s.p, nil)
		return out, uniformWeights(cfg.NDraw), nil
	}

	// Work with the unit current point; scale by radius when emitting.
	u := make([]float64, s.p)
	for i, v := range s.z {
		u[i] = v / radius
	}

	tangent := make([]float64, s.p)
	au := make([]float64, s.q)
	av := make([]float64, s.q)
	pCoef := make([]float64, s.q)
	qCoef := make([]float64, s.q)
	arcBuf := make([]arc, 0, 2*s.q)

	out := mat.NewDense(cfg.NDraw, s.p, nil)
	total := cfg.Burnin + cfg.NDraw

	for i := 0; i < total; i++ {
		// Tangent direction: random (or eta on cadence), projected off u.
		if (i+1)%cfg.HowOften == 0 && s.setDir(eta) {
			copy(tangent, s.dir)
		} else {
			s.randomUnitDir()
			copy(tangent, s.dir)
		}
		if projectTangent(tangent, u) {
			s.gemv(u, au)
			s.gemv(tangent, av)
			for j := 0; j < s.q; j++ {
				pCoef[j] = radius * au[j]
				qCoef[j] = radius * av[j]
			}

			merged := mergeArcs(excludedArcs(pCoef, qCoef, s.b, arcBuf))
			theta := s.sampleFeasibleAngle(merged)

			cosT, sinT := math.Cos(theta), math.Sin(theta)
			for j := range u {
				u[j] = cosT*u[j] + sinT*tangent[j]
			}
			renormalize(u)
		}

		if i >= cfg.Burnin {
			row := out.RawRowView(i - cfg.Burnin)
			for j := range row {
				row[j] = radius * u[j]
			}
		}
	}

	return out, uniformWeights(cfg.NDraw), nil
}

// projectTangent removes the component of d along the unit vector u and
// renormalizes. Returns false when d was (numerically) parallel to u.
func projectTangent(d, u []float64) bool {
	n := len(d)
	dot := blas64.Dot(
		blas64.Vector{N: n, Inc: 1, Data: d},
		blas64.Vector{N: n, Inc: 1, Data: u})
	blas64.Axpy(-dot,
		blas64.Vector{N: n, Inc: 1, Data: u},
		blas64.Vector{N: n, Inc: 1, Data: d})
	norm := blas64.Nrm2(blas64.Vector{N: n, Inc: 1, Data: d})
	if norm <= 1e-12 {
		return false
	}
	blas64.Scal(1/norm, blas64.Vector{N: n, Inc: 1, Data: d})
	return true
}

func renormalize(u []float64) {
	v := blas64.Vector{N: len(u), Inc: 1, Data: u}
	if norm := blas64.Nrm2(v); norm > 0 {
		blas64.Scal(1/norm, v)
	}
}

func uniformWeights(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	return w
}
