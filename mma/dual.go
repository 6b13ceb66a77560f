// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mma

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/distopt/comm"
	"github.com/curioloop/distopt/dvec"
)

// dualSolve maximizes the concave dual of the separable subproblem over
// 𝛌 ≥ 0 with a projected Newton iteration and writes the corresponding
// primal minimizer into x.
//
// For fixed 𝛌 the primal minimizer is available per index in closed form:
// with 𝗉ⱼ = 𝗉₀ⱼ + ∑𝛌ᵢ𝗉ᵢⱼ and 𝗊ⱼ = 𝗊₀ⱼ + ∑𝛌ᵢ𝗊ᵢⱼ,
//
//	𝐱ⱼ(𝛌) = (𝐋ⱼ√𝗉ⱼ + 𝐔ⱼ√𝗊ⱼ) / (√𝗉ⱼ + √𝗊ⱼ)  clipped to [𝛂ⱼ, 𝛃ⱼ]
//
// The dual gradient is the approximated constraint value 𝒈̃ᵢ(𝐱(𝛌)) and the
// dual Hessian over the strictly interior indices is
//
//	𝐇ᵢⱼ = -∑ₖ 𝐆ᵢₖ𝐆ⱼₖ / 𝛗″ₖ     𝐆ᵢₖ = 𝗉ᵢₖ/(𝐔ₖ-𝐱ₖ)² - 𝗊ᵢₖ/(𝐱ₖ-𝐋ₖ)²
//
// with 𝛗″ₖ = 2𝗉ₖ/(𝐔ₖ-𝐱ₖ)³ + 2𝗊ₖ/(𝐱ₖ-𝐋ₖ)³. Both are accumulated locally
// and folded with global reductions, so every rank runs the identical
// Newton iteration and the collective call counts match by construction.
func (m *MMA) dualSolve(x *dvec.Vector) error {
	m.primalAt(x)
	if m.m == 0 {
		return nil
	}

	mm := m.m
	grad := make([]float64, mm)
	hess := mat.NewSymDense(mm, nil)
	free := make([]bool, mm)
	dLam := make([]float64, mm)

	// Best multipliers seen, by projected gradient. When the iteration
	// budget runs out they are restored, so an overshooting final step is
	// never handed back as the subproblem solution.
	best := make([]float64, mm)
	bestPG := math.Inf(1)

	for it := 0; it < dualIter; it++ {
		m.dualGradHess(x, grad, hess)

		// Projected gradient: a multiplier pinned at a bound only counts
		// when its gradient pushes it inside.
		pg := 0.0
		for i, g := range grad {
			switch {
			case m.lam[i] <= 0 && g < 0:
			case m.lam[i] >= lamMax && g > 0:
			default:
				pg = math.Max(pg, math.Abs(g))
			}
			free[i] = m.lam[i] > 0 || g > 0
		}
		if pg < bestPG {
			bestPG = pg
			copy(best, m.lam)
		}
		if pg <= dualTol {
			return nil
		}

		newtonStep(grad, hess, free, dLam)
		for i := range m.lam {
			if free[i] {
				m.lam[i] = math.Min(math.Max(m.lam[i]+dLam[i], 0), lamMax)
			} else {
				m.lam[i] = 0
			}
		}
		m.primalAt(x)
	}

	copy(m.lam, best)
	m.primalAt(x)
	return nil
}

// primalAt writes the closed-form subproblem minimizer for the current
// multipliers into x.
func (m *MMA) primalAt(x *dvec.Vector) {
	xv := x.Local()
	lo, up := m.low.Local(), m.upp.Local()
	al, be := m.alpha.Local(), m.beta.Local()
	p0, q0 := m.p0.Local(), m.q0.Local()

	for j := range xv {
		p, q := p0[j], q0[j]
		for i := 0; i < m.m; i++ {
			p += m.lam[i] * m.pij[i].Local()[j]
			q += m.lam[i] * m.qij[i].Local()[j]
		}
		sp, sq := math.Sqrt(p), math.Sqrt(q)
		xj := (lo[j]*sp + up[j]*sq) / (sp + sq)
		xv[j] = math.Min(math.Max(xj, al[j]), be[j])
	}
}

// dualGradHess accumulates the dual gradient and (negated, positive
// semidefinite) Hessian at the current primal point. Collective: one
// reduction per gradient entry plus one per Hessian entry on the lower
// triangle, in the same order on every rank.
func (m *MMA) dualGradHess(x *dvec.Vector, grad []float64, hess *mat.SymDense) {
	xv := x.Local()
	lo, up := m.low.Local(), m.upp.Local()
	al, be := m.alpha.Local(), m.beta.Local()
	p0, q0 := m.p0.Local(), m.q0.Local()
	mm := m.m

	// G and 1/φ″ per local index
	g := make([][]float64, mm)
	for i := range g {
		g[i] = make([]float64, len(xv))
	}
	curv := make([]float64, len(xv))
	for j := range xv {
		uxj := up[j] - xv[j]
		xlj := xv[j] - lo[j]
		p, q := p0[j], q0[j]
		for i := 0; i < mm; i++ {
			pi, qi := m.pij[i].Local()[j], m.qij[i].Local()[j]
			p += m.lam[i] * pi
			q += m.lam[i] * qi
			g[i][j] = pi/(uxj*uxj) - qi/(xlj*xlj)
		}
		if xv[j] > al[j]+boundTol && xv[j] < be[j]-boundTol {
			curv[j] = 1 / (2*p/(uxj*uxj*uxj) + 2*q/(xlj*xlj*xlj))
		}
	}

	for i := 0; i < mm; i++ {
		sum := 0.0
		pi, qi := m.pij[i].Local(), m.qij[i].Local()
		for j := range xv {
			sum += pi[j]/(up[j]-xv[j]) + qi[j]/(xv[j]-lo[j])
		}
		grad[i] = m.c.AllReduce(comm.Sum, sum) - m.b[i]
	}

	for i := 0; i < mm; i++ {
		for k := 0; k <= i; k++ {
			sum := 0.0
			for j := range xv {
				sum += g[i][j] * g[k][j] * curv[j]
			}
			hess.SetSym(i, k, m.c.AllReduce(comm.Sum, sum))
		}
	}
}

// newtonStep solves 𝐇𝐝 = ∇W over the free multipliers. The Hessian is
// regularized and factorized with a Cholesky decomposition. A primal with
// every variable clipped to [𝛂, 𝛃] has zero dual curvature, and Newton on
// the regularized matrix would divide the gradient by the regularization;
// that case, and a failed factorization, fall back to a diagonally scaled
// gradient step instead.
func newtonStep(grad []float64, hess *mat.SymDense, free []bool, dLam []float64) {
	var idx []int
	for i, f := range free {
		if f {
			idx = append(idx, i)
		}
	}
	for i := range dLam {
		dLam[i] = 0
	}
	if len(idx) == 0 {
		return
	}

	scale := 0.0
	for _, i := range idx {
		scale = math.Max(scale, math.Abs(hess.At(i, i)))
	}
	reg := 1e-12 * scale

	if scale > 0 {
		nf := len(idx)
		sub := mat.NewSymDense(nf, nil)
		rhs := mat.NewVecDense(nf, nil)
		for a, i := range idx {
			for b := 0; b <= a; b++ {
				sub.SetSym(a, b, hess.At(i, idx[b]))
			}
			sub.SetSym(a, a, sub.At(a, a)+reg)
			rhs.SetVec(a, grad[i])
		}
		var chol mat.Cholesky
		if chol.Factorize(sub) {
			var d mat.VecDense
			if err := chol.SolveVecTo(&d, rhs); err == nil {
				for a, i := range idx {
					dLam[i] = d.AtVec(a)
				}
				return
			}
		}
	}

	for _, i := range idx {
		h := hess.At(i, i)
		if h <= reg {
			h = math.Max(scale, 1)
		}
		dLam[i] = grad[i] / h
	}
}
