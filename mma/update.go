// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mma

import (
	"errors"
	"fmt"
	"math"

	"github.com/curioloop/distopt/comm"
	"github.com/curioloop/distopt/dvec"
)

// Update advances the iterate in place: it moves the asymptotes, builds
// the separable approximation at x from the objective gradient dfdx, the
// constraint values cons and the constraint gradients dgdx, solves the
// convex subproblem through its dual, and writes the subproblem minimizer
// back into x. The step is confined to [lbTemp, ubTemp]. Collective.
func (m *MMA) Update(x, dfdx *dvec.Vector, cons []float64, dgdx []*dvec.Vector,
	lbTemp, ubTemp *dvec.Vector) error {

	if err := m.checkInputs(x, dfdx, cons, dgdx, lbTemp, ubTemp); err != nil {
		return err
	}

	m.moveAsymptotes(x, lbTemp, ubTemp)
	m.approximate(x, dfdx, cons, dgdx)

	// Remember the two previous iterates for the oscillation test,
	// then replace x with the subproblem minimizer.
	_ = m.xo1.Copy(m.xo2)
	_ = x.Copy(m.xo1)

	if err := m.dualSolve(x); err != nil {
		return err
	}

	m.iter++
	return nil
}

func (m *MMA) checkInputs(x, dfdx *dvec.Vector, cons []float64,
	dgdx []*dvec.Vector, lbTemp, ubTemp *dvec.Vector) (err error) {
	switch {
	case x == nil || dfdx == nil || lbTemp == nil || ubTemp == nil:
		err = errors.New("mma: nil vector argument")
	case len(cons) != m.m || len(dgdx) != m.m:
		err = fmt.Errorf("mma: got %d constraint values and %d gradients, want %d",
			len(cons), len(dgdx), m.m)
	case x.LocalSize() != m.nl || dfdx.LocalSize() != m.nl ||
		lbTemp.LocalSize() != m.nl || ubTemp.LocalSize() != m.nl:
		err = errors.New("mma: vector local sizes do not match solver")
	}
	for _, gi := range dgdx {
		if err != nil {
			break
		}
		if gi == nil || gi.LocalSize() != m.nl {
			err = errors.New("mma: constraint gradient local size does not match solver")
		}
	}
	return
}

// moveAsymptotes updates 𝐋 and 𝐔. The first two iterations place them a
// fixed fraction of the box width away from x; afterwards each asymptote
// is tightened when the variable oscillates between iterations and
// relaxed when it moves monotonically, then clamped to stay a sane
// distance from x:
//
//	𝛄ⱼ = 0.7 if (𝐱ⱼ-𝐱ⱼᵒ¹)(𝐱ⱼᵒ¹-𝐱ⱼᵒ²) < 0, 1.2 if > 0, 1 otherwise
//	𝐋ⱼ = 𝐱ⱼ - 𝛄ⱼ(𝐱ⱼᵒ¹ - 𝐋ⱼ)    𝐔ⱼ = 𝐱ⱼ + 𝛄ⱼ(𝐔ⱼ - 𝐱ⱼᵒ¹)
//
// The subproblem bounds 𝛂, 𝛃 are the move limits pulled a margin inside
// the asymptotes.
func (m *MMA) moveAsymptotes(x, lbTemp, ubTemp *dvec.Vector) {
	xv := x.Local()
	lt, ut := lbTemp.Local(), ubTemp.Local()
	lo, up := m.low.Local(), m.upp.Local()
	x1, x2 := m.xo1.Local(), m.xo2.Local()
	al, be := m.alpha.Local(), m.beta.Local()

	if m.iter < 2 {
		for j := range xv {
			w := ut[j] - lt[j]
			lo[j] = xv[j] - asymInit*w
			up[j] = xv[j] + asymInit*w
		}
	} else {
		for j := range xv {
			gamma := 1.0
			if t := (xv[j] - x1[j]) * (x1[j] - x2[j]); t < 0 {
				gamma = asymDecr
			} else if t > 0 {
				gamma = asymIncr
			}
			lo[j] = xv[j] - gamma*(x1[j]-lo[j])
			up[j] = xv[j] + gamma*(up[j]-x1[j])

			w := math.Max(xmamiEps, ut[j]-lt[j])
			lo[j] = math.Min(math.Max(lo[j], xv[j]-10*w), xv[j]-0.01*w)
			up[j] = math.Max(math.Min(up[j], xv[j]+10*w), xv[j]+0.01*w)
		}
	}

	for j := range xv {
		al[j] = math.Max(lt[j], lo[j]+albefa*(xv[j]-lo[j]))
		be[j] = math.Min(ut[j], up[j]-albefa*(up[j]-xv[j]))
	}
}

// approximate builds the separable convex approximation at x:
//
//	𝗉₀ⱼ = (𝐔ⱼ-𝐱ⱼ)² (𝚖𝚊𝚡(𝒇′ⱼ,0) + 0.001|𝒇′ⱼ| + 𝛒/(𝐔ⱼ-𝐋ⱼ))
//	𝗊₀ⱼ = (𝐱ⱼ-𝐋ⱼ)² (𝚖𝚊𝚡(-𝒇′ⱼ,0) + 0.001|𝒇′ⱼ| + 𝛒/(𝐔ⱼ-𝐋ⱼ))
//	𝗉ᵢⱼ = (𝐔ⱼ-𝐱ⱼ)² 𝚖𝚊𝚡(𝒈′ᵢⱼ,0)      𝗊ᵢⱼ = (𝐱ⱼ-𝐋ⱼ)² 𝚖𝚊𝚡(-𝒈′ᵢⱼ,0)
//	𝗯ᵢ = ∑ⱼ ( 𝗉ᵢⱼ/(𝐔ⱼ-𝐱ⱼ) + 𝗊ᵢⱼ/(𝐱ⱼ-𝐋ⱼ) ) - 𝒈ᵢ(𝐱)
//
// where the 𝛒 term keeps the objective approximation strictly convex.
// The 𝗯ᵢ sums run over all ranks, one reduction per constraint.
func (m *MMA) approximate(x, dfdx *dvec.Vector, cons []float64, dgdx []*dvec.Vector) {
	xv, df := x.Local(), dfdx.Local()
	lo, up := m.low.Local(), m.upp.Local()
	p0, q0 := m.p0.Local(), m.q0.Local()

	for j := range xv {
		uxj := up[j] - xv[j]
		xlj := xv[j] - lo[j]
		rho := 0.5 * rhoEps / (up[j] - lo[j])
		reg := 0.001*math.Abs(df[j]) + rho
		p0[j] = uxj * uxj * (math.Max(df[j], 0) + reg)
		q0[j] = xlj * xlj * (math.Max(-df[j], 0) + reg)
	}

	for i := 0; i < m.m; i++ {
		dg := dgdx[i].Local()
		pi, qi := m.pij[i].Local(), m.qij[i].Local()
		sum := 0.0
		for j := range xv {
			uxj := up[j] - xv[j]
			xlj := xv[j] - lo[j]
			pi[j] = uxj * uxj * math.Max(dg[j], 0)
			qi[j] = xlj * xlj * math.Max(-dg[j], 0)
			sum += pi[j]/uxj + qi[j]/xlj
		}
		m.b[i] = m.c.AllReduce(comm.Sum, sum) - cons[i]
	}
}
