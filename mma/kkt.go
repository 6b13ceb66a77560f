// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mma

import (
	"math"

	"github.com/curioloop/distopt/comm"
	"github.com/curioloop/distopt/dvec"
)

// KKTResidual measures first-order optimality of the current iterate. The
// stationarity residual per locally owned index is
//
//	𝐫ⱼ = 𝒇′ⱼ + ∑ᵢ 𝛌ᵢ𝒈′ᵢⱼ
//
// projected against the active trust-region bounds: a component pointing
// out of the box at an active bound is feasible-by-projection and dropped.
// To the stationarity terms, one primal feasibility term 𝚖𝚊𝚡(𝒈ᵢ,0) and one
// complementary slackness term 𝛌ᵢ𝒈ᵢ are added per constraint. Returns the
// L2 and L∞ norms of the combined residual, identical on every rank.
// Collective.
func (m *MMA) KKTResidual(x, dfdx *dvec.Vector, cons []float64, dgdx []*dvec.Vector,
	lbTemp, ubTemp *dvec.Vector) (l2, linf float64, err error) {

	if err = m.checkInputs(x, dfdx, cons, dgdx, lbTemp, ubTemp); err != nil {
		return 0, 0, err
	}

	xv, df := x.Local(), dfdx.Local()
	lt, ut := lbTemp.Local(), ubTemp.Local()

	sumSq, maxAbs := 0.0, 0.0
	for j := range xv {
		r := df[j]
		for i := 0; i < m.m; i++ {
			r += m.lam[i] * dgdx[i].Local()[j]
		}
		if xv[j] <= lt[j]+boundTol && r > 0 {
			r = 0
		}
		if xv[j] >= ut[j]-boundTol && r < 0 {
			r = 0
		}
		sumSq += r * r
		maxAbs = math.Max(maxAbs, math.Abs(r))
	}

	sumSq = m.c.AllReduce(comm.Sum, sumSq)
	maxAbs = m.c.AllReduce(comm.Max, maxAbs)

	// Constraint terms are replicated, so they are folded in once after
	// the reductions rather than contributed by every rank.
	for i, g := range cons {
		fe := math.Max(g, 0)
		cs := m.lam[i] * g
		sumSq += fe*fe + cs*cs
		maxAbs = math.Max(maxAbs, math.Max(fe, math.Abs(cs)))
	}

	return math.Sqrt(sumSq), maxAbs, nil
}
