// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mma implements the Method of Moving Asymptotes of Svanberg for
// inequality constrained nonlinear programs
//
//	minimize 𝒇(𝐱) subject to
//	  - inequality constraints: 𝒈ᵢ(𝐱) ≤ 0  (i = 1 ··· m)
//	  - boundaries: 𝒍ⱼ ≤ 𝐱ⱼ ≤ 𝒖ⱼ (j = 1 ··· n)
//
// where the design vector 𝐱 is distributed across the ranks of a
// communicator. Each outer iteration replaces 𝒇 and 𝒈 by separable convex
// approximations built from moving asymptotes 𝐋 < 𝐱 < 𝐔
//
//	𝒇̃(𝐱) = ∑ⱼ ( 𝗉₀ⱼ/(𝐔ⱼ-𝐱ⱼ) + 𝗊₀ⱼ/(𝐱ⱼ-𝐋ⱼ) )
//	𝒈̃ᵢ(𝐱) = ∑ⱼ ( 𝗉ᵢⱼ/(𝐔ⱼ-𝐱ⱼ) + 𝗊ᵢⱼ/(𝐱ⱼ-𝐋ⱼ) ) - 𝗯ᵢ
//
// and solves the convex subproblem through its dual: the primal minimizer
// for fixed multipliers 𝛌 is available in closed form per index, and the
// concave dual is maximized over 𝛌 ≥ 0 with a projected Newton iteration.
//
// All gradient and Hessian accumulations over design indices are global
// reductions on the communicator, so Update and KKTResidual are collective
// operations: every rank must call them in lockstep.
//
// Reference: K. Svanberg, "The method of moving asymptotes - a new method
// for structural optimization", Int. J. Numer. Meth. Engng. 24 (1987).
package mma

import (
	"errors"
	"fmt"

	"github.com/curioloop/distopt/comm"
	"github.com/curioloop/distopt/dvec"
)

const (
	asymInit = 0.5 // initial asymptote distance, fraction of the box width
	asymIncr = 1.2 // asymptote relaxation on monotone oscillation sign
	asymDecr = 0.7 // asymptote tightening on alternating sign
	albefa   = 0.1 // margin keeping the subproblem bounds off the asymptotes
	xmamiEps = 1e-5
	rhoEps   = 1e-6  // strict convexity floor for the approximation
	lamMax   = 1e5   // cap on the dual multipliers
	dualTol  = 1e-9  // projected dual gradient tolerance
	dualIter = 100   // Newton iteration budget for the dual
	boundTol = 1e-12 // activity tolerance for bound projection
)

// MMA is a stateful per-run subproblem solver. The asymptotes and the two
// previous iterates persist across Update calls; everything else is
// rebuilt each iteration.
type MMA struct {
	n, m int // global variable count, constraint count
	nl   int // locally owned variable count
	c    *comm.Communicator

	iter int
	lam  []float64 // current multipliers, replicated on every rank

	// distributed state shaped like x
	xo1, xo2    *dvec.Vector // previous two iterates
	low, upp    *dvec.Vector // moving asymptotes
	alpha, beta *dvec.Vector // subproblem bounds
	p0, q0      *dvec.Vector // objective approximation coefficients
	pij, qij    []*dvec.Vector

	b []float64 // approximation right-hand side, replicated
}

// New creates an MMA solver for a run with the given global variable
// count and constraint count, seeded by the initial iterate x. Collective:
// all ranks must construct with consistent sizes.
func New(nvars, ncons int, x *dvec.Vector) (m *MMA, err error) {
	switch {
	case x == nil:
		err = errors.New("mma: initial iterate is required")
	case nvars <= 0:
		err = errors.New("mma: variable count must be positive")
	case ncons < 0:
		err = errors.New("mma: constraint count must not be negative")
	case x.Global() != nvars:
		err = fmt.Errorf("mma: iterate global size %d does not match %d", x.Global(), nvars)
	}
	if err != nil {
		return nil, err
	}

	c, nl := x.Comm(), x.LocalSize()
	m = &MMA{
		n: nvars, m: ncons, nl: nl, c: c,
		lam: make([]float64, ncons),
		b:   make([]float64, ncons),
		pij: make([]*dvec.Vector, ncons),
		qij: make([]*dvec.Vector, ncons),
	}

	alloc := func(dst **dvec.Vector) {
		if err != nil {
			return
		}
		*dst, err = dvec.Allocate(c, nvars, nl)
	}
	alloc(&m.xo1)
	alloc(&m.xo2)
	alloc(&m.low)
	alloc(&m.upp)
	alloc(&m.alpha)
	alloc(&m.beta)
	alloc(&m.p0)
	alloc(&m.q0)
	for i := 0; i < ncons; i++ {
		alloc(&m.pij[i])
		alloc(&m.qij[i])
	}
	if err != nil {
		m.Destroy()
		return nil, err
	}

	_ = x.Copy(m.xo1)
	_ = x.Copy(m.xo2)
	return m, nil
}

// Destroy releases the solver's distributed state. Safe to call on a
// partially constructed solver; each handle is released at most once.
func (m *MMA) Destroy() {
	release := func(v **dvec.Vector) {
		if *v != nil {
			_ = (*v).Destroy()
			*v = nil
		}
	}
	for i := len(m.pij) - 1; i >= 0; i-- {
		release(&m.pij[i])
		release(&m.qij[i])
	}
	release(&m.q0)
	release(&m.p0)
	release(&m.beta)
	release(&m.alpha)
	release(&m.upp)
	release(&m.low)
	release(&m.xo2)
	release(&m.xo1)
}

// Multipliers returns the dual multipliers of the latest Update,
// one per constraint.
func (m *MMA) Multipliers() []float64 { return m.lam }

// SetOuterMovelimit intersects the global box [lb,ub] with a symmetric
// move limit of half-width movelim around the current iterate:
//
//	𝐥ᵗⱼ = 𝚖𝚊𝚡(𝒍ⱼ, 𝐱ⱼ - 𝚖𝚘𝚟𝚎𝚕𝚒𝚖)
//	𝐮ᵗⱼ = 𝚖𝚒𝚗(𝒖ⱼ, 𝐱ⱼ + 𝚖𝚘𝚟𝚎𝚕𝚒𝚖)
//
// The result bounds how far one subproblem step may move each variable.
// lb and ub are never written.
func (m *MMA) SetOuterMovelimit(lb, ub *dvec.Vector, movelim float64,
	x, lbTemp, ubTemp *dvec.Vector) error {

	xv, lv, uv := x.Local(), lb.Local(), ub.Local()
	lt, ut := lbTemp.Local(), ubTemp.Local()
	if len(xv) != m.nl || len(lv) != m.nl || len(uv) != m.nl ||
		len(lt) != m.nl || len(ut) != m.nl {
		return errors.New("mma: move limit vectors do not match local size")
	}
	if movelim <= 0 {
		return fmt.Errorf("mma: move limit must be positive, got %g", movelim)
	}
	for j := range xv {
		lt[j] = max(lv[j], xv[j]-movelim)
		ut[j] = min(uv[j], xv[j]+movelim)
	}
	return nil
}
