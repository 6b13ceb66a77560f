// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mma

import (
	"fmt"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/curioloop/distopt/comm"
	"github.com/curioloop/distopt/dvec"
)

func almostEqual(a, b []float64, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

// vecAlloc allocates test vectors sequentially, latching the first failure.
// The collective size check fails on every rank or none, so the latched
// state stays consistent across the group.
type vecAlloc struct {
	c   *comm.Communicator
	err error
}

func (a *vecAlloc) vec(global int, local []float64) *dvec.Vector {
	if a.err != nil {
		return nil
	}
	v, err := dvec.Allocate(a.c, global, len(local))
	if err != nil {
		a.err = err
		return nil
	}
	copy(v.Local(), local)
	return v
}

func TestSetOuterMovelimit(t *testing.T) {
	// 4 design variables on 2 ranks, movelim 0.2, x0 = 1, box [0, 2]:
	// the trust region is [0.8, 1.2] on every index.
	err := comm.Run(2, func(c *comm.Communicator) error {
		a := vecAlloc{c: c}
		x := a.vec(4, []float64{1, 1})
		lb := a.vec(4, []float64{0, 0})
		ub := a.vec(4, []float64{2, 2})
		lt := a.vec(4, []float64{0, 0})
		ut := a.vec(4, []float64{0, 0})
		if a.err != nil {
			return a.err
		}
		defer func() {
			for _, v := range []*dvec.Vector{x, lb, ub, lt, ut} {
				_ = v.Destroy()
			}
		}()

		m, err := New(4, 1, x)
		if err != nil {
			return err
		}
		defer m.Destroy()

		if err := m.SetOuterMovelimit(lb, ub, 0.2, x, lt, ut); err != nil {
			return err
		}
		switch {
		case !almostEqual(lt.Local(), []float64{0.8, 0.8}, 1e-15):
			return fmt.Errorf("lower trust bound = %v", lt.Local())
		case !almostEqual(ut.Local(), []float64{1.2, 1.2}, 1e-15):
			return fmt.Errorf("upper trust bound = %v", ut.Local())
		}

		// clipping against the global box
		copy(x.Local(), []float64{0.1, 1.9})
		if err := m.SetOuterMovelimit(lb, ub, 0.2, x, lt, ut); err != nil {
			return err
		}
		switch {
		case !almostEqual(lt.Local(), []float64{0, 1.7}, 1e-15):
			return fmt.Errorf("clipped lower trust bound = %v", lt.Local())
		case !almostEqual(ut.Local(), []float64{0.3, 2.0}, 1e-15):
			return fmt.Errorf("clipped upper trust bound = %v", ut.Local())
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestTrustRegionContainment(t *testing.T) {
	// lb <= lbTemp <= ubTemp <= ub must hold for any iterate inside the
	// box and any positive move limit.
	err := comm.Run(1, func(c *comm.Communicator) error {
		lbv := []float64{-1, 0, 0.5, 2}
		ubv := []float64{1, 0, 3.0, 8}
		xv := []float64{0, 0, 2.9, 2}

		a := vecAlloc{c: c}
		x := a.vec(4, xv)
		lb := a.vec(4, lbv)
		ub := a.vec(4, ubv)
		lt := a.vec(4, make([]float64, 4))
		ut := a.vec(4, make([]float64, 4))
		if a.err != nil {
			return a.err
		}

		m, err := New(4, 0, x)
		if err != nil {
			return err
		}
		defer m.Destroy()

		for _, movelim := range []float64{1e-6, 0.2, 5, 100} {
			if err := m.SetOuterMovelimit(lb, ub, movelim, x, lt, ut); err != nil {
				return err
			}
			for j := 0; j < 4; j++ {
				l, u := lt.Local()[j], ut.Local()[j]
				if l < lbv[j] || u > ubv[j] || l > u {
					return fmt.Errorf("movelim %g index %d: [%g,%g] outside [%g,%g]",
						movelim, j, l, u, lbv[j], ubv[j])
				}
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestUnconstrainedStationaryPoint(t *testing.T) {
	// With no constraints and a zero gradient the KKT residual is exactly
	// zero, and an update must keep the iterate inside the move limits.
	err := comm.Run(1, func(c *comm.Communicator) error {
		a := vecAlloc{c: c}
		x := a.vec(2, []float64{1, 1})
		df := a.vec(2, []float64{0, 0})
		lt := a.vec(2, []float64{0.8, 0.8})
		ut := a.vec(2, []float64{1.2, 1.2})
		if a.err != nil {
			return a.err
		}

		m, err := New(2, 0, x)
		if err != nil {
			return err
		}
		defer m.Destroy()

		if err := m.Update(x, df, nil, nil, lt, ut); err != nil {
			return err
		}
		for j, xj := range x.Local() {
			if xj < 0.8 || xj > 1.2 {
				return fmt.Errorf("index %d left the trust region: %g", j, xj)
			}
		}

		l2, linf, err := m.KKTResidual(x, df, nil, nil, lt, ut)
		if err != nil {
			return err
		}
		if l2 != 0 || linf != 0 {
			return fmt.Errorf("residual at stationary point: l2=%g linf=%g", l2, linf)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// testQP is min (x0-1)² + (x1-2)² s.t. x0+x1-2 ≤ 0 on [0,3]²,
// with minimizer (0.5, 1.5) and multiplier 1.
type testQP struct{}

func (testQP) eval(x []float64, cons []float64) float64 {
	cons[0] = x[0] + x[1] - 2
	return (x[0]-1)*(x[0]-1) + (x[1]-2)*(x[1]-2)
}

func (testQP) grad(x, df, dg []float64) {
	df[0], df[1] = 2*(x[0]-1), 2*(x[1]-2)
	dg[0], dg[1] = 1, 1
}

func TestConstrainedConvergence(t *testing.T) {
	err := comm.Run(1, func(c *comm.Communicator) error {
		var qp testQP
		a := vecAlloc{c: c}
		x := a.vec(2, []float64{1, 1})
		df := a.vec(2, []float64{0, 0})
		dg := a.vec(2, []float64{0, 0})
		lb := a.vec(2, []float64{0, 0})
		ub := a.vec(2, []float64{3, 3})
		lt := a.vec(2, []float64{0, 0})
		ut := a.vec(2, []float64{0, 0})
		if a.err != nil {
			return a.err
		}

		m, err := New(2, 1, x)
		if err != nil {
			return err
		}
		defer m.Destroy()

		cons := make([]float64, 1)
		var l2 float64
		for iter := 0; iter < 100; iter++ {
			qp.eval(x.Local(), cons)
			qp.grad(x.Local(), df.Local(), dg.Local())
			if err := m.SetOuterMovelimit(lb, ub, 0.2, x, lt, ut); err != nil {
				return err
			}
			if err := m.Update(x, df, cons, []*dvec.Vector{dg}, lt, ut); err != nil {
				return err
			}
			if l2, _, err = m.KKTResidual(x, df, cons, []*dvec.Vector{dg}, lt, ut); err != nil {
				return err
			}
		}

		switch {
		case !almostEqual(x.Local(), []float64{0.5, 1.5}, 1e-2):
			return fmt.Errorf("solution = %v, want (0.5, 1.5)", x.Local())
		case cons[0] > 1e-3:
			return fmt.Errorf("constraint violated by %g", cons[0])
		case l2 > 0.1:
			return fmt.Errorf("KKT residual did not settle: %g", l2)
		case math.Abs(m.Multipliers()[0]-1) > 0.2:
			return fmt.Errorf("multiplier = %g, want about 1", m.Multipliers()[0])
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestConvergenceFromInfeasibleStart(t *testing.T) {
	// min ∑(xⱼ-2)² s.t. (x₀+x₁)/2 - 0.25 ≤ 0 on [0,2]², started at the
	// infeasible x = 1: early subproblems clip every variable to the
	// trust-region bounds, which zeroes the dual curvature. The
	// multipliers must settle at the KKT value 7 for x = (0.25, 0.25)
	// instead of saturating at the cap.
	err := comm.Run(1, func(c *comm.Communicator) error {
		a := vecAlloc{c: c}
		x := a.vec(2, []float64{1, 1})
		df := a.vec(2, make([]float64, 2))
		dg := a.vec(2, make([]float64, 2))
		lb := a.vec(2, make([]float64, 2))
		ub := a.vec(2, []float64{2, 2})
		lt := a.vec(2, make([]float64, 2))
		ut := a.vec(2, make([]float64, 2))
		if a.err != nil {
			return a.err
		}

		m, err := New(2, 1, x)
		if err != nil {
			return err
		}
		defer m.Destroy()

		cons := make([]float64, 1)
		for iter := 0; iter < 100; iter++ {
			xv := x.Local()
			cons[0] = (xv[0]+xv[1])/2 - 0.25
			for j := range xv {
				df.Local()[j] = 2 * (xv[j] - 2)
				dg.Local()[j] = 0.5
			}
			if err := m.SetOuterMovelimit(lb, ub, 0.2, x, lt, ut); err != nil {
				return err
			}
			if err := m.Update(x, df, cons, []*dvec.Vector{dg}, lt, ut); err != nil {
				return err
			}
			if lam := m.Multipliers()[0]; lam >= lamMax {
				return fmt.Errorf("iteration %d: multiplier saturated at %g", iter, lam)
			}
		}

		switch {
		case !almostEqual(x.Local(), []float64{0.25, 0.25}, 1e-2):
			return fmt.Errorf("solution = %v, want (0.25, 0.25)", x.Local())
		case math.Abs(m.Multipliers()[0]-7) > 0.2:
			return fmt.Errorf("multiplier = %g, want about 7", m.Multipliers()[0])
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestNewtonStepDegenerateHessian(t *testing.T) {
	// An all-clipped primal zeroes the dual curvature entirely. The step
	// must fall back to plain gradient scaling instead of dividing the
	// gradient by the regularization.
	grad := []float64{0.4, -0.2}
	hess := mat.NewSymDense(2, nil)
	free := []bool{true, true}
	dLam := make([]float64, 2)
	newtonStep(grad, hess, free, dLam)
	if !almostEqual(dLam, grad, 1e-15) {
		t.Fatalf("step on a zero Hessian = %v, want the gradient %v", dLam, grad)
	}
}

func TestDistributedMatchesSerial(t *testing.T) {
	// The same problem split over 2 ranks must follow the serial run to
	// within reduction round-off.
	solve := func(ranks int) []float64 {
		final := make([]float64, 2)
		err := comm.Run(ranks, func(c *comm.Communicator) error {
			var qp testQP
			nl := 2 / ranks
			off := c.Rank() * nl

			local := func(full []float64) []float64 { return full[off : off+nl] }
			xf := []float64{1, 1}

			a := vecAlloc{c: c}
			x := a.vec(2, local(xf))
			df := a.vec(2, make([]float64, nl))
			dg := a.vec(2, make([]float64, nl))
			lb := a.vec(2, make([]float64, nl))
			ub := a.vec(2, []float64{3, 3}[off:off+nl])
			lt := a.vec(2, make([]float64, nl))
			ut := a.vec(2, make([]float64, nl))
			if a.err != nil {
				return a.err
			}

			m, err := New(2, 1, x)
			if err != nil {
				return err
			}
			defer m.Destroy()

			cons := make([]float64, 1)
			dfFull := make([]float64, 2)
			dgFull := make([]float64, 2)
			for iter := 0; iter < 40; iter++ {
				// gather the full iterate so every rank evaluates the
				// same global function
				for j := 0; j < 2; j++ {
					owner := j / nl
					v := 0.0
					if owner == c.Rank() {
						v = x.Local()[j-owner*nl]
					}
					xf[j] = c.Bcast(v, owner)
				}
				qp.eval(xf, cons)
				qp.grad(xf, dfFull, dgFull)
				copy(df.Local(), local(dfFull))
				copy(dg.Local(), local(dgFull))

				if err := m.SetOuterMovelimit(lb, ub, 0.2, x, lt, ut); err != nil {
					return err
				}
				if err := m.Update(x, df, cons, []*dvec.Vector{dg}, lt, ut); err != nil {
					return err
				}
			}
			copy(final[off:off+nl], x.Local())
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		return final
	}

	serial := solve(1)
	parallel := solve(2)
	if !almostEqual(serial, parallel, 1e-6) {
		t.Fatalf("serial %v and distributed %v runs diverged", serial, parallel)
	}
}
