// Package graddiff verifies the analytic gradients of a driver.Problem
// against finite differences of its value evaluation.
//
// The check perturbs one design variable at a time. Because objective and
// constraint evaluations are collective, every rank participates in every
// perturbation, including those of indices it does not own: the owning
// rank bumps its local entry, all ranks evaluate, and the owner compares
// the difference quotient with its analytic entry. The worst errors are
// folded over the group at the end, so every rank reports the same Report.
package graddiff

import (
	"errors"
	"math"

	"github.com/curioloop/distopt/comm"
	"github.com/curioloop/distopt/driver"
)

var sqrtEps = math.Sqrt(math.Nextafter(1, 2) - 1)
var cubeEps = math.Pow(math.Nextafter(1, 2)-1, float64(1)/3)

type Method int

const (
	// Forward use the first order accuracy forward difference.
	Forward Method = iota
	// Central use central difference where both one-sided points stay in
	// bounds and fall back to a one-sided difference near the boundary.
	Central
)

// Options tune the difference scheme.
type Options struct {
	Method Method
	// Relative step size used to compute the absolute step as
	// h = RelStep * sign(x) * abs(x). When zero an automatic step
	// h = eps^(1/2 or 1/3) * sign(x) * max(1, abs(x)) is used.
	RelStep float64
	// Absolute step size. Takes precedence over RelStep when non-zero.
	AbsStep float64
}

// Report summarizes the worst disagreement found, identical on all ranks.
type Report struct {
	// Largest absolute and relative error over the objective gradient.
	ObjMaxAbs, ObjMaxRel float64
	// Largest absolute and relative error over all constraint gradients.
	ConMaxAbs, ConMaxRel float64
	// Number of EvalObjCon calls spent, per rank.
	Evaluations int
}

// Ok reports whether every gradient entry agreed within tol, measured as
// absolute or relative error, whichever is more forgiving.
func (r *Report) Ok(tol float64) bool {
	return (r.ObjMaxAbs <= tol || r.ObjMaxRel <= tol) &&
		(r.ConMaxAbs <= tol || r.ConMaxRel <= tol)
}

// step computes the difference step for one entry, shrunk to stay inside
// [lb, ub] and widened to the representable spacing at x.
func step(x, lb, ub float64, opts *Options) (h float64, backward bool) {
	eps := sqrtEps
	if opts.Method == Central {
		eps = cubeEps
	}
	switch {
	case opts.AbsStep != 0:
		h = opts.AbsStep
	case opts.RelStep != 0:
		h = math.Copysign(opts.RelStep, x) * math.Abs(x)
	}
	if h == 0 || (x+h)-x == 0 {
		h = math.Copysign(eps, x) * math.Max(1, math.Abs(x))
	}
	h = math.Abs(h)
	if room := (ub - lb) / 4; room > 0 && h > room {
		h = room
	}
	if x+h > ub {
		backward = true
	}
	return h, backward
}

// Check evaluates the problem's analytic gradients at its initial design
// and compares every entry with a finite difference. Collective: all ranks
// of the problem's communicator must call it together.
func Check(p driver.Problem, opts *Options) (*Report, error) {
	if opts == nil {
		opts = &Options{Method: Central}
	}
	if opts.Method != Forward && opts.Method != Central {
		return nil, errors.New("graddiff: unknown method")
	}

	c := p.Comm()
	nl, ncons := p.NumVarsLocal(), p.NumCons()

	x := make([]float64, nl)
	lb := make([]float64, nl)
	ub := make([]float64, nl)
	g := make([]float64, nl)
	gcon := make([]float64, ncons*nl)
	cons := make([]float64, ncons)
	consA := make([]float64, ncons)
	consB := make([]float64, ncons)

	p.VarsAndBounds(x, lb, ub)

	f0, err := p.EvalObjCon(x, cons)
	if err != nil {
		return nil, err
	}
	if err := p.EvalObjConGrad(x, g, gcon); err != nil {
		return nil, err
	}

	rep := &Report{Evaluations: 1}
	record := func(got, want float64, obj bool) {
		abs := math.Abs(got - want)
		rel := abs / math.Max(math.Abs(want), 1)
		if obj {
			rep.ObjMaxAbs = math.Max(rep.ObjMaxAbs, abs)
			rep.ObjMaxRel = math.Max(rep.ObjMaxRel, rel)
		} else {
			rep.ConMaxAbs = math.Max(rep.ConMaxAbs, abs)
			rep.ConMaxRel = math.Max(rep.ConMaxRel, rel)
		}
	}

	// One pass per rank: the group walks rank r's local indices together
	// so that evaluation call counts stay matched.
	for r := 0; r < c.Size(); r++ {
		owner := c.Rank() == r
		nr := int(c.Bcast(float64(nl), r))
		for j := 0; j < nr; j++ {
			var h float64
			var backward bool
			var x0 float64
			if owner {
				x0 = x[j]
				h, backward = step(x0, lb[j], ub[j], opts)
			}

			var dObj float64
			dCons := consA
			if opts.Method == Central && owner && !backward && x0-h >= lb[j] {
				// interior central difference
				x[j] = x0 + h
				fa, err := p.EvalObjCon(x, consA)
				if err != nil {
					return nil, err
				}
				x[j] = x0 - h
				fb, err := p.EvalObjCon(x, consB)
				if err != nil {
					return nil, err
				}
				d := 1 / (2 * h)
				dObj = (fa - fb) * d
				for i := range dCons {
					dCons[i] = (consA[i] - consB[i]) * d
				}
				rep.Evaluations += 2
			} else {
				s := h
				if owner && backward {
					s = -h
				}
				if owner {
					x[j] = x0 + s
				}
				fa, err := p.EvalObjCon(x, consA)
				if err != nil {
					return nil, err
				}
				if opts.Method == Central {
					// peers of a one-sided owner still owe the group a
					// second evaluation
					fb, err := p.EvalObjCon(x, consB)
					if err != nil {
						return nil, err
					}
					fa = 0.5 * (fa + fb)
					for i := range consA {
						consA[i] = 0.5 * (consA[i] + consB[i])
					}
					rep.Evaluations++
				}
				d := 1 / s
				dObj = (fa - f0) * d
				for i := range dCons {
					dCons[i] = (consA[i] - cons[i]) * d
				}
				rep.Evaluations++
			}

			if owner {
				x[j] = x0
				record(dObj, g[j], true)
				for i := 0; i < ncons; i++ {
					record(dCons[i], gcon[i*nl+j], false)
				}
			}
		}
	}

	rep.ObjMaxAbs = c.AllReduce(comm.Max, rep.ObjMaxAbs)
	rep.ObjMaxRel = c.AllReduce(comm.Max, rep.ObjMaxRel)
	rep.ConMaxAbs = c.AllReduce(comm.Max, rep.ConMaxAbs)
	rep.ConMaxRel = c.AllReduce(comm.Max, rep.ConMaxRel)
	return rep, nil
}
