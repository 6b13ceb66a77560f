package main

import (
	"math"

	"github.com/curioloop/distopt/comm"
)

// quadratic is the built-in demo problem: a separable quadratic pulled
// toward per-variable targets under a mean-value budget,
//
//	minimize   ∑ⱼ (xⱼ - tⱼ)²
//	subject to (∑ⱼ xⱼ)/n - vmax ≤ 0,  0 ≤ xⱼ ≤ 2
//
// with targets tⱼ spread over [0,2] so the budget constraint is active at
// the optimum for small vmax. Variables are partitioned evenly over the
// ranks, low ranks taking one extra when the split is uneven.
type quadratic struct {
	c       *comm.Communicator
	n       int
	nl, off int
	vmax    float64
}

func newQuadratic(c *comm.Communicator, nvars int, vmax float64) *quadratic {
	size, rank := c.Size(), c.Rank()
	base, extra := nvars/size, nvars%size
	nl := base
	if rank < extra {
		nl++
	}
	off := rank*base + min(rank, extra)
	return &quadratic{c: c, n: nvars, nl: nl, off: off, vmax: vmax}
}

// target is the pull point for global variable index j.
func (p *quadratic) target(j int) float64 {
	if p.n == 1 {
		return 1
	}
	return 1 + math.Sin(2*math.Pi*float64(j)/float64(p.n-1))
}

func (p *quadratic) Comm() *comm.Communicator { return p.c }
func (p *quadratic) NumVars() int             { return p.n }
func (p *quadratic) NumVarsLocal() int        { return p.nl }
func (p *quadratic) NumCons() int             { return 1 }

func (p *quadratic) VarsAndBounds(x, lb, ub []float64) {
	for j := range x {
		x[j] = 1
		lb[j] = 0
		ub[j] = 2
	}
}

func (p *quadratic) EvalObjCon(x, cons []float64) (float64, error) {
	obj, sum := 0.0, 0.0
	for j, xj := range x {
		d := xj - p.target(p.off+j)
		obj += d * d
		sum += xj
	}
	obj = p.c.AllReduce(comm.Sum, obj)
	cons[0] = p.c.AllReduce(comm.Sum, sum)/float64(p.n) - p.vmax
	return obj, nil
}

func (p *quadratic) EvalObjConGrad(x, g, gcon []float64) error {
	for j, xj := range x {
		g[j] = 2 * (xj - p.target(p.off+j))
		gcon[j] = 1 / float64(p.n)
	}
	return nil
}
