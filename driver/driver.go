// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package driver runs distributed-memory MMA optimization: it owns the
// numeric buffers a Problem evaluates into, aliases them with distributed
// vectors, bounds every step with a move limit, and records convergence
// diagnostics per iteration.
//
// The driver never copies between the evaluation buffers and the vector
// views: the vectors are bound onto the buffers at construction, so a
// Problem writing into its buffer arguments is immediately observed by
// every vector operation, and the subproblem solver mutating the design
// vector is immediately observed by the next evaluation.
package driver

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/curioloop/distopt/comm"
	"github.com/curioloop/distopt/dvec"
	"github.com/curioloop/distopt/mma"
)

// Problem supplies the optimization problem: metadata, the initial design
// with its global box bounds, and the objective/constraint evaluations.
// All Eval methods receive the driver-owned buffers and fill them in
// place; x holds the locally owned design segment, gcon the constraint
// Jacobian rows back to back (constraint-major, row width NumVarsLocal).
//
// Evaluations may communicate internally but must do so collectively:
// every rank calls each Eval method once per iteration, in lockstep.
type Problem interface {
	Comm() *comm.Communicator
	NumVars() int
	NumVarsLocal() int
	NumCons() int
	VarsAndBounds(x, lb, ub []float64)
	EvalObjCon(x, cons []float64) (obj float64, err error)
	EvalObjConGrad(x, g, gcon []float64) error
}

// Options are the tunable run parameters.
type Options struct {
	// MoveLimit is the half-width of the symmetric trust region around
	// the current iterate. Defaults to 0.2.
	MoveLimit float64
	// LogHeaderEvery emits a column header row every that many
	// iterations. Defaults to 10.
	LogHeaderEvery int
}

func (o *Options) withDefaults() Options {
	opts := Options{MoveLimit: 0.2, LogHeaderEvery: 10}
	if o != nil {
		if o.MoveLimit != 0 {
			opts.MoveLimit = o.MoveLimit
		}
		if o.LogHeaderEvery != 0 {
			opts.LogHeaderEvery = o.LogHeaderEvery
		}
	}
	return opts
}

// syncer is what the driver flushes the log through after every row.
type syncer interface{ Sync() error }
type flusher interface{ Flush() error }

// Optimizer drives the optimization run. One Optimizer is constructed per
// rank; its collective methods must be called in lockstep on all ranks.
type Optimizer struct {
	prob Problem
	opts Options

	logw    io.Writer
	logFile *os.File // non-nil only when the driver opened the log itself

	obj float64

	// locally owned numeric buffers, aliased by the vectors below
	x, lb, ub, g []float64
	cons         []float64
	gcon         []float64

	xv, gv, lbv, ubv *dvec.Vector
	gconv            []*dvec.Vector
}

// New builds an Optimizer writing diagnostics to logw (only rank 0's
// writer receives bytes). It allocates the evaluation buffers and binds
// the distributed-vector views onto them: x, g, lb, ub over the local
// design segment, and one view per constraint over the matching row of
// the flat Jacobian buffer. Collective; on failure every vector created
// so far is released before the error is returned, and all ranks agree
// on the outcome.
func New(prob Problem, logw io.Writer, opts *Options) (*Optimizer, error) {
	c := prob.Comm()
	nvars, nl, ncons := prob.NumVars(), prob.NumVarsLocal(), prob.NumCons()

	o := &Optimizer{
		prob: prob,
		opts: opts.withDefaults(),
		logw: logw,
		x:    make([]float64, nl),
		lb:   make([]float64, nl),
		ub:   make([]float64, nl),
		g:    make([]float64, nl),
		cons: make([]float64, ncons),
		gcon: make([]float64, ncons*nl),
	}

	var err error
	bind := func(dst **dvec.Vector, buf []float64) {
		if err != nil {
			return
		}
		*dst, err = dvec.Bind(c, nvars, nl, buf)
	}
	bind(&o.xv, o.x)
	bind(&o.gv, o.g)
	bind(&o.lbv, o.lb)
	bind(&o.ubv, o.ub)

	o.gconv = make([]*dvec.Vector, ncons)
	for i := 0; i < ncons; i++ {
		bind(&o.gconv[i], o.gcon[i*nl:(i+1)*nl])
	}

	if err != nil {
		_ = o.Destroy()
		return nil, err
	}
	return o, nil
}

// NewFile is New with a log file path: the file is created or truncated,
// and closed again by Destroy. Failing to open the log is an unrecoverable
// setup error for the run.
func NewFile(prob Problem, logName string, opts *Options) (*Optimizer, error) {
	f, err := os.Create(logName)
	if err != nil {
		return nil, fmt.Errorf("driver: open log %q: %w", logName, err)
	}
	o, err := New(prob, f, opts)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	o.logFile = f
	return o, nil
}

// Optimize runs exactly niter evaluate/update/log cycles. The KKT residual
// is logged every iteration but never tested against a tolerance: the
// iteration budget is the only termination criterion. Collective.
func (o *Optimizer) Optimize(niter int) error {
	c := o.prob.Comm()
	nvars, nl := o.prob.NumVars(), o.prob.NumVarsLocal()
	movelim := o.opts.MoveLimit

	// Initial design and global bounds. The bound buffers stay untouched
	// for the rest of the run.
	o.prob.VarsAndBounds(o.x, o.lb, o.ub)

	lbTemp, err := dvec.Allocate(c, nvars, nl)
	if err != nil {
		return err
	}
	defer func() { _ = lbTemp.Destroy() }()
	ubTemp, err := dvec.Allocate(c, nvars, nl)
	if err != nil {
		return err
	}
	defer func() { _ = ubTemp.Destroy() }()

	_ = o.lbv.Copy(lbTemp)
	_ = o.ubv.Copy(ubTemp)

	solver, err := mma.New(nvars, o.prob.NumCons(), o.xv)
	if err != nil {
		return err
	}
	defer solver.Destroy()

	for iter := 0; iter < niter; iter++ {
		if o.obj, err = o.prob.EvalObjCon(o.x, o.cons); err != nil {
			return fmt.Errorf("driver: objective evaluation at iteration %d: %w", iter, err)
		}
		if err = o.prob.EvalObjConGrad(o.x, o.g, o.gcon); err != nil {
			return fmt.Errorf("driver: gradient evaluation at iteration %d: %w", iter, err)
		}

		if err = solver.SetOuterMovelimit(o.lbv, o.ubv, movelim, o.xv, lbTemp, ubTemp); err != nil {
			return err
		}
		if err = solver.Update(o.xv, o.gv, o.cons, o.gconv, lbTemp, ubTemp); err != nil {
			return err
		}

		kktL2, kktLInf, err := solver.KKTResidual(o.xv, o.gv, o.cons, o.gconv, lbTemp, ubTemp)
		if err != nil {
			return err
		}

		xNorm1, err := o.xv.Norm(dvec.Norm1)
		if err != nil {
			return err
		}

		// Maximum constraint violation, with 0 as the feasible baseline:
		// constraint values are "violation if positive" quantities.
		infeas := 0.0
		for _, g := range o.cons {
			if g > infeas {
				infeas = g
			}
		}

		if iter%o.opts.LogHeaderEvery == 0 {
			if err = c.Fprintf(o.logw, "\n%6s%20s%20s%20s%20s%20s\n",
				"iter", "obj", "KKT_l2", "KKT_linf", "|x|_1", "infeas"); err != nil {
				return fmt.Errorf("driver: log write: %w", err)
			}
		}
		if err = c.Fprintf(o.logw, "%6d%20.10e%20.10e%20.10e%20.10e%20.10e\n",
			iter, o.obj, kktL2, kktLInf, xNorm1, infeas); err != nil {
			return fmt.Errorf("driver: log write: %w", err)
		}
		o.flush()
	}
	return nil
}

// flush forces the row just written out of any buffering layer so that a
// crashed run keeps every completed row.
func (o *Optimizer) flush() {
	switch w := o.logw.(type) {
	case syncer:
		_ = w.Sync()
	case flusher:
		_ = w.Flush()
	}
}

// Objective returns the objective value of the last completed evaluation.
func (o *Optimizer) Objective() float64 { return o.obj }

// OptimizedDesign returns the locally owned design segment. This is the
// live buffer aliased by the design vector, not a copy: a later Optimize
// call keeps mutating it under the caller.
func (o *Optimizer) OptimizedDesign() []float64 { return o.x }

// Destroy releases every distributed-vector view created at construction,
// in reverse creation order, and closes the log file when the driver
// opened it. Bound views never free the evaluation buffers. Each handle is
// released exactly once; handles that failed creation are skipped, so
// Destroy is safe after a partial construction failure.
func (o *Optimizer) Destroy() error {
	var errs []error
	release := func(v **dvec.Vector) {
		if *v != nil {
			if err := (*v).Destroy(); err != nil {
				errs = append(errs, err)
			}
			*v = nil
		}
	}
	for i := len(o.gconv) - 1; i >= 0; i-- {
		release(&o.gconv[i])
	}
	o.gconv = nil
	release(&o.ubv)
	release(&o.lbv)
	release(&o.gv)
	release(&o.xv)

	if o.logFile != nil {
		if err := o.logFile.Close(); err != nil {
			errs = append(errs, err)
		}
		o.logFile = nil
	}
	return errors.Join(errs...)
}
