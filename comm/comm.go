// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package comm provides the collective primitives shared by a fixed group
// of ranks. Every distributed operation in this module (vector creation,
// norm reduction, coordinated logging) funnels through a Communicator so
// that collective call counts are easy to audit in one place.
//
// Ranks are modeled as goroutines of one process. Each collective is a
// rendezvous: all ranks of a group must invoke it, in matching order, for
// any of them to proceed. A mismatched call sequence across ranks blocks
// the group forever, which mirrors the semantics of an MPI communicator.
package comm

import (
	"fmt"
	"io"
	"math"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Op identifies a reduction operator.
type Op int

const (
	Sum Op = iota
	Max
	Min
)

// group holds the shared rendezvous state of one communicator group.
// All fields are guarded by mu. Collectives are generation-counted:
// the last rank to arrive folds the contributions in rank order and
// publishes the result, so every rank observes bit-identical values
// regardless of scheduling.
type group struct {
	size int

	mu   sync.Mutex
	cond *sync.Cond

	gen     uint64
	arrived int
	op      Op
	vals    []float64

	out float64

	// coordinated print slot, populated by rank 0
	msg  string
	w    io.Writer
	werr error
}

// Communicator is one rank's view of a group.
type Communicator struct {
	g    *group
	rank int
}

// Group creates a communicator group of the given size and returns one
// Communicator per rank, ordered by rank.
func Group(size int) []*Communicator {
	if size <= 0 {
		panic("communicator size must be positive")
	}
	g := &group{size: size, vals: make([]float64, size)}
	g.cond = sync.NewCond(&g.mu)
	cs := make([]*Communicator, size)
	for r := range cs {
		cs[r] = &Communicator{g: g, rank: r}
	}
	return cs
}

// Run spawns one goroutine per rank of a fresh group and waits for all of
// them. The first non-nil error is returned. Note a rank returning early
// with an error while its peers sit in a collective blocks the group, the
// same way an MPI job hangs when one rank aborts between barriers: rank
// functions are expected to fail collectively.
func Run(size int, fn func(c *Communicator) error) error {
	var eg errgroup.Group
	for _, c := range Group(size) {
		eg.Go(func() error { return fn(c) })
	}
	return eg.Wait()
}

// Rank returns the calling rank's index within the group.
func (c *Communicator) Rank() int { return c.rank }

// Size returns the number of ranks in the group.
func (c *Communicator) Size() int { return c.g.size }

func fold(op Op, a, b float64) float64 {
	switch op {
	case Sum:
		return a + b
	case Max:
		return math.Max(a, b)
	case Min:
		return math.Min(a, b)
	}
	panic("unknown reduction op")
}

// rendezvous blocks until every rank of the group has entered the current
// collective. Both hooks run under the group lock: enter on arrival (its
// argument reports whether this rank arrived first), final on the last
// rank before the group is woken. Returns with the lock held; callers
// read the published result and unlock.
func (c *Communicator) rendezvous(enter func(first bool), final func()) {
	g := c.g
	g.mu.Lock()
	if enter != nil {
		enter(g.arrived == 0)
	}
	gen := g.gen
	g.arrived++
	if g.arrived == g.size {
		if final != nil {
			final()
		}
		g.arrived = 0
		g.gen++
		g.cond.Broadcast()
		return
	}
	for gen == g.gen {
		g.cond.Wait()
	}
}

// AllReduce folds one value per rank with op and returns the identical
// result on every rank. The fold is performed once, in rank order, so the
// result is bit-reproducible for a given set of contributions.
func (c *Communicator) AllReduce(op Op, v float64) float64 {
	g := c.g
	c.rendezvous(func(first bool) {
		if first {
			g.op = op
		} else if g.op != op {
			panic("comm: mismatched reduction op across ranks")
		}
		g.vals[c.rank] = v
	}, func() {
		acc := g.vals[0]
		for r := 1; r < g.size; r++ {
			acc = fold(op, acc, g.vals[r])
		}
		g.out = acc
	})
	out := g.out
	g.mu.Unlock()
	return out
}

// Barrier blocks until every rank of the group has reached it.
func (c *Communicator) Barrier() {
	c.rendezvous(nil, nil)
	c.g.mu.Unlock()
}

// Bcast returns root's value on every rank.
func (c *Communicator) Bcast(v float64, root int) float64 {
	g := c.g
	if root < 0 || root >= g.size {
		panic("comm: broadcast root out of range")
	}
	c.rendezvous(func(bool) {
		g.vals[c.rank] = v
	}, func() {
		g.out = g.vals[root]
	})
	out := g.out
	g.mu.Unlock()
	return out
}

// Fprintf is a coordinated formatted print: every rank must call it in
// lockstep, but only rank 0's writer and arguments are materialized. All
// ranks return rank 0's write error. No rank proceeds before the write
// completes, so the log never runs ahead of the slowest rank.
func (c *Communicator) Fprintf(w io.Writer, format string, a ...any) error {
	g := c.g
	c.rendezvous(func(bool) {
		if c.rank == 0 {
			g.msg = fmt.Sprintf(format, a...)
			g.w = w
		}
	}, func() {
		g.werr = nil
		if g.w != nil {
			_, g.werr = io.WriteString(g.w, g.msg)
		}
		g.w, g.msg = nil, ""
	})
	err := g.werr
	g.mu.Unlock()
	return err
}
