// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dvec implements distributed vectors partitioned across the ranks
// of a communicator by contiguous local ownership ranges.
//
// A vector's local segment either lives in storage owned by this package
// (Allocate) or aliases a caller-owned buffer with zero copy (Bind). The
// two creation paths differ only in destruction: Destroy releases owned
// storage but never a borrowed buffer, whose lifetime stays with the
// caller and must outlive the vector.
package dvec

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/curioloop/distopt/comm"
)

// NormKind selects the norm computed by Vector.Norm.
type NormKind int

const (
	Norm1 NormKind = iota
	Norm2
	NormInf
)

// storage tags how the local segment was obtained.
type storage int

const (
	owned storage = iota
	borrowed
)

// Vector is one rank's handle on a distributed vector. All methods that
// communicate (Allocate, Bind, Norm) are collective: every rank of the
// communicator must call them in matching order with consistent sizes.
type Vector struct {
	c      *comm.Communicator
	global int
	local  int
	kind   storage
	data   []float64
}

var errDestroyed = errors.New("dvec: vector already destroyed")

// checkSizes validates the local size and collectively verifies that the
// local segments of all ranks sum to the global size. The reduction result
// is identical on every rank, so all ranks agree on success or failure.
func checkSizes(c *comm.Communicator, global, local int) error {
	if global <= 0 || local < 0 {
		return fmt.Errorf("dvec: invalid sizes global=%d local=%d", global, local)
	}
	if sum := c.AllReduce(comm.Sum, float64(local)); sum != float64(global) {
		return fmt.Errorf("dvec: local sizes sum to %.0f, want global %d", sum, global)
	}
	return nil
}

// Allocate creates a distributed vector with package-owned, zero-valued
// storage for the local segment. Collective.
func Allocate(c *comm.Communicator, global, local int) (*Vector, error) {
	if err := checkSizes(c, global, local); err != nil {
		return nil, err
	}
	return &Vector{
		c:      c,
		global: global,
		local:  local,
		kind:   owned,
		data:   make([]float64, local),
	}, nil
}

// Bind creates a distributed vector whose local segment aliases
// buf[:local]. No copy is made: writes through either the buffer or the
// vector are immediately visible through the other. The caller keeps
// ownership of buf, which must outlive the vector. Collective.
func Bind(c *comm.Communicator, global, local int, buf []float64) (*Vector, error) {
	if err := checkSizes(c, global, local); err != nil {
		return nil, err
	}
	if len(buf) < local {
		return nil, fmt.Errorf("dvec: buffer length %d < local size %d", len(buf), local)
	}
	return &Vector{
		c:      c,
		global: global,
		local:  local,
		kind:   borrowed,
		data:   buf[:local:local],
	}, nil
}

// Destroy releases the vector handle. For owned vectors the storage is
// dropped; for borrowed vectors the aliased buffer is left untouched.
// Must be called exactly once per successfully created vector.
func (v *Vector) Destroy() error {
	if v.c == nil {
		return errDestroyed
	}
	v.data = nil
	v.c = nil
	return nil
}

// Global returns the total element count across all ranks.
func (v *Vector) Global() int { return v.global }

// LocalSize returns the number of elements owned by this rank.
func (v *Vector) LocalSize() int { return v.local }

// Comm returns the communicator the vector is partitioned over.
func (v *Vector) Comm() *comm.Communicator { return v.c }

// Local returns the live local segment. For borrowed vectors this is the
// bound region of the caller's buffer, not a copy.
func (v *Vector) Local() []float64 { return v.data }

// Norm computes a global norm of the vector. Collective; every rank
// receives the identical result.
func (v *Vector) Norm(kind NormKind) (float64, error) {
	if v.c == nil {
		return 0, errDestroyed
	}
	switch kind {
	case Norm1:
		return v.c.AllReduce(comm.Sum, floats.Norm(v.data, 1)), nil
	case Norm2:
		local := 0.0
		if v.local > 0 {
			local = floats.Dot(v.data, v.data)
		}
		return math.Sqrt(v.c.AllReduce(comm.Sum, local)), nil
	case NormInf:
		return v.c.AllReduce(comm.Max, floats.Norm(v.data, math.Inf(1))), nil
	}
	return 0, fmt.Errorf("dvec: unknown norm kind %d", kind)
}

// Dot computes the global inner product with w. Collective.
func (v *Vector) Dot(w *Vector) (float64, error) {
	if v.c == nil || w.c == nil {
		return 0, errDestroyed
	}
	if v.local != w.local || v.global != w.global {
		return 0, fmt.Errorf("dvec: dot of mismatched vectors %d/%d vs %d/%d",
			v.global, v.local, w.global, w.local)
	}
	local := 0.0
	if v.local > 0 {
		local = floats.Dot(v.data, w.data)
	}
	return v.c.AllReduce(comm.Sum, local), nil
}

// Copy copies the local segment of v into dst. Local operation.
func (v *Vector) Copy(dst *Vector) error {
	if v.c == nil || dst.c == nil {
		return errDestroyed
	}
	if v.local != dst.local {
		return fmt.Errorf("dvec: copy of mismatched local sizes %d vs %d", v.local, dst.local)
	}
	copy(dst.data, v.data)
	return nil
}

// Set assigns every locally owned element. Local operation.
func (v *Vector) Set(x float64) error {
	if v.c == nil {
		return errDestroyed
	}
	for i := range v.data {
		v.data[i] = x
	}
	return nil
}
