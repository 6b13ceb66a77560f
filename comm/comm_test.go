// Copyright ©2025 curioloop. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package comm

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllReduceOps(t *testing.T) {
	const size = 4
	sums := make([]float64, size)
	maxes := make([]float64, size)
	mins := make([]float64, size)
	err := Run(size, func(c *Communicator) error {
		v := float64(c.Rank() + 1)
		sums[c.Rank()] = c.AllReduce(Sum, v)
		maxes[c.Rank()] = c.AllReduce(Max, v)
		mins[c.Rank()] = c.AllReduce(Min, v)
		return nil
	})
	require.NoError(t, err)
	// every rank observed the bit-identical fold
	for r := 0; r < size; r++ {
		require.Equal(t, 10.0, sums[r])
		require.Equal(t, 4.0, maxes[r])
		require.Equal(t, 1.0, mins[r])
	}
}

func TestAllReduceReproducible(t *testing.T) {
	// Sum of values whose fold order changes the last bits: the fixed
	// rank-order fold must return the same bits on every run.
	vals := []float64{0.1, 0.2, 0.3, 1e16, -1e16, 0.4, 0.7, 1e-9}
	var first atomic.Value
	for run := 0; run < 20; run++ {
		err := Run(len(vals), func(c *Communicator) error {
			got := c.AllReduce(Sum, vals[c.Rank()])
			if prev := first.Swap(got); prev != nil && prev.(float64) != got {
				return fmt.Errorf("fold returned %v after %v", got, prev)
			}
			return nil
		})
		require.NoError(t, err)
	}
}

func TestBcast(t *testing.T) {
	got := make([]float64, 3)
	err := Run(3, func(c *Communicator) error {
		got[c.Rank()] = c.Bcast(float64(c.Rank())*100, 2)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []float64{200, 200, 200}, got)
}

func TestBarrierCounts(t *testing.T) {
	const size, rounds = 3, 50
	var entered atomic.Int64
	err := Run(size, func(c *Communicator) error {
		for i := 0; i < rounds; i++ {
			entered.Add(1)
			c.Barrier()
			// after the barrier every rank of the round has entered
			if n := entered.Load(); n%size != 0 && n < int64(size*(i+1)) {
				t.Errorf("barrier released early: %d entries at round %d", n, i)
			}
			c.Barrier()
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(size*rounds), entered.Load())
}

func TestFprintfRankZeroOnly(t *testing.T) {
	var out bytes.Buffer
	err := Run(3, func(c *Communicator) error {
		w := &out
		// rank 0's writer is the only one that may receive bytes
		if c.Rank() != 0 {
			w = nil
		}
		for i := 0; i < 5; i++ {
			if err := c.Fprintf(w, "row %d from rank %d\n", i, c.Rank()); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t,
		"row 0 from rank 0\nrow 1 from rank 0\nrow 2 from rank 0\nrow 3 from rank 0\nrow 4 from rank 0\n",
		out.String())
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errWrite }

var errWrite = &writeErr{}

type writeErr struct{}

func (*writeErr) Error() string { return "sink failed" }

func TestFprintfErrorSeenByAllRanks(t *testing.T) {
	const size = 3
	var fails atomic.Int64
	err := Run(size, func(c *Communicator) error {
		var w failWriter
		if err := c.Fprintf(w, "boom"); err != nil {
			fails.Add(1)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(size), fails.Load())
}
