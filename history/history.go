// Package history reads the convergence log written by the driver and
// renders it into plots.
package history

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Record is one diagnostics row of an optimization run.
type Record struct {
	Iter   int
	Obj    float64
	KKTL2  float64
	KKTInf float64
	XNorm1 float64
	Infeas float64
}

// Parse reads a driver convergence log: fixed-width data rows of six
// columns, interleaved with blank lines and periodic header rows, which
// are skipped. Rows arrive in iteration order but Parse does not require
// it.
func Parse(r io.Reader) ([]Record, error) {
	var recs []Record
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 || fields[0] == "iter" {
			continue
		}
		if len(fields) != 6 {
			return nil, fmt.Errorf("history: line %d: %d columns, want 6", line, len(fields))
		}
		iter, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("history: line %d: %w", line, err)
		}
		var v [5]float64
		for i, f := range fields[1:] {
			if v[i], err = strconv.ParseFloat(f, 64); err != nil {
				return nil, fmt.Errorf("history: line %d: %w", line, err)
			}
		}
		recs = append(recs, Record{
			Iter: iter, Obj: v[0], KKTL2: v[1], KKTInf: v[2], XNorm1: v[3], Infeas: v[4],
		})
	}
	return recs, sc.Err()
}
