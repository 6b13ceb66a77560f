package history

import (
	"errors"
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PlotObjective renders objective value and design L1 norm against the
// iteration index and saves the figure to path (format from extension).
func PlotObjective(recs []Record, path string) error {
	if len(recs) == 0 {
		return errors.New("history: no records to plot")
	}

	p := plot.New()
	p.Title.Text = "Optimization history"
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "value"

	obj := make(plotter.XYs, len(recs))
	nrm := make(plotter.XYs, len(recs))
	for i, r := range recs {
		obj[i] = plotter.XY{X: float64(r.Iter), Y: r.Obj}
		nrm[i] = plotter.XY{X: float64(r.Iter), Y: r.XNorm1}
	}

	lObj, err := plotter.NewLine(obj)
	if err != nil {
		return fmt.Errorf("history: objective line: %w", err)
	}
	lNrm, err := plotter.NewLine(nrm)
	if err != nil {
		return fmt.Errorf("history: norm line: %w", err)
	}
	lNrm.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}

	p.Add(lObj, lNrm)
	p.Legend.Add("obj", lObj)
	p.Legend.Add("|x|_1", lNrm)
	p.Legend.Top = true

	return p.Save(6*vg.Inch, 4*vg.Inch, path)
}

// PlotResidual renders the KKT residual norms on a log scale. Rows whose
// residual is not strictly positive cannot appear on a log axis and are
// dropped.
func PlotResidual(recs []Record, path string) error {
	var l2, linf plotter.XYs
	for _, r := range recs {
		if r.KKTL2 > 0 {
			l2 = append(l2, plotter.XY{X: float64(r.Iter), Y: r.KKTL2})
		}
		if r.KKTInf > 0 {
			linf = append(linf, plotter.XY{X: float64(r.Iter), Y: r.KKTInf})
		}
	}
	if len(l2) == 0 && len(linf) == 0 {
		return errors.New("history: no positive residuals to plot")
	}

	p := plot.New()
	p.Title.Text = "KKT residual"
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "residual"
	p.Y.Scale = plot.LogScale{}
	p.Y.Tick.Marker = plot.LogTicks{Prec: -1}

	if len(l2) > 0 {
		line, err := plotter.NewLine(l2)
		if err != nil {
			return fmt.Errorf("history: residual line: %w", err)
		}
		p.Add(line)
		p.Legend.Add("KKT_l2", line)
	}
	if len(linf) > 0 {
		line, err := plotter.NewLine(linf)
		if err != nil {
			return fmt.Errorf("history: residual line: %w", err)
		}
		line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(line)
		p.Legend.Add("KKT_linf", line)
	}
	p.Legend.Top = true

	return p.Save(6*vg.Inch, 4*vg.Inch, path)
}
