// Package visualization renders the results of a BMFMC run.
package visualization

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/copyleftdev/bmfmc/internal/uq/bmfmc"
)

// File names written by Save.
const (
	DensityFile  = "pdf_estimate.png"
	ManifoldFile = "manifold.png"
	RankingFile  = "feature_ranking.png"
)

var (
	colorMean      = color.RGBA{R: 27, G: 94, B: 170, A: 255}
	colorBand      = color.RGBA{R: 120, G: 160, B: 210, A: 255}
	colorLF        = color.RGBA{R: 60, G: 150, B: 60, A: 255}
	colorHF        = color.RGBA{A: 255}
	colorReference = color.RGBA{R: 200, G: 120, B: 20, A: 255}
	colorTraining  = color.RGBA{R: 200, G: 30, B: 30, A: 255}
)

// Save writes every plot that out has data for into dir and returns the
// written paths. yHFMC, when not nil, adds the Monte-Carlo reference to the
// manifold plot.
func Save(dir string, out *bmfmc.Output, yHFMC []float64) ([]string, error) {
	if out == nil {
		return nil, fmt.Errorf("no output to plot")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create plot dir: %w", err)
	}

	var written []string
	path := filepath.Join(dir, DensityFile)
	if err := DensityPlot(out, path); err != nil {
		return written, err
	}
	written = append(written, path)

	path = filepath.Join(dir, ManifoldFile)
	if err := ManifoldPlot(out, yHFMC, path); err != nil {
		return written, err
	}
	written = append(written, path)

	if len(out.FeatureRanking) > 0 {
		path = filepath.Join(dir, RankingFile)
		if err := RankingPlot(out.FeatureRanking, path); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

func xys(x, y []float64) plotter.XYs {
	pts := make(plotter.XYs, len(x))
	for i := range pts {
		pts[i] = plotter.XY{X: x[i], Y: y[i]}
	}
	return pts
}

func addLine(p *plot.Plot, label string, pts plotter.XYs, c color.Color, dashed bool) error {
	line, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	line.Color = c
	line.Width = vg.Points(1.5)
	if dashed {
		line.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}
	}
	p.Add(line)
	if label != "" {
		p.Legend.Add(label, line)
	}
	return nil
}

func addScatter(p *plot.Plot, label string, pts plotter.XYs, c color.Color, radius float64) error {
	s, err := plotter.NewScatter(pts)
	if err != nil {
		return err
	}
	s.GlyphStyle.Color = c
	s.GlyphStyle.Radius = vg.Points(radius)
	p.Add(s)
	if label != "" {
		p.Legend.Add(label, s)
	}
	return nil
}

func placeLegend(p *plot.Plot) {
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
}

// DensityPlot draws the posterior mean density with its ±2σ band and the
// available reference densities.
func DensityPlot(out *bmfmc.Output, path string) error {
	support := out.YPDFSupport
	if len(support) == 0 || len(out.PYHFMean) != len(support) {
		return fmt.Errorf("density plot needs a support and a mean density of equal length")
	}

	p := plot.New()
	p.Title.Text = "BMFMC estimate of the high-fidelity density"
	p.X.Label.Text = "y"
	p.Y.Label.Text = "p(y)"
	p.Add(plotter.NewGrid())

	if len(out.PYHFVar) == len(support) {
		lower := make([]float64, len(support))
		upper := make([]float64, len(support))
		for i, m := range out.PYHFMean {
			sd := math.Sqrt(math.Max(out.PYHFVar[i], 0))
			lower[i], upper[i] = m-2*sd, m+2*sd
		}
		if err := addLine(p, "mean ± 2 SD", xys(support, upper), colorBand, true); err != nil {
			return err
		}
		if err := addLine(p, "", xys(support, lower), colorBand, true); err != nil {
			return err
		}
	}
	if err := addLine(p, "BMFMC mean", xys(support, out.PYHFMean), colorMean, false); err != nil {
		return err
	}
	if len(out.PYLFMC) == len(support) {
		if err := addLine(p, "LF Monte-Carlo", xys(support, out.PYLFMC), colorLF, false); err != nil {
			return err
		}
	}
	if len(out.PYHFMC) == len(support) {
		if err := addLine(p, "HF Monte-Carlo", xys(support, out.PYHFMC), colorHF, true); err != nil {
			return err
		}
	}
	if len(out.PYHFMeanBMFMC) == len(support) {
		if err := addLine(p, "BMFMC without features", xys(support, out.PYHFMeanBMFMC), colorReference, false); err != nil {
			return err
		}
	}
	placeLegend(p)

	if err := p.Save(10*vg.Inch, 6*vg.Inch, path); err != nil {
		return fmt.Errorf("save density plot: %w", err)
	}
	return nil
}

// ManifoldPlot draws the learned mapping from the low-fidelity output to
// the high-fidelity output.
func ManifoldPlot(out *bmfmc.Output, yHFMC []float64, path string) error {
	n := len(out.ZMC)
	if n == 0 || len(out.MFMC) != n || len(out.VarYMC) != n {
		return fmt.Errorf("manifold plot needs Z_mc, m_f_mc and var_y_mc of equal length")
	}
	ylf := make([]float64, n)
	upper := make([]float64, n)
	lower := make([]float64, n)
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, row := range out.ZMC {
		ylf[i] = row[0]
		sd := math.Sqrt(math.Max(out.VarYMC[i], 0))
		upper[i], lower[i] = out.MFMC[i]+sd, out.MFMC[i]-sd
		lo, hi = math.Min(lo, ylf[i]), math.Max(hi, ylf[i])
	}

	p := plot.New()
	p.Title.Text = "Probabilistic mapping"
	p.X.Label.Text = "y_LF"
	p.Y.Label.Text = "y_HF"
	p.Add(plotter.NewGrid())

	if len(yHFMC) == n {
		if err := addScatter(p, "HF Monte-Carlo", xys(ylf, yHFMC), colorHF, 1); err != nil {
			return err
		}
	}
	if err := addScatter(p, "posterior mean", xys(ylf, out.MFMC), colorMean, 1.5); err != nil {
		return err
	}
	if err := addScatter(p, "mean ± SD", xys(ylf, upper), colorBand, 1); err != nil {
		return err
	}
	if err := addScatter(p, "", xys(ylf, lower), colorBand, 1); err != nil {
		return err
	}
	if len(out.ZTrain) == len(out.YHFTrain) && len(out.ZTrain) > 0 {
		x := make([]float64, len(out.ZTrain))
		for i, row := range out.ZTrain {
			x[i] = row[0]
		}
		if err := addScatter(p, "training points", xys(x, out.YHFTrain), colorTraining, 3); err != nil {
			return err
		}
	}
	if err := addLine(p, "identity", xys([]float64{lo, hi}, []float64{lo, hi}), color.Gray{Y: 120}, true); err != nil {
		return err
	}
	p.Legend.Top = true
	p.Legend.Left = true

	if err := p.Save(8*vg.Inch, 8*vg.Inch, path); err != nil {
		return fmt.Errorf("save manifold plot: %w", err)
	}
	return nil
}

// RankingPlot draws the feature ranking scores as a bar chart.
func RankingPlot(scores []float64, path string) error {
	if len(scores) == 0 {
		return fmt.Errorf("no ranking scores to plot")
	}
	p := plot.New()
	p.Title.Text = "Input feature ranking"
	p.X.Label.Text = "reduced input"
	p.Y.Label.Text = "score"

	bars, err := plotter.NewBarChart(plotter.Values(scores), vg.Points(14))
	if err != nil {
		return err
	}
	bars.Color = colorMean
	bars.LineStyle.Width = 0
	p.Add(bars)

	names := make([]string, len(scores))
	for i := range names {
		names[i] = fmt.Sprintf("%d", i)
	}
	p.NominalX(names...)

	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("save ranking plot: %w", err)
	}
	return nil
}
