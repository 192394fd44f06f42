package sim

import (
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// NewResidualPlot creates a plot of the residual RMS history of an
// estimation, one point per accepted iteration.
// It returns error if either of the following conditions is met:
// * no RMS history is supplied
// * gonum plot fails to be created
func NewResidualPlot(rmsHistory []float64) (*plot.Plot, error) {
	if len(rmsHistory) == 0 {
		return nil, fmt.Errorf("empty RMS history")
	}

	p := plot.New()

	p.Title.Text = "Estimation residuals"
	p.X.Label.Text = "iteration"
	p.Y.Label.Text = "residual RMS"

	legend := plot.NewLegend()
	legend.Top = true
	p.Legend = legend

	pts := make(plotter.XYs, len(rmsHistory))
	for i, rms := range rmsHistory {
		pts[i].X = float64(i + 1)
		pts[i].Y = rms
	}

	line, err := plotter.NewLine(pts)
	if err != nil {
		return nil, fmt.Errorf("failed to create line plot: %v", err)
	}
	line.Color = color.RGBA{R: 255, B: 128, A: 255}

	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		return nil, fmt.Errorf("failed to create scatter: %v", err)
	}
	scatter.GlyphStyle.Color = color.RGBA{R: 169, G: 169, B: 169}
	scatter.Shape = draw.CrossGlyph{}
	scatter.GlyphStyle.Radius = vg.Points(3)

	p.Add(line, scatter)
	p.Legend.Add("RMS", line)

	return p, nil
}
