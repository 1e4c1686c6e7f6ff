package render

import (
	"math"
	"os"

	"github.com/pkg/errors"
	chart "github.com/wcharczuk/go-chart"
)

// Series is one named line of a chart
type Series struct {
	Name string
	X    []float64
	Y    []float64
}

// WriteCurves renders the series as a line chart PNG against training step.
// Series with fewer than two points are left out; nothing is written when no
// series remains.
func WriteCurves(path, title string, series ...Series) error {
	var lines []chart.Series
	xr := [2]float64{math.Inf(1), math.Inf(-1)}
	yr := [2]float64{math.Inf(1), math.Inf(-1)}

	for i, s := range series {
		if len(s.X) < 2 || len(s.X) != len(s.Y) {
			continue
		}
		for j := range s.X {
			xr[0], xr[1] = math.Min(xr[0], s.X[j]), math.Max(xr[1], s.X[j])
			yr[0], yr[1] = math.Min(yr[0], s.Y[j]), math.Max(yr[1], s.Y[j])
		}
		lines = append(lines, chart.ContinuousSeries{
			Name:    s.Name,
			XValues: s.X,
			YValues: s.Y,
			Style: chart.Style{
				Show:        true,
				StrokeColor: chart.GetAlternateColor(i),
			},
		})
	}
	if len(lines) == 0 {
		return nil
	}
	if xr[1] <= xr[0] {
		xr[1] = xr[0] + 1
	}
	if yr[1]-yr[0] < 1e-6 {
		yr[0], yr[1] = yr[0]-0.5, yr[1]+0.5
	}

	graph := chart.Chart{
		Title:      title,
		TitleStyle: chart.StyleShow(),
		XAxis: chart.XAxis{
			Name:      "step",
			NameStyle: chart.StyleShow(),
			Style:     chart.StyleShow(),
			Range:     &chart.ContinuousRange{Min: xr[0], Max: xr[1]},
		},
		YAxis: chart.YAxis{
			Style: chart.StyleShow(),
			Range: &chart.ContinuousRange{Min: yr[0], Max: yr[1]},
		},
		Series: lines,
	}
	graph.Elements = []chart.Renderable{
		chart.LegendLeft(&graph),
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create curves file")
	}
	if err := graph.Render(chart.PNG, f); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to render curves")
	}
	return f.Close()
}
