package visualization

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"warpreg/pkg/registration"
)

// PlotConvergence draws the metric of every accepted optimizer step, one
// line per resolution level, and saves it as an image to path. The format
// follows the file extension (png, svg, pdf, ...).
func PlotConvergence(history []registration.HistoryEntry, title, path string) error {
	if len(history) == 0 {
		return fmt.Errorf("no optimizer steps to plot")
	}
	return plotToFile(title, "accepted step", "similarity", path, func(p *plot.Plot) error {
		var args []interface{}
		start := 0
		for i := 1; i <= len(history); i++ {
			if i < len(history) && history[i].Level == history[start].Level {
				continue
			}
			args = append(args, fmt.Sprintf("level %d", history[start].Level), plotterXY(history[start:i]))
			start = i
		}
		return plotutil.AddLinePoints(p, args...)
	})
}

// plotToFile creates a plot with the given titles using the provided draw
// function and saves it to path.
func plotToFile(name, xTitle, yTitle, path string, draw func(*plot.Plot) error) error {
	p := plot.New()
	p.Title.Text = name
	p.X.Label.Text = xTitle
	p.Y.Label.Text = yTitle
	err := draw(p)
	if err != nil {
		return fmt.Errorf("could not draw plot contents: %w", err)
	}
	if err := p.Save(15*vg.Centimeter, 15*vg.Centimeter, path); err != nil {
		return fmt.Errorf("could not save plot: %w", err)
	}
	return nil
}

func plotterXY(entries []registration.HistoryEntry) plotter.XYs {
	xy := make(plotter.XYs, len(entries))
	for i, e := range entries {
		xy[i].X = float64(e.Step)
		xy[i].Y = e.Metric
	}
	return xy
}
