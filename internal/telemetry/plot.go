package telemetry

import (
	"errors"
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/navpolicy/internal/policy"
)

// ErrNoSamples is returned when there is no batch to render.
var ErrNoSamples = errors.New("no sampled trajectories")

// RenderSamples draws every sampled trajectory from the robot origin as a PNG.
// The waypoint at index on the first sample, the one that was commanded, is
// marked.
func RenderSamples(w io.Writer, t policy.Trajectories, tick uint64, waypoint int) error {
	if t.Samples < 1 || t.Horizon < 1 || len(t.Data) < t.Samples*t.Horizon*2 {
		return ErrNoSamples
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Tick %d - Sampled Trajectories", tick)
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"
	p.Add(plotter.NewGrid())

	for s := 0; s < t.Samples; s++ {
		pts := make(plotter.XYs, 0, t.Horizon+1)
		pts = append(pts, plotter.XY{})
		for i := 0; i < t.Horizon; i++ {
			pt := t.Point(s, i)
			pts = append(pts, plotter.XY{X: pt[0], Y: pt[1]})
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("sample %d line: %w", s, err)
		}
		line.Color = plotutil.Color(s)
		line.Width = vg.Points(1)
		p.Add(line)
		if s < 8 {
			p.Legend.Add(fmt.Sprintf("sample %d", s), line)
		}
	}

	if waypoint >= 0 && waypoint < t.Horizon {
		pt := t.Point(0, waypoint)
		marker, err := plotter.NewScatter(plotter.XYs{{X: pt[0], Y: pt[1]}})
		if err != nil {
			return fmt.Errorf("waypoint marker: %w", err)
		}
		marker.GlyphStyle.Shape = draw.CrossGlyph{}
		marker.GlyphStyle.Radius = vg.Points(5)
		marker.GlyphStyle.Color = color.Black
		p.Add(marker)
		p.Legend.Add("waypoint", marker)
	}
	p.Legend.Top = true

	wt, err := p.WriterTo(6*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}
