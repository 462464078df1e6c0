package metrics

import (
	"io"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgsvg"
)

// Plot renders the train and valid curves of metric against epoch.
func Plot(h *History, metric string) (*plot.Plot, error) {
	train, valid, err := h.Series(metric)
	if err != nil {
		return nil, err
	}
	p := plot.New()
	p.Title.Text = metric
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = metric
	if metric == MetricAccuracy {
		p.Y.Label.Text = "accuracy %"
		p.Y.Min, p.Y.Max = 0, 100
	}
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	for i, series := range []struct {
		name   string
		values []float64
	}{{"train", train}, {"valid", valid}} {
		if len(series.values) == 0 {
			continue
		}
		pts := make(plotter.XYs, len(series.values))
		for j, v := range series.values {
			pts[j].X = float64(h.Epochs[j].Epoch)
			pts[j].Y = v
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, errors.Wrapf(err, "plot %s %s", series.name, metric)
		}
		line.Width = vg.Points(2)
		line.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(series.name, line)
	}
	return p, nil
}

// WriteSVG writes a single metric plot.
func WriteSVG(w io.Writer, h *History, metric string, width, height vg.Length) error {
	p, err := Plot(h, metric)
	if err != nil {
		return err
	}
	writer, err := p.WriterTo(width, height, "svg")
	if err != nil {
		return errors.Wrap(err, "render svg")
	}
	_, err = writer.WriteTo(w)
	return errors.Wrap(err, "write svg")
}

// WriteSummarySVG writes loss and accuracy side by side.
func WriteSummarySVG(w io.Writer, h *History, width, height vg.Length) error {
	loss, err := Plot(h, MetricLoss)
	if err != nil {
		return err
	}
	acc, err := Plot(h, MetricAccuracy)
	if err != nil {
		return err
	}
	img := vgsvg.New(width, height)
	tiles := draw.Tiles{Rows: 1, Cols: 2, PadX: vg.Millimeter * 4, PadTop: vg.Millimeter * 2, PadBottom: vg.Millimeter * 2}
	canvases := plot.Align([][]*plot.Plot{{loss, acc}}, tiles, draw.New(img))
	loss.Draw(canvases[0][0])
	acc.Draw(canvases[0][1])
	_, err = img.WriteTo(w)
	return errors.Wrap(err, "write svg")
}
