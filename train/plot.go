package train

import (
	"path/filepath"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/YuminosukeSato/wekadl/pkg/errors"
)

// PlotListener records the loss curve and writes it as an image when
// training ends. The format follows the file extension (png, svg, pdf...).
type PlotListener struct {
	Path   string
	Title  string
	Width  vg.Length
	Height vg.Length

	history History
}

// NewPlotListener creates a listener that saves the loss curve to path.
func NewPlotListener(path string) *PlotListener {
	return &PlotListener{
		Path:   path,
		Title:  "training loss",
		Width:  6 * vg.Inch,
		Height: 4 * vg.Inch,
	}
}

func (p *PlotListener) EpochDone(env *EpochEnv) error {
	return p.history.EpochDone(env)
}

func (p *PlotListener) TrainingDone(*Result) error {
	if p.history.Len() == 0 {
		return nil
	}
	pl, err := PlotHistory(&p.history, p.Title)
	if err != nil {
		return err
	}
	if ext := strings.ToLower(filepath.Ext(p.Path)); ext == "" {
		return errors.NewValidationError("plot path", "needs a file extension", p.Path)
	}
	if err := pl.Save(p.Width, p.Height, p.Path); err != nil {
		return errors.Wrapf(err, "save plot to %s", p.Path)
	}
	return nil
}

// PlotHistory draws the loss (and validation score when present) per epoch.
func PlotHistory(h *History, title string) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "score"
	p.Add(plotter.NewGrid())

	loss := make(plotter.XYs, len(h.Loss))
	for i, v := range h.Loss {
		loss[i].X = float64(i + 1)
		loss[i].Y = v
	}
	line, err := plotter.NewLine(loss)
	if err != nil {
		return nil, errors.Wrap(err, "loss line")
	}
	p.Add(line)
	p.Legend.Add("loss", line)

	if len(h.Validation) > 0 {
		val := make(plotter.XYs, len(h.Validation))
		for i, v := range h.Validation {
			val[i].X = float64(h.ValidationEpochs[i] + 1)
			val[i].Y = v
		}
		vline, err := plotter.NewLine(val)
		if err != nil {
			return nil, errors.Wrap(err, "validation line")
		}
		vline.LineStyle.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
		p.Add(vline)
		p.Legend.Add("validation", vline)
	}
	return p, nil
}
