// Package summary records training and validation scalars and renders loss
// curves from them.
package summary

import (
	"encoding/json"
	"io"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/YuminosukeSato/gopots/pkg/errors"
	"github.com/YuminosukeSato/gopots/pkg/log"
)

// Entry is one AddScalars call. Non-finite values are stored as null.
type Entry struct {
	Phase  string              `json:"phase"`
	Step   int                 `json:"step"`
	Time   time.Time           `json:"time"`
	Values map[string]*float64 `json:"values"`
}

// Writer keeps scalars in memory and optionally streams them as JSON lines.
type Writer struct {
	mu      sync.Mutex
	enc     *json.Encoder
	closer  io.Closer
	entries []Entry
}

// NewWriter creates a writer. w may be nil to keep scalars in memory only.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{}
	if w != nil {
		sw.enc = json.NewEncoder(w)
	}
	return sw
}

// Create opens (truncating) a JSON-lines file at path.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create summary file %s", path)
	}
	w := NewWriter(f)
	w.closer = f
	return w, nil
}

// AddScalars records values for phase ("training" or "validating") at step.
func (w *Writer) AddScalars(phase string, step int, values map[string]float64) error {
	e := Entry{
		Phase:  phase,
		Step:   step,
		Time:   time.Now().UTC(),
		Values: make(map[string]*float64, len(values)),
	}
	for k, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			e.Values[k] = nil
			continue
		}
		e.Values[k] = &v
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, e)
	if w.enc == nil {
		return nil
	}
	if err := w.enc.Encode(e); err != nil {
		return errors.Wrap(err, "failed to write summary entry")
	}
	return nil
}

// Entries returns a copy of everything recorded.
func (w *Writer) Entries() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Entry(nil), w.entries...)
}

// Series returns the finite points recorded for phase/name, ordered by step.
func (w *Writer) Series(phase, name string) plotter.XYs {
	w.mu.Lock()
	defer w.mu.Unlock()
	var pts plotter.XYs
	for _, e := range w.entries {
		if e.Phase != phase {
			continue
		}
		if v, ok := e.Values[name]; ok && v != nil {
			pts = append(pts, plotter.XY{X: float64(e.Step), Y: *v})
		}
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].X < pts[j].X })
	return pts
}

// series lists the distinct phase/name pairs in a stable order.
func (w *Writer) series() [][2]string {
	w.mu.Lock()
	defer w.mu.Unlock()
	seen := map[[2]string]bool{}
	var out [][2]string
	for _, e := range w.entries {
		for name := range e.Values {
			key := [2]string{e.Phase, name}
			if !seen[key] {
				seen[key] = true
				out = append(out, key)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// PlotLoss renders every recorded series as a line chart. The image format
// follows the file extension (.png, .svg, .pdf, ...).
func (w *Writer) PlotLoss(path string) error {
	p := plot.New()
	p.Title.Text = "Training summary"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "value"

	var lines []any
	for _, s := range w.series() {
		pts := w.Series(s[0], s[1])
		if len(pts) == 0 {
			continue
		}
		lines = append(lines, s[0]+" "+s[1], pts)
	}
	if len(lines) == 0 {
		return errors.NewValueError("summary.PlotLoss", "no finite scalars recorded")
	}
	if err := plotutil.AddLinePoints(p, lines...); err != nil {
		return errors.Wrap(err, "failed to add series")
	}
	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "failed to save plot %s", path)
	}
	log.GetLoggerWithName("summary").Debug("Rendered loss curves", log.ReportPathKey, path)
	return nil
}

// Close closes the file opened by Create.
func (w *Writer) Close() error {
	if w.closer == nil {
		return nil
	}
	return w.closer.Close()
}
