// Package plots collects training metrics as plot points, stores them as
// JSON streams, and renders them to SVG with the margaid library.
//
// The usual flow on a training binary: create a Plots with New, attach it to
// a train.Loop with Plots.Attach, and at the end of training the collected
// series are written as one SVG per metric type. Points can also be saved
// with WithFile and reloaded later for offline plotting.
package plots

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"

	"github.com/gomlx/tandem/pkg/ml/train"
	"github.com/gomlx/tandem/pkg/support/fsutil"
	"github.com/gomlx/tandem/pkg/support/sets"
	"github.com/gomlx/tandem/pkg/support/xslices"
)

// TrainingPlotFileName is the file name used inside an output directory for
// the JSON stream of plot points collected during training.
const TrainingPlotFileName = "training_plot_points.json"

// Point is one measurement of one metric at one step. Points are what gets
// saved to and loaded from the JSON stream.
type Point struct {
	// MetricName identifies the series this point belongs to.
	MetricName string

	// Short is an abbreviated name for dense displays.
	Short string

	// MetricType groups series that share a Y-axis, typically "loss" or
	// "accuracy". Series of one type render into the same plot.
	MetricType string

	// Step is the global training step, as a float64 for plotting.
	Step float64

	// Value measured at Step.
	Value float64
}

// Plotter receives points during training. Plots implements it.
type Plotter interface {
	// AddPoint records one point.
	AddPoint(point Point)

	// DynamicSampleDone marks the end of one sample (all the points of one
	// step). incomplete is true when some metric of the sample was NaN or
	// infinite and had to be dropped.
	DynamicSampleDone(incomplete bool)
}

// CustomMetricFn lets callers inject extra metrics into a Plotter at each
// sampled step.
type CustomMetricFn func(plotter Plotter, step float64) error

// AddTrainMetrics records the step's loss and accuracy on the plotter.
//
// It is usually wrapped in a closure and registered with
// train.NTimesDuringLoop or train.ExponentialCallback; Plots.Attach does
// that.
func AddTrainMetrics(plotter Plotter, loop *train.Loop, metrics train.Metrics) error {
	step := float64(loop.LoopStep)
	var incomplete bool
	add := func(name, short, metricType string, value float64) {
		if math.IsNaN(value) || math.IsInf(value, 0) {
			incomplete = true
			return
		}
		plotter.AddPoint(Point{MetricName: name, Short: short, MetricType: metricType, Step: step, Value: value})
	}
	add("Train: Loss", "T/loss", "loss", metrics.Loss)
	add("Train: Accuracy", "T/acc", "accuracy", metrics.Accuracy())
	plotter.DynamicSampleDone(incomplete)
	return nil
}

// LoadPointsFromDir loads the points saved under TrainingPlotFileName in the
// given directory. A leading "~" in dir is expanded.
func LoadPointsFromDir(dir string) ([]Point, error) {
	dir = fsutil.MustExpandTilde(dir)
	return LoadPoints(path.Join(dir, TrainingPlotFileName))
}

// LoadPoints parses the plot points saved in the given file, in the order
// they were written.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open plot points file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	var points []Point
	dec := json.NewDecoder(f)
	for {
		var point Point
		if err := dec.Decode(&point); err != nil {
			if errors.Is(err, io.EOF) {
				return points, nil
			}
			return nil, errors.Wrapf(err, "corrupt plot points file %q", filePath)
		}
		points = append(points, point)
	}
}

// CreatePointsWriter starts a goroutine that appends every Point sent on the
// returned channel to the given file, one JSON object per line. Close the
// channel to finish; the single error (or nil) is then reported on errReport.
// After a failure the goroutine keeps draining so senders never block.
func CreatePointsWriter(filePath string) (pointWriter chan<- Point, errReport <-chan error) {
	points := make(chan Point, 100)
	result := make(chan error, 1)
	go func() {
		result <- writePoints(filePath, points)
	}()
	return points, result
}

func writePoints(filePath string, points <-chan Point) error {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
	if err != nil {
		err = errors.Wrapf(err, "cannot append plot points to %q", filePath)
		klog.Errorf("%+v", err)
		for range points {
		}
		return err
	}
	enc := json.NewEncoder(f)
	for point := range points {
		if err != nil {
			continue
		}
		if encErr := enc.Encode(point); encErr != nil {
			err = errors.Wrapf(encErr, "cannot encode plot point %+v to %q", point, filePath)
			klog.Errorf("%+v", err)
		}
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = errors.Wrapf(closeErr, "closing plot points file %q", filePath)
	}
	return err
}

// Points indexes plot points by their step.
type Points map[float64][]Point

// NewPoints indexes the given points by step. Use LoadPoints or
// LoadPointsFromDir to read them from a file first.
func NewPoints(rawPoints []Point) Points {
	points := make(Points)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

func (points Points) sortedSteps() []float64 {
	steps := maps.Keys(points)
	slices.Sort(steps)
	return steps
}

// Map calls fn on every point, in increasing step order. Changing a point's
// Step through the pointer does not re-index it.
func (points Points) Map(fn func(p *Point)) {
	for _, step := range points.sortedSteps() {
		stepPoints := points[step]
		for i := range stepPoints {
			fn(&stepPoints[i])
		}
	}
}

// Filter drops the points for which fn returns false. Steps left without any
// points are removed from the index.
func (points Points) Filter(fn func(p Point) bool) {
	for step, stepPoints := range points {
		kept := slices.DeleteFunc(slices.Clone(stepPoints), func(p Point) bool {
			return !fn(p)
		})
		switch {
		case len(kept) == 0:
			delete(points, step)
		case len(kept) < len(stepPoints):
			points[step] = kept
		}
	}
}

// Extract flattens the index back to a list of points, sorted by step.
func (points Points) Extract() []Point {
	var rawPoints []Point
	points.Map(func(p *Point) {
		rawPoints = append(rawPoints, *p)
	})
	return rawPoints
}

// MetricsNames returns the metric names present in the collection, ordered
// by metric type first and then by name.
func (points Points) MetricsNames() []string {
	metricNames := sets.Make[string]()
	nameToType := make(map[string]string)
	points.Map(func(p *Point) {
		metricNames.Insert(p.MetricName)
		nameToType[p.MetricName] = p.MetricType
	})
	names := xslices.SortedKeys(metricNames)
	slices.SortStableFunc(names, func(a, b string) int {
		return cmp.Compare(nameToType[a], nameToType[b])
	})
	return names
}

// TableForMetrics renders a table of the collected values, one row per step,
// with a "Step" column followed by one column per metric name. With no
// arguments all metrics are included.
func (points Points) TableForMetrics(metrics ...string) string {
	if len(metrics) == 0 {
		metrics = points.MetricsNames()
	}
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == 0 {
				return headerStyle
			}
			return cellStyle
		})
	table.Headers(append([]string{"Step"}, metrics...)...)

	for _, step := range points.sortedSteps() {
		values := make(map[string]string, len(points[step]))
		for _, pt := range points[step] {
			values[pt.MetricName] = fmt.Sprintf("%f", pt.Value)
		}
		row := make([]string, 0, 1+len(metrics))
		row = append(row, fmt.Sprintf("%.0f", step))
		for _, name := range metrics {
			row = append(row, values[name])
		}
		table.Row(row...)
	}
	return table.String()
}

func (points Points) String() string {
	return points.TableForMetrics()
}
