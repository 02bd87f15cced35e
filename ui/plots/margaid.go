package plots

import (
	"fmt"
	"io"
	"math"
	"os"
	"path"

	mg "github.com/erkkah/margaid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/tandem/pkg/ml/train"
	"github.com/gomlx/tandem/pkg/support/xslices"
)

// Plots holds one plot per "metric type", where the metric type is a
// unit/quantity unique name. It's assumed that series of the same metric
// type can share the same Y-axis and hence the same plot.
//
// It implements Plotter, rendering with the margaid SVG library.
type Plots struct {
	// Width and Height of the rendered SVGs, in pixels.
	Width, Height int

	// PerMetricType indexes the plot holding each metric type's series.
	PerMetricType map[string]*Plot

	samplesAdded int

	// Axis projections given to every new Plot.
	xProjection, yProjection mg.Projection

	// Set by WithFile: new points stream to fileWriter, fileErr reports the
	// writer's outcome at Done.
	fileWriter chan<- Point
	fileErr    <-chan error

	svgDir          string
	customMetricFns []CustomMetricFn
}

var _ Plotter = (*Plots)(nil)

// New creates a new Plots collection of the given rendered dimensions.
//
// It starts empty and can have the points added manually with AddPoint or
// automatically with Attach. Use SaveSVGs (or Attach combined with
// WithSVGDir) to actually generate the plots.
func New(width, height int) *Plots {
	return &Plots{
		Width:       width,
		Height:      height,
		xProjection: mg.Lin,
		yProjection: mg.Lin,
	}
}

// LogScaleX sets Plots to use a log scale on the X-axis.
// If not set, it uses linear scale.
func (ps *Plots) LogScaleX() *Plots {
	ps.xProjection = mg.Log
	return ps
}

// LogScaleY sets Plots to use a log scale on the Y-axis.
// If not set, it uses linear scale.
func (ps *Plots) LogScaleY() *Plots {
	ps.yProjection = mg.Log
	return ps
}

// WithSVGDir sets the directory where Attach writes the final SVG files, one
// per metric type, at the end of the loop.
func (ps *Plots) WithSVGDir(dir string) *Plots {
	ps.svgDir = dir
	return ps
}

// WithCustomMetrics registers functions called whenever training metrics are
// collected by Attach, so arbitrary extra series can be plotted alongside.
func (ps *Plots) WithCustomMetrics(fns ...CustomMetricFn) *Plots {
	ps.customMetricFns = append(ps.customMetricFns, fns...)
	return ps
}

// WithFile uses the filePath both to load previous data points and to save
// any new data points, so an interrupted training can resume its plots.
//
// New data-points are saved asynchronously -- not to slow down training,
// with the downside of potentially having I/O issues reported only at Done.
//
// Consider using TrainingPlotFileName as the file name, if you don't have one.
func (ps *Plots) WithFile(filePath string) (*Plots, error) {
	if _, err := ps.PreloadFile(filePath); err != nil {
		if !os.IsNotExist(errors.Cause(err)) {
			return nil, err
		}
		// No previous points, the writer will create the file.
	}
	ps.fileWriter, ps.fileErr = CreatePointsWriter(filePath)
	return ps, nil
}

// PreloadFile loads data points from filePath into the collection, without
// arranging for new points to be saved.
func (ps *Plots) PreloadFile(filePath string) (*Plots, error) {
	points, err := LoadPoints(filePath)
	if err != nil {
		return nil, err
	}
	for _, point := range points {
		ps.addToPlot(point)
	}
	if n := ps.shortestSeries(); n > ps.samplesAdded {
		ps.samplesAdded = n
	}
	return ps, nil
}

// shortestSeries is the point count of the shortest series, -1 when there are
// none. A preloaded file has at least that many complete samples.
func (ps *Plots) shortestSeries() int {
	shortest := -1
	for _, plt := range ps.PerMetricType {
		for _, series := range plt.PerName {
			if n := series.Size(); shortest < 0 || n < shortest {
				shortest = n
			}
		}
	}
	return shortest
}

// Done indicates that no more points are coming. It closes the asynchronous
// job writing new points, if any, and returns its final error.
func (ps *Plots) Done() error {
	if ps.fileWriter == nil {
		return nil
	}
	close(ps.fileWriter)
	ps.fileWriter = nil
	return <-ps.fileErr
}

// AddPoint implements Plotter. Invalid (NaN or infinite) points are dropped.
func (ps *Plots) AddPoint(point Point) {
	if !validPoint(point) {
		return
	}
	if ps.fileWriter != nil {
		ps.fileWriter <- point // Written by the background job.
	}
	ps.addToPlot(point)
}

func (ps *Plots) addToPlot(point Point) {
	if !validPoint(point) {
		return
	}
	ps.plotFor(point.MetricType).AddPoint(point.MetricName, point.Step, point.Value)
}

// plotFor returns the plot of the metric type, creating it on first use.
func (ps *Plots) plotFor(metricType string) *Plot {
	if ps.PerMetricType == nil {
		ps.PerMetricType = make(map[string]*Plot)
	}
	if p, found := ps.PerMetricType[metricType]; found {
		return p
	}
	p := &Plot{
		MetricType:  metricType,
		PerName:     make(map[string]*mg.Series),
		xProjection: ps.xProjection,
		yProjection: ps.yProjection,
	}
	ps.PerMetricType[metricType] = p
	return p
}

func validPoint(point Point) bool {
	return !math.IsNaN(point.Value) && !math.IsInf(point.Value, 0) &&
		!math.IsNaN(point.Step) && !math.IsInf(point.Step, 0)
}

// AddValues adds one point per value, using the value's index as the step.
// metricName labels the series and metricType selects the plot; both may be
// empty when a single untitled plot is enough.
func (ps *Plots) AddValues(metricName, metricType string, values []float64) {
	for step, value := range values {
		ps.AddPoint(Point{
			MetricName: metricName,
			MetricType: metricType,
			Step:       float64(step),
			Value:      value,
		})
	}
}

// DynamicSampleDone implements Plotter, counting complete samples.
func (ps *Plots) DynamicSampleDone(incomplete bool) {
	if !incomplete {
		ps.samplesAdded++
	}
}

// Samples returns the number of complete samples collected so far.
func (ps *Plots) Samples() int { return ps.samplesAdded }

// Attach plots to the given loop, collecting metric values numPoints times
// over the run. At the end of the loop the point file (if any) is closed
// and, if WithSVGDir was set, the plots are rendered there.
func (ps *Plots) Attach(loop *train.Loop, numPoints int) *Plots {
	train.NTimesDuringLoop(loop, numPoints, "margaid plots", 0, func(loop *train.Loop, metrics train.Metrics) error {
		if err := AddTrainMetrics(ps, loop, metrics); err != nil {
			return err
		}
		for _, fn := range ps.customMetricFns {
			if err := fn(ps, float64(loop.LoopStep)); err != nil {
				return err
			}
		}
		return nil
	})
	loop.OnEnd("margaid plots", 120, func(_ *train.Loop, _ train.Metrics) error {
		if err := ps.Done(); err != nil {
			return err
		}
		if ps.svgDir == "" {
			return nil
		}
		klog.V(1).Infof("plots: %d samples collected, writing SVGs to %s", ps.samplesAdded, ps.svgDir)
		return ps.SaveSVGs(ps.svgDir)
	})
	return ps
}

// SaveSVGs renders one SVG file per metric type into dir, named
// "training_<metric type>.svg".
func (ps *Plots) SaveSVGs(dir string) error {
	for _, metricType := range xslices.SortedKeys(ps.PerMetricType) {
		p := ps.PerMetricType[metricType]
		if len(p.PerName) == 0 {
			continue
		}
		filePath := path.Join(dir, fmt.Sprintf("training_%s.svg", metricType))
		f, err := os.Create(filePath)
		if err != nil {
			return errors.Wrapf(err, "failed to create plot file %q", filePath)
		}
		err = p.RenderSVG(ps.Width, ps.Height, f)
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return errors.WithMessagef(err, "rendering plot %q", filePath)
		}
	}
	return nil
}

// Plot draws the series of one metric type, which share a Y-axis.
type Plot struct {
	MetricType string

	// PerName holds one series per metric name.
	PerName map[string]*mg.Series

	// allPoints keeps every point of every series; the axis ranges come
	// from it.
	allPoints *mg.Series

	xProjection, yProjection mg.Projection
}

// AddPoint appends (step, value) to the named metric's series.
func (p *Plot) AddPoint(metricName string, step, value float64) {
	v := mg.MakeValue(step, value)
	p.seriesFor(metricName).Add(v)
	p.allPoints.Add(v)
}

// seriesFor returns the named series, creating it on first use.
func (p *Plot) seriesFor(metricName string) *mg.Series {
	if p.allPoints == nil {
		p.allPoints = mg.NewSeries()
	}
	if s, found := p.PerName[metricName]; found {
		return s
	}
	s := mg.NewSeries(mg.Titled(metricName))
	p.PerName[metricName] = s
	return s
}

// RenderSVG draws all series of the plot as SVG into w. Series are drawn in
// name order, so colors stay stable across renders.
func (p *Plot) RenderSVG(width, height int, w io.Writer) error {
	names := xslices.SortedKeys(p.PerName)
	if len(names) == 0 {
		return errors.Errorf("plot %q has no series to render", p.MetricType)
	}
	series := make([]*mg.Series, len(names))
	for i, name := range names {
		series[i] = p.PerName[name]
	}

	diagram := mg.New(width, height,
		mg.WithAutorange(mg.XAxis, series...),
		mg.WithProjection(mg.XAxis, p.xProjection),
		mg.WithAutorange(mg.YAxis, series...),
		mg.WithProjection(mg.YAxis, p.yProjection),
		mg.WithInset(70),
		mg.WithPadding(2),
		mg.WithColorScheme(90),
		mg.WithBackgroundColor("#f8f8f8"),
	)
	for _, s := range series {
		diagram.Line(s, mg.UsingAxes(mg.XAxis, mg.YAxis), mg.UsingMarker("square"), mg.UsingStrokeWidth(2))
	}
	diagram.Axis(p.allPoints, mg.XAxis, diagram.ValueTicker('f', 0, 10), false, "Steps")
	diagram.Axis(p.allPoints, mg.YAxis, diagram.ValueTicker('f', 3, 10), true, p.MetricType)
	diagram.Frame()
	if p.MetricType != "" {
		diagram.Title(fmt.Sprintf("%s metrics", p.MetricType))
	}
	if len(names) > 1 || names[0] != "" {
		diagram.Legend(mg.BottomLeft)
	}
	return errors.Wrapf(diagram.Render(w), "failed to render plot for %q", p.MetricType)
}
