package plots_test

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/tandem/pkg/ml/train"
	"github.com/gomlx/tandem/ui/plots"
)

type recordingPlotter struct {
	points  []plots.Point
	samples []bool
}

func (r *recordingPlotter) AddPoint(point plots.Point) { r.points = append(r.points, point) }
func (r *recordingPlotter) DynamicSampleDone(incomplete bool) {
	r.samples = append(r.samples, incomplete)
}

func TestPointsFileRoundTrip(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), plots.TrainingPlotFileName)
	writer, errReport := plots.CreatePointsWriter(filePath)
	writer <- plots.Point{MetricName: "Train: Loss", Short: "T/loss", MetricType: "loss", Step: 1, Value: 0.9}
	writer <- plots.Point{MetricName: "Train: Loss", Short: "T/loss", MetricType: "loss", Step: 2, Value: 0.7}
	writer <- plots.Point{MetricName: "Train: Accuracy", Short: "T/acc", MetricType: "accuracy", Step: 1, Value: 0.5}
	close(writer)
	require.NoError(t, <-errReport)

	loaded, err := plots.LoadPoints(filePath)
	require.NoError(t, err)
	require.Len(t, loaded, 3)

	fromDir, err := plots.LoadPointsFromDir(filepath.Dir(filePath))
	require.NoError(t, err)
	assert.Equal(t, loaded, fromDir)

	points := plots.NewPoints(loaded)
	assert.Equal(t, []string{"Train: Accuracy", "Train: Loss"}, points.MetricsNames())
	table := points.TableForMetrics()
	assert.Contains(t, table, "Step")
	assert.Contains(t, table, "Train: Loss")

	extracted := points.Extract()
	require.Len(t, extracted, 3)
	assert.Equal(t, 1.0, extracted[0].Step)

	points.Filter(func(p plots.Point) bool { return p.MetricType == "loss" })
	assert.Equal(t, []string{"Train: Loss"}, points.MetricsNames())
}

func TestAddTrainMetrics(t *testing.T) {
	rec := &recordingPlotter{}
	loop := &train.Loop{LoopStep: 7}
	require.NoError(t, plots.AddTrainMetrics(rec, loop, train.Metrics{Loss: 0.5, Correct: 3, Examples: 4}))
	require.Len(t, rec.points, 2)
	assert.Equal(t, "Train: Loss", rec.points[0].MetricName)
	assert.Equal(t, 7.0, rec.points[0].Step)
	assert.Equal(t, 0.5, rec.points[0].Value)
	assert.Equal(t, "Train: Accuracy", rec.points[1].MetricName)
	assert.Equal(t, 0.75, rec.points[1].Value)
	assert.Equal(t, []bool{false}, rec.samples)

	// A NaN loss makes the sample incomplete, but valid points still land.
	require.NoError(t, plots.AddTrainMetrics(rec, loop, train.Metrics{Loss: math.NaN(), Examples: 4}))
	assert.Len(t, rec.points, 3)
	assert.Equal(t, []bool{false, true}, rec.samples)
}

func TestPlotsRenderSVG(t *testing.T) {
	ps := plots.New(640, 320)
	ps.AddValues("train loss", "loss", []float64{1, 0.5, 0.25, 0.125})
	ps.AddValues("eval loss", "loss", []float64{1.1, 0.6, 0.35, 0.2})
	// Invalid points are dropped.
	ps.AddPoint(plots.Point{MetricName: "train loss", MetricType: "loss", Step: 4, Value: math.NaN()})

	p := ps.PerMetricType["loss"]
	require.NotNil(t, p)
	assert.Equal(t, 4, p.PerName["train loss"].Size())

	var buf bytes.Buffer
	require.NoError(t, p.RenderSVG(640, 320, &buf))
	svg := buf.String()
	assert.Contains(t, svg, "<svg")
	assert.Contains(t, svg, "loss metrics")

	dir := t.TempDir()
	require.NoError(t, ps.SaveSVGs(dir))
	_, err := os.Stat(filepath.Join(dir, "training_loss.svg"))
	require.NoError(t, err)
}

func TestPlotsWithFile(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), plots.TrainingPlotFileName)
	ps, err := plots.New(400, 200).WithFile(filePath)
	require.NoError(t, err)
	ps.AddPoint(plots.Point{MetricName: "Train: Loss", MetricType: "loss", Step: 1, Value: 0.9})
	ps.AddPoint(plots.Point{MetricName: "Train: Loss", MetricType: "loss", Step: 2, Value: 0.8})
	require.NoError(t, ps.Done())

	restored, err := plots.New(400, 200).PreloadFile(filePath)
	require.NoError(t, err)
	require.NotNil(t, restored.PerMetricType["loss"])
	assert.Equal(t, 2, restored.PerMetricType["loss"].PerName["Train: Loss"].Size())
	assert.Equal(t, 2, restored.Samples())
}
