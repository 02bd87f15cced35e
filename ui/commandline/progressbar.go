package commandline

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"

	"github.com/gomlx/tandem/pkg/ml/train"
)

// ExtraMetricFn returns one extra row (name and formatted value) to display
// under the progress bar. It runs on the display goroutine, at every redraw,
// so it must only read values that are safe to read concurrently.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the longest the display goes without a redraw while the
// loop is running.
var RefreshPeriod = time.Second * 3

// ProgressbarStyle selects the characters used to draw the bar itself.
// The default ASCII theme works on any terminal; progressbar.ThemeUnicode
// looks nicer where the glyphs are available.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name under which the progress bar registers its
// train.Loop hooks.
const ProgressBarName = "tandem.ui.commandline.progressBar"

// maxUpdateFrequency rate-limits redraws, so a fast training loop doesn't
// saturate the terminal (or the network, when running remotely).
const maxUpdateFrequency = time.Millisecond * 200

var (
	plainCell        = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedCell = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor = "#705090"
)

// barUpdate is one snapshot of progress queued for the display goroutine.
type barUpdate struct {
	steps int
	rows  [][2]string
}

// progressBar tracks one attached progress bar: the bar widget, the stats
// table below it and the channel feeding the display goroutine.
type progressBar struct {
	numSteps    int
	lastStep    int
	bar         *progressbar.ProgressBar
	eraseSuffix string

	output      *termenv.Output
	tableIndent lipgloss.Style
	table       *lgtable.Table
	firstDraw   bool

	updates    chan barUpdate
	drawerDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

// AttachProgressBar hooks a command-line progress bar onto the loop: while
// the loop runs it keeps a bar plus a small table of metrics redrawn in
// place on stdout.
//
// The bar's state lives in the loop's hooks, so nothing is returned. With
// model-parallel groups attach it to a single rank, normally the one whose
// first executor owns the last pipeline stage: the remaining ranks report
// zero loss and accuracy.
//
// Each extraMetrics function contributes one extra table row per redraw.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) {
	pb := &progressBar{
		firstDraw:      true,
		output:         termenv.NewOutput(os.Stdout),
		tableIndent:    lipgloss.NewStyle().PaddingLeft(8),
		extraMetricFns: extraMetrics,
	}
	pb.table = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedCell
			}
			return plainCell
		})

	// The buffer lets the training loop run ahead of a slow terminal.
	pb.updates = make(chan barUpdate, 100)
	pb.drawerDone.Add(1)
	go pb.drawLoop(loop)

	loop.OnStart(ProgressBarName, 0, pb.onStart)
	// Redraw at most 1000 times over the loop, but at least every RefreshPeriod.
	train.NTimesDuringLoop(loop, 1000, ProgressBarName, 0, pb.onStep)
	train.PeriodicCallback(loop, RefreshPeriod, false, ProgressBarName, 0, pb.onStep)
	loop.OnEnd(ProgressBarName, 0, pb.onEnd)
}

// Write implements io.Writer for the enclosed progressbar.ProgressBar: the
// bar line and the erase suffix must reach the terminal as a single write,
// otherwise leftovers from longer previous frames flicker through.
func (pb *progressBar) Write(data []byte) (int, error) {
	if pb.eraseSuffix == "" {
		return os.Stdout.Write(data)
	}
	line := make([]byte, 0, len(data)+len(pb.eraseSuffix))
	line = append(line, data...)
	line = append(line, pb.eraseSuffix...)
	if _, err := os.Stdout.Write(line); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (pb *progressBar) onStart(loop *train.Loop, _ train.Dataset) error {
	pb.lastStep = loop.LoopStep
	pb.numSteps = loop.EndStep - loop.StartStep
	if loop.EndStep < 0 {
		// Unknown duration, the bar total is a placeholder.
		pb.numSteps = 1000
	}
	pb.bar = progressbar.NewOptions(pb.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pb),
	)
	return nil
}

func (pb *progressBar) onStep(loop *train.Loop, metrics train.Metrics) error {
	if pb.bar.IsFinished() {
		return nil
	}
	steps := loop.LoopStep + 1 - pb.lastStep // LoopStep itself already ran.
	if steps <= 0 {
		return nil
	}
	pb.lastStep = loop.LoopStep + 1

	// Erase to the end of the screen after the bar, so frames narrower than
	// the previous one don't leave stray characters behind.
	pb.eraseSuffix = "\033[J"

	pb.updates <- barUpdate{
		steps: steps,
		rows: [][2]string{
			{"Global Step", fmt.Sprintf("%s of %s", humanizeInt(loop.LoopStep), humanizeInt(loop.EndStep))},
			{"Train loss", fmt.Sprintf("%.4f", metrics.Loss)},
			{"Accuracy", fmt.Sprintf("%.2f%%", 100*metrics.Accuracy())},
		},
	}
	return nil
}

func (pb *progressBar) onEnd(_ *train.Loop, _ train.Metrics) error {
	if pb.updates != nil {
		close(pb.updates)
	}
	pb.drawerDone.Wait()
	if pb.output != nil {
		pb.output.ShowCursor()
	}
	fmt.Println()
	return nil
}

// drawLoop consumes queued updates and redraws the display. Decoupling the
// drawing from the training loop matters when steps are faster than the
// terminal, e.g. training remotely over a slow connection.
func (pb *progressBar) drawLoop(loop *train.Loop) {
	defer pb.drawerDone.Done()
	for update := range pb.updates {
		update = pb.drainPending(update)
		pb.draw(loop, update)
		time.Sleep(maxUpdateFrequency)
	}
}

// drainPending folds every update already sitting in the buffer into the
// given one, so only the freshest snapshot gets drawn.
func (pb *progressBar) drainPending(update barUpdate) barUpdate {
	steps := update.steps
	for {
		select {
		case next, ok := <-pb.updates:
			if !ok {
				update.steps = steps
				return update
			}
			steps += next.steps
			update = next
		default:
			update.steps = steps
			return update
		}
	}
}

func (pb *progressBar) draw(loop *train.Loop, update barUpdate) {
	pb.table.Data(lgtable.NewStringData())
	for _, row := range update.rows {
		pb.table.Row(row[0], row[1])
	}
	pb.table.Row("Median train step duration", FormatDuration(loop.MedianTrainStepDuration()))
	for _, extraMetric := range pb.extraMetricFns {
		name, value := extraMetric()
		pb.table.Row(name, value)
	}

	pb.output.HideCursor()
	if !pb.firstDraw {
		// Move back over the previous frame: the table rows plus its two
		// border lines, then the bar line and the trailing blank line.
		tableRows := len(update.rows) + 1 + len(pb.extraMetricFns)
		pb.output.CursorPrevLine(tableRows + 2 + 2)
	}
	pb.firstDraw = false

	fmt.Println(pb.tableIndent.Render(pb.table.String()))
	_ = pb.bar.Add(update.steps) // Prints the bar line through pb.Write.
	fmt.Println()
	pb.output.ShowCursor()
}

// humanizeInt formats an integer with "_" grouping every three digits,
// e.g. 1234567 becomes "1_234_567".
func humanizeInt[I interface {
	uint64 | uint32 | uint16 | uint8 | int64 | int32 | int16 | int8 | int
}](value I) string {
	str := strconv.FormatInt(int64(value), 10)
	sign := ""
	if strings.HasPrefix(str, "-") {
		sign, str = "-", str[1:]
	}
	head := len(str) % 3
	if head == 0 {
		head = 3
	}
	groups := []string{str[:head]}
	for i := head; i < len(str); i += 3 {
		groups = append(groups, str[i:i+3])
	}
	return sign + strings.Join(groups, "_")
}
