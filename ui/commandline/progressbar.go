package commandline

import (
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/rctrace/pkg/lifecycle"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBar displays the iterations completed by a run. It is fed by the observations: an iteration
// counts as done when its last checkpoint is observed.
type ProgressBar struct {
	mu             sync.Mutex
	bar            *progressbar.ProgressBar
	termenv        *termenv.Output
	lastCheckpoint lifecycle.Checkpoint
	numIterations  int
	done           int
	suffix         string
}

// NewProgressBar creates a progress bar for numIterations of mode, written to w.
// Usually w is os.Stderr, so it doesn't mix with the observations printed to os.Stdout.
func NewProgressBar(w io.Writer, mode lifecycle.Mode, numIterations int) *ProgressBar {
	checkpoints := mode.Checkpoints()
	pBar := &ProgressBar{
		termenv:        termenv.NewOutput(w),
		lastCheckpoint: checkpoints[len(checkpoints)-1],
		numIterations:  numIterations,
	}
	pBar.bar = progressbar.NewOptions(numIterations,
		progressbar.OptionSetDescription(fmt.Sprintf("%-8s", mode)),
		progressbar.OptionSetWriter(&progressWriter{pBar: pBar, w: w}),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("iterations"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionClearOnFinish(),
	)
	pBar.termenv.HideCursor()
	return pBar
}

// progressWriter appends the current suffix to each write of the progress bar, so they are written together.
type progressWriter struct {
	pBar *ProgressBar
	w    io.Writer
}

func (pw *progressWriter) Write(data []byte) (n int, err error) {
	n, err = pw.w.Write(data)
	if err != nil {
		return n, err
	}
	if pw.pBar.suffix != "" {
		if _, err = io.WriteString(pw.w, pw.pBar.suffix); err != nil {
			return 0, err
		}
	}
	return
}

// Observe advances the progress bar if the observation is the last checkpoint of an iteration.
// It can be used as a lifecycle.Observer.
func (pBar *ProgressBar) Observe(o lifecycle.Observation) {
	if o.Checkpoint != pBar.lastCheckpoint {
		return
	}
	pBar.mu.Lock()
	defer pBar.mu.Unlock()
	pBar.done++
	pBar.suffix = fmt.Sprintf(" [%s of %s]\033[J", humanize.Comma(int64(pBar.done)), humanize.Comma(int64(pBar.numIterations)))
	_ = pBar.bar.Add(1)
}

// Done returns the number of iterations completed so far.
func (pBar *ProgressBar) Done() int {
	pBar.mu.Lock()
	defer pBar.mu.Unlock()
	return pBar.done
}

// Finish clears the progress bar and restores the cursor.
func (pBar *ProgressBar) Finish() {
	pBar.mu.Lock()
	defer pBar.mu.Unlock()
	_ = pBar.bar.Finish()
	pBar.termenv.ShowCursor()
}
