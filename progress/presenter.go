package progress

import (
	"fmt"
	"io"
	"sync"

	"github.com/n0rdy/kbq/common"
	"github.com/n0rdy/kbq/scheduler"

	"github.com/schollz/progressbar/v3"
)

const barWidth = 30

var barTheme = progressbar.Theme{
	Saucer:        "#",
	SaucerPadding: "-",
	BarStart:      "[",
	BarEnd:        "]",
}

// Presenter renders status cards as text. The polled status is a live bar redrawn in place,
// round and terminal events are plain lines. It is shared by the scheduler sessions and the pollers,
// so writes are serialized.
type Presenter struct {
	mu      sync.Mutex
	out     io.Writer
	verbose bool
	bars    map[string]*progressbar.ProgressBar
	// the last bar drawn still owns the current line
	barDrawn *progressbar.ProgressBar
}

func NewPresenter(out io.Writer, verbose bool) *Presenter {
	return &Presenter{
		out:     out,
		verbose: verbose,
		bars:    make(map[string]*progressbar.ProgressBar),
	}
}

func (p *Presenter) ShowStatus(queue common.QueueHandle, status *common.QueueStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := int64(status.Total)
	if total < 1 {
		total = 1
	}

	bar, ok := p.bars[queue.QueueId]
	if !ok {
		bar = progressbar.NewOptions64(total,
			progressbar.OptionSetWriter(p.out),
			progressbar.OptionSetWidth(barWidth),
			progressbar.OptionSetTheme(barTheme),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionSetElapsedTime(false),
		)
		p.bars[queue.QueueId] = bar
	} else {
		bar.ChangeMax64(total)
	}

	if p.barDrawn != nil && p.barDrawn != bar {
		p.barDrawn.Clear()
	}
	bar.Describe(fmt.Sprintf("%s %d/%d done, %d failed, %d pending, %d processing",
		label(queue),
		status.Completed,
		status.Total,
		status.Failed,
		status.Pending,
		status.Processing,
	))
	bar.Set64(int64(status.Completed + status.Failed))
	p.barDrawn = bar
}

// Flush ends the line of the bar drawn last, for one-off status cards.
func (p *Presenter) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.barDrawn != nil {
		fmt.Fprintln(p.out)
		p.barDrawn = nil
	}
}

// clearBar wipes the live bar so that a plain line can take its place, the next poll redraws it.
func (p *Presenter) clearBar() {
	if p.barDrawn != nil {
		p.barDrawn.Clear()
		p.barDrawn = nil
	}
}

func (p *Presenter) OnProgress(progress scheduler.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.clearBar()
	fmt.Fprintf(p.out, "%s round %d: %d items, %d processed, %d failed so far\n",
		label(progress.Queue), progress.Round, progress.BatchItems, progress.Completed, progress.Failed)

	if !p.verbose {
		return
	}
	for _, title := range progress.Titles {
		fmt.Fprintf(p.out, "    + %s\n", title)
	}
	for _, failure := range progress.Failures {
		fmt.Fprintf(p.out, "    ! %s: %s\n", failure.Item.Data, failure.Error)
	}
}

func (p *Presenter) OnTerminal(outcome scheduler.Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.clearBar()
	delete(p.bars, outcome.Queue.QueueId)

	switch outcome.Reason {
	case scheduler.AbortedReason:
		fmt.Fprintf(p.out, "%s stopped: %d processed, %d failed before the stop\n",
			label(outcome.Queue), outcome.Completed, outcome.Failed)
		return
	case scheduler.CompleteReason:
		fmt.Fprintf(p.out, "%s complete: %d processed, %d failed in %d rounds\n",
			label(outcome.Queue), outcome.Completed, outcome.Failed, outcome.Rounds)
	}

	if !outcome.Verified {
		fmt.Fprintln(p.out, "    the server could not confirm that every item was handled, check the queue status")
	}

	if outcome.Status == nil {
		for _, failure := range outcome.Failures {
			fmt.Fprintf(p.out, "    ! %s: %s\n", failure.Item.Data, failure.Error)
		}
		return
	}

	status := outcome.Status
	fmt.Fprintf(p.out, "    %d/%d completed, %d failed (%d%%)\n", status.Completed, status.Total, status.Failed, status.Percentage)
	for _, fi := range status.FailedItems {
		fmt.Fprintf(p.out, "    ! %s: %s (attempts: %d)\n", fi.ItemData, fi.ErrorMessage, fi.Attempts)
	}
}

func label(queue common.QueueHandle) string {
	return fmt.Sprintf("[%s %s]", queue.QueueType, shortId(queue.QueueId))
}

func shortId(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}
