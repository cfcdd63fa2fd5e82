// Package progress renders scheduler events as a console progress bar.
package progress

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/bubbles/progress"

	"github.com/kilianp07/wqforecast/core/scheduler"
	"github.com/kilianp07/wqforecast/internal/eventbus"
)

const buffer = 256

// Bar draws the completed task count of one run on a single line.
type Bar struct {
	w     io.Writer
	model progress.Model
	done  int
	wg    sync.WaitGroup
}

// Attach subscribes a bar to bus. The bar stops when the bus is closed.
func Attach(bus eventbus.EventBus[scheduler.Event], w io.Writer) *Bar {
	b := &Bar{w: w, model: progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)), done: -1}
	sub := bus.SubscribeBuffered(buffer)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for e := range sub {
			b.render(e)
		}
	}()
	return b
}

// Wait blocks until the bar has drawn every event delivered before the bus
// was closed.
func (b *Bar) Wait() { b.wg.Wait() }

func (b *Bar) render(e scheduler.Event) {
	if e.Task == "" {
		if e.State.Terminal() {
			fmt.Fprintf(b.w, "\n%s\n", e.State)
		}
		return
	}
	// the bar only moves forward
	if e.Total == 0 || e.Done <= b.done {
		return
	}
	b.done = e.Done
	fmt.Fprintf(b.w, "\r%s %d/%d tasks", b.model.ViewAs(float64(e.Done)/float64(e.Total)), e.Done, e.Total)
}
