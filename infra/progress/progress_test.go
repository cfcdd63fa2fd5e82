package progress

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kilianp07/wqforecast/core/scheduler"
	"github.com/kilianp07/wqforecast/internal/eventbus"
)

func TestBarFollowsEvents(t *testing.T) {
	bus := eventbus.NewTyped[scheduler.Event]()
	var out bytes.Buffer
	bar := Attach(bus, &out)

	bus.Publish(scheduler.Event{State: scheduler.Executing})
	for i := 1; i <= 4; i++ {
		bus.Publish(scheduler.Event{State: scheduler.Executing, Task: "load[0,0]", Done: i, Total: 4})
	}
	// a failed task does not advance the count
	bus.Publish(scheduler.Event{State: scheduler.Executing, Task: "load[0,1]", Done: 4, Total: 4})
	bus.Publish(scheduler.Event{State: scheduler.Completed})
	bus.Close()
	bar.Wait()

	s := out.String()
	assert.Equal(t, 4, strings.Count(s, "\r"))
	assert.Contains(t, s, "1/4 tasks")
	assert.Contains(t, s, "4/4 tasks")
	assert.Contains(t, s, "100%")
	assert.True(t, strings.HasSuffix(s, "\ncompleted\n"), s)
}

func TestBarNeverMovesBackwards(t *testing.T) {
	bus := eventbus.NewTyped[scheduler.Event]()
	var out bytes.Buffer
	bar := Attach(bus, &out)

	for _, done := range []int{1, 3, 2, 4, 3, 5} {
		bus.Publish(scheduler.Event{State: scheduler.Executing, Task: "load[0,0]", Done: done, Total: 5})
	}
	bus.Close()
	bar.Wait()

	s := out.String()
	assert.Equal(t, 4, strings.Count(s, "\r"))
	assert.NotContains(t, s, "2/5 tasks")
	assert.Less(t, strings.Index(s, "3/5 tasks"), strings.Index(s, "4/5 tasks"))
	assert.Equal(t, 1, strings.Count(s, "3/5 tasks"))
	assert.True(t, strings.HasSuffix(s, "5/5 tasks"), s)
}
