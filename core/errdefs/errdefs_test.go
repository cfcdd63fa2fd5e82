package errdefs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExecutionKeepsCause(t *testing.T) {
	err := Execution("forecast[0,1]", io.ErrUnexpectedEOF)
	assert.ErrorIs(t, err, ErrExecution)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	var te *TaskError
	if assert.ErrorAs(t, err, &te) {
		assert.Equal(t, "forecast[0,1]", te.Task)
	}
	assert.Contains(t, err.Error(), "forecast[0,1]")
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		kind error
	}{
		{Configuration("bad %d", 1), ErrConfiguration},
		{ModelLoad("missing"), ErrModelLoad},
		{GraphConstruction("shape"), ErrGraphConstruction},
		{Execution("t", errors.New("boom")), ErrExecution},
		{Cancelled(context.Canceled), ErrCancelled},
		{Data("bad"), ErrData},
		{Execution("load[0,0]", Data("truncated")), ErrExecution},
		{fmt.Errorf("lat: %w", Configuration("size")), ErrConfiguration},
		{errors.New("plain"), nil},
	}
	for _, c := range cases {
		if got := KindOf(c.err); got != c.kind {
			t.Fatalf("KindOf(%v) = %v, want %v", c.err, got, c.kind)
		}
	}
}

func TestCancelledUnwrapsContextError(t *testing.T) {
	err := Cancelled(context.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "run cancelled: context deadline exceeded", err.Error())
}

func TestTrace(t *testing.T) {
	assert.Empty(t, Trace(nil))

	err := fmt.Errorf("run: %w", Execution("load[0,0]", Data("truncated chunk")))
	assert.Equal(t, "run: execution error: task load[0,0]: data error: truncated chunk\n"+
		"  execution error: task load[0,0]: data error: truncated chunk\n"+
		"    task load[0,0]: data error: truncated chunk\n"+
		"      data error: truncated chunk\n"+
		"        truncated chunk\n", Trace(err))

	err = Panic("forecast[1,0]", "index out of range", []byte("goroutine 7 [running]:\n"))
	assert.ErrorIs(t, err, ErrExecution)
	trace := Trace(err)
	assert.Contains(t, trace, "  task forecast[1,0]: panic: index out of range\n")
	assert.Contains(t, trace, "panic in task forecast[1,0]:\ngoroutine 7 [running]:\n")
}
