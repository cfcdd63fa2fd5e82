// Package errdefs defines the error kinds surfaced by a forecast run.
//
// Every error returned across a package boundary is classified by one of the
// sentinel kinds below. Callers test the kind with errors.Is and can still
// reach the underlying cause through the same chain:
//
//	if errors.Is(err, errdefs.ErrExecution) && errors.Is(err, io.ErrUnexpectedEOF) { ... }
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration reports invalid or mutually exclusive run parameters.
	ErrConfiguration = errors.New("configuration error")
	// ErrModelLoad reports an unresolvable or incompatible model.
	ErrModelLoad = errors.New("model load error")
	// ErrGraphConstruction reports a graph that cannot be built from the inputs.
	ErrGraphConstruction = errors.New("graph construction error")
	// ErrExecution reports a task that faulted while the graph was running.
	ErrExecution = errors.New("execution error")
	// ErrCancelled reports a run stopped by its caller.
	ErrCancelled = errors.New("run cancelled")
	// ErrData reports input that cannot be decoded at all. Missing values are
	// not errors; they travel through the pipeline as NaN.
	ErrData = errors.New("data error")
)

// Error pairs an error kind with its cause.
type Error struct {
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Err.Error()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func wrap(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Configuration returns an ErrConfiguration error.
func Configuration(format string, args ...any) error {
	return wrap(ErrConfiguration, format, args...)
}

// ModelLoad returns an ErrModelLoad error.
func ModelLoad(format string, args ...any) error {
	return wrap(ErrModelLoad, format, args...)
}

// GraphConstruction returns an ErrGraphConstruction error.
func GraphConstruction(format string, args ...any) error {
	return wrap(ErrGraphConstruction, format, args...)
}

// Data returns an ErrData error.
func Data(format string, args ...any) error {
	return wrap(ErrData, format, args...)
}

// Cancelled wraps the context error that stopped a run.
func Cancelled(cause error) error {
	return &Error{Kind: ErrCancelled, Err: cause}
}

// TaskError identifies the task whose failure aborted a run.
type TaskError struct {
	Task string
	Err  error
	// Stack is the goroutine stack of a task that panicked.
	Stack []byte
}

func (e *TaskError) Error() string { return fmt.Sprintf("task %s: %v", e.Task, e.Err) }

func (e *TaskError) Unwrap() error { return e.Err }

// Execution wraps the original cause of a task failure.
func Execution(task string, cause error) error {
	return &Error{Kind: ErrExecution, Err: &TaskError{Task: task, Err: cause}}
}

// Panic reports a task that panicked with value r.
func Panic(task string, r any, stack []byte) error {
	return &Error{Kind: ErrExecution, Err: &TaskError{Task: task, Err: fmt.Errorf("panic: %v", r), Stack: stack}}
}

// Trace renders err with one indented line per wrapped cause, followed by
// the stack of a panicking task when err carries one.
func Trace(err error) string {
	var b strings.Builder
	for depth, cur := 0, err; cur != nil; depth++ {
		fmt.Fprintf(&b, "%s%v\n", strings.Repeat("  ", depth), cur)
		switch e := cur.(type) {
		case *Error:
			cur = e.Err
		case interface{ Unwrap() []error }:
			cur = nil
			if errs := e.Unwrap(); len(errs) > 0 {
				cur = errs[len(errs)-1]
			}
		default:
			cur = errors.Unwrap(cur)
		}
	}
	var te *TaskError
	if errors.As(err, &te) && len(te.Stack) > 0 {
		fmt.Fprintf(&b, "panic in task %s:\n%s", te.Task, te.Stack)
	}
	return b.String()
}

// KindOf returns the outermost sentinel kind of err, or nil when err is
// unclassified. An execution error caused by a data error is an execution
// error.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for _, k := range []error{ErrCancelled, ErrConfiguration, ErrModelLoad, ErrGraphConstruction, ErrExecution, ErrData} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
