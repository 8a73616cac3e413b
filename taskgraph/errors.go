package taskgraph

import "github.com/pkg/errors"

var (
	// ErrCancelled is returned for work that was cancelled before it ran.
	ErrCancelled = errors.New("operation cancelled")

	// ErrNotDependency is returned when a task asks for the result of a task
	// it does not depend on.
	ErrNotDependency = errors.New("task is not a dependency")

	// ErrForeignHandle is returned when a handle from another graph is used.
	ErrForeignHandle = errors.New("handle belongs to another graph")

	// ErrResultType is returned when a result does not have the requested
	// type.
	ErrResultType = errors.New("unexpected result type")

	// ErrQueueClosed is returned for jobs still pending when a SerialQueue
	// is closed.
	ErrQueueClosed = errors.New("queue closed")

	// ErrIncomplete is returned if a graph stops with the terminal task never
	// having run.
	ErrIncomplete = errors.New("graph finished without running terminal task")
)

// cancelError is ErrCancelled carrying the context error that caused it.
type cancelError struct {
	cause error
}

func cancelled(cause error) error {
	return &cancelError{cause: cause}
}

func (e *cancelError) Error() string {
	if e.cause == nil {
		return ErrCancelled.Error()
	}
	return ErrCancelled.Error() + ": " + e.cause.Error()
}

func (e *cancelError) Is(target error) bool {
	return target == ErrCancelled
}

func (e *cancelError) Unwrap() error {
	return e.cause
}

// IsCancelled returns true if the error is a cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// shortCircuit ends a graph early with a terminal value.
type shortCircuit struct {
	value interface{}
}

func (s *shortCircuit) Error() string {
	return "graph completed early"
}

// Complete returns an error value which, returned from a task, ends the graph
// successfully with value as the terminal result. Tasks that have not started
// are skipped.
func Complete(value interface{}) error {
	return &shortCircuit{value: value}
}
