package taskgraph

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/hako/durafmt"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/vaultsync-io/vaultsync/logger"
)

var (
	tracer = otel.Tracer("vaultsync.taskgraph")
	meter  = otel.Meter("vaultsync.taskgraph")
)

// Executor runs graphs. Task bodies across all graphs run by one Executor
// are bounded by its concurrency limit, so a task must not run another graph
// on the executor it is running on.
type Executor struct {
	sem            *semaphore.Weighted
	maxConcurrency int64
	logger         logger.Logger

	metricsOnce  sync.Once
	taskSuccess  metric.Int64Counter
	taskFailure  metric.Int64Counter
	runDurations metric.Float64Histogram
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxConcurrency bounds the number of task bodies running at once.
func WithMaxConcurrency(n int64) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxConcurrency = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExecutor creates an Executor.
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		maxConcurrency: int64(runtime.NumCPU() * 4),
		logger:         logger.NewDiscardLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sem = semaphore.NewWeighted(e.maxConcurrency)
	return e
}

// MaxConcurrency returns the concurrency limit.
func (e *Executor) MaxConcurrency() int64 {
	return e.maxConcurrency
}

func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var err error
		e.taskSuccess, err = meter.Int64Counter("taskgraph_task_success_total",
			metric.WithDescription("Number of tasks that completed successfully"))
		if err != nil {
			e.logger.Warnf("Failed to create task success counter: %v", err)
		}
		e.taskFailure, err = meter.Int64Counter("taskgraph_task_failure_total",
			metric.WithDescription("Number of tasks that failed"))
		if err != nil {
			e.logger.Warnf("Failed to create task failure counter: %v", err)
		}
		e.runDurations, err = meter.Float64Histogram("taskgraph_run_duration_seconds",
			metric.WithDescription("Time spent running a graph"),
			metric.WithUnit("s"))
		if err != nil {
			e.logger.Warnf("Failed to create run duration histogram: %v", err)
		}
	})
}

// Run executes g and returns the result of terminal, or the first error any
// task returned. Dependents of a failed task never run and finish with that
// same error.
func Run[T any](ctx context.Context, e *Executor, g *Graph, terminal Handle[T]) (T, error) {
	var zero T
	if terminal.g != g {
		return zero, ErrForeignHandle
	}
	v, err := e.run(ctx, g, terminal.id)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, errors.Wrapf(ErrResultType, "graph %q returned %T", g.name, v)
	}
	return t, nil
}

type taskState int

const (
	statePending taskState = iota
	stateRunning
	stateDone
)

type completion struct {
	id    TaskID
	value interface{}
	err   error
}

func (e *Executor) run(ctx context.Context, g *Graph, terminal TaskID) (result interface{}, err error) {
	e.initMetrics()
	ctx, span := tracer.Start(ctx, "taskgraph.Run", trace.WithAttributes(
		attribute.String("taskgraph.name", g.name),
		attribute.Int("taskgraph.tasks", len(g.tasks)),
	))
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		if e.runDurations != nil {
			e.runDurations.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(attribute.String("graph", g.name)))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			e.logger.Debugf("Graph %s failed after %s: %v", g.name, durafmt.Parse(elapsed), err)
		} else {
			e.logger.Debugf("Graph %s finished in %s", g.name, durafmt.Parse(elapsed))
		}
		span.End()
	}()

	if g.err != nil {
		return nil, g.err
	}
	if int(terminal) < 0 || int(terminal) >= len(g.tasks) {
		return nil, ErrForeignHandle
	}

	var (
		n           = len(g.tasks)
		ancestors   = g.ancestors()
		state       = make([]taskState, n)
		values      = make(map[TaskID]interface{}, n)
		remaining   = make([]int, n)
		dependents  = make([][]TaskID, n)
		completions = make(chan completion, n)
		running     = 0
		stopped     = false
		firstErr    error
		short       *shortCircuit
	)
	for _, t := range g.tasks {
		remaining[t.id] = len(t.deps)
		for _, d := range t.deps {
			dependents[d] = append(dependents[d], t.id)
		}
	}

	launch := func(t *task) {
		state[t.id] = stateRunning
		running++
		r := &Results{g: g, values: make(map[TaskID]interface{}, len(ancestors[t.id]))}
		for a := range ancestors[t.id] {
			r.values[a] = values[a]
		}
		go e.execute(ctx, t, r, completions)
	}

	// fail marks every not yet started transitive dependent of id as failed
	// with err.
	var fail func(id TaskID, err error)
	fail = func(id TaskID, err error) {
		for _, d := range dependents[id] {
			if state[d] == stateDone {
				continue
			}
			state[d] = stateDone
			fail(d, err)
		}
	}

	for _, t := range g.tasks {
		if remaining[t.id] == 0 {
			launch(t)
		}
	}

	for running > 0 {
		select {
		case <-ctx.Done():
			return nil, cancelled(ctx.Err())
		case c := <-completions:
			running--
			state[c.id] = stateDone
			name := g.tasks[c.id].name

			var sc *shortCircuit
			switch {
			case c.err != nil && errors.As(c.err, &sc):
				e.record(ctx, name, nil)
				short = sc
				stopped = true
			case c.err != nil:
				e.record(ctx, name, c.err)
				if firstErr == nil {
					firstErr = c.err
				}
				fail(c.id, c.err)
			default:
				e.record(ctx, name, nil)
				values[c.id] = c.value
				if stopped {
					continue
				}
				for _, d := range dependents[c.id] {
					remaining[d]--
					if remaining[d] == 0 && state[d] == statePending {
						launch(g.tasks[d])
					}
				}
			}
		}
		if short != nil {
			return short.value, nil
		}
	}

	if firstErr != nil {
		return nil, firstErr
	}
	v, ok := values[terminal]
	if !ok {
		return nil, ErrIncomplete
	}
	return v, nil
}

func (e *Executor) execute(ctx context.Context, t *task, r *Results, out chan<- completion) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		out <- completion{id: t.id, err: cancelled(err)}
		return
	}
	defer e.sem.Release(1)
	if err := ctx.Err(); err != nil {
		out <- completion{id: t.id, err: cancelled(err)}
		return
	}

	var c completion
	c.id = t.id
	func() {
		defer func() {
			if p := recover(); p != nil {
				c.value = nil
				c.err = errors.Errorf("task %q panicked: %v", t.name, p)
			}
		}()
		c.value, c.err = t.run(ctx, r)
	}()
	out <- c
}

func (e *Executor) record(ctx context.Context, name string, err error) {
	attrs := metric.WithAttributes(attribute.String("task", name))
	if err != nil {
		if e.taskFailure != nil {
			e.taskFailure.Add(ctx, 1, attrs)
		}
		return
	}
	if e.taskSuccess != nil {
		e.taskSuccess.Add(ctx, 1, attrs)
	}
}

// Factory builds a complete graph for one attempt. force is true on the retry
// attempt so the graph can bypass cached credentials.
type Factory[T any] func(force bool) (*Graph, Handle[T])

// RetryAggregate runs the graph built by factory(false). If it fails with an
// error accepted by shouldRetry, the graph is rebuilt with factory(true) and
// run exactly once more.
func RetryAggregate[T any](ctx context.Context, e *Executor, factory Factory[T], shouldRetry func(error) bool) (T, error) {
	g, h := factory(false)
	v, err := Run(ctx, e, g, h)
	if err == nil || shouldRetry == nil || !shouldRetry(err) {
		return v, err
	}
	e.logger.Warnf("Graph %s failed with retryable error, retrying: %v", g.name, err)
	g, h = factory(true)
	return Run(ctx, e, g, h)
}
