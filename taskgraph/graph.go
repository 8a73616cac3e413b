// Package taskgraph runs operations built from small tasks with declared
// dependencies. Tasks whose dependencies are satisfied run concurrently.
package taskgraph

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// TaskID is the index of a task within its graph.
type TaskID int

// Dep is anything a task can depend on.
type Dep interface {
	taskID() TaskID
	owner() *Graph
}

// Handle refers to a task producing a T.
type Handle[T any] struct {
	id TaskID
	g  *Graph
}

// ID returns the task's index.
func (h Handle[T]) ID() TaskID { return h.id }

func (h Handle[T]) taskID() TaskID { return h.id }
func (h Handle[T]) owner() *Graph  { return h.g }

type runFunc func(ctx context.Context, r *Results) (interface{}, error)

type task struct {
	id   TaskID
	name string
	deps []TaskID
	run  runFunc
}

// Graph is an arena of tasks. Dependencies always point to tasks added
// earlier, so a graph can't contain a cycle.
type Graph struct {
	name  string
	tasks []*task
	err   error
}

// New returns an empty graph.
func New(name string) *Graph {
	return &Graph{name: name}
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// Len returns the number of tasks.
func (g *Graph) Len() int { return len(g.tasks) }

func (g *Graph) add(name string, run runFunc, deps []Dep) TaskID {
	t := &task{id: TaskID(len(g.tasks)), name: name, run: run}
	seen := make(map[TaskID]struct{}, len(deps))
	for _, d := range deps {
		if d.owner() != g {
			if g.err == nil {
				g.err = errors.Wrapf(ErrForeignHandle, "task %q", name)
			}
			continue
		}
		if _, ok := seen[d.taskID()]; ok {
			continue
		}
		seen[d.taskID()] = struct{}{}
		t.deps = append(t.deps, d.taskID())
	}
	g.tasks = append(g.tasks, t)
	return t.id
}

// Add appends a task to g that runs after deps have completed.
func Add[T any](g *Graph, name string, fn func(ctx context.Context, r *Results) (T, error), deps ...Dep) Handle[T] {
	id := g.add(name, func(ctx context.Context, r *Results) (interface{}, error) {
		return fn(ctx, r)
	}, deps)
	return Handle[T]{id: id, g: g}
}

// AddAsync appends a task written in completion-callback style. Only the
// first call to complete counts.
func AddAsync[T any](g *Graph, name string, fn func(ctx context.Context, r *Results, complete func(T, error)), deps ...Dep) Handle[T] {
	type outcome struct {
		value T
		err   error
	}
	id := g.add(name, func(ctx context.Context, r *Results) (interface{}, error) {
		var (
			once sync.Once
			ch   = make(chan outcome, 1)
		)
		fn(ctx, r, func(v T, err error) {
			once.Do(func() { ch <- outcome{v, err} })
		})
		select {
		case o := <-ch:
			return o.value, o.err
		case <-ctx.Done():
			return nil, cancelled(ctx.Err())
		}
	}, deps)
	return Handle[T]{id: id, g: g}
}

// ancestors returns, for every task, the set of its transitive dependencies.
func (g *Graph) ancestors() []map[TaskID]struct{} {
	out := make([]map[TaskID]struct{}, len(g.tasks))
	for i, t := range g.tasks {
		set := make(map[TaskID]struct{})
		for _, d := range t.deps {
			set[d] = struct{}{}
			for a := range out[d] {
				set[a] = struct{}{}
			}
		}
		out[i] = set
	}
	return out
}

// Results gives a running task read access to the results of its transitive
// dependencies.
type Results struct {
	g      *Graph
	values map[TaskID]interface{}
}

// Get returns the result of task h, which must be a transitive dependency of
// the calling task.
func Get[T any](r *Results, h Handle[T]) (T, error) {
	var zero T
	if h.g != r.g {
		return zero, ErrForeignHandle
	}
	v, ok := r.values[h.id]
	if !ok {
		return zero, errors.Wrapf(ErrNotDependency, "task %q", r.g.tasks[h.id].name)
	}
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, errors.Wrapf(ErrResultType, "task %q returned %T", r.g.tasks[h.id].name, v)
	}
	return t, nil
}
