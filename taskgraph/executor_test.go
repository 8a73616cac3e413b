package taskgraph

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func value[T any](v T) func(context.Context, *Results) (T, error) {
	return func(context.Context, *Results) (T, error) { return v, nil }
}

// Ensure results flow along dependencies, including transitive ones.
func TestRunDiamond(t *testing.T) {
	g := New("diamond")
	a := Add(g, "a", value(2))
	b := Add(g, "b", func(ctx context.Context, r *Results) (int, error) {
		v, err := Get(r, a)
		return v * 10, err
	}, a)
	c := Add(g, "c", func(ctx context.Context, r *Results) (string, error) {
		v, err := Get(r, a)
		return string(rune('a' + v)), err
	}, a)
	d := Add(g, "d", func(ctx context.Context, r *Results) (string, error) {
		av, err := Get(r, a)
		if err != nil {
			return "", err
		}
		bv, err := Get(r, b)
		if err != nil {
			return "", err
		}
		cv, err := Get(r, c)
		if err != nil {
			return "", err
		}
		return cv + string(rune('0'+av)) + string(rune('0'+bv/10)), nil
	}, b, c)

	out, err := Run(context.Background(), NewExecutor(), g, d)
	require.NoError(t, err)
	require.Equal(t, "c22", out)
}

// Ensure a task can't read results of tasks it doesn't depend on.
func TestGetNotDependency(t *testing.T) {
	g := New("isolated")
	a := Add(g, "a", value(1))
	b := Add(g, "b", func(ctx context.Context, r *Results) (int, error) {
		return Get(r, a)
	})

	_, err := Run(context.Background(), NewExecutor(), g, b)
	require.True(t, errors.Is(err, ErrNotDependency))
}

// Ensure the first error is surfaced unchanged and dependents never run.
func TestRunErrorPropagation(t *testing.T) {
	var (
		boom = errors.New("boom")
		ran  int32
		g    = New("failing")
	)
	a := Add(g, "a", func(context.Context, *Results) (int, error) { return 0, boom })
	b := Add(g, "b", func(context.Context, *Results) (int, error) {
		atomic.AddInt32(&ran, 1)
		return 1, nil
	}, a)
	c := Add(g, "c", func(context.Context, *Results) (int, error) {
		atomic.AddInt32(&ran, 1)
		return 1, nil
	}, b)
	Add(g, "independent", value(1))

	out, err := Run(context.Background(), NewExecutor(), g, c)
	require.Equal(t, boom, err)
	require.Zero(t, out)
	require.Zero(t, atomic.LoadInt32(&ran))
}

// Ensure independent tasks run concurrently.
func TestRunParallel(t *testing.T) {
	var (
		g       = New("parallel")
		barrier sync.WaitGroup
	)
	barrier.Add(2)
	wait := func(context.Context, *Results) (bool, error) {
		barrier.Done()
		barrier.Wait()
		return true, nil
	}
	a := Add(g, "a", wait)
	b := Add(g, "b", wait)
	both := Add(g, "both", func(ctx context.Context, r *Results) (bool, error) {
		av, _ := Get(r, a)
		bv, _ := Get(r, b)
		return av && bv, nil
	}, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := Run(ctx, NewExecutor(WithMaxConcurrency(2)), g, both)
	require.NoError(t, err)
	require.True(t, out)
}

// Ensure the concurrency limit is honored.
func TestRunMaxConcurrency(t *testing.T) {
	var (
		g      = New("bounded")
		active int32
		peak   int32
		deps   []Dep
	)
	for i := 0; i < 8; i++ {
		deps = append(deps, Add(g, "work", func(context.Context, *Results) (int, error) {
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return 0, nil
		}))
	}
	done := Add(g, "done", value(true), deps...)

	out, err := Run(context.Background(), NewExecutor(WithMaxConcurrency(2)), g, done)
	require.NoError(t, err)
	require.True(t, out)
	require.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

// Ensure Complete ends the graph early with the given value.
func TestRunShortCircuit(t *testing.T) {
	var (
		ran int32
		g   = New("short")
		a   = Add(g, "a", func(context.Context, *Results) (string, error) {
			return "", Complete("early")
		})
		b = Add(g, "b", func(context.Context, *Results) (string, error) {
			atomic.AddInt32(&ran, 1)
			return "late", nil
		}, a)
	)
	out, err := Run(context.Background(), NewExecutor(), g, b)
	require.NoError(t, err)
	require.Equal(t, "early", out)
	require.Zero(t, atomic.LoadInt32(&ran))
}

// Ensure a short-circuit value of the wrong type is reported.
func TestRunShortCircuitWrongType(t *testing.T) {
	g := New("short")
	a := Add(g, "a", func(context.Context, *Results) (string, error) {
		return "", Complete(42)
	})
	_, err := Run(context.Background(), NewExecutor(), g, a)
	require.True(t, errors.Is(err, ErrResultType))
}

// Ensure cancellation returns promptly and pending tasks never run.
func TestRunCancelled(t *testing.T) {
	var (
		ran     int32
		release = make(chan struct{})
		g       = New("cancel")
		a       = Add(g, "slow", func(context.Context, *Results) (int, error) {
			<-release
			return 1, nil
		})
		b = Add(g, "after", func(context.Context, *Results) (int, error) {
			atomic.AddInt32(&ran, 1)
			return 2, nil
		}, a)
	)
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	_, err := Run(ctx, NewExecutor(), g, b)
	require.True(t, IsCancelled(err))
	require.True(t, errors.Is(err, context.Canceled))
	require.Zero(t, atomic.LoadInt32(&ran))
}

// Ensure an already cancelled context runs nothing.
func TestRunPreCancelled(t *testing.T) {
	var ran int32
	g := New("precancel")
	a := Add(g, "a", func(context.Context, *Results) (int, error) {
		atomic.AddInt32(&ran, 1)
		return 1, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, NewExecutor(), g, a)
	require.True(t, IsCancelled(err))
	require.Zero(t, atomic.LoadInt32(&ran))
}

// Ensure a callback-style task honors only the first completion.
func TestAddAsyncCompletesOnce(t *testing.T) {
	g := New("async")
	a := AddAsync(g, "a", func(ctx context.Context, r *Results, complete func(int, error)) {
		go func() {
			complete(1, nil)
			complete(2, errors.New("ignored"))
		}()
	})
	out, err := Run(context.Background(), NewExecutor(), g, a)
	require.NoError(t, err)
	require.Equal(t, 1, out)
}

// Ensure handles from another graph are rejected.
func TestForeignHandle(t *testing.T) {
	other := New("other")
	foreign := Add(other, "x", value(1))

	g := New("mine")
	a := Add(g, "a", value(1), foreign)
	_, err := Run(context.Background(), NewExecutor(), g, a)
	require.True(t, errors.Is(err, ErrForeignHandle))

	_, err = Run(context.Background(), NewExecutor(), g, foreign)
	require.True(t, errors.Is(err, ErrForeignHandle))
}

// Ensure a panicking task fails the graph instead of the process.
func TestRunPanic(t *testing.T) {
	g := New("panic")
	a := Add(g, "a", func(context.Context, *Results) (int, error) {
		panic("kaboom")
	})
	_, err := Run(context.Background(), NewExecutor(), g, a)
	require.Error(t, err)
	require.Contains(t, err.Error(), "kaboom")
}

var errExpired = errors.New("expired")

// Ensure RetryAggregate retries exactly once with force set.
func TestRetryAggregate(t *testing.T) {
	var forces []bool
	factory := func(force bool) (*Graph, Handle[string]) {
		forces = append(forces, force)
		g := New("retry")
		h := Add(g, "token", func(context.Context, *Results) (string, error) {
			if !force {
				return "", errExpired
			}
			return "fresh", nil
		})
		return g, h
	}
	shouldRetry := func(err error) bool { return errors.Is(err, errExpired) }

	out, err := RetryAggregate(context.Background(), NewExecutor(), factory, shouldRetry)
	require.NoError(t, err)
	require.Equal(t, "fresh", out)
	require.Equal(t, []bool{false, true}, forces)
}

func TestRetryAggregateGivesUp(t *testing.T) {
	attempts := 0
	factory := func(force bool) (*Graph, Handle[int]) {
		attempts++
		g := New("retry")
		return g, Add(g, "a", func(context.Context, *Results) (int, error) { return 0, errExpired })
	}
	shouldRetry := func(err error) bool { return errors.Is(err, errExpired) }

	_, err := RetryAggregate(context.Background(), NewExecutor(), factory, shouldRetry)
	require.Equal(t, errExpired, err)
	require.Equal(t, 2, attempts)
}

func TestRetryAggregateNonRetryable(t *testing.T) {
	boom := errors.New("boom")
	attempts := 0
	factory := func(force bool) (*Graph, Handle[int]) {
		attempts++
		g := New("retry")
		return g, Add(g, "a", func(context.Context, *Results) (int, error) { return 0, boom })
	}
	_, err := RetryAggregate(context.Background(), NewExecutor(), factory,
		func(err error) bool { return errors.Is(err, errExpired) })
	require.Equal(t, boom, err)
	require.Equal(t, 1, attempts)
}
