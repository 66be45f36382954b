// Package taskgraph runs a fork-join graph of tasks with explicit dependency
// edges on top of errgroup.
//
// A task starts as soon as every dependency has finished. If a dependency
// failed, the task is skipped and inherits the error, except for tasks
// scheduled with Finally, which always run. Panics raised inside a task or a
// parallel-for body are captured and re-raised by Graph.Wait on the caller's
// goroutine, with the original panic value.
//
// Tasks never share output memory: each task (or each index of a parallel-for)
// is handed its own slice or partition by the code that schedules it.
package taskgraph

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrPanicked is the error of a task whose body panicked.
var ErrPanicked = errors.New("taskgraph: task panicked")

// Limiter bounds the number of goroutines running parallel-for batches.
// It is satisfied by *resource.Controller.
type Limiter interface {
	AcquireWorker(ctx context.Context) error
	ReleaseWorker()
}

// Option configures a Graph.
type Option func(*Graph)

// WithWorkers sets the parallel-for fan-out. Values <= 0 select GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(g *Graph) {
		if n > 0 {
			g.workers = n
		}
	}
}

// WithLimiter makes every parallel-for batch hold a worker slot of l.
func WithLimiter(l Limiter) Option {
	return func(g *Graph) {
		g.limiter = l
	}
}

// Graph schedules tasks. A Graph is used for a single fork-join region and
// must be waited on exactly once.
type Graph struct {
	ctx     context.Context
	group   errgroup.Group
	workers int
	limiter Limiter

	panicOnce sync.Once
	panicVal  any
	panicked  bool
}

// New creates a Graph. ctx is only used to acquire limiter slots.
func New(ctx context.Context, opts ...Option) *Graph {
	g := &Graph{
		ctx:     ctx,
		workers: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Task is a handle to a scheduled unit of work.
type Task struct {
	done chan struct{}
	err  error
}

// Wait blocks until the task has finished and returns its error.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

func waitAll(deps []*Task) error {
	var first error
	for _, d := range deps {
		if d == nil {
			continue
		}
		if err := d.Wait(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (g *Graph) recordPanic(r any) {
	g.panicOnce.Do(func() {
		g.panicVal = r
		g.panicked = true
	})
}

// protect runs fn, converting a panic into ErrPanicked.
func (g *Graph) protect(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			g.recordPanic(r)
			err = fmt.Errorf("%w: %s", ErrPanicked, name)
		}
	}()
	return fn()
}

func (g *Graph) spawn(name string, deps []*Task, always bool, fn func() error) *Task {
	t := &Task{done: make(chan struct{})}
	g.group.Go(func() error {
		defer close(t.done)
		depErr := waitAll(deps)
		if depErr != nil && !always {
			t.err = depErr
			return depErr
		}
		t.err = g.protect(name, fn)
		if t.err == nil {
			t.err = depErr
		}
		return t.err
	})
	return t
}

// Go schedules fn to run after deps.
func (g *Graph) Go(name string, fn func() error, deps ...*Task) *Task {
	return g.spawn(name, deps, false, fn)
}

// Finally schedules fn to run after deps even if one of them failed.
// The returned task carries the first dependency error.
func (g *Graph) Finally(name string, fn func(), deps ...*Task) *Task {
	return g.spawn(name, deps, true, func() error {
		fn()
		return nil
	})
}

// ParallelFor schedules fn(i) for every i in [0, count()) after deps.
// count is evaluated once the dependencies have finished, so it may read
// values those tasks produce.
func (g *Graph) ParallelFor(name string, count func() int, fn func(i int) error, deps ...*Task) *Task {
	return g.ParallelForBatch(name, count, 0, func(lo, hi int) error {
		for i := lo; i < hi; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}, deps...)
}

// ParallelForBatch is ParallelFor over contiguous index ranges. A batch size
// of 0 picks one that gives every worker several batches. Batches start at
// multiples of the batch size.
func (g *Graph) ParallelForBatch(name string, count func() int, batch int, fn func(lo, hi int) error, deps ...*Task) *Task {
	return g.spawn(name, deps, false, func() error {
		n := count()
		if n <= 0 {
			return nil
		}
		workers := min(g.workers, n)
		if batch <= 0 {
			batch = max(1, n/(workers*4))
		}
		if workers == 1 || batch >= n {
			return g.runBatch(name, 0, n, fn)
		}

		var eg errgroup.Group
		eg.SetLimit(workers)
		for lo := 0; lo < n; lo += batch {
			hi := min(lo+batch, n)
			eg.Go(func() error {
				return g.runBatch(name, lo, hi, fn)
			})
		}
		return eg.Wait()
	})
}

func (g *Graph) runBatch(name string, lo, hi int, fn func(lo, hi int) error) error {
	if g.limiter != nil {
		if err := g.limiter.AcquireWorker(g.ctx); err != nil {
			return err
		}
		defer g.limiter.ReleaseWorker()
	}
	return g.protect(name, func() error { return fn(lo, hi) })
}

// Wait blocks until every scheduled task has finished and returns the first
// error. If any task panicked, Wait panics with the first recovered value.
func (g *Graph) Wait() error {
	err := g.group.Wait()
	if g.panicked {
		panic(g.panicVal)
	}
	return err
}

// Deferred is a value produced by a task. It may be handed to later tasks
// before the producer has run; reading it blocks until the producer finished.
type Deferred[T any] struct {
	task  *Task
	value T
}

// Produce schedules fn after deps and captures its result.
func Produce[T any](g *Graph, name string, fn func() (T, error), deps ...*Task) *Deferred[T] {
	d := &Deferred[T]{}
	d.task = g.Go(name, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		d.value = v
		return nil
	}, deps...)
	return d
}

// Task returns the producing task, for use as a dependency.
func (d *Deferred[T]) Task() *Task { return d.task }

// Value blocks until the producer finished and returns its value.
// A failed producer yields the zero value.
func (d *Deferred[T]) Value() T {
	<-d.task.done
	return d.value
}

// Len returns a deferred length for slice-valued producers.
func Len[T any](d *Deferred[[]T]) func() int {
	return func() int { return len(d.Value()) }
}
