// Package sched runs the long-lived tasks of the runtime. Every task gets
// its own goroutine; the first one to fail (error or panic) is fatal and
// triggers the reset hook after the rest have been cancelled.
package sched

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	"fanctl-go/x/logx"

	"golang.org/x/sync/errgroup"
)

// Task is a long-lived unit of work. Run returns nil when ctx ends.
type Task interface {
	Name() string
	Run(ctx context.Context) error
}

// Func adapts a function to Task.
type Func struct {
	N string
	F func(ctx context.Context) error
}

func (f Func) Name() string                  { return f.N }
func (f Func) Run(ctx context.Context) error { return f.F(ctx) }

// Fault is the reason a runner gave up.
type Fault struct {
	Task  string
	Err   error
	Panic bool
	Stack string
}

func (f *Fault) Error() string {
	if f.Panic {
		return fmt.Sprintf("task %s panicked: %v", f.Task, f.Err)
	}
	return fmt.Sprintf("task %s failed: %v", f.Task, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

type Config struct {
	// Grace bounds how long the remaining tasks get to stop after a fault.
	Grace time.Duration `yaml:"grace"`
}

type Runner struct {
	cfg   Config
	log   logx.Logger
	reset func(*Fault)
	tasks []Task
}

type Option func(*Runner)

func WithLogger(l logx.Logger) Option  { return func(r *Runner) { r.log = logx.Or(l) } }
func WithReset(fn func(*Fault)) Option { return func(r *Runner) { r.reset = fn } }

func NewRunner(cfg Config, opts ...Option) *Runner {
	if cfg.Grace <= 0 {
		cfg.Grace = 2 * time.Second
	}
	r := &Runner{cfg: cfg, log: logx.NullLogger{}}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Runner) Add(t ...Task) { r.tasks = append(r.tasks, t...) }

// Run starts every task and blocks until ctx ends or a task faults. On a
// fault the reset hook is called once the group has drained or Grace has
// passed, whichever comes first.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range r.tasks {
		g.Go(func() error { return r.guard(gctx, t) })
		r.log.Debugf("started %s", t.Name())
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-gctx.Done():
		select {
		case err = <-done:
		case <-time.After(r.cfg.Grace):
			err = context.Cause(gctx)
			r.log.Warnf("tasks still running %s after cancel", r.cfg.Grace)
		}
	}

	var f *Fault
	if !errors.As(err, &f) {
		return nil
	}
	r.log.Errorf("fatal: %v", f)
	if f.Stack != "" {
		r.log.Debugf("%s", f.Stack)
	}
	if r.reset != nil {
		r.reset(f)
	}
	return f
}

func (r *Runner) guard(ctx context.Context, t Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			pe, ok := p.(error)
			if !ok {
				pe = fmt.Errorf("%v", p)
			}
			err = &Fault{Task: t.Name(), Err: pe, Panic: true, Stack: string(debug.Stack())}
		}
	}()
	if e := t.Run(ctx); e != nil && ctx.Err() == nil {
		return &Fault{Task: t.Name(), Err: e}
	}
	return nil
}

// Yield lets other goroutines run between slices of a long computation.
func Yield() { runtime.Gosched() }
