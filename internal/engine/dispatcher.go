package engine

import (
	"context"
	"fmt"
	"sync"
)

// Dispatcher serializes work per key (a conversation id). Jobs for the same key
// run one at a time in arrival order; different keys run in parallel, bounded
// by the worker pool.
type Dispatcher struct {
	pool  *WorkerPool
	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	jobs []*job
}

type job struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// NewDispatcher creates a dispatcher running at most workers lanes at once.
func NewDispatcher(workers int) *Dispatcher {
	return &Dispatcher{
		pool:  NewWorkerPool(workers),
		lanes: make(map[string]*lane),
	}
}

// Do queues fn on key's lane and waits for it to run. If ctx ends before fn
// starts, fn is skipped and ctx's error returned.
func (d *Dispatcher) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	j := &job{ctx: ctx, fn: fn, done: make(chan error, 1)}

	d.mu.Lock()
	l, active := d.lanes[key]
	if !active {
		l = &lane{}
		d.lanes[key] = l
	}
	l.jobs = append(l.jobs, j)
	d.mu.Unlock()

	if !active {
		if err := d.pool.Submit(ctx, func() { d.drain(key, l) }); err != nil {
			d.abandon(key, l, err)
		}
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports how many jobs are queued or running for key.
func (d *Dispatcher) Pending(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.lanes[key]; ok {
		return len(l.jobs)
	}
	return 0
}

// Shutdown waits for running lanes and rejects new ones.
func (d *Dispatcher) Shutdown() {
	d.pool.Shutdown()
}

func (d *Dispatcher) drain(key string, l *lane) {
	for {
		d.mu.Lock()
		if len(l.jobs) == 0 {
			delete(d.lanes, key)
			d.mu.Unlock()
			return
		}
		j := l.jobs[0]
		d.mu.Unlock()

		j.done <- run(j)

		d.mu.Lock()
		l.jobs = l.jobs[1:]
		d.mu.Unlock()
	}
}

// abandon fails every job of a lane that could not be scheduled.
func (d *Dispatcher) abandon(key string, l *lane, err error) {
	d.mu.Lock()
	jobs := l.jobs
	l.jobs = nil
	if d.lanes[key] == l {
		delete(d.lanes, key)
	}
	d.mu.Unlock()
	for _, j := range jobs {
		j.done <- err
	}
}

func run(j *job) (err error) {
	if err := j.ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in dispatched job: %v", r)
		}
	}()
	return j.fn(j.ctx)
}
