// Package workerpool runs short, run-once jobs on a bounded set of goroutines.
//
// Workers are spawned lazily, one per Enqueue, until the limit is reached, and
// never shrink back. A job that never returns keeps its worker forever: once
// every worker is held that way, later jobs starve. Long-running loops must not
// be submitted here.
package workerpool

import (
	"errors"
	"sync"
)

// DefaultMaxWorkers is the worker limit used when New is given a non-positive value.
const DefaultMaxWorkers = 8

var ErrPoolStopped = errors.New("workerpool: pool is stopped")

// Job is a zero-argument unit of work.
type Job func()

// Pool is safe for concurrent use.
type Pool struct {
	mu         sync.Mutex
	cond       *sync.Cond
	jobs       []Job
	maxWorkers int
	workers    int
	busy       int
	running    bool
	wg         sync.WaitGroup
}

// New creates a running pool with no workers yet.
func New(maxWorkers int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	p := &Pool{
		maxWorkers: maxWorkers,
		running:    true,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Enqueue appends job to the queue and spawns a worker if the limit allows.
func (p *Pool) Enqueue(job Job) error {
	if job == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return ErrPoolStopped
	}

	p.jobs = append(p.jobs, job)
	if p.workers < p.maxWorkers {
		p.workers++
		p.wg.Add(1)
		go p.worker()
	}
	p.cond.Signal()
	return nil
}

// worker pops and runs jobs until the pool stops. It blocks while the queue
// is empty instead of polling.
func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for p.running && len(p.jobs) == 0 {
			p.cond.Wait()
		}
		if !p.running {
			p.mu.Unlock()
			return
		}

		job := p.jobs[0]
		p.jobs[0] = nil
		p.jobs = p.jobs[1:]
		p.busy++
		p.mu.Unlock()

		job()

		p.mu.Lock()
		p.busy--
		p.mu.Unlock()
	}
}

// Stop marks the pool not running and wakes idle workers. Queued jobs that no
// worker has picked up are dropped; running jobs are not interrupted.
func (p *Pool) Stop() {
	p.mu.Lock()
	p.running = false
	clear(p.jobs)
	p.jobs = nil
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Join waits for every spawned worker to return. Call Stop first, otherwise
// Join blocks forever.
func (p *Pool) Join() {
	p.wg.Wait()
}

// Workers returns how many workers have been spawned.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Busy returns how many workers are currently running a job.
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.busy
}

// Pending returns how many jobs are queued and not yet picked up.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

// MaxWorkers returns the worker limit.
func (p *Pool) MaxWorkers() int {
	return p.maxWorkers
}
