package worker

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Handler runs one job. It owns the job until it returns.
type Handler func(ctx context.Context, jobID string)

// Pool is a fixed set of goroutines draining a bounded queue of job ids.
// A job id is accepted at most once while it is queued or running.
type Pool struct {
	handler Handler
	queue   chan string

	mu       sync.Mutex
	inflight map[string]bool // id -> running (false while still queued)
	workers  int
	stopCh   chan struct{}
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(size, queueLen int, h Handler) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueLen < size {
		queueLen = size
	}
	return &Pool{
		handler:  h,
		queue:    make(chan string, queueLen),
		inflight: make(map[string]bool),
		workers:  size,
		stopCh:   make(chan struct{}),
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.spawn()
	}
	slog.Info("worker pool started", "workers", p.workers, "queue", cap(p.queue))
}

func (p *Pool) spawn() {
	p.wg.Add(1)
	go p.run()
}

func (p *Pool) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.stopCh:
			return
		case id := <-p.queue:
			p.execute(id)
		}
	}
}

func (p *Pool) execute(id string) {
	p.mu.Lock()
	p.inflight[id] = true
	p.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker panic", "job", id, "panic", r, "stack", string(debug.Stack()))
		}
		p.mu.Lock()
		delete(p.inflight, id)
		p.mu.Unlock()
	}()

	p.handler(p.ctx, id)
}

// Enqueue offers a job id without blocking. It returns false when the
// pool is stopped, the queue is full, or the id is already queued or running.
func (p *Pool) Enqueue(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.ctx == nil {
		return false
	}
	if _, ok := p.inflight[id]; ok {
		return false
	}
	select {
	case p.queue <- id:
		p.inflight[id] = false
		return true
	default:
		return false
	}
}

// Busy reports whether id is queued or running in this pool.
func (p *Pool) Busy(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[id]
	return ok
}

type Stats struct {
	Workers int `json:"workers"`
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{Workers: p.workers}
	for _, running := range p.inflight {
		if running {
			st.Running++
		} else {
			st.Queued++
		}
	}
	return st
}

// Resize changes the number of workers. Shrinking lets running jobs finish.
func (p *Pool) Resize(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.ctx == nil {
		p.workers = n
		return
	}

	for p.workers < n {
		p.spawn()
		p.workers++
	}
	for p.workers > n {
		p.workers--
		go func() {
			select {
			case p.stopCh <- struct{}{}:
			case <-p.ctx.Done():
			}
		}()
	}
	slog.Info("worker pool resized", "workers", n)
}

// Stop cancels running handlers and waits for every worker to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed || p.cancel == nil {
		p.closed = true
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()
	slog.Info("worker pool stopped")
}
