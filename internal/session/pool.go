package session

import (
	"sync"

	"github.com/eapache/queue"
)

// workerPool is a fixed set of goroutines draining a FIFO task queue.
// Submission never blocks; the queue is unbounded because each tick
// enqueues at most one task per live session.
type workerPool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  *queue.Queue
	closed bool
}

func newWorkerPool(workers int) *workerPool {
	p := &workerPool{tasks: queue.New()}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

func (p *workerPool) submit(task func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.tasks.Add(task)
	p.mu.Unlock()
	p.cond.Signal()
}

func (p *workerPool) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

func (p *workerPool) run() {
	for {
		p.mu.Lock()
		for p.tasks.Length() == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.tasks.Length() == 0 && p.closed {
			p.mu.Unlock()
			return
		}
		task := p.tasks.Remove().(func())
		p.mu.Unlock()
		task()
	}
}
