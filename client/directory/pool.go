package directory

import (
	"sync"

	"github.com/qidi1/client-go/util/log"
)

// A Pool runs submitted functions on a fixed set of worker goroutines.
// The directory owns one and hands it to the error handler solely for
// fire-and-forget observer dispatch: submission never blocks the caller
// and completion is never reported back.
type Pool struct {
	tasks chan func()

	wg       sync.WaitGroup
	stopOnce sync.Once
}

const defaultQueueDepth = 1024

func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	p := &Pool{
		tasks: make(chan func(), defaultQueueDepth),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.runTask(task)
	}
}

func (p *Pool) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Warningf("dispatch pool task panicked: %v", r)
		}
	}()
	task()
}

// Submit schedules fn to run on a pool worker. If the queue is full the
// task runs on a fresh goroutine instead; the caller is never delayed.
func (p *Pool) Submit(fn func()) {
	select {
	case p.tasks <- fn:
	default:
		go p.runTask(fn)
	}
}

// Stop waits for queued tasks to drain and stops the workers. Submit
// must not be called after Stop.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
}
