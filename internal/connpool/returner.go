package connpool

import (
	"sync"
	"time"
)

// returner runs return-to-pool tasks on a fixed set of worker goroutines.
// With zero workers, or once stopped, tasks run on the releasing goroutine.
type returner struct {
	tasks chan func()
	wg    sync.WaitGroup

	mutex   sync.RWMutex
	stopped bool
}

func newReturner(workers int) *returner {
	r := &returner{}
	if workers <= 0 {
		return r
	}

	r.tasks = make(chan func(), workers)
	for i := 0; i < workers; i++ {
		go r.work()
	}
	return r
}

func (r *returner) work() {
	for task := range r.tasks {
		task()
		r.wg.Done()
	}
}

// dispatch queues task. It blocks while every worker is busy and the queue
// is full.
func (r *returner) dispatch(task func()) {
	r.mutex.RLock()
	if r.tasks == nil || r.stopped {
		r.mutex.RUnlock()
		task()
		return
	}

	r.wg.Add(1)
	r.tasks <- task
	r.mutex.RUnlock()
}

// wait blocks until every dispatched task finished or timeout elapsed, and
// reports whether the executor drained.
func (r *returner) wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// stop lets the workers exit once the queue is drained.
func (r *returner) stop() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.tasks == nil || r.stopped {
		return
	}
	r.stopped = true
	close(r.tasks)
}
