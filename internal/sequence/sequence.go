// Package sequence provides task runners that give callback-driven code a
// single logical thread of execution.
package sequence

import "sync"

// Runner executes posted tasks one at a time, in the order they were posted.
type Runner interface {
	Post(task func())
}

// Inline runs each task immediately on the calling goroutine. Tasks posted
// from inside a running task are queued and run after it returns, so the
// FIFO guarantee holds for re-entrant posts too.
type Inline struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (r *Inline) Post(task func()) {
	r.mu.Lock()
	r.queue = append(r.queue, task)
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	for len(r.queue) > 0 {
		next := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		next()
		r.mu.Lock()
	}
	r.running = false
	r.mu.Unlock()
}

// Serial runs tasks on a dedicated goroutine.
type Serial struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool
	done    chan struct{}
}

// NewSerial starts a runner goroutine. Call Stop to release it.
func NewSerial() *Serial {
	s := &Serial{done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.loop()
	return s
}

// Post queues a task. Tasks posted after Stop are discarded.
func (s *Serial) Post(task func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.queue = append(s.queue, task)
	s.cond.Signal()
}

// Stop runs the tasks already queued, then exits the runner goroutine.
// It blocks until the goroutine has exited and must not be called from a
// task.
func (s *Serial) Stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		s.cond.Signal()
	}
	s.mu.Unlock()
	<-s.done
}

func (s *Serial) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		task := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		task()
	}
}

var (
	_ Runner = (*Inline)(nil)
	_ Runner = (*Serial)(nil)
)
