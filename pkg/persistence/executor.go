package persistence

import (
	"sync"

	"github.com/marmos91/dittomq/internal/logger"
)

// Executor runs tasks. Implementations decide on which goroutine.
type Executor interface {
	Execute(task func())
}

// InlineExecutor runs tasks synchronously on the caller's goroutine.
type InlineExecutor struct{}

// Execute runs task immediately.
func (InlineExecutor) Execute(task func()) { task() }

// OrderedExecutor runs tasks one at a time on a dedicated goroutine, in
// submission order. The queue is unbounded so Execute never blocks the
// journal writer.
type OrderedExecutor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []func()
	stopped bool
	done    chan struct{}
}

// NewOrderedExecutor starts an executor goroutine.
func NewOrderedExecutor() *OrderedExecutor {
	e := &OrderedExecutor{done: make(chan struct{})}
	e.cond = sync.NewCond(&e.mu)
	go e.loop()
	return e
}

// Execute queues task. Tasks submitted after Stop run inline.
func (e *OrderedExecutor) Execute(task func()) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		runTask(task)
		return
	}
	e.tasks = append(e.tasks, task)
	e.cond.Signal()
	e.mu.Unlock()
}

// Stop runs the tasks already queued and then stops the goroutine.
// It blocks until the queue has drained.
func (e *OrderedExecutor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.stopped = true
	e.cond.Signal()
	e.mu.Unlock()
	<-e.done
}

func (e *OrderedExecutor) loop() {
	defer close(e.done)

	for {
		e.mu.Lock()
		for len(e.tasks) == 0 && !e.stopped {
			e.cond.Wait()
		}
		if len(e.tasks) == 0 {
			e.mu.Unlock()
			return
		}
		batch := e.tasks
		e.tasks = nil
		e.mu.Unlock()

		for _, task := range batch {
			runTask(task)
		}
	}
}

// runTask keeps a panicking continuation from killing the executor.
func runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Executor task panicked", "panic", r)
		}
	}()
	task()
}
