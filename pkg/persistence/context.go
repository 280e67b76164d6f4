package persistence

import (
	"sync"

	brokererrors "github.com/marmos91/dittomq/pkg/broker/errors"
)

// IOCallback is notified by the journal writer when a lined-up write completes.
type IOCallback interface {
	Done()
	OnError(code brokererrors.ErrorCode, message string)
}

// OperationContext tracks the durable writes scheduled by one session and
// gates completions on them.
//
// Every write is announced with StoreLineUp before it is handed to the
// writer; the writer reports back through Done or OnError. A completion
// obtained from ScheduleCompletion resolves once every write lined up before
// it has been reported, in the order completions were scheduled.
//
// After a storage error the context stays failed: pending and future
// completions resolve with that error.
type OperationContext struct {
	exec Executor

	// resolveMu orders resolutions: a completion scheduled while earlier
	// ones are being resolved waits until their continuations are queued.
	// Continuations run inline by an InlineExecutor must not call back into
	// the context.
	resolveMu sync.Mutex

	mu      sync.Mutex
	linedUp uint64
	stored  uint64
	failure *StorageError
	waiting []waitingCompletion
}

type waitingCompletion struct {
	target     uint64
	completion *Completion
}

// NewOperationContext creates a context whose completions run their
// continuations on exec.
func NewOperationContext(exec Executor) *OperationContext {
	if exec == nil {
		exec = InlineExecutor{}
	}
	return &OperationContext{exec: exec}
}

// StoreLineUp records one scheduled durable write.
func (c *OperationContext) StoreLineUp() {
	c.mu.Lock()
	c.linedUp++
	c.mu.Unlock()
}

// Done reports one completed write.
func (c *OperationContext) Done() {
	c.resolveMu.Lock()
	defer c.resolveMu.Unlock()

	c.mu.Lock()
	c.stored++
	ready := c.takeReadyLocked()
	c.mu.Unlock()

	for _, comp := range ready {
		comp.Resolve(nil)
	}
}

// OnError reports a failed write and fails every waiting completion.
func (c *OperationContext) OnError(code brokererrors.ErrorCode, message string) {
	c.resolveMu.Lock()
	defer c.resolveMu.Unlock()

	c.mu.Lock()
	c.stored++
	if c.failure == nil {
		c.failure = &StorageError{Code: code, Message: message}
	}
	failure := c.failure
	waiting := c.waiting
	c.waiting = nil
	c.mu.Unlock()

	for _, w := range waiting {
		w.completion.Resolve(failure)
	}
}

// ScheduleCompletion returns a completion that resolves after every write
// lined up so far. With nothing pending it resolves immediately.
func (c *OperationContext) ScheduleCompletion() *Completion {
	comp := NewCompletion(c.exec)

	c.resolveMu.Lock()
	defer c.resolveMu.Unlock()

	c.mu.Lock()
	if c.failure != nil {
		failure := c.failure
		c.mu.Unlock()
		comp.Resolve(failure)
		return comp
	}
	if c.stored >= c.linedUp && len(c.waiting) == 0 {
		c.mu.Unlock()
		comp.Resolve(nil)
		return comp
	}
	c.waiting = append(c.waiting, waitingCompletion{target: c.linedUp, completion: comp})
	c.mu.Unlock()
	return comp
}

// Pending returns the number of lined-up writes not yet reported.
func (c *OperationContext) Pending() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.linedUp - c.stored
}

func (c *OperationContext) lineUps() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.linedUp
}

// Failure returns the sticky storage error, if any.
func (c *OperationContext) Failure() *StorageError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

func (c *OperationContext) takeReadyLocked() []*Completion {
	n := 0
	for n < len(c.waiting) && c.waiting[n].target <= c.stored {
		n++
	}
	if n == 0 {
		return nil
	}
	ready := make([]*Completion, n)
	for i := 0; i < n; i++ {
		ready[i] = c.waiting[i].completion
	}
	c.waiting = c.waiting[n:]
	return ready
}

var _ IOCallback = (*OperationContext)(nil)
