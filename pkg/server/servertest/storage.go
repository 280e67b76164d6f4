package servertest

import (
	"sync"

	brokererrors "github.com/marmos91/dittomq/pkg/broker/errors"
	"github.com/marmos91/dittomq/pkg/persistence"
)

// Context is an OperationContext whose completions the test resolves.
//
// By default every scheduled completion resolves immediately with success.
// After Hold, completions stay pending until Resolve or Fail.
type Context struct {
	Log *EventLog

	mu      sync.Mutex
	hold    bool
	failure *persistence.StorageError
	pending []*persistence.Completion
	bound   bool
}

// NewContext creates a context recording "bind", "schedule", "complete" and
// "clear" into log.
func NewContext(log *EventLog) *Context {
	return &Context{Log: log}
}

// Bind records a bind.
func (c *Context) Bind() {
	c.mu.Lock()
	c.bound = true
	c.mu.Unlock()
	c.Log.Add("bind")
}

// ClearBinding records a clear.
func (c *Context) ClearBinding() {
	c.mu.Lock()
	c.bound = false
	c.mu.Unlock()
	c.Log.Add("clear")
}

// IsBound reports whether Bind is in effect.
func (c *Context) IsBound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bound
}

// CompleteScheduledOperations records a complete.
func (c *Context) CompleteScheduledOperations() {
	c.Log.Add("complete")
}

// ScheduleCompletion returns a completion resolved according to the
// context's mode.
func (c *Context) ScheduleCompletion() *persistence.Completion {
	c.Log.Add("schedule")
	comp := persistence.NewCompletion(persistence.InlineExecutor{})

	c.mu.Lock()
	if c.hold {
		c.pending = append(c.pending, comp)
		c.mu.Unlock()
		return comp
	}
	failure := c.failure
	c.mu.Unlock()

	comp.Resolve(failure)
	return comp
}

// Hold keeps later completions pending until Resolve or Fail.
func (c *Context) Hold() {
	c.mu.Lock()
	c.hold = true
	c.mu.Unlock()
}

// FailWith makes every later completion resolve immediately with a storage
// error.
func (c *Context) FailWith(code brokererrors.ErrorCode, message string) {
	c.mu.Lock()
	c.failure = &persistence.StorageError{Code: code, Message: message}
	c.mu.Unlock()
}

// Resolve succeeds every pending completion, in scheduling order.
func (c *Context) Resolve() {
	for _, comp := range c.takePending() {
		comp.Resolve(nil)
	}
}

// Fail resolves every pending completion with a storage error.
func (c *Context) Fail(code brokererrors.ErrorCode, message string) {
	for _, comp := range c.takePending() {
		comp.Resolve(&persistence.StorageError{Code: code, Message: message})
	}
}

// Pending returns the number of unresolved completions.
func (c *Context) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Context) takePending() []*persistence.Completion {
	c.mu.Lock()
	defer c.mu.Unlock()
	pending := c.pending
	c.pending = nil
	return pending
}
