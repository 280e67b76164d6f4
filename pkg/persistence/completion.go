// Package persistence implements the storage collaborator of the session
// engine: completion futures, per-session operation contexts, the ordered
// journal writer and the badger binding store.
package persistence

import (
	"context"
	"fmt"
	"sync"

	brokererrors "github.com/marmos91/dittomq/pkg/broker/errors"
)

// StorageError is the failure a Completion resolves with when a durable
// write could not be completed.
type StorageError struct {
	Code    brokererrors.ErrorCode
	Message string
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error %s: %s", e.Code, e.Message)
}

// Completion is a one-shot future resolved when the durable writes it tracks
// have completed.
//
// Continuations registered with Then run on the completion's Executor, in
// registration order, whether they were registered before or after Resolve.
type Completion struct {
	exec Executor
	done chan struct{}

	mu        sync.Mutex
	resolved  bool
	err       *StorageError
	callbacks []func(*StorageError)
}

// NewCompletion creates an unresolved completion whose continuations run on exec.
// A nil exec runs continuations inline.
func NewCompletion(exec Executor) *Completion {
	if exec == nil {
		exec = InlineExecutor{}
	}
	return &Completion{
		exec: exec,
		done: make(chan struct{}),
	}
}

// Resolve completes the future. err is nil on success. Only the first call
// has an effect; it reports whether this call resolved the completion.
func (c *Completion) Resolve(err *StorageError) bool {
	c.mu.Lock()
	if c.resolved {
		c.mu.Unlock()
		return false
	}
	c.resolved = true
	c.err = err
	cbs := c.callbacks
	c.callbacks = nil
	close(c.done)
	c.mu.Unlock()

	for _, cb := range cbs {
		cb := cb
		c.exec.Execute(func() { cb(err) })
	}
	return true
}

// Then registers fn to run once the completion resolves.
func (c *Completion) Then(fn func(err *StorageError)) {
	c.mu.Lock()
	if !c.resolved {
		c.callbacks = append(c.callbacks, fn)
		c.mu.Unlock()
		return
	}
	err := c.err
	c.mu.Unlock()

	c.exec.Execute(func() { fn(err) })
}

// Done returns a channel closed when the completion resolves.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Err returns the resolution error, or nil while unresolved or on success.
func (c *Completion) Err() *StorageError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Wait blocks until the completion resolves or ctx is done.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		if err := c.Err(); err != nil {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
