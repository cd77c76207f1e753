// Package dispatch implements the Dispatch Context and Pipeline Engine: the
// per-batch state object and its staged, lock-counted walk through internal
// filters, observers, approvers and handlers.
package dispatch

import (
	"sync"

	"go.chandispatch.dev/internal/channel"
	"go.chandispatch.dev/internal/filter"
	"go.chandispatch.dev/internal/operation"
)

// Context is the per-batch state object that walks a channel set through
// the pipeline phases. All mutation of a Context's own fields is confined
// to the goroutine running its pipeline; cross-goroutine deliveries (bus
// replies) arrive over the done channels returned by the stage helpers
// rather than by being poked directly into context state, so no callback
// ever preempts another mid-mutation.
type Context struct {
	mu sync.Mutex

	ID      string
	Account string

	Channels         []*channel.Channel
	PossibleHandlers []filter.Candidate

	Operation *operation.Operation

	// clientLocks is the asynchronous lock counter: starts at 1 (the
	// structural lock taken at the start of run_clients), every observer
	// call adds and removes one, the approver phase adds one more.
	// Handlers run exactly once, when this reaches zero and the context is
	// not cancelled.
	clientLocks int

	approversInvoked int
	cancelled        bool
	skipApproval     bool
	finished         bool

	onLockZero func()
}

// NewContext creates a Context over a non-empty channel batch with the
// structural lock already taken (the counter starts at 1). possibleHandlers
// must be non-empty; the caller is responsible for refusing the batch
// before calling NewContext if no handler matched.
func NewContext(id, account string, channels []*channel.Channel, possibleHandlers []filter.Candidate) *Context {
	for _, c := range channels {
		c.SetContextKey(id)
	}
	return &Context{
		ID:               id,
		Account:          account,
		Channels:         channels,
		PossibleHandlers: possibleHandlers,
		clientLocks:      1,
	}
}

// TakeLock increments the client-lock counter. Call before issuing any
// suspending bus call on this context's behalf.
func (c *Context) TakeLock() {
	c.mu.Lock()
	c.clientLocks++
	c.mu.Unlock()
}

// ReleaseLock decrements the client-lock counter and, if it reaches zero
// and the context is not cancelled, invokes the registered handler-phase
// callback exactly once.
func (c *Context) ReleaseLock() {
	c.mu.Lock()
	c.clientLocks--
	locks := c.clientLocks
	cancelled := c.cancelled
	cb := c.onLockZero
	c.mu.Unlock()

	if locks < 0 {
		panic("dispatch context: client-lock counter went negative")
	}
	if locks == 0 && !cancelled && cb != nil {
		cb()
	}
}

// ReleaseStructuralLock releases the initial lock taken at construction,
// at the bottom of run_clients.
func (c *Context) ReleaseStructuralLock() {
	c.ReleaseLock()
}

// OnLockZero registers the callback to run when the lock counter first
// transitions to zero with the context not cancelled. If the counter is
// already zero when this is called, it fires immediately.
func (c *Context) OnLockZero(cb func()) {
	c.mu.Lock()
	c.onLockZero = cb
	locks := c.clientLocks
	cancelled := c.cancelled
	c.mu.Unlock()

	if locks == 0 && !cancelled {
		cb()
	}
}

// Cancel flags the context cancelled: observers already in flight complete
// normally, but handlers will not be invoked.
func (c *Context) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
}

func (c *Context) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// SetSkipApproval marks the batch as bypassing the approver phase: either
// because it is entirely requested by this process, or because the
// selected handler carries BypassApproval.
func (c *Context) SetSkipApproval(skip bool) {
	c.mu.Lock()
	c.skipApproval = skip
	c.mu.Unlock()
}

func (c *Context) SkipApproval() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.skipApproval
}

func (c *Context) IncrementApproversInvoked() {
	c.mu.Lock()
	c.approversInvoked++
	c.mu.Unlock()
}

func (c *Context) ApproversInvoked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.approversInvoked
}

// Finished reports whether every channel in the context has reached a
// terminal status, and marks the context finished the first time this
// becomes true (the caller uses this to emit dispatch-completed exactly
// once).
func (c *Context) Finished() (justFinished, alreadyFinished bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return false, true
	}
	for _, ch := range c.Channels {
		if !ch.Terminal() {
			return false, false
		}
	}
	c.finished = true
	return true, false
}
