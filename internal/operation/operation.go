// Package operation implements the Dispatch Operation: the externally
// visible, approver-facing object representing an in-progress unapproved
// dispatch.
package operation

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"go.chandispatch.dev/internal/channel"
)

// State is the Dispatch Operation state machine: pending -> (claimed |
// handle-with-<name>) -> finished. Once finished it is immutable.
type State int

const (
	StatePending State = iota
	StateClaimed
	StateHandleWith
	StateFinished
)

var ErrAlreadyFinished = errors.New("dispatch operation already finished")

const pathPrefix = "/org/chandispatch/Operation/"

// Operation is one Dispatch Operation instance.
type Operation struct {
	mu sync.Mutex

	Path       string
	Channels   []*channel.Channel
	Properties channel.PropertyMap

	state         State
	handlerChoice string // set when state == StateHandleWith; "" means "any matching handler"

	// finishBlocked is the finish-blocking counter: the operation's
	// finished signal is delayed until every pending approver call has
	// returned, even if the decision already arrived.
	finishBlocked int
	decided       bool

	onFinished []func(*Operation)
}

// New allocates a Dispatch Operation over a channel batch with a freshly
// generated path.
func New(channels []*channel.Channel, properties channel.PropertyMap) *Operation {
	return &Operation{
		Path:       pathPrefix + uuid.NewString(),
		Channels:   channels,
		Properties: properties,
		state:      StatePending,
	}
}

func (o *Operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// HandlerChoice returns the bus name chosen via HandleWith, or "" for "any
// matching handler" (only meaningful once State() == StateHandleWith or
// StateFinished following a HandleWith decision).
func (o *Operation) HandlerChoice() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handlerChoice
}

// BeginApproverCall increments the finish-blocking counter before an
// approver's add_dispatch_operation call is issued.
func (o *Operation) BeginApproverCall() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finishBlocked++
}

// EndApproverCall decrements the finish-blocking counter when an approver's
// call returns (success or failure). If a decision has already arrived and
// this was the last pending call, it returns true and the caller must fire
// the finished notification.
func (o *Operation) EndApproverCall() (readyToFinish bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finishBlocked--
	return o.decided && o.finishBlocked <= 0 && o.state != StateFinished
}

// HandleWith records an approver's choice of handler. name == "" means any
// matching handler. Returns whether the operation is ready to finish
// immediately (no approver calls still pending).
func (o *Operation) HandleWith(name string) (readyToFinish bool, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateFinished {
		return false, ErrAlreadyFinished
	}
	o.state = StateHandleWith
	o.handlerChoice = name
	o.decided = true
	return o.finishBlocked <= 0, nil
}

// Claim records that an approver has taken responsibility for the batch;
// no handler will be invoked. Returns whether ready to finish immediately.
func (o *Operation) Claim() (readyToFinish bool, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateFinished {
		return false, ErrAlreadyFinished
	}
	o.state = StateClaimed
	o.decided = true
	return o.finishBlocked <= 0, nil
}

// AllApproversFailed is called when every matching approver's
// add_dispatch_operation call returned an error: behave as if no approver
// existed and proceed to the handler phase with the default handler
// selection.
func (o *Operation) AllApproversFailed() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateFinished {
		return
	}
	o.state = StateHandleWith
	o.handlerChoice = ""
	o.decided = true
}

// Finish transitions the operation into its terminal, immutable state and
// runs the registered onFinished callbacks (emitting
// dispatch-operation-finished).
func (o *Operation) Finish() {
	o.mu.Lock()
	if o.state == StateFinished {
		o.mu.Unlock()
		return
	}
	o.state = StateFinished
	callbacks := append([]func(*Operation){}, o.onFinished...)
	o.mu.Unlock()

	for _, cb := range callbacks {
		cb(o)
	}
}

// OnFinished registers a callback invoked exactly once when Finish runs.
func (o *Operation) OnFinished(cb func(*Operation)) {
	o.mu.Lock()
	if o.state == StateFinished {
		o.mu.Unlock()
		cb(o)
		return
	}
	o.onFinished = append(o.onFinished, cb)
	o.mu.Unlock()
}
