package operation

import "sync"

// Observable tracks the set of currently-open Dispatch Operations for the
// bus's DispatchOperations property. Listeners registered via Subscribe are
// emission-suppressed until the property has been read at least once, which
// avoids spurious signal traffic before anyone is listening; listeners
// registered via SubscribeAlways fire unconditionally, for consumers (like
// opening a per-operation bus subject) that must react to every operation
// regardless of whether the property has ever been read.
type Observable struct {
	mu       sync.Mutex
	open     map[string]*Operation
	observed bool

	onCreated  []func(*Operation)
	onFinished []func(path string)

	onCreatedAlways  []func(*Operation)
	onFinishedAlways []func(path string)
}

func NewObservable(onCreated func(*Operation), onFinished func(path string)) *Observable {
	ob := &Observable{open: make(map[string]*Operation)}
	ob.Subscribe(onCreated, onFinished)
	return ob
}

// Subscribe registers an additional pair of creation/finish callbacks,
// alongside any already registered. Either argument may be nil. Like the
// pair passed to NewObservable, these only fire once DispatchOperations has
// been read at least once.
func (ob *Observable) Subscribe(onCreated func(*Operation), onFinished func(path string)) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if onCreated != nil {
		ob.onCreated = append(ob.onCreated, onCreated)
	}
	if onFinished != nil {
		ob.onFinished = append(ob.onFinished, onFinished)
	}
}

// SubscribeAlways registers a creation/finish callback pair that fires for
// every tracked operation regardless of whether DispatchOperations has ever
// been read. Use this for listeners that open or close resources scoped to
// an operation's lifetime (e.g. a bus subject) rather than ones that merely
// signal a change to an external observer.
func (ob *Observable) SubscribeAlways(onCreated func(*Operation), onFinished func(path string)) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if onCreated != nil {
		ob.onCreatedAlways = append(ob.onCreatedAlways, onCreated)
	}
	if onFinished != nil {
		ob.onFinishedAlways = append(ob.onFinishedAlways, onFinished)
	}
}

// Track registers a newly created operation, always notifying the
// SubscribeAlways listeners and additionally notifying the gated Subscribe
// listeners once a reader has activated notifications.
func (ob *Observable) Track(op *Operation) {
	ob.mu.Lock()
	ob.open[op.Path] = op
	shouldEmit := ob.observed
	listeners := append([]func(*Operation){}, ob.onCreated...)
	alwaysListeners := append([]func(*Operation){}, ob.onCreatedAlways...)
	ob.mu.Unlock()

	op.OnFinished(func(o *Operation) {
		ob.mu.Lock()
		delete(ob.open, o.Path)
		shouldEmitFinish := ob.observed
		finishListeners := append([]func(string){}, ob.onFinished...)
		alwaysFinishListeners := append([]func(string){}, ob.onFinishedAlways...)
		ob.mu.Unlock()
		for _, fn := range alwaysFinishListeners {
			fn(o.Path)
		}
		if shouldEmitFinish {
			for _, fn := range finishListeners {
				fn(o.Path)
			}
		}
	})

	for _, fn := range alwaysListeners {
		fn(op)
	}
	if shouldEmit {
		for _, fn := range listeners {
			fn(op)
		}
	}
}

// Lookup finds a currently-open operation by path, for bus calls that
// target one operation directly (e.g. an approver invoking HandleWith or
// Claim on it).
func (ob *Observable) Lookup(path string) (*Operation, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	op, ok := ob.open[path]
	return op, ok
}

// DispatchOperations implements the read-only DispatchOperations property:
// returns [] before the first inbound batch, and activates change
// notifications as a side effect of being read.
func (ob *Observable) DispatchOperations() []*Operation {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.observed = true

	out := make([]*Operation, 0, len(ob.open))
	for _, op := range ob.open {
		out = append(out, op)
	}
	return out
}
