package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	busapi "go.chandispatch.dev/internal/bus"
	"go.chandispatch.dev/internal/channel"
	"go.chandispatch.dev/internal/filter"
	"go.chandispatch.dev/internal/operation"
	"go.chandispatch.dev/internal/registry"
)

// InternalFilter is one in-process hook in the internal filter chain, run
// before any bus client is contacted. Returning channel.ErrNotAvailable
// cancels the context; any other error aborts the batch with that error.
type InternalFilter func(ctx context.Context, dctx *Context) error

// Emitter publishes the dispatcher's own bus emissions: dispatch-completed,
// dispatch-failed, new-dispatch-operation and dispatch-operation-finished
// (the latter two via the Observable it wraps).
type Emitter interface {
	DispatchCompleted(dctx *Context)
	DispatchFailed(ch *channel.Channel, err error)
}

// Engine is the Pipeline Engine: drives a Context through internal filters,
// observers, approvers and the handler phase.
type Engine struct {
	Registry   *registry.Registry
	Caller     busapi.ClientCaller
	Filters    []InternalFilter
	Observable *operation.Observable
	Emit       Emitter
	Log        zerolog.Logger

	// active indexes live contexts by id, so a Channel's weak back-pointer
	// (its contextKey) can locate the owning Context on external abort,
	// without the Context and Channel holding a reference cycle on each
	// other.
	active sync.Map // string -> *Context
}

// Run drives dctx through the full pipeline. It returns once every stage
// up to and including handler dispatch has been kicked off; completion
// (and the dispatch-completed emission) happens asynchronously as the last
// channel reaches a terminal state.
func (e *Engine) Run(ctx context.Context, dctx *Context) {
	e.active.Store(dctx.ID, dctx)

	for _, f := range e.Filters {
		if err := f(ctx, dctx); err != nil {
			if errors.Is(err, channel.ErrNotAvailable) {
				dctx.Cancel()
			}
			e.abortAll(dctx, err)
			return
		}
	}

	// The handler phase fires exactly when the lock counter transitions to
	// zero with the context not cancelled.
	dctx.OnLockZero(func() { e.runHandlerPhase(ctx, dctx) })

	e.runObservers(ctx, dctx)

	bypassed := dctx.SkipApproval() || topCandidateBypasses(dctx.PossibleHandlers)
	if bypassed {
		dctx.ReleaseStructuralLock()
		return
	}

	e.runApprovers(ctx, dctx)
	dctx.ReleaseStructuralLock()
}

// ErrNoHandler is returned by TakeChannels when no alive Handler-capability
// client matches every channel in the batch: a batch with no possible
// handler is refused before a Context is ever created.
var ErrNoHandler = errors.New("no handler matches this channel batch")

// TakeChannels is take_channels: the external entry point connection
// managers and the Request Entry Point both funnel channel batches through.
// It resolves possible handlers, refuses up front if none match, and
// otherwise builds the Context and kicks off Run.
func (e *Engine) TakeChannels(ctx context.Context, id, account string, channels []*channel.Channel) error {
	candidates := SelectPossibleHandlers(e.Registry, channels)
	if len(candidates) == 0 {
		return ErrNoHandler
	}
	dctx := NewContext(id, account, channels, candidates)
	dctx.SetSkipApproval(allRequested(channels))
	e.Run(ctx, dctx)
	return nil
}

func topCandidateBypasses(candidates []filter.Candidate) bool {
	return len(candidates) > 0 && candidates[0].BypassApproval
}

// allRequested reports whether every channel in the batch was entirely
// requested by this process, the other condition (besides a BypassApproval
// handler) under which the approver phase is skipped.
func allRequested(channels []*channel.Channel) bool {
	for _, ch := range channels {
		if !ch.Requested {
			return false
		}
	}
	return len(channels) > 0
}

// runObservers is the Observer phase: every matching observer is invoked in
// parallel, each call bracketed by a lock-counter take/release.
func (e *Engine) runObservers(ctx context.Context, dctx *Context) {
	matches := matchingObservers(e.Registry, dctx.Channels)
	if len(matches) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for busName, channels := range matches {
		busName, channels := busName, channels
		dctx.TakeLock()
		g.Go(func() error {
			defer dctx.ReleaseLock()
			batch := toChannelBatch(channels)
			if err := e.Caller.ObserveChannels(gctx, busName, batch); err != nil {
				// Observer errors are logged only; they never veto dispatch.
				e.Log.Warn().Err(err).Str("client", busName).Msg("observe_channels failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// runApprovers is the Approver phase: allocates a Dispatch Operation,
// exposes it, and calls every matching approver. One additional
// lock is held for the phase as a whole, released only when the
// operation's decision is final and every approver call has returned.
func (e *Engine) runApprovers(ctx context.Context, dctx *Context) {
	approvers := matchingApprovers(e.Registry, dctx.Channels)

	op := operation.New(dctx.Channels, mergeProperties(dctx.Channels))
	dctx.mu.Lock()
	dctx.Operation = op
	dctx.mu.Unlock()

	dctx.TakeLock() // the approver-phase lock
	op.OnFinished(func(*operation.Operation) { dctx.ReleaseLock() })
	e.Observable.Track(op)

	if len(approvers) == 0 {
		op.AllApproversFailed()
		op.Finish()
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	var anySucceeded atomic.Bool
	for _, busName := range approvers {
		busName := busName
		dctx.IncrementApproversInvoked()
		dctx.TakeLock()
		op.BeginApproverCall()
		g.Go(func() error {
			defer dctx.ReleaseLock()
			defer func() {
				if op.EndApproverCall() {
					op.Finish()
				}
			}()
			info := busapi.OperationInfo{Path: op.Path, Channels: toChannelBatch(dctx.Channels).Channels, Properties: op.Properties}
			if err := e.Caller.AddDispatchOperation(gctx, busName, info); err != nil {
				e.Log.Warn().Err(err).Str("client", busName).Msg("add_dispatch_operation failed")
				return nil
			}
			anySucceeded.Store(true)
			return nil
		})
	}
	_ = g.Wait()

	if !anySucceeded.Load() {
		op.AllApproversFailed()
		op.Finish()
	}
}

// runHandlerPhase is the Handler phase. Invoked once when the client-lock
// counter reaches zero with the context not cancelled.
func (e *Engine) runHandlerPhase(ctx context.Context, dctx *Context) {
	op := dctx.Operation

	if op != nil && op.State() == operation.StateClaimed {
		for _, ch := range dctx.Channels {
			ch.SetStatus(channel.StatusDispatched)
		}
		e.checkCompletion(dctx)
		return
	}

	remaining := dctx.Channels
	namedHandler := ""
	if op != nil {
		namedHandler = op.HandlerChoice()
	}

	if namedHandler != "" {
		e.invokeHandler(ctx, dctx, namedHandler, remaining)
		e.checkCompletion(dctx)
		return
	}

	candidates := dctx.PossibleHandlers
	for len(remaining) > 0 && len(candidates) > 0 {
		c := candidates[0]
		candidates = candidates[1:]

		var matched []*channel.Channel
		client, ok := e.Registry.Lookup(c.BusName)
		if !ok || !client.IsAlive() {
			continue
		}
		var unmatched []*channel.Channel
		for _, ch := range remaining {
			if _, ok := client.HandlerFilters.BestScore(ch.Properties); ok {
				matched = append(matched, ch)
			} else {
				unmatched = append(unmatched, ch)
			}
		}
		if len(matched) == 0 {
			continue
		}
		e.invokeHandler(ctx, dctx, c.BusName, matched)
		remaining = unmatched
	}

	if len(remaining) > 0 {
		// A loop iteration made no progress against the remaining
		// channels: fatal for that leftover set.
		err := fmt.Errorf("no remaining handler candidate matches leftover channels")
		for _, ch := range remaining {
			ch.Abort(err)
			e.Emit.DispatchFailed(ch, err)
		}
	}

	e.checkCompletion(dctx)
}

func (e *Engine) invokeHandler(ctx context.Context, dctx *Context, busName string, channels []*channel.Channel) {
	for _, ch := range channels {
		ch.SetStatus(channel.StatusHandlerInvoked)
	}
	batch := toChannelBatch(channels)
	if err := e.Caller.HandleChannels(ctx, busName, batch); err != nil {
		// Handler failure: per-channel error, dispatched flag not set; no
		// automatic re-dispatch across handlers.
		for _, ch := range channels {
			ch.Abort(err)
			e.Emit.DispatchFailed(ch, err)
		}
		return
	}
	for _, ch := range channels {
		ch.SetStatus(channel.StatusDispatched)
	}
}

func (e *Engine) checkCompletion(dctx *Context) {
	justFinished, _ := dctx.Finished()
	if justFinished {
		e.active.Delete(dctx.ID)
		e.Emit.DispatchCompleted(dctx)
		if dctx.Operation != nil && dctx.Operation.State() != operation.StateFinished {
			dctx.Operation.Finish()
		}
	}
}

// AbortChannel aborts a single channel from outside the pipeline (e.g. the
// owning client requesting cancellation) and re-checks its owning Context
// for completion. If err is channel.ErrCancelled the owning Context is
// flagged cancelled so no further handler is invoked.
func (e *Engine) AbortChannel(ch *channel.Channel, err error) {
	ch.Abort(err)
	e.Emit.DispatchFailed(ch, err)

	key := ch.ContextKey()
	if key == "" {
		return
	}
	v, ok := e.active.Load(key)
	if !ok {
		return
	}
	dctx := v.(*Context)
	if errors.Is(err, channel.ErrCancelled) {
		dctx.Cancel()
	}
	e.checkCompletion(dctx)
}

func (e *Engine) abortAll(dctx *Context, err error) {
	for _, ch := range dctx.Channels {
		ch.Abort(err)
		e.Emit.DispatchFailed(ch, err)
	}
	e.checkCompletion(dctx)
}

func toChannelBatch(channels []*channel.Channel) busapi.ChannelBatch {
	out := busapi.ChannelBatch{Channels: make([]busapi.ChannelInfo, 0, len(channels))}
	for _, ch := range channels {
		out.Channels = append(out.Channels, busapi.ChannelInfo{ObjectPath: ch.ObjectPath, Properties: ch.Properties})
	}
	return out
}

func mergeProperties(channels []*channel.Channel) channel.PropertyMap {
	if len(channels) == 1 {
		return channels[0].Properties
	}
	return channel.PropertyMap{}
}
