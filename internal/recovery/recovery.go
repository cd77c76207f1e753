// Package recovery implements the Recovery Subsystem: on startup,
// reconciles channels already alive in the system with handlers that
// already claim them.
package recovery

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"go.chandispatch.dev/internal/common/metrics"
	"go.chandispatch.dev/internal/registry"
)

// ConnectionManagerLister is the thin façade collaborator that inventories
// channels already alive in the system at startup. This package does not
// implement a connection manager itself, only this consumed interface.
type ConnectionManagerLister interface {
	LiveChannels(ctx context.Context) ([]string, error)
}

// HandledChannelsFetcher fetches one handler's cached HandledChannels list
// (satisfied by internal/bus's BreakingCaller/NATSBus in production).
type HandledChannelsFetcher interface {
	GetHandledChannels(ctx context.Context, busName string) ([]string, error)
}

// Resubmitter is the callback recovery uses to push an unclaimed channel
// back into take_channels as a normal dispatch.
type Resubmitter func(ctx context.Context, channelPath string)

// Recorder persists the outcome of one resolved channel for operational
// audit (internal/store's RecoveryStateRepository in production). Optional:
// a nil Recorder simply skips the audit write.
type Recorder interface {
	Record(ctx context.Context, channelPath, outcome, handlerName string) error
}

// Recovery runs the startup reconciliation pass.
type Recovery struct {
	lister   ConnectionManagerLister
	fetcher  HandledChannelsFetcher
	registry *registry.Registry
	resubmit Resubmitter
	recorder Recorder
	log      zerolog.Logger
}

func New(lister ConnectionManagerLister, fetcher HandledChannelsFetcher, reg *registry.Registry, resubmit Resubmitter, log zerolog.Logger) *Recovery {
	return &Recovery{lister: lister, fetcher: fetcher, registry: reg, resubmit: resubmit, log: log}
}

// WithRecorder attaches an audit recorder, returning the same Recovery for
// chaining at construction time.
func (r *Recovery) WithRecorder(rec Recorder) *Recovery {
	r.recorder = rec
	return r
}

// Run executes the recovery pass: structural lock starting at 1 plus one
// lock per active handler queried; for every live channel, if some
// handler's cached list names it, mark it Dispatched without invoking
// handle_channels; otherwise resubmit it.
func (r *Recovery) Run(ctx context.Context) error {
	live, err := r.lister.LiveChannels(ctx)
	if err != nil {
		return err
	}
	if len(live) == 0 {
		return nil
	}

	handlers := r.registry.Alive()
	var activeHandlers []*registry.Client
	for _, c := range handlers {
		if c.HasCapability(registry.CapHandler) {
			activeHandlers = append(activeHandlers, c)
		}
	}

	handledBy := make(map[string]bool, len(live))
	var mu sync.Mutex
	var wg sync.WaitGroup

	// Structural lock at 1 (this goroutine itself) plus one per handler
	// queried; releasing the structural lock last makes the "handled"
	// flag readable only after every cached list has returned.
	for _, h := range activeHandlers {
		wg.Add(1)
		go func(h *registry.Client) {
			defer wg.Done()
			paths, err := r.fetcher.GetHandledChannels(ctx, h.BusName)
			if err != nil {
				r.log.Warn().Err(err).Str("handler", h.BusName).Msg("recovery: HandledChannels query failed")
				return
			}
			h.SetHandledChannels(paths)
			mu.Lock()
			for _, p := range paths {
				handledBy[p] = true
			}
			mu.Unlock()
		}(h)
	}
	wg.Wait()

	for _, c := range live {
		if handledBy[c] {
			metrics.RecoveryChannelsResolved.WithLabelValues("already_handled").Inc()
			r.record(ctx, c, "already_handled", "")
			continue
		}
		metrics.RecoveryChannelsResolved.WithLabelValues("resubmitted").Inc()
		r.record(ctx, c, "resubmitted", "")
		r.resubmit(ctx, c)
	}
	return nil
}

func (r *Recovery) record(ctx context.Context, channelPath, outcome, handlerName string) {
	if r.recorder == nil {
		return
	}
	if err := r.recorder.Record(ctx, channelPath, outcome, handlerName); err != nil {
		r.log.Warn().Err(err).Str("channel", channelPath).Msg("recovery: audit record failed")
	}
}
