package registry

import (
	"bufio"
	"context"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"go.chandispatch.dev/internal/channel"
	"go.chandispatch.dev/internal/filter"
)

// Registry is the Client Registry: process-wide, composed into the
// dispatcher root rather than kept as ambient global state.
type Registry struct {
	bus BusDirectory
	log zerolog.Logger

	// limiter throttles bus property queries during the boot scan and
	// during X→""/""→X storms, so a presence storm cannot become a query
	// storm against every client at once.
	limiter *rate.Limiter

	// cacheWriter records the metadata of clients resolved the slow way
	// (descriptor file miss -> bus query), for operational warm-start.
	// Optional: nil simply skips the write.
	cacheWriter CacheWriter

	mu      sync.RWMutex
	clients map[string]*Client
}

// CacheWriter persists a client's resolved metadata for operational warm-
// start (internal/store's ClientCacheRepository in production).
type CacheWriter interface {
	Upsert(ctx context.Context, busName string, caps Capability, bypass bool) error
}

// New constructs a Registry bound to a BusDirectory. queryRate/queryBurst
// configure the property-query limiter.
func New(bus BusDirectory, log zerolog.Logger, queryRate rate.Limit, queryBurst int) *Registry {
	return &Registry{
		bus:     bus,
		log:     log,
		limiter: rate.NewLimiter(queryRate, queryBurst),
		clients: make(map[string]*Client),
	}
}

// WithCacheWriter attaches an optional metadata cache, returning the same
// Registry for chaining at construction time.
func (r *Registry) WithCacheWriter(w CacheWriter) *Registry {
	r.cacheWriter = w
	return r
}

// Boot runs the registry's boot sequence: subscribe to presence, mark
// activatable names known+inactive, mark owned names known+active.
// It returns the presence event channel for the caller to pump into
// HandlePresenceEvent on its own goroutine.
func (r *Registry) Boot(ctx context.Context) (<-chan PresenceEvent, error) {
	events, err := r.bus.Subscribe(ctx)
	if err != nil {
		return nil, err
	}

	activatable, err := r.bus.ActivatableNames(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range activatable {
		r.ensureClient(name, true)
	}

	owned, err := r.bus.OwnedNames(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range owned {
		c := r.ensureClient(name, false)
		c.SetAlive(true)
		if err := r.acquireMetadata(ctx, c); err != nil {
			r.log.Warn().Err(err).Str("client", name).Msg("metadata acquisition failed")
		}
	}

	return events, nil
}

func (r *Registry) ensureClient(busName string, activatable bool) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[busName]; ok {
		return c
	}
	c := NewClient(busName, activatable)
	r.clients[busName] = c
	return c
}

// Lookup returns the client for a bus name, if known.
func (r *Registry) Lookup(busName string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[busName]
	return c, ok
}

// Alive returns every currently-alive client, for iteration by the Filter
// Matcher and Pipeline Engine.
func (r *Registry) Alive() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		if c.IsAlive() {
			out = append(out, c)
		}
	}
	return out
}

// Snapshot returns every known client, alive or not, for the debug admin
// surface. Callers must not mutate the Clients returned; Registry's own
// mutex still guards field writes.
func (r *Registry) Snapshot() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// HandlePresenceEvent applies one name-owner-changed event.
func (r *Registry) HandlePresenceEvent(ctx context.Context, ev PresenceEvent) {
	switch {
	case ev.OldOwner == "" && ev.NewOwner != "":
		r.handleAppear(ctx, ev.BusName)
	case ev.OldOwner != "" && ev.NewOwner == "":
		r.handleDisappear(ev.BusName)
	default:
		r.log.Warn().Str("client", ev.BusName).Str("old_owner", ev.OldOwner).
			Str("new_owner", ev.NewOwner).
			Msg("bus name ownership transition X -> Y; treating as disappearance then appearance")
		r.handleDisappear(ev.BusName)
		r.handleAppear(ctx, ev.BusName)
	}
}

func (r *Registry) handleAppear(ctx context.Context, busName string) {
	r.mu.Lock()
	c, known := r.clients[busName]
	if !known {
		c = NewClient(busName, false)
		r.clients[busName] = c
	}
	r.mu.Unlock()

	c.SetAlive(true)
	if !known {
		if err := r.acquireMetadata(ctx, c); err != nil {
			r.log.Warn().Err(err).Str("client", busName).Msg("metadata acquisition failed")
		}
	}
}

func (r *Registry) handleDisappear(busName string) {
	r.mu.Lock()
	c, ok := r.clients[busName]
	if !ok {
		r.mu.Unlock()
		return
	}
	if !c.Activatable {
		delete(r.clients, busName)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	c.SetAlive(false)
}

// acquireMetadata resolves a newly discovered client's capability set and
// filter lists: descriptor file first, then bus queries.
func (r *Registry) acquireMetadata(ctx context.Context, c *Client) error {
	if path, ok := FindDescriptor(c.BusName); ok {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		d, err := ParseDescriptor(bufio.NewReader(f))
		if err != nil {
			return err
		}
		c.SetMetadata(d.Capabilities, d.BypassApproval, d.Observer, d.Approver, d.Handler)
		return nil
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	names, err := r.bus.GetInterfaces(ctx, c.BusName)
	if err != nil {
		return err
	}

	var caps Capability
	for _, n := range names {
		caps |= capabilityFromName(n)
	}

	var observer, approver, handler filter.ClientFilters
	if caps.Has(CapObserver) {
		if observer, err = r.fetchFilterList(ctx, c.BusName, propObserverFilter); err != nil {
			return err
		}
	}
	if caps.Has(CapApprover) {
		if approver, err = r.fetchFilterList(ctx, c.BusName, propApproverFilter); err != nil {
			return err
		}
	}
	bypass := false
	if caps.Has(CapHandler) {
		if handler, err = r.fetchFilterList(ctx, c.BusName, propHandlerFilter); err != nil {
			return err
		}
	}

	c.SetMetadata(caps, bypass, observer, approver, handler)
	if r.cacheWriter != nil {
		if err := r.cacheWriter.Upsert(ctx, c.BusName, caps, bypass); err != nil {
			r.log.Warn().Err(err).Str("client", c.BusName).Msg("client_cache write failed")
		}
	}
	return nil
}

func (r *Registry) fetchFilterList(ctx context.Context, busName, propertyName string) (filter.ClientFilters, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	raw, err := r.bus.GetFilterList(ctx, busName, propertyName)
	if err != nil {
		return nil, err
	}

	entries := channel.PropertyMap{}
	for _, e := range raw {
		v, ok := decodeTypeCode(e.TypeCode, e.Value)
		if !ok {
			r.log.Warn().Str("client", busName).Str("property", propertyName).
				Str("entry", e.Name).Str("type_code", e.TypeCode).
				Msg("unknown client property type dropped")
			continue
		}
		entries[e.Name] = v
	}
	return filter.ClientFilters{{Entries: entries}}, nil
}
