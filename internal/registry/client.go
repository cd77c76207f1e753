// Package registry implements the Client Registry: discovery, metadata
// acquisition and liveness tracking for client applications reachable on
// the bus.
package registry

import (
	"sync"

	"go.chandispatch.dev/internal/filter"
)

// Capability is one bit of a Client's capability set, modeled as a bitset
// rather than a class hierarchy since a client can hold any combination.
type Capability uint8

const (
	CapObserver Capability = 1 << iota
	CapApprover
	CapHandler
	CapRequests
)

func (c Capability) Has(bit Capability) bool { return c&bit != 0 }

func (c Capability) String() string {
	var parts []string
	if c.Has(CapObserver) {
		parts = append(parts, "Observer")
	}
	if c.Has(CapApprover) {
		parts = append(parts, "Approver")
	}
	if c.Has(CapHandler) {
		parts = append(parts, "Handler")
	}
	if c.Has(CapRequests) {
		parts = append(parts, "Requests")
	}
	if len(parts) == 0 {
		return "(none)"
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "|" + p
	}
	return out
}

// Client is one well-known bus name the registry knows about, with its
// capability set, per-capability filter lists and liveness state.
type Client struct {
	mu sync.RWMutex

	BusName        string
	Capabilities   Capability
	BypassApproval bool

	ObserverFilters filter.ClientFilters
	ApproverFilters filter.ClientFilters
	HandlerFilters  filter.ClientFilters

	// Activatable clients persist across bus disappearance; non-activatable
	// clients are garbage-collected.
	Activatable bool
	Alive       bool

	// handledChannels is the cached HandledChannels property, populated by
	// recovery and kept for the client's lifetime while alive.
	handledChannels []string
}

func NewClient(busName string, activatable bool) *Client {
	return &Client{BusName: busName, Activatable: activatable}
}

// SetMetadata fixes the capability set and filter lists once resolved. A
// client's capabilities never change after being set; callers must only
// invoke this once per Client, and subsequent metadata acquisitions for the
// same bus name are a bug in the caller, not handled defensively here.
func (c *Client) SetMetadata(caps Capability, bypass bool, observer, approver, handler filter.ClientFilters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Capabilities = caps
	c.BypassApproval = bypass
	c.ObserverFilters = observer
	c.ApproverFilters = approver
	c.HandlerFilters = handler
}

func (c *Client) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Alive
}

func (c *Client) SetAlive(alive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Alive = alive
	if !alive {
		c.handledChannels = nil
	}
}

func (c *Client) HandledChannels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.handledChannels))
	copy(out, c.handledChannels)
	return out
}

func (c *Client) SetHandledChannels(paths []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handledChannels = append([]string(nil), paths...)
}

func (c *Client) HasCapability(cap Capability) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Capabilities.Has(cap)
}
