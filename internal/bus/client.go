// Package bus realizes the abstract message bus concretely over NATS
// (client RPCs and presence) and exposes the dispatcher's own
// create_channel/ensure_channel bus surface.
package bus

import (
	"context"

	"go.chandispatch.dev/internal/channel"
)

// ClientCaller is the set of client-facing bus calls the dispatcher issues.
// Every call is non-blocking from the pipeline's point of view: callers
// increment a lock counter before issuing the call and decrement it in the
// returned callback/error.
type ClientCaller interface {
	// ObserveChannels notifies an Observer of a batch. Observers cannot
	// veto; a non-nil error is logged only.
	ObserveChannels(ctx context.Context, busName string, batch ChannelBatch) error

	// AddDispatchOperation offers a Dispatch Operation to an Approver.
	AddDispatchOperation(ctx context.Context, busName string, op OperationInfo) error

	// HandleChannels invokes a Handler with the channels it must take
	// ownership of.
	HandleChannels(ctx context.Context, busName string, batch ChannelBatch) error

	// AddRequest/RemoveRequest deliver the Requests capability's lifecycle
	// calls to a preferred handler.
	AddRequest(ctx context.Context, busName string, req RequestInfo) error
	RemoveRequest(ctx context.Context, busName string, requestPath string) error

	// GetHandledChannels fetches a Handler's cached HandledChannels
	// property, used by the Recovery Subsystem.
	GetHandledChannels(ctx context.Context, busName string) ([]string, error)
}

// ChannelBatch is the wire shape of a batch of channels passed to a client
// RPC: object path plus its normalised property map.
type ChannelBatch struct {
	Channels []ChannelInfo
}

type ChannelInfo struct {
	ObjectPath string
	Properties channel.PropertyMap
}

// OperationInfo is the wire shape of a Dispatch Operation offered to an
// Approver.
type OperationInfo struct {
	Path       string
	Channels   []ChannelInfo
	Properties channel.PropertyMap
}

// RequestInfo is the wire shape of an add_request call.
type RequestInfo struct {
	RequestPath string
	Account     string
	Properties  channel.PropertyMap
}
