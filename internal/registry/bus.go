package registry

import "context"

// PresenceEvent mirrors a name-owner-changed notification on the bus:
// oldOwner/newOwner empty means "no owner".
type PresenceEvent struct {
	BusName  string
	OldOwner string
	NewOwner string
}

// BusDirectory is the subset of bus operations the registry needs: listing
// activatable and owned names at boot, subscribing to presence events, and
// querying a client's capability/filter properties when no descriptor file
// is found. Implementations live in internal/bus; this interface keeps the
// registry transport-agnostic and trivially fakeable in tests.
type BusDirectory interface {
	ActivatableNames(ctx context.Context) ([]string, error)
	OwnedNames(ctx context.Context) ([]string, error)
	Subscribe(ctx context.Context) (<-chan PresenceEvent, error)

	// GetInterfaces returns the client's declared capability names (the
	// bus-queried fallback to a descriptor file's "Interfaces=" line).
	GetInterfaces(ctx context.Context, busName string) ([]string, error)
	// GetFilterList returns the raw (name, type-code, value) triples for
	// one capability's filter-list property
	// (ApproverChannelFilter/HandlerChannelFilter/ObserverChannelFilter).
	GetFilterList(ctx context.Context, busName, propertyName string) ([]RawFilterEntry, error)
}

// RawFilterEntry is one bus-returned filter-list entry prior to variant
// normalisation.
type RawFilterEntry struct {
	Name     string
	TypeCode string
	Value    string
}

const (
	propApproverFilter = "ApproverChannelFilter"
	propHandlerFilter  = "HandlerChannelFilter"
	propObserverFilter = "ObserverChannelFilter"
)
