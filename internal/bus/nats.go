package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"go.chandispatch.dev/internal/registry"
)

// Presence subjects. A client announces itself on
// "registry.presence.<busName>.up"/".down"; the registry subscribes to the
// wildcard once at boot.
const presenceWildcard = "registry.presence.>"

const (
	subjectActivatableNames = "registry.activatable_names"
	subjectOwnedNames       = "registry.owned_names"
	subjectGetInterfaces    = "client.%s.get_interfaces"
	subjectGetFilterList    = "client.%s.get_property.%s"
	subjectObserveChannels  = "client.%s.observe_channels"
	subjectAddDispatchOp    = "client.%s.add_dispatch_operation"
	subjectHandleChannels   = "client.%s.handle_channels"
	subjectAddRequest       = "client.%s.add_request"
	subjectRemoveRequest    = "client.%s.remove_request"
	subjectGetHandled       = "client.%s.get_property.HandledChannels"

	defaultCallTimeout = 10 * time.Second
)

// NATSBus implements both registry.BusDirectory and ClientCaller over a
// NATS connection (request/reply for RPCs, pub/sub for presence).
type NATSBus struct {
	conn *nats.Conn
	log  zerolog.Logger
}

func NewNATSBus(conn *nats.Conn, log zerolog.Logger) *NATSBus {
	return &NATSBus{conn: conn, log: log}
}

func (b *NATSBus) request(ctx context.Context, subject string, payload, out interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request for %s: %w", subject, err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultCallTimeout)
		defer cancel()
	}

	msg, err := b.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("bus call %s: %w", subject, err)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(msg.Data, out)
}

// --- registry.BusDirectory ---

func (b *NATSBus) ActivatableNames(ctx context.Context) ([]string, error) {
	var names []string
	if err := b.request(ctx, subjectActivatableNames, struct{}{}, &names); err != nil {
		return nil, err
	}
	return names, nil
}

func (b *NATSBus) OwnedNames(ctx context.Context) ([]string, error) {
	var names []string
	if err := b.request(ctx, subjectOwnedNames, struct{}{}, &names); err != nil {
		return nil, err
	}
	return names, nil
}

func (b *NATSBus) Subscribe(ctx context.Context) (<-chan registry.PresenceEvent, error) {
	out := make(chan registry.PresenceEvent, 64)
	sub, err := b.conn.Subscribe(presenceWildcard, func(msg *nats.Msg) {
		ev, ok := parsePresenceSubject(msg.Subject)
		if !ok {
			return
		}
		select {
		case out <- ev:
		default:
			b.log.Warn().Str("bus_name", ev.BusName).Msg("presence event dropped: channel full")
		}
	})
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		close(out)
	}()
	return out, nil
}

func parsePresenceSubject(subject string) (registry.PresenceEvent, bool) {
	parts := strings.Split(subject, ".")
	if len(parts) < 4 {
		return registry.PresenceEvent{}, false
	}
	busName := strings.Join(parts[2:len(parts)-1], ".")
	switch parts[len(parts)-1] {
	case "up":
		return registry.PresenceEvent{BusName: busName, OldOwner: "", NewOwner: "owned"}, true
	case "down":
		return registry.PresenceEvent{BusName: busName, OldOwner: "owned", NewOwner: ""}, true
	default:
		return registry.PresenceEvent{}, false
	}
}

func (b *NATSBus) GetInterfaces(ctx context.Context, busName string) ([]string, error) {
	var names []string
	subject := fmt.Sprintf(subjectGetInterfaces, busName)
	if err := b.request(ctx, subject, struct{}{}, &names); err != nil {
		return nil, err
	}
	return names, nil
}

func (b *NATSBus) GetFilterList(ctx context.Context, busName, propertyName string) ([]registry.RawFilterEntry, error) {
	var entries []registry.RawFilterEntry
	subject := fmt.Sprintf(subjectGetFilterList, busName, propertyName)
	if err := b.request(ctx, subject, struct{}{}, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// --- ClientCaller ---

func (b *NATSBus) ObserveChannels(ctx context.Context, busName string, batch ChannelBatch) error {
	return b.request(ctx, fmt.Sprintf(subjectObserveChannels, busName), batch, nil)
}

func (b *NATSBus) AddDispatchOperation(ctx context.Context, busName string, op OperationInfo) error {
	return b.request(ctx, fmt.Sprintf(subjectAddDispatchOp, busName), op, nil)
}

func (b *NATSBus) HandleChannels(ctx context.Context, busName string, batch ChannelBatch) error {
	return b.request(ctx, fmt.Sprintf(subjectHandleChannels, busName), batch, nil)
}

func (b *NATSBus) AddRequest(ctx context.Context, busName string, req RequestInfo) error {
	return b.request(ctx, fmt.Sprintf(subjectAddRequest, busName), req, nil)
}

func (b *NATSBus) RemoveRequest(ctx context.Context, busName string, requestPath string) error {
	return b.request(ctx, fmt.Sprintf(subjectRemoveRequest, busName), requestPath, nil)
}

func (b *NATSBus) GetHandledChannels(ctx context.Context, busName string) ([]string, error) {
	var paths []string
	subject := fmt.Sprintf(subjectGetHandled, busName)
	if err := b.request(ctx, subject, struct{}{}, &paths); err != nil {
		return nil, err
	}
	return paths, nil
}
