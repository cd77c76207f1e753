package registry_test

import (
	"bufio"
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"go.chandispatch.dev/internal/registry"
)

type fakeBus struct {
	activatable []string
	owned       []string
	events      chan registry.PresenceEvent
}

func newFakeBus() *fakeBus {
	return &fakeBus{events: make(chan registry.PresenceEvent, 8)}
}

func (f *fakeBus) ActivatableNames(ctx context.Context) ([]string, error) { return f.activatable, nil }
func (f *fakeBus) OwnedNames(ctx context.Context) ([]string, error)       { return f.owned, nil }
func (f *fakeBus) Subscribe(ctx context.Context) (<-chan registry.PresenceEvent, error) {
	return f.events, nil
}
func (f *fakeBus) GetInterfaces(ctx context.Context, busName string) ([]string, error) {
	return []string{"Handler"}, nil
}
func (f *fakeBus) GetFilterList(ctx context.Context, busName, propertyName string) ([]registry.RawFilterEntry, error) {
	return nil, nil
}

func TestDescriptorRoundTrip(t *testing.T) {
	src := "Interfaces=Handler;Observer\n" +
		"BypassApproval=true\n" +
		"[Handler.Filter 0]\n" +
		"ChannelType s=im.Text\n" +
		"TargetHandleType u=1\n" +
		"[Observer.Filter 0]\n"

	d1, err := registry.ParseDescriptor(bufio.NewReader(bytes.NewBufferString(src)))
	require.NoError(t, err)
	assert.True(t, d1.Capabilities.Has(registry.CapHandler))
	assert.True(t, d1.Capabilities.Has(registry.CapObserver))
	assert.True(t, d1.BypassApproval)
	require.Len(t, d1.Handler, 1)
	require.Len(t, d1.Observer, 1)

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, d1.Encode(w))

	d2, err := registry.ParseDescriptor(bufio.NewReader(bytes.NewBuffer(buf.Bytes())))
	require.NoError(t, err)

	assert.Equal(t, d1.Capabilities, d2.Capabilities)
	assert.Equal(t, d1.BypassApproval, d2.BypassApproval)
	require.Len(t, d2.Handler, 1)
	assert.Equal(t, d1.Handler[0].Entries, d2.Handler[0].Entries)
}

func TestRegistry_BootMarksActivatableInactiveAndOwnedActive(t *testing.T) {
	bus := newFakeBus()
	bus.activatable = []string{"org.example.InactiveHandler"}
	bus.owned = []string{"org.example.LiveHandler"}

	r := registry.New(bus, zerolog.Nop(), rate.Inf, 1)
	_, err := r.Boot(context.Background())
	require.NoError(t, err)

	inactive, ok := r.Lookup("org.example.InactiveHandler")
	require.True(t, ok)
	assert.False(t, inactive.IsAlive())
	assert.True(t, inactive.Activatable)

	live, ok := r.Lookup("org.example.LiveHandler")
	require.True(t, ok)
	assert.True(t, live.IsAlive())
}

func TestRegistry_ActivatableClientSurvivesDisappearance(t *testing.T) {
	bus := newFakeBus()
	bus.owned = []string{"org.example.Activatable"}
	bus.activatable = []string{"org.example.Activatable"}

	r := registry.New(bus, zerolog.Nop(), rate.Inf, 1)
	_, err := r.Boot(context.Background())
	require.NoError(t, err)

	r.HandlePresenceEvent(context.Background(), registry.PresenceEvent{
		BusName: "org.example.Activatable", OldOwner: ":1.1", NewOwner: "",
	})

	c, ok := r.Lookup("org.example.Activatable")
	require.True(t, ok, "activatable client must remain known after disappearance")
	assert.False(t, c.IsAlive())
}

func TestRegistry_NonActivatableClientForgottenOnDisappearance(t *testing.T) {
	bus := newFakeBus()
	bus.owned = []string{"org.example.Transient"}

	r := registry.New(bus, zerolog.Nop(), rate.Inf, 1)
	_, err := r.Boot(context.Background())
	require.NoError(t, err)

	r.HandlePresenceEvent(context.Background(), registry.PresenceEvent{
		BusName: "org.example.Transient", OldOwner: ":1.2", NewOwner: "",
	})

	_, ok := r.Lookup("org.example.Transient")
	assert.False(t, ok, "non-activatable client must be forgotten on disappearance")
}

func TestRegistry_NameOwnerTransitionWarnsAndTreatsAsCycle(t *testing.T) {
	bus := newFakeBus()
	r := registry.New(bus, zerolog.Nop(), rate.Inf, 1)
	ctx := context.Background()

	r.HandlePresenceEvent(ctx, registry.PresenceEvent{BusName: "org.example.X", OldOwner: "", NewOwner: ":1.1"})
	r.HandlePresenceEvent(ctx, registry.PresenceEvent{BusName: "org.example.X", OldOwner: ":1.1", NewOwner: ":1.2"})

	c, ok := r.Lookup("org.example.X")
	require.True(t, ok)
	assert.True(t, c.IsAlive())
}
