package requestentry_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	busapi "go.chandispatch.dev/internal/bus"
	"go.chandispatch.dev/internal/channel"
	"go.chandispatch.dev/internal/requestentry"
)

type fakeAccounts struct{ known map[string]bool }

func (f fakeAccounts) AccountExists(ctx context.Context, account string) bool { return f.known[account] }

type nopCaller struct{ addRequests int }

func (c *nopCaller) ObserveChannels(ctx context.Context, busName string, batch busapi.ChannelBatch) error {
	return nil
}
func (c *nopCaller) AddDispatchOperation(ctx context.Context, busName string, op busapi.OperationInfo) error {
	return nil
}
func (c *nopCaller) HandleChannels(ctx context.Context, busName string, batch busapi.ChannelBatch) error {
	return nil
}
func (c *nopCaller) AddRequest(ctx context.Context, busName string, req busapi.RequestInfo) error {
	c.addRequests++
	return nil
}
func (c *nopCaller) RemoveRequest(ctx context.Context, busName string, requestPath string) error {
	return nil
}
func (c *nopCaller) GetHandledChannels(ctx context.Context, busName string) ([]string, error) {
	return nil, nil
}

func TestValidatePreferredHandler(t *testing.T) {
	assert.NoError(t, requestentry.ValidatePreferredHandler(""))
	assert.NoError(t, requestentry.ValidatePreferredHandler("org.chandispatch.Handler.Mail"))
	assert.ErrorIs(t, requestentry.ValidatePreferredHandler("org.other.Thing"), requestentry.ErrInvalidPreferredHandler)
	assert.ErrorIs(t, requestentry.ValidatePreferredHandler("org.chandispatch.Handler."), requestentry.ErrInvalidPreferredHandler)
}

func TestCreateChannel_UnknownAccountRejected(t *testing.T) {
	ep := requestentry.New(fakeAccounts{known: map[string]bool{}}, &nopCaller{}, nil, zerolog.Nop(), nil)
	_, err := ep.CreateChannel(context.Background(), "acct-1", channel.PropertyMap{}, 0, "")
	assert.ErrorIs(t, err, requestentry.ErrUnknownAccount)
}

func TestCreateChannel_ConstructsRequestChannelAndNotifies(t *testing.T) {
	var created *channel.Channel
	ep := requestentry.New(
		fakeAccounts{known: map[string]bool{"acct-1": true}},
		&nopCaller{}, nil, zerolog.Nop(),
		func(ctx context.Context, ch *channel.Channel) { created = ch },
	)
	path, err := ep.CreateChannel(context.Background(), "acct-1", channel.PropertyMap{"type": channel.String("text")}, 42, "")
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, path, created.ObjectPath)
	assert.Equal(t, channel.StatusRequest, created.Status())
	assert.True(t, created.Requested)
	assert.Equal(t, uint64(42), created.UserActionTime)
}

func TestEnsureChannel_ReusesExistingMatch(t *testing.T) {
	ep := requestentry.New(fakeAccounts{known: map[string]bool{"acct-1": true}}, &nopCaller{}, nil, zerolog.Nop(), nil)
	props := channel.PropertyMap{"type": channel.String("text")}

	p1, err := ep.EnsureChannel(context.Background(), "acct-1", props, 10, "")
	require.NoError(t, err)

	p2, err := ep.EnsureChannel(context.Background(), "acct-1", props, 20, "")
	require.NoError(t, err)

	assert.Equal(t, p1, p2, "ensure_channel must reuse the existing matching channel")
}
