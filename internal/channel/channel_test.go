package channel_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go.chandispatch.dev/internal/channel"
)

func TestNew_StartsInRequestStatus(t *testing.T) {
	ch := channel.New("/org/chandispatch/Channel/1", nil, true)
	require.Equal(t, channel.StatusRequest, ch.Status())
	require.NotNil(t, ch.Properties)
	require.False(t, ch.Terminal())
}

func TestAbort_SetsFailedStatusAndError(t *testing.T) {
	ch := channel.New("/org/chandispatch/Channel/1", nil, false)
	ch.SetStatus(channel.StatusHandlerInvoked)

	ch.Abort(channel.ErrNotAvailable)

	require.Equal(t, channel.StatusFailed, ch.Status())
	require.ErrorIs(t, ch.Err(), channel.ErrNotAvailable)
	require.True(t, ch.Terminal())
}

func TestSetStatus_DispatchedIsTerminal(t *testing.T) {
	ch := channel.New("/org/chandispatch/Channel/1", nil, false)
	ch.SetStatus(channel.StatusDispatched)
	require.True(t, ch.Terminal())
}

func TestAddSatisfiedRequest_LatestNonZeroUserActionTimeWins(t *testing.T) {
	ch := channel.New("/org/chandispatch/Channel/1", nil, true)

	ch.AddSatisfiedRequest("/org/chandispatch/Request/1", 100)
	require.EqualValues(t, 100, ch.UserActionTime)

	// A later request carrying a zero timestamp must not clobber the
	// already-recorded non-zero one.
	ch.AddSatisfiedRequest("/org/chandispatch/Request/2", 0)
	require.EqualValues(t, 100, ch.UserActionTime)

	// A later, larger non-zero timestamp does win.
	ch.AddSatisfiedRequest("/org/chandispatch/Request/3", 250)
	require.EqualValues(t, 250, ch.UserActionTime)

	require.Len(t, ch.Satisfied, 3)
}

func TestAddSatisfiedRequest_DecreasingNonZeroTimestampDoesNotRegress(t *testing.T) {
	ch := channel.New("/org/chandispatch/Channel/1", nil, true)

	ch.AddSatisfiedRequest("/org/chandispatch/Request/1", 250)
	require.EqualValues(t, 250, ch.UserActionTime)

	// An out-of-order, smaller non-zero timestamp must not regress the
	// already-recorded later one.
	ch.AddSatisfiedRequest("/org/chandispatch/Request/2", 50)
	require.EqualValues(t, 250, ch.UserActionTime)

	require.Len(t, ch.Satisfied, 2)
}

func TestContextKey_RoundTrips(t *testing.T) {
	ch := channel.New("/org/chandispatch/Channel/1", nil, false)
	require.Equal(t, "", ch.ContextKey())

	ch.SetContextKey("ctx-7")
	require.Equal(t, "ctx-7", ch.ContextKey())
}
