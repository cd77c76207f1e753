package operation_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.chandispatch.dev/internal/channel"
	"go.chandispatch.dev/internal/operation"
)

func TestHandleWith_ReadyWhenNoApproverCallsPending(t *testing.T) {
	op := operation.New(nil, channel.PropertyMap{})
	ready, err := op.HandleWith("org.example.H2")
	require.NoError(t, err)
	assert.True(t, ready)
	assert.Equal(t, operation.StateHandleWith, op.State())
	assert.Equal(t, "org.example.H2", op.HandlerChoice())
}

func TestHandleWith_WaitsForPendingApproverCalls(t *testing.T) {
	op := operation.New(nil, channel.PropertyMap{})
	op.BeginApproverCall() // P1
	op.BeginApproverCall() // P2

	ready, err := op.HandleWith("org.example.H2")
	require.NoError(t, err)
	assert.False(t, ready, "must wait for P1's call to return")

	assert.False(t, op.EndApproverCall(), "P2's own return, one call still pending")
	assert.True(t, op.EndApproverCall(), "last pending call returns, now ready")
}

func TestClaim_MarksFinishedAfterDecision(t *testing.T) {
	op := operation.New(nil, channel.PropertyMap{})
	ready, err := op.Claim()
	require.NoError(t, err)
	assert.True(t, ready)
	op.Finish()
	assert.Equal(t, operation.StateFinished, op.State())
}

func TestFinish_IsImmutableAfter(t *testing.T) {
	op := operation.New(nil, channel.PropertyMap{})
	op.Finish()
	_, err := op.Claim()
	assert.ErrorIs(t, err, operation.ErrAlreadyFinished)
}

func TestAllApproversFailed_ProceedsAsAnyHandler(t *testing.T) {
	op := operation.New(nil, channel.PropertyMap{})
	op.BeginApproverCall()
	op.AllApproversFailed()
	assert.Equal(t, operation.StateHandleWith, op.State())
	assert.Equal(t, "", op.HandlerChoice())
}

func TestObservable_EmissionsSuppressedUntilFirstRead(t *testing.T) {
	var created []string
	var finished []string
	ob := operation.NewObservable(
		func(o *operation.Operation) { created = append(created, o.Path) },
		func(path string) { finished = append(finished, path) },
	)

	assert.Empty(t, ob.DispatchOperations(), "property returns [] before the first inbound batch")

	op2 := operation.New(nil, channel.PropertyMap{})
	ob.Track(op2)
	assert.Equal(t, []string{op2.Path}, created, "notifications flow once a reader is active")

	op2.Finish()
	assert.Equal(t, []string{op2.Path}, finished)
}

func TestObservable_SubscribeAddsAnIndependentListenerPair(t *testing.T) {
	var firstCreated, secondCreated []string
	ob := operation.NewObservable(
		func(o *operation.Operation) { firstCreated = append(firstCreated, o.Path) },
		nil,
	)
	ob.Subscribe(func(o *operation.Operation) { secondCreated = append(secondCreated, o.Path) }, nil)
	ob.DispatchOperations() // activate notifications

	op := operation.New(nil, channel.PropertyMap{})
	ob.Track(op)

	assert.Equal(t, []string{op.Path}, firstCreated)
	assert.Equal(t, []string{op.Path}, secondCreated)
}

func TestObservable_SubscribeAlwaysFiresBeforeFirstRead(t *testing.T) {
	var created []string
	var finished []string
	ob := operation.NewObservable(nil, nil)
	ob.SubscribeAlways(
		func(o *operation.Operation) { created = append(created, o.Path) },
		func(path string) { finished = append(finished, path) },
	)

	op := operation.New(nil, channel.PropertyMap{})
	ob.Track(op)
	assert.Equal(t, []string{op.Path}, created, "SubscribeAlways listeners run even before DispatchOperations is ever read")

	op.Finish()
	assert.Equal(t, []string{op.Path}, finished)
}

func TestObservable_LookupFindsOpenOperationByPath(t *testing.T) {
	ob := operation.NewObservable(nil, nil)
	op := operation.New(nil, channel.PropertyMap{})
	ob.Track(op)

	found, ok := ob.Lookup(op.Path)
	require.True(t, ok)
	assert.Same(t, op, found)

	op.Finish()
	_, ok = ob.Lookup(op.Path)
	assert.False(t, ok, "a finished operation is removed from the open set")
}
