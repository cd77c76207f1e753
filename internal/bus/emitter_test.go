package bus_test

import (
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.chandispatch.dev/internal/bus"
	"go.chandispatch.dev/internal/channel"
	"go.chandispatch.dev/internal/dispatch"
	"go.chandispatch.dev/internal/filter"
)

func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	opts := &natsserver.Options{Host: "127.0.0.1", Port: -1}
	srv, err := natsserver.NewServer(opts)
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(2 * time.Second) {
		t.Fatal("test NATS server did not become ready")
	}
	t.Cleanup(srv.Shutdown)

	conn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn
}

func TestNATSEmitter_DispatchCompletedPublishesContextSummary(t *testing.T) {
	conn := startTestNATS(t)
	emitter := bus.NewNATSEmitter(conn, zerolog.Nop())

	sub, err := conn.SubscribeSync("dispatcher.dispatch_completed")
	require.NoError(t, err)

	ch := channel.New("/org/chandispatch/Channel/1", channel.PropertyMap{}, true)
	dctx := dispatch.NewContext("ctx-1", "acct-1", []*channel.Channel{ch}, []filter.Candidate{{BusName: "h"}})
	emitter.DispatchCompleted(dctx)

	msg, err := sub.NextMsg(time.Second)
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Data, &body))
	assert.Equal(t, "ctx-1", body["context_id"])
	assert.Equal(t, "acct-1", body["account"])
}

func TestNATSEmitter_DispatchFailedPublishesReason(t *testing.T) {
	conn := startTestNATS(t)
	emitter := bus.NewNATSEmitter(conn, zerolog.Nop())

	sub, err := conn.SubscribeSync("dispatcher.dispatch_failed")
	require.NoError(t, err)

	ch := channel.New("/org/chandispatch/Channel/2", channel.PropertyMap{}, true)
	emitter.DispatchFailed(ch, channel.ErrCancelled)

	msg, err := sub.NextMsg(time.Second)
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Data, &body))
	assert.Equal(t, ch.ObjectPath, body["channel_path"])
}

func TestNATSEmitter_OperationEmissions(t *testing.T) {
	conn := startTestNATS(t)
	emitter := bus.NewNATSEmitter(conn, zerolog.Nop())

	subCreated, err := conn.SubscribeSync("dispatcher.new_dispatch_operation")
	require.NoError(t, err)
	subFinished, err := conn.SubscribeSync("dispatcher.dispatch_operation_finished")
	require.NoError(t, err)

	emitter.OnOperationFinished("/org/chandispatch/Operation/abc")
	msg, err := subFinished.NextMsg(time.Second)
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, json.Unmarshal(msg.Data, &body))
	assert.Equal(t, "/org/chandispatch/Operation/abc", body["operation_path"])

	_, err = subCreated.NextMsg(100 * time.Millisecond)
	assert.Error(t, err, "no operation was tracked so nothing should publish here")
}
