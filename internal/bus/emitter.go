package bus

import (
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"go.chandispatch.dev/internal/channel"
	"go.chandispatch.dev/internal/dispatch"
	"go.chandispatch.dev/internal/operation"
)

// Emission subjects for the dispatcher's own outbound signals. These are
// fire-and-forget publishes, not request/reply calls.
const (
	subjectDispatchCompleted = "dispatcher.dispatch_completed"
	subjectDispatchFailed    = "dispatcher.dispatch_failed"
	subjectNewOperation      = "dispatcher.new_dispatch_operation"
	subjectOperationFinished = "dispatcher.dispatch_operation_finished"
)

// NATSEmitter publishes the dispatcher's own bus signals over NATS. It
// satisfies dispatch.Emitter directly, and its OnOperation{Created,Finished}
// methods are meant to be handed to operation.NewObservable so the
// new-dispatch-operation / dispatch-operation-finished signals share the
// same emission-suppression gate as the DispatchOperations property.
type NATSEmitter struct {
	conn *nats.Conn
	log  zerolog.Logger
}

func NewNATSEmitter(conn *nats.Conn, log zerolog.Logger) *NATSEmitter {
	return &NATSEmitter{conn: conn, log: log}
}

type dispatchCompletedMsg struct {
	ContextID string   `json:"context_id"`
	Account   string   `json:"account"`
	Channels  []string `json:"channels"`
}

type dispatchFailedMsg struct {
	ChannelPath string `json:"channel_path"`
	Reason      string `json:"reason"`
}

func (e *NATSEmitter) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		e.log.Warn().Err(err).Str("subject", subject).Msg("emitter: marshal failed")
		return
	}
	if err := e.conn.Publish(subject, data); err != nil {
		e.log.Warn().Err(err).Str("subject", subject).Msg("emitter: publish failed")
	}
}

// DispatchCompleted implements dispatch.Emitter.
func (e *NATSEmitter) DispatchCompleted(dctx *dispatch.Context) {
	paths := make([]string, 0, len(dctx.Channels))
	for _, ch := range dctx.Channels {
		paths = append(paths, ch.ObjectPath)
	}
	e.publish(subjectDispatchCompleted, dispatchCompletedMsg{
		ContextID: dctx.ID,
		Account:   dctx.Account,
		Channels:  paths,
	})
}

// DispatchFailed implements dispatch.Emitter.
func (e *NATSEmitter) DispatchFailed(ch *channel.Channel, err error) {
	e.publish(subjectDispatchFailed, dispatchFailedMsg{
		ChannelPath: ch.ObjectPath,
		Reason:      err.Error(),
	})
}

// OnOperationCreated is passed to operation.NewObservable as onCreated.
func (e *NATSEmitter) OnOperationCreated(op *operation.Operation) {
	e.publish(subjectNewOperation, map[string]string{"operation_path": op.Path})
}

// OnOperationFinished is passed to operation.NewObservable as onFinished.
func (e *NATSEmitter) OnOperationFinished(path string) {
	e.publish(subjectOperationFinished, map[string]string{"operation_path": path})
}
