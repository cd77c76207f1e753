package bus

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"go.chandispatch.dev/internal/channel"
	"go.chandispatch.dev/internal/operation"
)

// Request entry point subjects: the dispatcher's own bus-callable surface,
// the mirror image of the subjectX constants in emitter.go which call
// outward to clients.
const (
	subjectCreateChannel   = "dispatcher.create_channel"
	subjectEnsureChannel   = "dispatcher.ensure_channel"
	subjectOperationsList  = "dispatcher.operations.list"
	operationSubjectPrefix = "dispatcher.operation."
)

// CreateChannelRequest is the wire shape of one create_channel/ensure_channel
// call.
type CreateChannelRequest struct {
	Account          string                `json:"account"`
	Properties       map[string]rawVariant `json:"properties"`
	UserActionTime   uint64                `json:"user_action_time"`
	PreferredHandler string                `json:"preferred_handler"`
	Token            string                `json:"token,omitempty"`
}

type createChannelReply struct {
	ObjectPath string `json:"object_path,omitempty"`
	Error      string `json:"error,omitempty"`
}

type rawVariant struct {
	Kind string `json:"kind"`
	S    string `json:"s,omitempty"`
	B    bool   `json:"b,omitempty"`
	I    int64  `json:"i,omitempty"`
	U    uint64 `json:"u,omitempty"`
}

func (r rawVariant) toVariant() (channel.Variant, bool) {
	switch r.Kind {
	case "string":
		return channel.String(r.S), true
	case "object-path":
		return channel.ObjectPath(r.S), true
	case "bool":
		return channel.Bool(r.B), true
	case "int64":
		return channel.Int64(r.I), true
	case "uint64":
		return channel.Uint64(r.U), true
	default:
		return channel.Variant{}, false
	}
}

// EntryPointCaller is the subset of requestentry.EntryPoint the RPC server
// depends on, kept as an interface so this package does not import
// internal/requestentry (which itself imports internal/bus).
type EntryPointCaller interface {
	CreateChannel(ctx context.Context, account string, props channel.PropertyMap, userActionTime uint64, preferredHandler string) (string, error)
	EnsureChannel(ctx context.Context, account string, props channel.PropertyMap, userActionTime uint64, preferredHandler string) (string, error)
}

// RPCServer exposes the Request Entry Point's create_channel/ensure_channel,
// the DispatchOperations property and per-operation HandleWith/Claim calls
// over NATS request/reply. If signer is non-nil, every request must carry a
// token signed for the subject method or it is rejected before anything
// else is called.
type RPCServer struct {
	conn       *nats.Conn
	entry      EntryPointCaller
	observable *operation.Observable
	signer     *TokenSigner
	log        zerolog.Logger

	mu     sync.Mutex
	opSubs map[string][]*nats.Subscription
}

func NewRPCServer(conn *nats.Conn, entry EntryPointCaller, log zerolog.Logger) *RPCServer {
	return &RPCServer{conn: conn, entry: entry, log: log, opSubs: make(map[string][]*nats.Subscription)}
}

// WithTokenSigner enables caller-token verification on every incoming
// create_channel/ensure_channel request.
func (s *RPCServer) WithTokenSigner(signer *TokenSigner) *RPCServer {
	s.signer = signer
	return s
}

// WithObservable wires the Dispatch Operation surface: a request/reply
// subject exposing DispatchOperations, plus a per-operation handle_with/
// claim subject opened for the lifetime of each operation tracked by ob.
func (s *RPCServer) WithObservable(ob *operation.Observable) *RPCServer {
	s.observable = ob
	ob.SubscribeAlways(s.bindOperation, s.unbindOperation)
	return s
}

// Start subscribes to the entry-point subjects; subscriptions are torn down
// when ctx is cancelled.
func (s *RPCServer) Start(ctx context.Context) error {
	createSub, err := s.conn.Subscribe(subjectCreateChannel, s.handle("create_channel", s.entry.CreateChannel))
	if err != nil {
		return err
	}
	ensureSub, err := s.conn.Subscribe(subjectEnsureChannel, s.handle("ensure_channel", s.entry.EnsureChannel))
	if err != nil {
		_ = createSub.Unsubscribe()
		return err
	}
	listSub, err := s.conn.Subscribe(subjectOperationsList, s.handleOperationsList)
	if err != nil {
		_ = createSub.Unsubscribe()
		_ = ensureSub.Unsubscribe()
		return err
	}
	go func() {
		<-ctx.Done()
		_ = createSub.Unsubscribe()
		_ = ensureSub.Unsubscribe()
		_ = listSub.Unsubscribe()
	}()
	return nil
}

type entryFunc func(ctx context.Context, account string, props channel.PropertyMap, userActionTime uint64, preferredHandler string) (string, error)

func (s *RPCServer) handle(method string, fn entryFunc) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var req CreateChannelRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.reply(msg, createChannelReply{Error: "malformed request: " + err.Error()})
			return
		}

		if s.signer != nil {
			gotMethod, subject, err := s.signer.Verify(req.Token)
			if err != nil || gotMethod != method || subject != req.Account {
				s.reply(msg, createChannelReply{Error: "rejected: invalid or missing call token"})
				return
			}
		}

		props := channel.PropertyMap{}
		for name, raw := range req.Properties {
			if v, ok := raw.toVariant(); ok {
				props[name] = v
			}
		}

		path, err := fn(context.Background(), req.Account, props, req.UserActionTime, req.PreferredHandler)
		if err != nil {
			s.reply(msg, createChannelReply{Error: err.Error()})
			return
		}
		s.reply(msg, createChannelReply{ObjectPath: path})
	}
}

func (s *RPCServer) reply(msg *nats.Msg, rep createChannelReply) {
	data, err := json.Marshal(rep)
	if err != nil {
		s.log.Warn().Err(err).Msg("entry point: marshal reply failed")
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn().Err(err).Msg("entry point: reply failed")
	}
}

// dispatchOperationView is the wire shape of one open Dispatch Operation,
// returned by the DispatchOperations property call.
type dispatchOperationView struct {
	Path     string   `json:"path"`
	Channels []string `json:"channels"`
}

type operationsListReply struct {
	Operations []dispatchOperationView `json:"operations"`
}

func (s *RPCServer) handleOperationsList(msg *nats.Msg) {
	var ops []dispatchOperationView
	if s.observable != nil {
		for _, op := range s.observable.DispatchOperations() {
			paths := make([]string, 0, len(op.Channels))
			for _, ch := range op.Channels {
				paths = append(paths, ch.ObjectPath)
			}
			ops = append(ops, dispatchOperationView{Path: op.Path, Channels: paths})
		}
	}
	data, err := json.Marshal(operationsListReply{Operations: ops})
	if err != nil {
		s.log.Warn().Err(err).Msg("operations list: marshal reply failed")
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn().Err(err).Msg("operations list: reply failed")
	}
}

type operationCallRequest struct {
	Handler string `json:"handler,omitempty"` // handle_with: "" means any matching handler
}

type operationCallReply struct {
	Error string `json:"error,omitempty"`
}

// operationSubject builds the per-operation subject for one verb
// (handle_with, claim). NATS subjects cannot contain "/", so the
// operation path is carried with its slashes replaced.
func operationSubject(path, verb string) string {
	safe := strings.NewReplacer("/", "_").Replace(strings.TrimPrefix(path, "/"))
	return operationSubjectPrefix + safe + "." + verb
}

// bindOperation opens the handle_with/claim subjects for one operation.
// It is registered as an Observable onCreated listener.
func (s *RPCServer) bindOperation(op *operation.Operation) {
	handleWithSub, err := s.conn.Subscribe(operationSubject(op.Path, "handle_with"), func(msg *nats.Msg) {
		var req operationCallRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.replyOperationCall(msg, err)
			return
		}
		ready, err := op.HandleWith(req.Handler)
		if err == nil && ready {
			op.Finish()
		}
		s.replyOperationCall(msg, err)
	})
	if err != nil {
		s.log.Warn().Err(err).Str("operation", op.Path).Msg("failed to open handle_with subject")
		return
	}

	claimSub, err := s.conn.Subscribe(operationSubject(op.Path, "claim"), func(msg *nats.Msg) {
		ready, err := op.Claim()
		if err == nil && ready {
			op.Finish()
		}
		s.replyOperationCall(msg, err)
	})
	if err != nil {
		s.log.Warn().Err(err).Str("operation", op.Path).Msg("failed to open claim subject")
		_ = handleWithSub.Unsubscribe()
		return
	}

	s.mu.Lock()
	s.opSubs[op.Path] = []*nats.Subscription{handleWithSub, claimSub}
	s.mu.Unlock()
}

// unbindOperation closes an operation's handle_with/claim subjects once it
// has finished. It is registered as an Observable onFinished listener.
func (s *RPCServer) unbindOperation(path string) {
	s.mu.Lock()
	subs := s.opSubs[path]
	delete(s.opSubs, path)
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

func (s *RPCServer) replyOperationCall(msg *nats.Msg, err error) {
	rep := operationCallReply{}
	if err != nil {
		rep.Error = err.Error()
	}
	data, merr := json.Marshal(rep)
	if merr != nil {
		s.log.Warn().Err(merr).Msg("operation call: marshal reply failed")
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn().Err(err).Msg("operation call: reply failed")
	}
}
