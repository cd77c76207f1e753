// Package requestentry implements the Request Entry Point:
// create_channel / ensure_channel, and the delivery of add_request /
// remove_request to a preferred handler.
package requestentry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	busapi "go.chandispatch.dev/internal/bus"
	"go.chandispatch.dev/internal/channel"
	"go.chandispatch.dev/internal/registry"
)

var (
	ErrUnknownAccount        = errors.New("account does not exist")
	ErrInvalidPreferredHandler = errors.New("preferred handler is not a syntactically valid bus name under the required prefix")
)

// AccountValidator is the thin collaborator façade that confirms an account
// exists before a channel is created on its behalf.
type AccountValidator interface {
	AccountExists(ctx context.Context, account string) bool
}

// requiredHandlerPrefix is the bus-name prefix every preferred handler must
// carry.
const requiredHandlerPrefix = "org.chandispatch.Handler."

// EntryPoint implements create_channel/ensure_channel.
type EntryPoint struct {
	Accounts AccountValidator
	Caller   busapi.ClientCaller
	Registry *registry.Registry
	Log      zerolog.Logger

	// OnChannelCreated is invoked with every Channel constructed in state
	// Request, so the caller can push it into take_channels.
	OnChannelCreated func(ctx context.Context, ch *channel.Channel)

	ensureGroup singleflight.Group

	mu     sync.Mutex
	byPath map[string]*channel.Channel
}

func New(accounts AccountValidator, caller busapi.ClientCaller, reg *registry.Registry, log zerolog.Logger, onCreated func(context.Context, *channel.Channel)) *EntryPoint {
	return &EntryPoint{
		Accounts:         accounts,
		Caller:           caller,
		Registry:         reg,
		Log:              log,
		OnChannelCreated: onCreated,
		byPath:           make(map[string]*channel.Channel),
	}
}

// ValidatePreferredHandler checks the syntax and prefix requirement for a
// preferred handler bus name. An empty preferred handler is always valid
// (no preference).
func ValidatePreferredHandler(busName string) error {
	if busName == "" {
		return nil
	}
	if !strings.HasPrefix(busName, requiredHandlerPrefix) {
		return ErrInvalidPreferredHandler
	}
	rest := strings.TrimPrefix(busName, requiredHandlerPrefix)
	if rest == "" {
		return ErrInvalidPreferredHandler
	}
	for _, r := range rest {
		if !(r == '.' || r == '_' || r == '-' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return ErrInvalidPreferredHandler
		}
	}
	return nil
}

// CreateChannel implements create_channel: always constructs a new Channel
// in state Request.
func (e *EntryPoint) CreateChannel(ctx context.Context, account string, props channel.PropertyMap, userActionTime uint64, preferredHandler string) (string, error) {
	return e.create(ctx, account, props, userActionTime, preferredHandler)
}

// EnsureChannel implements ensure_channel: reuses an existing matching
// Request/Requested channel for the same account and normalised properties
// instead of creating a new one, de-duplicating concurrent callers via
// singleflight.
func (e *EntryPoint) EnsureChannel(ctx context.Context, account string, props channel.PropertyMap, userActionTime uint64, preferredHandler string) (string, error) {
	key := ensureKey(account, props)
	v, err, _ := e.ensureGroup.Do(key, func() (interface{}, error) {
		if existing := e.findReusable(account, props); existing != nil {
			existing.AddSatisfiedRequest(existing.ObjectPath, userActionTime)
			return existing.ObjectPath, nil
		}
		return e.create(ctx, account, props, userActionTime, preferredHandler)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (e *EntryPoint) findReusable(account string, props channel.PropertyMap) *channel.Channel {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.byPath {
		if ch.Terminal() {
			continue
		}
		if !propsEqual(ch.Properties, props) {
			continue
		}
		return ch
	}
	return nil
}

func (e *EntryPoint) create(ctx context.Context, account string, props channel.PropertyMap, userActionTime uint64, preferredHandler string) (string, error) {
	if !e.Accounts.AccountExists(ctx, account) {
		return "", ErrUnknownAccount
	}
	if err := ValidatePreferredHandler(preferredHandler); err != nil {
		return "", err
	}

	path := fmt.Sprintf("/org/chandispatch/Channel/%s", uuid.NewString())
	ch := channel.New(path, props, true)
	ch.PreferredHandler = preferredHandler
	if userActionTime != 0 {
		ch.UserActionTime = userActionTime
	}

	e.mu.Lock()
	e.byPath[path] = ch
	e.mu.Unlock()

	if e.OnChannelCreated != nil {
		e.OnChannelCreated(ctx, ch)
	}

	if preferredHandler != "" && e.Registry != nil {
		client, ok := e.Registry.Lookup(preferredHandler)
		if ok && client != nil && client.HasCapability(registry.CapRequests) {
			req := busapi.RequestInfo{RequestPath: path, Account: account, Properties: props}
			if err := e.Caller.AddRequest(ctx, preferredHandler, req); err != nil {
				e.Log.Warn().Err(err).Str("handler", preferredHandler).Msg("add_request failed")
			}
		}
	}

	return path, nil
}

// NotifyChannelFailed is called on failure of the underlying channel, and
// calls remove_request on the preferred handler.
func (e *EntryPoint) NotifyChannelFailed(ctx context.Context, ch *channel.Channel) {
	if ch.PreferredHandler == "" {
		return
	}
	if err := e.Caller.RemoveRequest(ctx, ch.PreferredHandler, ch.ObjectPath); err != nil {
		e.Log.Warn().Err(err).Str("handler", ch.PreferredHandler).Msg("remove_request failed")
	}
}

func ensureKey(account string, props channel.PropertyMap) string {
	var b strings.Builder
	b.WriteString(account)
	b.WriteByte('|')
	for _, k := range sortedKeys(props) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(props[k].String())
		b.WriteByte(';')
	}
	return b.String()
}

func sortedKeys(props channel.PropertyMap) []string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

func propsEqual(a, b channel.PropertyMap) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		ov, ok := b[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}
