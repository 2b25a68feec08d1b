package hub

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/hubclient/pkg/cancelbridge"
)

// Proxy is the client-side handle of one hub on a Connection. It owns the
// hub's ambient state and event subscriptions, and correlates invocations
// with their responses.
type Proxy struct {
	hub    string
	conn   Connection
	state  State
	logger zerolog.Logger

	subsMu sync.Mutex
	subs   map[string]*Subscription
}

type Option func(*Proxy)

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Proxy) {
		p.logger = logger.With().Str("hub", p.hub).Logger()
	}
}

func NewProxy(conn Connection, hubName string, opts ...Option) (*Proxy, error) {
	if conn == nil {
		return nil, errors.New("hub proxy connection is nil")
	}
	if hubName == "" {
		return nil, errors.New("hub proxy name is empty")
	}
	p := &Proxy{
		hub:    hubName,
		conn:   conn,
		subs:   map[string]*Subscription{},
		logger: log.With().Str("component", "hub").Str("hub", hubName).Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Hub returns the hub name this proxy addresses.
func (p *Proxy) Hub() string { return p.hub }

// Get returns the ambient value stored under name.
func (p *Proxy) Get(name string) (json.RawMessage, bool) {
	return p.state.Get(name)
}

// Set stores an ambient value that is sent with every later invocation.
// value must be valid JSON.
func (p *Proxy) Set(name string, value json.RawMessage) error {
	if !json.Valid(value) {
		return validationError(p.hub, "", "state %q is not valid JSON", name)
	}
	p.state.Set(name, value)
	return nil
}

// SetValue marshals v and stores it under name.
func (p *Proxy) SetValue(name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return &Error{Kind: KindValidation, Hub: p.hub, Err: errors.Wrapf(err, "marshal state %q", name)}
	}
	p.state.Set(name, b)
	return nil
}

// State returns a copy of the ambient state, or nil when it is empty.
func (p *Proxy) State() map[string]json.RawMessage {
	return p.state.Snapshot()
}

// Subscribe returns the subscription for eventName, creating it on first use.
// Names are case-insensitive: every spelling returns the same instance.
func (p *Proxy) Subscribe(eventName string) (*Subscription, error) {
	if eventName == "" {
		return nil, validationError(p.hub, "", "event name is empty")
	}
	key := foldName(eventName)

	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	if sub, ok := p.subs[key]; ok {
		return sub, nil
	}
	sub := newSubscription(eventName)
	p.subs[key] = sub
	return sub, nil
}

// Dispatch forwards a pushed event to its subscription. Events nobody
// subscribed to are dropped.
func (p *Proxy) Dispatch(eventName string, args []json.RawMessage) {
	key := foldName(eventName)
	p.subsMu.Lock()
	sub, ok := p.subs[key]
	p.subsMu.Unlock()
	if !ok {
		p.logger.Trace().Str("event", eventName).Msg("no subscription for pushed event")
		return
	}
	sub.OnData(args)
}

// Args builds a non-nil argument list; Args() invokes with no arguments.
func Args(args ...any) []any {
	if args == nil {
		return []any{}
	}
	return args
}

// Invoke calls method with args and returns a future for the raw result.
func (p *Proxy) Invoke(ctx context.Context, method string, args []any) (*Future[json.RawMessage], error) {
	return Invoke[json.RawMessage](ctx, p, method, args)
}

// Invoke calls method on p's hub and returns a future for the result decoded
// as T. Argument problems are returned directly, before anything is sent.
//
// Canceling ctx before the response arrives cancels the future. A response
// with no result resolves to T's zero value.
func Invoke[T any](ctx context.Context, p *Proxy, method string, args []any) (*Future[T], error) {
	if p == nil {
		return nil, validationError("", method, "proxy is nil")
	}
	if ctx == nil {
		return nil, validationError(p.hub, method, "ctx is nil")
	}
	if method == "" {
		return nil, validationError(p.hub, "", "method is empty")
	}
	if args == nil {
		return nil, validationError(p.hub, method, "args is nil")
	}
	tokens, err := tokenize(args)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Hub: p.hub, Method: method, Err: err}
	}

	c := &call[T]{
		proxy:  p,
		method: method,
		ctx:    ctx,
		future: newFuture[T](),
		logger: p.logger.With().Str("method", method).Logger(),
	}
	c.release = cancelbridge.Bind(ctx, func(c *call[T]) { c.abandon() }, c)
	if c.future.Status() != StatusPending {
		return c.future, nil
	}

	id := p.conn.RegisterCallback(c.onResponse)
	c.id.Store(id)
	if st := c.future.Status(); st != StatusPending {
		if st == StatusCanceled {
			c.forget()
		}
		return c.future, nil
	}

	inv := Invocation{
		Hub:           p.hub,
		Method:        method,
		Args:          tokens,
		CorrelationID: id,
		State:         p.state.Snapshot(),
	}
	payload, err := json.Marshal(inv)
	if err != nil {
		c.finish(func() bool {
			return c.future.fail(&Error{Kind: KindSendFailure, Hub: p.hub, Method: method, Err: errors.Wrap(err, "marshal invocation")})
		})
		c.forget()
		return c.future, nil
	}

	c.logger.Debug().Str("correlation_id", id).Int("args", len(tokens)).Msg("invoking hub method")
	go c.send(payload)
	return c.future, nil
}

func tokenize(args []any) ([]json.RawMessage, error) {
	tokens := make([]json.RawMessage, len(args))
	for i, a := range args {
		if raw, ok := a.(json.RawMessage); ok && raw != nil {
			if !json.Valid(raw) {
				return nil, errors.Errorf("argument %d is not valid JSON", i)
			}
			tokens[i] = cloneRaw(raw)
			continue
		}
		b, err := json.Marshal(a)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal argument %d", i)
		}
		tokens[i] = b
	}
	return tokens, nil
}

// call is the state of one outstanding invocation.
type call[T any] struct {
	proxy   *Proxy
	method  string
	ctx     context.Context
	future  *Future[T]
	release cancelbridge.Release
	id      atomic.Value // string
	logger  zerolog.Logger
}

func (c *call[T]) correlationID() string {
	id, _ := c.id.Load().(string)
	return id
}

// abandon runs when ctx is canceled before a response arrives.
func (c *call[T]) abandon() {
	cause := context.Cause(c.ctx)
	if c.future.cancel(&Error{Kind: KindCanceled, Hub: c.proxy.hub, Method: c.method, Err: cause}) {
		c.logger.Debug().Str("correlation_id", c.correlationID()).Err(cause).Msg("invocation canceled by context")
	}
	c.forget()
}

// forget drops the response callback if the connection supports it.
func (c *call[T]) forget() {
	id := c.correlationID()
	if id == "" {
		return
	}
	if r, ok := c.proxy.conn.(CallbackRemover); ok {
		r.RemoveCallback(id)
	}
}

// finish completes the future unless the context binding already fired, in
// which case abandon owns the future.
func (c *call[T]) finish(complete func() bool) {
	if c.release() {
		complete()
	}
}

func (c *call[T]) send(payload []byte) {
	err := c.proxy.conn.Send(c.ctx, payload)
	if err == nil {
		return
	}
	if c.future.Status() != StatusPending {
		return
	}
	hubName := c.proxy.hub
	if c.ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		c.finish(func() bool {
			return c.future.cancel(&Error{Kind: KindCanceled, Hub: hubName, Method: c.method, Err: err})
		})
	} else {
		c.logger.Warn().Err(err).Str("correlation_id", c.correlationID()).Msg("hub invocation send failed")
		c.finish(func() bool {
			return c.future.fail(&Error{Kind: KindSendFailure, Hub: hubName, Method: c.method, Err: err})
		})
	}
	c.forget()
}

func (c *call[T]) onResponse(resp *Response) {
	if !c.release() {
		return
	}
	hubName := c.proxy.hub

	if resp == nil {
		c.future.cancel(&Error{Kind: KindCanceled, Hub: hubName, Method: c.method, Err: ErrConnectionClosed})
		return
	}
	// Any error field present, even an empty one, fails the call.
	if resp.Error != nil {
		msg := *resp.Error
		c.logger.Debug().Str("correlation_id", c.correlationID()).Str("error", msg).Msg("hub method returned error")
		c.future.fail(&Error{
			Kind:    KindRemote,
			Hub:     hubName,
			Method:  c.method,
			Message: msg,
			Err:     errors.Wrap(ErrRemote, msg),
		})
		return
	}

	value, err := c.accept(resp)
	if err != nil {
		c.future.fail(&Error{Kind: KindResultProcessing, Hub: hubName, Method: c.method, Err: err})
		return
	}
	c.future.resolve(value)
}

// accept merges the response's state into the proxy and decodes its result.
func (c *call[T]) accept(resp *Response) (value T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			value = zero
			err = errors.Errorf("panic processing result: %v", r)
		}
	}()

	for name, v := range resp.State {
		if !json.Valid(v) {
			return value, errors.Errorf("state %q is not valid JSON", name)
		}
	}
	c.proxy.state.Merge(resp.State)

	if len(resp.Result) == 0 {
		return value, nil
	}
	if err := json.Unmarshal(resp.Result, &value); err != nil {
		var zero T
		return zero, errors.Wrap(err, "decode result")
	}
	return value, nil
}
