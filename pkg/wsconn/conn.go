package wsconn

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"

	"github.com/go-go-golems/hubclient/pkg/hub"
)

var ErrClosed = errors.New("websocket connection closed")

// Conn carries hub invocations and pushed events over one websocket.
// Writes are serialized; reads happen on the goroutine running Run.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	base         zerolog.Logger // without a component field
	logger       zerolog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	closed    bool
	callbacks map[string]func(*hub.Response)
	proxies   map[string]*hub.Proxy
}

var _ hub.Connection = (*Conn)(nil)
var _ hub.CallbackRemover = (*Conn)(nil)

type settings struct {
	header           http.Header
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	logger           *zerolog.Logger
}

type Option func(*settings)

func WithHeader(h http.Header) Option {
	return func(s *settings) { s.header = h.Clone() }
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *settings) { s.handshakeTimeout = d }
}

// WithWriteTimeout bounds each write when the caller's context has no deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *settings) { s.writeTimeout = d }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *settings) { s.logger = &logger }
}

func buildSettings(opts []Option) settings {
	s := settings{
		handshakeTimeout: 10 * time.Second,
		writeTimeout:     10 * time.Second,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Dial opens a websocket to url. Call Run to start reading.
func Dial(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	s := buildSettings(opts)
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: s.handshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, url, s.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	return newConn(ws, s), nil
}

// New wraps an already established websocket.
func New(ws *websocket.Conn, opts ...Option) (*Conn, error) {
	if ws == nil {
		return nil, errors.New("websocket connection is nil")
	}
	return newConn(ws, buildSettings(opts)), nil
}

func newConn(ws *websocket.Conn, s settings) *Conn {
	base := log.Logger
	if s.logger != nil {
		base = *s.logger
	}
	base = base.With().Str("remote", ws.RemoteAddr().String()).Logger()
	return &Conn{
		ws:           ws,
		writeTimeout: s.writeTimeout,
		base:         base,
		logger:       base.With().Str("component", "wsconn").Logger(),
		callbacks:    map[string]func(*hub.Response){},
		proxies:      map[string]*hub.Proxy{},
	}
}

// Proxy returns the proxy for hubName, creating it on first use. Hub names are
// case-insensitive.
func (c *Conn) Proxy(hubName string) (*hub.Proxy, error) {
	if hubName == "" {
		return nil, errors.New("missing hub name")
	}
	key := cases.Fold().String(hubName)
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.proxies[key]; ok {
		return p, nil
	}
	p, err := hub.NewProxy(c, hubName, hub.WithLogger(c.base.With().Str("component", "hub").Logger()))
	if err != nil {
		return nil, err
	}
	c.proxies[key] = p
	return p, nil
}

// Send writes one text frame. The write deadline comes from ctx, or from the
// configured write timeout.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed() {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok && c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return errors.Wrap(err, "set write deadline")
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		if c.isClosed() {
			return ErrClosed
		}
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// RegisterCallback stores fn under a new correlation id. On a closed
// connection fn is called with nil before RegisterCallback returns.
func (c *Conn) RegisterCallback(fn func(*hub.Response)) string {
	id := uuid.NewString()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn(nil)
		return id
	}
	c.callbacks[id] = fn
	c.mu.Unlock()
	return id
}

func (c *Conn) RemoveCallback(id string) {
	c.mu.Lock()
	delete(c.callbacks, id)
	c.mu.Unlock()
}

func (c *Conn) takeCallback(id string) (func(*hub.Response), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, ok := c.callbacks[id]
	if ok {
		delete(c.callbacks, id)
	}
	return fn, ok
}

// Pending returns the number of invocations waiting for a response.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.callbacks)
}

// Run reads frames until the websocket fails, Close is called, or ctx is done.
// Every invocation still waiting when Run returns is answered with nil, which
// cancels its future.
func (c *Conn) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-egCtx.Done()
		_ = c.Close()
		return nil
	})
	eg.Go(func() error {
		return c.readLoop()
	})
	err := eg.Wait()
	c.drain()

	if errors.Is(err, ErrClosed) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return nil
	}
	return err
}

func (c *Conn) readLoop() error {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("ws read loop end")
				return ErrClosed
			}
			return errors.Wrap(err, "read frame")
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.handleFrame(data)
	}
}

// frame is the union of a hub.Response and a hub.Event; a non-empty Event
// marks a push.
type frame struct {
	hub.Response
	Hub   string            `json:"hub"`
	Event string            `json:"event"`
	Args  []json.RawMessage `json:"args"`
}

func (c *Conn) handleFrame(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
		return
	}

	if f.Event != "" {
		c.mu.Lock()
		p, ok := c.proxies[cases.Fold().String(f.Hub)]
		c.mu.Unlock()
		if !ok {
			c.logger.Trace().Str("hub", f.Hub).Str("event", f.Event).Msg("push for unknown hub")
			return
		}
		p.Dispatch(f.Event, f.Args)
		return
	}

	if f.CorrelationID == "" {
		c.logger.Warn().Msg("dropping frame without correlation id or event")
		return
	}
	fn, ok := c.takeCallback(f.CorrelationID)
	if !ok {
		c.logger.Debug().Str("correlation_id", f.CorrelationID).Msg("response for unknown or abandoned invocation")
		return
	}
	resp := f.Response
	fn(&resp)
}

// drain answers every pending invocation with nil.
func (c *Conn) drain() {
	c.mu.Lock()
	c.closed = true
	callbacks := c.callbacks
	c.callbacks = map[string]func(*hub.Response){}
	c.mu.Unlock()

	if len(callbacks) > 0 {
		c.logger.Debug().Int("pending", len(callbacks)).Msg("canceling pending invocations")
	}
	for _, fn := range callbacks {
		fn(nil)
	}
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close sends a close frame, closes the websocket and cancels every pending
// invocation. It is safe to call concurrently with Send and Run.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	// WriteControl may run concurrently with WriteMessage.
	_ = c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	err := c.ws.Close()
	c.drain()
	return err
}
