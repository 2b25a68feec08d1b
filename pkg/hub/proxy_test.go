package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu        sync.Mutex
	nextID    int
	callbacks map[string]func(*Response)
	removed   []string
	sendErr   error
	sent      chan Invocation
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		callbacks: map[string]func(*Response){},
		sent:      make(chan Invocation, 256),
	}
}

func (f *fakeConn) Send(_ context.Context, payload []byte) error {
	var inv Invocation
	if err := json.Unmarshal(payload, &inv); err != nil {
		return err
	}
	f.sent <- inv
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendErr
}

func (f *fakeConn) RegisterCallback(fn func(*Response)) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := strconv.Itoa(f.nextID)
	f.callbacks[id] = fn
	return id
}

func (f *fakeConn) RemoveCallback(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.callbacks, id)
	f.removed = append(f.removed, id)
}

func (f *fakeConn) respond(t *testing.T, id string, resp *Response) {
	t.Helper()
	f.mu.Lock()
	fn, ok := f.callbacks[id]
	delete(f.callbacks, id)
	f.mu.Unlock()
	require.True(t, ok, "no callback registered for %s", id)
	fn(resp)
}

func (f *fakeConn) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.callbacks)
}

func (f *fakeConn) nextSent(t *testing.T) Invocation {
	t.Helper()
	select {
	case inv := <-f.sent:
		return inv
	case <-time.After(time.Second):
		t.Fatal("no invocation sent")
		return Invocation{}
	}
}

func newTestProxy(t *testing.T) (*Proxy, *fakeConn) {
	t.Helper()
	fc := newFakeConn()
	p, err := NewProxy(fc, "chat")
	require.NoError(t, err)
	return p, fc
}

func waitFuture[T any](t *testing.T, f *Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "future did not complete")
	return v, err
}

func TestNewProxy_ValidatesArguments(t *testing.T) {
	_, err := NewProxy(nil, "chat")
	require.ErrorContains(t, err, "connection is nil")

	_, err = NewProxy(newFakeConn(), "")
	require.ErrorContains(t, err, "name is empty")
}

func TestProxy_SubscribeIsCaseInsensitive(t *testing.T) {
	p, _ := newTestProxy(t)

	a, err := p.Subscribe("newMessage")
	require.NoError(t, err)
	b, err := p.Subscribe("NEWMESSAGE")
	require.NoError(t, err)
	c, err := p.Subscribe("newmessage")
	require.NoError(t, err)

	require.Same(t, a, b)
	require.Same(t, a, c)
	require.Equal(t, "newMessage", c.Event())

	_, err = p.Subscribe("")
	require.True(t, IsKind(err, KindValidation))
}

func TestProxy_ConcurrentSubscribeReturnsOneInstance(t *testing.T) {
	p, _ := newTestProxy(t)

	const n = 64
	subs := make([]*Subscription, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "Tick"
			if i%2 == 0 {
				name = "tick"
			}
			s, err := p.Subscribe(name)
			require.NoError(t, err)
			subs[i] = s
		}(i)
	}
	wg.Wait()
	for _, s := range subs {
		require.Same(t, subs[0], s)
	}
}

func TestProxy_DispatchRoutesToSubscription(t *testing.T) {
	p, _ := newTestProxy(t)
	sub, err := p.Subscribe("userJoined")
	require.NoError(t, err)

	var got []json.RawMessage
	sub.On(func(args []json.RawMessage) { got = args })

	p.Dispatch("USERJOINED", []json.RawMessage{json.RawMessage(`"bob"`), json.RawMessage(`3`)})
	require.Len(t, got, 2)

	var name string
	var count int
	require.NoError(t, DecodeArgs(got, &name, &count))
	require.Equal(t, "bob", name)
	require.Equal(t, 3, count)
}

func TestProxy_DispatchUnknownEventIsNoop(t *testing.T) {
	p, _ := newTestProxy(t)
	require.NotPanics(t, func() {
		p.Dispatch("unknown", []json.RawMessage{json.RawMessage(`1`)})
	})
	require.NotPanics(t, func() {
		p.Dispatch("unknown", nil)
	})
}

func TestInvoke_ValidationHappensBeforeNetwork(t *testing.T) {
	p, fc := newTestProxy(t)
	ctx := context.Background()

	_, err := p.Invoke(ctx, "", Args(1))
	require.Error(t, err)
	require.True(t, IsKind(err, KindValidation))

	_, err = p.Invoke(ctx, "m", nil)
	require.Error(t, err)
	require.True(t, IsKind(err, KindValidation))

	_, err = p.Invoke(ctx, "m", []any{func() {}})
	require.True(t, IsKind(err, KindValidation))

	_, err = Invoke[int](ctx, nil, "m", Args())
	require.True(t, IsKind(err, KindValidation))

	require.Equal(t, 0, fc.pending())
	require.Len(t, fc.sent, 0)
}

func TestInvoke_EnvelopeCarriesStateOnlyWhenPresent(t *testing.T) {
	p, fc := newTestProxy(t)
	ctx := context.Background()

	_, err := p.Invoke(ctx, "send", Args("hello", 2))
	require.NoError(t, err)
	inv := fc.nextSent(t)
	require.Equal(t, "chat", inv.Hub)
	require.Equal(t, "send", inv.Method)
	require.Equal(t, []json.RawMessage{json.RawMessage(`"hello"`), json.RawMessage(`2`)}, inv.Args)
	require.NotEmpty(t, inv.CorrelationID)
	require.Nil(t, inv.State)

	require.NoError(t, p.SetValue("Room", "lobby"))
	_, err = p.Invoke(ctx, "send", Args())
	require.NoError(t, err)
	inv = fc.nextSent(t)
	require.Empty(t, inv.Args)
	require.Equal(t, json.RawMessage(`"lobby"`), inv.State["Room"])
}

func TestInvoke_RemoteErrorDoesNotMergeState(t *testing.T) {
	p, fc := newTestProxy(t)

	f, err := p.Invoke(context.Background(), "explode", Args())
	require.NoError(t, err)
	inv := fc.nextSent(t)

	fc.respond(t, inv.CorrelationID, &Response{
		Error: RemoteError("boom"),
		State: map[string]json.RawMessage{"x": json.RawMessage(`1`)},
	})

	_, err = waitFuture(t, f)
	require.Error(t, err)
	require.True(t, IsKind(err, KindRemote))
	require.True(t, errors.Is(err, ErrRemote))
	require.ErrorContains(t, err, "boom")
	require.Equal(t, StatusFailed, f.Status())

	var he *Error
	require.True(t, errors.As(err, &he))
	require.Equal(t, "boom", he.Message)

	_, ok := p.Get("x")
	require.False(t, ok)
}

func TestInvoke_EmptyErrorStringIsStillRemoteError(t *testing.T) {
	p, fc := newTestProxy(t)

	f, err := Invoke[int](context.Background(), p, "add", Args())
	require.NoError(t, err)
	inv := fc.nextSent(t)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(`{"error":"","state":{"x":1},"result":7}`), &resp))
	fc.respond(t, inv.CorrelationID, &resp)

	v, err := waitFuture(t, f)
	require.True(t, IsKind(err, KindRemote))
	require.Equal(t, 0, v)
	require.Equal(t, StatusFailed, f.Status())
	_, ok := p.Get("x")
	require.False(t, ok)
}

func TestInvoke_NullErrorIsSuccess(t *testing.T) {
	p, fc := newTestProxy(t)

	f, err := Invoke[int](context.Background(), p, "add", Args())
	require.NoError(t, err)
	inv := fc.nextSent(t)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(`{"error":null,"result":7}`), &resp))
	fc.respond(t, inv.CorrelationID, &resp)

	v, err := waitFuture(t, f)
	require.NoError(t, err)
	require.Equal(t, 7, v)
}

func TestProxy_SetRejectsInvalidJSON(t *testing.T) {
	p, fc := newTestProxy(t)

	err := p.Set("k", json.RawMessage("{not json"))
	require.True(t, IsKind(err, KindValidation))
	_, ok := p.Get("k")
	require.False(t, ok)

	for i := 0; i < 3; i++ {
		f, err := Invoke[int](context.Background(), p, "add", Args(i))
		require.NoError(t, err)
		inv := fc.nextSent(t)
		require.Nil(t, inv.State)
		fc.respond(t, inv.CorrelationID, &Response{Result: json.RawMessage(`1`)})
		v, err := waitFuture(t, f)
		require.NoError(t, err)
		require.Equal(t, 1, v)
	}
}

func TestInvoke_MarshalFailureReleasesCallback(t *testing.T) {
	p, fc := newTestProxy(t)
	// Bypass Proxy.Set so the envelope cannot be marshaled.
	p.state.Set("k", json.RawMessage("{not json"))

	for i := 0; i < 3; i++ {
		f, err := p.Invoke(context.Background(), "send", Args())
		require.NoError(t, err)
		_, err = waitFuture(t, f)
		require.True(t, IsKind(err, KindSendFailure))
		require.ErrorContains(t, err, "marshal invocation")
	}
	require.Equal(t, 0, fc.pending())
	require.Len(t, fc.removed, 3)
	require.Len(t, fc.sent, 0)
}

func TestProxy_SubscribeRacingDispatchLosesNothing(t *testing.T) {
	p, _ := newTestProxy(t)

	const subscribers = 16
	const pushes = 200
	var wg sync.WaitGroup
	for i := 0; i < subscribers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "Ping"
			if i%2 == 0 {
				name = "PING"
			}
			sub, err := p.Subscribe(name)
			require.NoError(t, err)

			var mu sync.Mutex
			var got []int
			remove := sub.On(func(args []json.RawMessage) {
				var n int
				require.NoError(t, DecodeArgs(args, &n))
				mu.Lock()
				got = append(got, n)
				mu.Unlock()
			})
			defer remove()

			// Every push issued after On returned must arrive.
			base := 1000 * (i + 1)
			for k := 0; k < pushes; k++ {
				p.Dispatch("ping", []json.RawMessage{json.RawMessage(strconv.Itoa(base + k))})
			}

			mu.Lock()
			defer mu.Unlock()
			seen := map[int]bool{}
			for _, n := range got {
				seen[n] = true
			}
			for k := 0; k < pushes; k++ {
				require.True(t, seen[base+k], "push %d lost", base+k)
			}
		}(i)
	}
	// Concurrent dispatchers while subscriptions are being created.
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < pushes; k++ {
				p.Dispatch("Ping", []json.RawMessage{json.RawMessage(`-1`)})
			}
		}()
	}
	wg.Wait()

	a, err := p.Subscribe("ping")
	require.NoError(t, err)
	b, err := p.Subscribe("PiNg")
	require.NoError(t, err)
	require.Same(t, a, b)
}

func TestInvoke_MergesStateAndDecodesResult(t *testing.T) {
	p, fc := newTestProxy(t)

	f, err := Invoke[int](context.Background(), p, "add", Args(40, 2))
	require.NoError(t, err)
	inv := fc.nextSent(t)

	fc.respond(t, inv.CorrelationID, &Response{
		State:  map[string]json.RawMessage{"x": json.RawMessage(`5`)},
		Result: json.RawMessage(`42`),
	})

	v, err := waitFuture(t, f)
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, StatusResolved, f.Status())

	x, ok := p.Get("X")
	require.True(t, ok)
	require.Equal(t, json.RawMessage(`5`), x)
}

func TestInvoke_MissingResultResolvesZeroValue(t *testing.T) {
	p, fc := newTestProxy(t)

	type profile struct {
		Name string `json:"name"`
	}
	f, err := Invoke[profile](context.Background(), p, "touch", Args())
	require.NoError(t, err)
	inv := fc.nextSent(t)
	fc.respond(t, inv.CorrelationID, &Response{})

	v, err := waitFuture(t, f)
	require.NoError(t, err)
	require.Equal(t, profile{}, v)

	g, err := Invoke[int](context.Background(), p, "touch", Args())
	require.NoError(t, err)
	inv = fc.nextSent(t)
	fc.respond(t, inv.CorrelationID, &Response{Result: json.RawMessage(`null`)})
	n, err := waitFuture(t, g)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestInvoke_NilResponseCancels(t *testing.T) {
	p, fc := newTestProxy(t)

	f, err := p.Invoke(context.Background(), "wait", Args())
	require.NoError(t, err)
	inv := fc.nextSent(t)
	fc.respond(t, inv.CorrelationID, nil)

	_, err = waitFuture(t, f)
	require.Equal(t, StatusCanceled, f.Status())
	require.True(t, IsKind(err, KindCanceled))
	require.True(t, errors.Is(err, ErrConnectionClosed))
}

func TestInvoke_ResultDecodeFailure(t *testing.T) {
	p, fc := newTestProxy(t)

	f, err := Invoke[int](context.Background(), p, "count", Args())
	require.NoError(t, err)
	inv := fc.nextSent(t)
	fc.respond(t, inv.CorrelationID, &Response{Result: json.RawMessage(`"not a number"`)})

	_, err = waitFuture(t, f)
	require.True(t, IsKind(err, KindResultProcessing))
	require.Equal(t, StatusFailed, f.Status())
}

func TestInvoke_InvalidStateFailsWithoutMerging(t *testing.T) {
	p, fc := newTestProxy(t)

	f, err := p.Invoke(context.Background(), "count", Args())
	require.NoError(t, err)
	inv := fc.nextSent(t)
	fc.respond(t, inv.CorrelationID, &Response{
		State: map[string]json.RawMessage{"bad": json.RawMessage(`{`)},
	})

	_, err = waitFuture(t, f)
	require.True(t, IsKind(err, KindResultProcessing))
	_, ok := p.Get("bad")
	require.False(t, ok)
}

type panicky struct{}

func (*panicky) UnmarshalJSON([]byte) error { panic("kaboom") }

func TestInvoke_PanicWhileDecodingFailsFuture(t *testing.T) {
	p, fc := newTestProxy(t)

	f, err := Invoke[panicky](context.Background(), p, "count", Args())
	require.NoError(t, err)
	inv := fc.nextSent(t)
	fc.respond(t, inv.CorrelationID, &Response{Result: json.RawMessage(`{}`)})

	_, err = waitFuture(t, f)
	require.True(t, IsKind(err, KindResultProcessing))
	require.ErrorContains(t, err, "kaboom")
}

func TestInvoke_SendFailure(t *testing.T) {
	p, fc := newTestProxy(t)
	fc.sendErr = errors.New("socket gone")

	f, err := p.Invoke(context.Background(), "send", Args())
	require.NoError(t, err)

	_, err = waitFuture(t, f)
	require.True(t, IsKind(err, KindSendFailure))
	require.ErrorContains(t, err, "socket gone")
	require.Eventually(t, func() bool { return fc.pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestInvoke_ContextCancelBeforeResponse(t *testing.T) {
	p, fc := newTestProxy(t)
	ctx, cancel := context.WithCancel(context.Background())

	f, err := p.Invoke(ctx, "slow", Args())
	require.NoError(t, err)
	inv := fc.nextSent(t)

	cancel()
	_, err = waitFuture(t, f)
	require.Equal(t, StatusCanceled, f.Status())
	require.True(t, errors.Is(err, context.Canceled))

	require.Eventually(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		_, still := fc.callbacks[inv.CorrelationID]
		return !still
	}, time.Second, 5*time.Millisecond)
}

func TestInvoke_AlreadyCanceledContextSendsNothing(t *testing.T) {
	p, fc := newTestProxy(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f, err := p.Invoke(ctx, "slow", Args())
	require.NoError(t, err)
	require.Equal(t, StatusCanceled, f.Status())
	require.Equal(t, 0, fc.pending())
	require.Len(t, fc.sent, 0)
}

func TestInvoke_ResponsesAreIsolatedPerCorrelationID(t *testing.T) {
	p, fc := newTestProxy(t)

	const n = 50
	futures := map[string]*Future[string]{}
	for i := 0; i < n; i++ {
		f, err := Invoke[string](context.Background(), p, "echo", Args(i))
		require.NoError(t, err)
		inv := fc.nextSent(t)
		futures[inv.CorrelationID] = f
	}

	var wg sync.WaitGroup
	for id := range futures {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if id == "7" {
				fc.respond(t, id, &Response{Error: RemoteError("only seven fails")})
				return
			}
			fc.respond(t, id, &Response{Result: json.RawMessage(strconv.Quote("r" + id))})
		}(id)
	}
	wg.Wait()

	for id, f := range futures {
		v, err := waitFuture(t, f)
		if id == "7" {
			require.True(t, IsKind(err, KindRemote))
			continue
		}
		require.NoError(t, err)
		require.Equal(t, "r"+id, v)
	}
}

func TestProxy_ConcurrentSetIsNeverTorn(t *testing.T) {
	p, _ := newTestProxy(t)
	v1 := json.RawMessage(`{"value":"` + fmt.Sprintf("%0512d", 1) + `"}`)
	v2 := json.RawMessage(`{"value":"` + fmt.Sprintf("%0512d", 2) + `"}`)

	for i := 0; i < 200; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); require.NoError(t, p.Set("k", v1)) }()
		go func() { defer wg.Done(); require.NoError(t, p.Set("K", v2)) }()
		wg.Wait()

		got, ok := p.Get("k")
		require.True(t, ok)
		require.True(t, string(got) == string(v1) || string(got) == string(v2))
	}
}
