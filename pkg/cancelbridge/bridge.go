// Package cancelbridge binds a one-shot action to a context's cancellation.
//
// Bind returns a Release. Exactly one of the two paths wins:
//   - the context is canceled first: the action runs once, on a goroutine of
//     its own started by context.AfterFunc, not on the goroutine that canceled
//     (or synchronously inside Bind if the context was already done);
//   - Release is called first: the registration is dropped and the action never runs.
//
// Both paths race on a single atomic word, so neither can double-run the action
// and Release never waits for an in-flight action.
package cancelbridge

import (
	"context"
	"sync/atomic"
)

const (
	pending int32 = iota
	fired
)

// Release detaches a binding. It reports true when it won the race and the action
// will never run. Calling it again, or after the action fired, is a no-op that
// reports false.
type Release func() bool

type gate[T any] struct {
	state  atomic.Int32
	action func(T)
	arg    T
}

func (g *gate[T]) trySetFired() bool {
	return g.state.CompareAndSwap(pending, fired)
}

func (g *gate[T]) tryInvoke() {
	if g.trySetFired() {
		g.action(g.arg)
	}
}

func noop() bool { return false }

// Bind arranges for action(arg) to run once ctx is canceled.
//
// A nil ctx, or one that can never be canceled, never fires; its Release still
// wins. A ctx that is already done runs the action before Bind returns.
func Bind[T any](ctx context.Context, action func(T), arg T) Release {
	if action == nil {
		return noop
	}
	g := &gate[T]{action: action, arg: arg}
	if ctx == nil || ctx.Done() == nil {
		return g.trySetFired
	}
	if ctx.Err() != nil {
		g.tryInvoke()
		return noop
	}

	stop := context.AfterFunc(ctx, g.tryInvoke)
	return func() bool {
		if !g.trySetFired() {
			return false
		}
		// stop does not wait for a concurrently starting AfterFunc; the gate
		// already keeps that run from calling the action.
		stop()
		return true
	}
}
