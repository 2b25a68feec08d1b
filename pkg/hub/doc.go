// Package hub implements the client side of hub method invocation.
//
// A Proxy addresses one named hub over a Connection. It
//   - sends method invocations and correlates each with exactly one response
//     through a Future,
//   - round-trips a small case-insensitive ambient State with every invocation,
//   - routes server-pushed events to per-event Subscriptions.
//
// The transport is abstract: anything implementing Connection can carry
// invocations. See package wsconn for a websocket implementation.
//
// Ambient state is eventually consistent. An envelope snapshots the state when
// it is built, so an invocation issued while another one is still completing
// does not see that response's state changes; concurrent merges apply in
// completion order and the last write per name wins.
package hub
