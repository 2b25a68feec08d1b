// Package eventbus republishes server-pushed hub events onto watermill topics,
// so other processes can consume them from an in-memory channel or Redis Streams.
package eventbus
