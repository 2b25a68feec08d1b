package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/hubclient/pkg/hub"
)

type nopConn struct{}

func (nopConn) Send(context.Context, []byte) error { return nil }
func (nopConn) RegisterCallback(func(*hub.Response)) string { return "1" }

func TestNewForwarder_Validates(t *testing.T) {
	_, err := NewForwarder(nil, "t")
	require.ErrorContains(t, err, "publisher is nil")

	pubsub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer func() { _ = pubsub.Close() }()
	_, err = NewForwarder(pubsub, "  ")
	require.ErrorContains(t, err, "topic is empty")
}

func TestForwarder_PublishesPushedEvents(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{}, NewLogger(zerolog.Nop()))
	defer func() { _ = pubsub.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := pubsub.Subscribe(ctx, "hub-events")
	require.NoError(t, err)

	p, err := hub.NewProxy(nopConn{}, "chat")
	require.NoError(t, err)
	sub, err := p.Subscribe("message")
	require.NoError(t, err)

	fwd, err := NewForwarder(pubsub, "hub-events")
	require.NoError(t, err)
	remove := fwd.Attach(p.Hub(), sub)

	p.Dispatch("MESSAGE", []json.RawMessage{json.RawMessage(`"hi"`)})

	var got *message.Message
	select {
	case got = <-msgs:
		got.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("no message forwarded")
	}
	require.Equal(t, "chat", got.Metadata.Get(MetadataHub))
	require.Equal(t, "message", got.Metadata.Get(MetadataEvent))

	var payload Payload
	require.NoError(t, json.Unmarshal(got.Payload, &payload))
	require.Equal(t, "chat", payload.Hub)
	require.Equal(t, "message", payload.Event)
	require.Equal(t, []json.RawMessage{json.RawMessage(`"hi"`)}, payload.Args)

	remove()
	require.Equal(t, 0, sub.Len())
	p.Dispatch("message", nil)
	select {
	case <-msgs:
		t.Fatal("removed forwarder still publishing")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNewRedisPublisher_RequiresAddress(t *testing.T) {
	_, err := NewRedisPublisher("", nil)
	require.ErrorContains(t, err, "redis address is empty")
}
