package eventbus

import (
	"encoding/json"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/hubclient/pkg/hub"
)

const (
	MetadataHub   = "hub"
	MetadataEvent = "event"
)

// Payload is the JSON body of a forwarded push.
type Payload struct {
	Hub   string            `json:"hub"`
	Event string            `json:"event"`
	Args  []json.RawMessage `json:"args"`
}

// Forwarder republishes pushed hub events on a watermill topic.
type Forwarder struct {
	pub    message.Publisher
	topic  string
	logger zerolog.Logger
}

func NewForwarder(pub message.Publisher, topic string) (*Forwarder, error) {
	if pub == nil {
		return nil, errors.New("forwarder publisher is nil")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, errors.New("forwarder topic is empty")
	}
	return &Forwarder{
		pub:    pub,
		topic:  topic,
		logger: log.With().Str("component", "eventbus").Str("topic", topic).Logger(),
	}, nil
}

// Attach publishes every push delivered to sub until the returned func is called.
// Publish failures are logged; the push itself is not retried.
func (f *Forwarder) Attach(hubName string, sub *hub.Subscription) (remove func()) {
	event := sub.Event()
	return sub.On(func(args []json.RawMessage) {
		if err := f.Publish(Payload{Hub: hubName, Event: event, Args: args}); err != nil {
			f.logger.Warn().Err(err).Str("hub", hubName).Str("event", event).Msg("failed to forward pushed event")
		}
	})
}

// Publish sends one payload to the forwarder's topic.
func (f *Forwarder) Publish(p Payload) error {
	if p.Args == nil {
		p.Args = []json.RawMessage{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal forwarded event")
	}
	msg := message.NewMessage(uuid.NewString(), b)
	msg.Metadata.Set(MetadataHub, p.Hub)
	msg.Metadata.Set(MetadataEvent, p.Event)
	if err := f.pub.Publish(f.topic, msg); err != nil {
		return errors.Wrapf(err, "publish to %s", f.topic)
	}
	return nil
}
