package eventbus

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// NewRedisPublisher returns a Redis Streams publisher for addr (host:port).
func NewRedisPublisher(addr string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	if addr == "" {
		return nil, errors.New("redis address is empty")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis stream publisher")
	}
	return &redisPublisher{Publisher: pub, client: client}, nil
}

// redisPublisher owns the client it publishes through.
type redisPublisher struct {
	message.Publisher
	client *redis.Client
}

func (p *redisPublisher) Close() error {
	err := p.Publisher.Close()
	if cerr := p.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// zerologAdapter lets watermill log through zerolog.
type zerologAdapter struct {
	logger zerolog.Logger
}

func NewLogger(logger zerolog.Logger) watermill.LoggerAdapter {
	return zerologAdapter{logger: logger}
}

func withFields(e *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	return e
}

func (z zerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	withFields(z.logger.Error().Err(err), fields).Msg(msg)
}

func (z zerologAdapter) Info(msg string, fields watermill.LogFields) {
	withFields(z.logger.Info(), fields).Msg(msg)
}

func (z zerologAdapter) Debug(msg string, fields watermill.LogFields) {
	withFields(z.logger.Debug(), fields).Msg(msg)
}

func (z zerologAdapter) Trace(msg string, fields watermill.LogFields) {
	withFields(z.logger.Trace(), fields).Msg(msg)
}

func (z zerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	ctx := z.logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return zerologAdapter{logger: ctx.Logger()}
}
