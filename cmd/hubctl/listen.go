package main

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/hubclient/pkg/eventbus"
	"github.com/go-go-golems/hubclient/pkg/hub"
)

type listenOptions struct {
	redisAddr string
	topic     string
}

func newListenCommand() *cobra.Command {
	var o listenOptions
	cmd := &cobra.Command{
		Use:   "listen EVENT...",
		Short: "Print pushed hub events as JSON lines",
		Long: `Subscribe to one or more events on the configured hub and print each push
as a JSON line on stdout until interrupted.

With --redis-addr (or redis.addr in the config file) every push is also
published to a Redis stream.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("redis-addr") {
				appConfig.Redis.Addr = o.redisAddr
			}
			if cmd.Flags().Changed("topic") {
				appConfig.Redis.Topic = o.topic
			}
			return runListen(cmd.Context(), cmd.OutOrStdout(), args)
		},
	}
	cmd.Flags().StringVar(&o.redisAddr, "redis-addr", "", "forward pushes to this Redis server")
	cmd.Flags().StringVar(&o.topic, "topic", "", "Redis stream to forward pushes to")
	return cmd
}

// lineWriter serializes JSON lines coming from concurrent handlers.
type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (w *lineWriter) write(p eventbus.Payload) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(p); err != nil {
		log.Warn().Err(err).Str("event", p.Event).Msg("failed to write event")
	}
}

func subscribeAll(p *hub.Proxy, events []string, out *lineWriter, fwd *eventbus.Forwarder) ([]func(), error) {
	var removers []func()
	for _, event := range events {
		sub, err := p.Subscribe(event)
		if err != nil {
			return removers, err
		}
		name := sub.Event()
		removers = append(removers, sub.On(func(args []json.RawMessage) {
			out.write(eventbus.Payload{Hub: p.Hub(), Event: name, Args: args})
		}))
		if fwd != nil {
			removers = append(removers, fwd.Attach(p.Hub(), sub))
		}
	}
	return removers, nil
}

func newForwarder() (*eventbus.Forwarder, message.Publisher, error) {
	if appConfig.Redis.Addr == "" {
		return nil, nil, nil
	}
	pub, err := eventbus.NewRedisPublisher(appConfig.Redis.Addr, eventbus.NewLogger(log.Logger))
	if err != nil {
		return nil, nil, err
	}
	fwd, err := eventbus.NewForwarder(pub, appConfig.Redis.Topic)
	if err != nil {
		_ = pub.Close()
		return nil, nil, err
	}
	log.Info().Str("addr", appConfig.Redis.Addr).Str("topic", appConfig.Redis.Topic).Msg("forwarding pushes to redis")
	return fwd, pub, nil
}

func runListen(ctx context.Context, out io.Writer, events []string) error {
	fwd, pub, err := newForwarder()
	if err != nil {
		return err
	}
	if pub != nil {
		defer func() {
			if err := pub.Close(); err != nil {
				log.Warn().Err(err).Msg("failed to close publisher")
			}
		}()
	}

	conn, runErr, err := dial(ctx, appConfig)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	p, err := conn.Proxy(appConfig.Hub)
	if err != nil {
		return err
	}
	removers, err := subscribeAll(p, events, &lineWriter{enc: json.NewEncoder(out)}, fwd)
	defer func() {
		for _, remove := range removers {
			remove()
		}
	}()
	if err != nil {
		return err
	}
	log.Info().Strs("events", events).Str("hub", p.Hub()).Msg("listening")

	err = <-runErr
	if err != nil && !errors.Is(err, context.Canceled) {
		return errors.Wrap(err, "connection failed")
	}
	return nil
}
