package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/hubclient/pkg/config"
	"github.com/go-go-golems/hubclient/pkg/wsconn"
)

type rootOptions struct {
	configPath string
	url        string
	hub        string
	logLevel   string
	logFormat  string
}

var (
	opts      rootOptions
	appConfig config.Config
)

var rootCmd = &cobra.Command{
	Use:           "hubctl",
	Short:         "hubctl invokes hub methods and listens for pushed events over a websocket",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		appConfig = cfg
		return initLogger(cfg.Log)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	pf.StringVar(&opts.url, "url", "", "websocket endpoint (ws:// or wss://)")
	pf.StringVar(&opts.hub, "hub", "", "hub name")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	pf.StringVar(&opts.logFormat, "log-format", "", "log format (auto, console, json)")

	rootCmd.AddCommand(newInvokeCommand())
	rootCmd.AddCommand(newListenCommand())
}

// loadConfig merges the config file, if any, with flags set on the command line.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		var err error
		cfg, err = config.Load(opts.configPath)
		if err != nil {
			return cfg, err
		}
	}
	flags := cmd.Flags()
	if flags.Changed("url") {
		cfg.URL = opts.url
	}
	if flags.Changed("hub") {
		cfg.Hub = opts.hub
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = opts.logFormat
	}
	return cfg, nil
}

// dial opens the configured connection and starts its read loop. The returned
// channel yields Run's result.
func dial(ctx context.Context, cfg config.Config) (*wsconn.Conn, <-chan error, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, errors.Wrap(err, "invalid configuration")
	}
	header := http.Header{}
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}
	conn, err := wsconn.Dial(ctx, cfg.URL,
		wsconn.WithHeader(header),
		wsconn.WithHandshakeTimeout(cfg.HandshakeTimeout),
		wsconn.WithWriteTimeout(cfg.WriteTimeout),
	)
	if err != nil {
		return nil, nil, err
	}
	runErr := make(chan error, 1)
	go func() {
		runErr <- conn.Run(ctx)
	}()
	log.Debug().Str("url", cfg.URL).Str("hub", cfg.Hub).Msg("connected")
	return conn, runErr, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("hubctl failed")
		stop()
		os.Exit(1)
	}
}
