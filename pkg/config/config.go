// Package config loads hubctl settings from YAML.
package config

import (
	"bytes"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console|json|auto
}

type RedisConfig struct {
	Addr  string `yaml:"addr"`
	Topic string `yaml:"topic"`
}

type Config struct {
	URL              string            `yaml:"url"`
	Hub              string            `yaml:"hub"`
	Headers          map[string]string `yaml:"headers"`
	HandshakeTimeout time.Duration     `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration     `yaml:"write_timeout"`
	Log              LogConfig         `yaml:"log"`
	Redis            RedisConfig       `yaml:"redis"`
}

func Default() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		Redis: RedisConfig{
			Topic: "hub-events",
		},
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return errors.Wrap(err, "invalid url")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.Errorf("url scheme must be ws or wss, got %q", u.Scheme)
	}
	if strings.TrimSpace(c.Hub) == "" {
		return errors.New("hub is required")
	}
	if c.HandshakeTimeout < 0 || c.WriteTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	switch c.Log.Format {
	case "", "auto", "console", "json":
	default:
		return errors.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}
