// Package config loads the settings of the uagent binary.
//
// Values are layered, later sources winning:
//   - built-in defaults
//   - an optional YAML file
//   - variables from .env files
//   - UAGENT_ prefixed environment variables
//   - command line flags the user actually set
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/fogfish/opts"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/zycelium/uagent"
	"github.com/zycelium/uagent/codec"
	"github.com/zycelium/uagent/internal/logging"
	"github.com/zycelium/uagent/pkg/uuidx"
	"github.com/zycelium/uagent/topic"
	"github.com/zycelium/uagent/transport"
	"github.com/zycelium/uagent/transport/local"
	"github.com/zycelium/uagent/transport/mqttx"
	"github.com/zycelium/uagent/transport/natsx"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "UAGENT_"

// Transport kinds.
const (
	TransportMQTT  = "mqtt"
	TransportNATS  = "nats"
	TransportLocal = "local"
)

const (
	defaultMQTTPort = 1883
	defaultNATSPort = 4222
)

// Config is the effective configuration of an agent process.
type Config struct {
	// Name identifies the agent in logs and in the broker client id.
	Name string `yaml:"name" env:"NAME"`

	// Server is the broker host, or a full broker URL.
	Server string `yaml:"server" env:"SERVER"`

	// Port is the broker port. Zero selects the default of the transport.
	Port int `yaml:"port" env:"PORT"`

	// Transport is one of mqtt, nats or local.
	Transport string `yaml:"transport" env:"TRANSPORT"`

	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`

	// Codec is the payload format, json or cbor.
	Codec string `yaml:"codec" env:"CODEC"`

	// StampAgent adds the agent name to every JSON payload emitted.
	StampAgent bool `yaml:"stamp_agent" env:"STAMP_AGENT"`

	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	// TranslateTopics converts between '.' and '/' topic delimiters.
	TranslateTopics bool `yaml:"translate_topics" env:"TRANSLATE_TOPICS"`

	// Tick is the pause between two iterations of the run loop.
	Tick time.Duration `yaml:"tick" env:"TICK"`

	// Heartbeat is the period of the heartbeat event. Zero disables it.
	Heartbeat time.Duration `yaml:"heartbeat" env:"HEARTBEAT"`

	// Commands maps event topics to the shell commands they trigger.
	Commands map[string]Command `yaml:"commands"`
}

// Command is a shell command run when an event arrives.
type Command struct {
	// Run is the command line. {field} placeholders are replaced with the
	// event fields.
	Run string `yaml:"run"`

	// Reply is the topic the result is emitted on. Defaults to
	// "<event>.reply".
	Reply string `yaml:"reply,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "uagent"
	}
	return Config{
		Name:            host,
		Server:          "localhost",
		Transport:       TransportMQTT,
		Codec:           "json",
		StampAgent:      true,
		LogLevel:        "info",
		TranslateTopics: true,
		Tick:            uagent.DefaultTickInterval,
		Heartbeat:       30 * time.Second,
	}
}

// Load returns the defaults overlaid with the YAML file at path (skipped when
// path is empty), the given .env files and the UAGENT_ environment.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return cfg, fmt.Errorf("config: load env files: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if !slices.Contains([]string{TransportMQTT, TransportNATS, TransportLocal}, c.Transport) {
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.Transport != TransportLocal && c.Server == "" {
		errs = append(errs, errors.New("server is required"))
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if _, err := codec.ByName(c.Codec); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Tick <= 0 {
		errs = append(errs, fmt.Errorf("tick must be positive, got %s", c.Tick))
	}
	if c.Heartbeat < 0 {
		errs = append(errs, fmt.Errorf("heartbeat must not be negative, got %s", c.Heartbeat))
	}
	for _, event := range c.CommandEvents() {
		if strings.TrimSpace(c.Commands[event].Run) == "" {
			errs = append(errs, fmt.Errorf("command for %q is empty", event))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

// CommandEvents returns the command event topics in sorted order.
func (c Config) CommandEvents() []string {
	events := make([]string, 0, len(c.Commands))
	for event := range c.Commands {
		events = append(events, event)
	}
	slices.Sort(events)
	return events
}

// BrokerPort returns Port, or the default port of the transport when unset.
func (c Config) BrokerPort() int {
	if c.Port != 0 {
		return c.Port
	}
	if c.Transport == TransportNATS {
		return defaultNATSPort
	}
	return defaultMQTTPort
}

// PayloadCodec builds the configured codec.
func (c Config) PayloadCodec() (codec.Codec, error) {
	if c.StampAgent && strings.EqualFold(c.Codec, "json") {
		return codec.JSON(codec.WithStamp("agent", c.Name)), nil
	}
	return codec.ByName(c.Codec)
}

// NewTransport builds the configured transport. A local transport is
// attached to broker.
func (c Config) NewTransport(broker *local.Broker) (transport.Transport, error) {
	switch c.Transport {
	case TransportMQTT:
		options := []opts.Option[mqttx.Transport]{mqttx.ClientID(uuidx.ClientID(c.Name))}
		if c.Username != "" {
			options = append(options, mqttx.Credentials(c.Username, c.Password))
		}
		return mqttx.New(mqttx.BrokerURL(c.Server, c.BrokerPort()), options...)
	case TransportNATS:
		url := c.Server
		if !strings.Contains(url, "://") {
			url = fmt.Sprintf("nats://%s:%d", c.Server, c.BrokerPort())
		}
		options := []opts.Option[natsx.Transport]{natsx.URL(url), natsx.Name(c.Name)}
		if c.Username != "" {
			options = append(options, natsx.Options(nats.UserInfo(c.Username, c.Password)))
		}
		return natsx.New(options...)
	case TransportLocal:
		if broker == nil {
			broker = local.NewBroker()
		}
		return broker.Client(c.Name, topic.WireDelimiter), nil
	default:
		return nil, fmt.Errorf("config: unknown transport %q", c.Transport)
	}
}

// AgentOptions turns the configuration into agent options. The transport
// is built by NewTransport and passed separately.
func (c Config) AgentOptions() ([]opts.Option[uagent.Agent], error) {
	cd, err := c.PayloadCodec()
	if err != nil {
		return nil, err
	}
	return []opts.Option[uagent.Agent]{
		uagent.WithCodec(cd),
		uagent.TickInterval(c.Tick),
		uagent.TranslateTopics(c.TranslateTopics),
	}, nil
}
