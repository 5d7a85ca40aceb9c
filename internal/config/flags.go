package config

import (
	"time"

	"github.com/spf13/pflag"
)

// Flags binds the command line flags of the agent binary. Only flags the
// user set override the loaded configuration.
type Flags struct {
	set    *pflag.FlagSet
	path   string
	dump   bool
	values Config
}

// BindFlags registers the configuration flags on set.
func BindFlags(set *pflag.FlagSet) *Flags {
	f := &Flags{set: set}
	d := Default()
	set.StringVarP(&f.path, "config", "c", "", "path to a YAML configuration file")
	set.BoolVar(&f.dump, "dump-config", false, "print the effective configuration and exit")
	set.StringVarP(&f.values.Name, "name", "n", d.Name, "agent name")
	set.StringVarP(&f.values.Server, "server", "s", d.Server, "broker host or URL")
	set.IntVarP(&f.values.Port, "port", "p", d.Port, "broker port (0 selects the transport default)")
	set.StringVarP(&f.values.Transport, "transport", "t", d.Transport, "broker transport: mqtt, nats or local")
	set.StringVar(&f.values.Username, "username", "", "broker username")
	set.StringVar(&f.values.Password, "password", "", "broker password")
	set.StringVar(&f.values.Codec, "codec", d.Codec, "payload codec: json or cbor")
	set.BoolVar(&f.values.StampAgent, "stamp-agent", d.StampAgent, "add the agent name to JSON payloads")
	set.StringVarP(&f.values.LogLevel, "log-level", "l", d.LogLevel, "log level: debug, info, warn or error")
	set.BoolVar(&f.values.TranslateTopics, "translate-topics", d.TranslateTopics, "translate '.' topics to '/' on the wire")
	set.DurationVar(&f.values.Tick, "tick", d.Tick, "pause between two run loop iterations")
	set.DurationVar(&f.values.Heartbeat, "heartbeat", d.Heartbeat, "heartbeat period, 0 disables it")
	return f
}

// Path returns the value of --config.
func (f *Flags) Path() string {
	return f.path
}

// Dump reports whether --dump-config was given.
func (f *Flags) Dump() bool {
	return f.dump
}

// Apply copies the flags the user set into cfg.
func (f *Flags) Apply(cfg *Config) {
	str := func(name string, dst *string, v string) {
		if f.set.Changed(name) {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool, v bool) {
		if f.set.Changed(name) {
			*dst = v
		}
	}
	duration := func(name string, dst *time.Duration, v time.Duration) {
		if f.set.Changed(name) {
			*dst = v
		}
	}

	str("name", &cfg.Name, f.values.Name)
	str("server", &cfg.Server, f.values.Server)
	str("transport", &cfg.Transport, f.values.Transport)
	str("username", &cfg.Username, f.values.Username)
	str("password", &cfg.Password, f.values.Password)
	str("codec", &cfg.Codec, f.values.Codec)
	str("log-level", &cfg.LogLevel, f.values.LogLevel)
	boolean("stamp-agent", &cfg.StampAgent, f.values.StampAgent)
	boolean("translate-topics", &cfg.TranslateTopics, f.values.TranslateTopics)
	duration("tick", &cfg.Tick, f.values.Tick)
	duration("heartbeat", &cfg.Heartbeat, f.values.Heartbeat)
	if f.set.Changed("port") {
		cfg.Port = f.values.Port
	}
}
