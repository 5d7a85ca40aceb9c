// Command uagent runs a configurable agent: it answers discovery pings,
// publishes a heartbeat and runs the shell commands bound to events in its
// configuration.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/k0kubun/pp/v3"
	"github.com/spf13/pflag"
	"github.com/zycelium/uagent"
	"github.com/zycelium/uagent/codec"
	"github.com/zycelium/uagent/internal/command"
	"github.com/zycelium/uagent/internal/config"
	"github.com/zycelium/uagent/internal/logging"
	"github.com/zycelium/uagent/pkg/slogx"
	"github.com/zycelium/uagent/transport"
)

const (
	discoverTopic  = "uagent.discover"
	announceTopic  = "uagent.announce"
	heartbeatTopic = "uagent.heartbeat"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "uagent:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flagSet := pflag.NewFlagSet("uagent", pflag.ContinueOnError)
	flags := config.BindFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(flags.Path())
	if err != nil {
		return err
	}
	flags.Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	if flags.Dump() {
		dump := cfg
		if dump.Password != "" {
			dump.Password = "********"
		}
		pp.Println(dump)
		return nil
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logging.Setup(level, os.Stderr)

	agent, err := newAgent(cfg)
	if err != nil {
		return err
	}

	failure := exitOnConnectFailure(agent)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := agent.Run(ctx); err != nil {
		return err
	}
	return *failure
}

func newAgent(cfg config.Config) (*uagent.Agent, error) {
	tr, err := cfg.NewTransport(nil)
	if err != nil {
		return nil, err
	}
	options, err := cfg.AgentOptions()
	if err != nil {
		return nil, err
	}
	agent := uagent.New(cfg.Name, append(options, uagent.WithTransport(tr))...)

	started := time.Now()
	announce := func(ctx context.Context) error {
		agent.Emit(ctx, announceTopic, codec.Fields{
			"name":     cfg.Name,
			"commands": cfg.CommandEvents(),
			"uptime":   time.Since(started).Round(time.Second).String(),
		})
		return nil
	}

	agent.OnConnect(announce, uagent.Named("announce"))
	agent.OnEvent(discoverTopic, func(ctx context.Context, _ uagent.Message) error {
		return announce(ctx)
	}, uagent.Named("discover"))

	if cfg.Heartbeat > 0 {
		agent.OnInterval(cfg.Heartbeat, func(ctx context.Context) error {
			stats := agent.Stats()
			agent.Emit(ctx, heartbeatTopic, codec.Fields{
				"name":     cfg.Name,
				"received": stats.Received,
				"emitted":  stats.Emitted,
				"errors":   stats.HandlerErrors,
			})
			return nil
		}, uagent.Named("heartbeat"))
	}

	for _, event := range cfg.CommandEvents() {
		c := cfg.Commands[event]
		command.Register(agent, event, command.Spec{Run: c.Run, Reply: c.Reply})
	}

	return agent, nil
}

// exitOnConnectFailure stops the agent when the broker cannot be reached, so
// a supervisor can restart the process.
func exitOnConnectFailure(agent *uagent.Agent) *error {
	failure := new(error)
	agent.OnError(func(_ context.Context, err error) error {
		slog.Error("cannot reach broker, stopping", slogx.Error(err))
		*failure = err
		agent.Stop()
		return nil
	}, uagent.ErrorKind(transport.ErrConnect), uagent.Named("connect-failure"))
	return failure
}
