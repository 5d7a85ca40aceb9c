/*
Package uagent is a small pub/sub agent runtime. An agent connects to a message
broker, subscribes to hierarchical topics and dispatches incoming events to
handlers, while running interval handlers and lifecycle callbacks from the same
cooperative loop.

# Basic Usage

	agent := uagent.New("thermostat",
		uagent.WithTransport(mqttTransport),
	)

	agent.OnEvent("sensors.*.temp", func(ctx context.Context, msg uagent.Message) error {
		celsius, _ := msg.Fields.Int("celsius")
		if celsius > 30 {
			agent.Emit(ctx, "hvac.cool", codec.Fields{"room": msg.Topic})
		}
		return nil
	})

	agent.OnInterval(time.Minute, func(ctx context.Context) error {
		agent.Emit(ctx, "thermostat.heartbeat", nil)
		return nil
	})

	agent.OnError(func(ctx context.Context, err error) error {
		slog.Warn("publish failed", slogx.Error(err))
		return nil
	}, uagent.ErrorKind(transport.ErrPublish))

	if err := agent.Run(ctx); err != nil {
		// only ErrAlreadyRunning
	}

# Topics

Handlers use logical topics ("sensors.kitchen.temp"); transports see wire
topics ("sensors/kitchen/temp"). Patterns may use "*" for exactly one segment
and "**" for the remainder. See package topic.

# Execution model

Everything runs on the goroutine that called Run. Each loop iteration polls the
transport for at most one message and dispatches it to every matching handler,
then fires the interval handlers that are due, then sleeps for the tick
interval. Handlers never run concurrently with each other; a slow handler
delays everything behind it. Handler timeouts are advisory: the elapsed time is
measured after the handler returns and a warning is logged when it exceeded
its budget.

# Errors

A handler returning an error or panicking, a transport failure, or an emit
without a connection are routed to the error chain: every error handler whose
filters accept the error runs, in registration order. Errors never propagate
out of handlers, Emit, or Run.
*/
package uagent
