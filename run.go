package uagent

import (
	"context"
	"log/slog"
	"maps"

	"github.com/zycelium/uagent/codec"
	"github.com/zycelium/uagent/pkg/slogx"
	"github.com/zycelium/uagent/transport"
)

// Run executes the agent until Stop is called or ctx is done:
//
//  1. start handlers run
//  2. the transport connects, every registered pattern is subscribed and the
//     connect handlers run
//  3. the loop polls at most one message per iteration and dispatches it,
//     fires due interval handlers and sleeps for the tick interval
//  4. stop handlers run, the transport disconnects and the disconnect
//     handlers run
//
// Failures in any handler or transport call go to the error chain and never
// end the run; a connect failure leaves the agent looping without a
// transport. Run returns ErrAlreadyRunning when called concurrently, nil
// otherwise.
func (a *Agent) Run(ctx context.Context) error {
	if !a.active.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer a.active.Store(false)

	a.log.Info("starting agent")
	a.running.Store(true)
	a.setState(StateStarting)
	a.runLifecycle(ctx, onStart)

	a.setState(StateConnecting)
	a.connect(ctx)

	a.setState(StateRunning)
	a.loop(ctx)

	// Shutdown still runs when ctx was the reason to stop.
	shutdown := context.WithoutCancel(ctx)
	a.log.Info("stopping agent")
	a.setState(StateStopping)
	a.runLifecycle(shutdown, onStop)
	a.disconnect(shutdown)
	a.setState(StateDisconnected)
	return nil
}

func (a *Agent) loop(ctx context.Context) {
	for a.running.Load() {
		if err := ctx.Err(); err != nil {
			a.log.Info("context done, stopping agent", slogx.Error(err))
			a.Stop()
			return
		}

		if err := invoke(func() error { return a.step(ctx) }); err != nil {
			a.log.Error("agent crashed", slogx.Error(err))
			a.handleError(ctx, err)
			a.Stop()
			return
		}

		if a.running.Load() {
			a.clock.Sleep(a.tick)
		}
	}
}

// step is one loop iteration: poll-and-dispatch always precedes the interval
// check.
func (a *Agent) step(ctx context.Context) error {
	a.poll(ctx)
	a.runIntervals(ctx)
	return nil
}

func (a *Agent) poll(ctx context.Context) {
	if !a.connected.Load() {
		// Reported once until the next successful connect.
		if !a.absent.Swap(true) {
			err := transport.Wrap(transport.ErrPoll, transport.ErrNotConnected)
			a.log.Error("failed to poll for messages", slogx.Error(err))
			a.handleError(ctx, err)
		}
		return
	}
	msg, ok, err := a.transport.Poll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		a.log.Error("failed to poll for messages", slogx.Error(err))
		a.handleError(ctx, transport.Wrap(transport.ErrPoll, err))
		return
	}
	if ok {
		a.dispatch(ctx, msg)
	}
}

func (a *Agent) dispatch(ctx context.Context, msg transport.Message) {
	a.stats.received.Add(1)
	logical := a.translator.ToLogical(msg.Topic)
	log := a.log.With(slogx.Topic(logical, msg.Topic))
	log.Debug("received message")

	fields, err := a.codec.Decode(msg.Payload)
	if err != nil {
		a.stats.decodeErrors.Add(1)
		log.Warn("failed to decode payload", slogx.Error(err), slogx.ByteString("payload", msg.Payload))
		fields = codec.Fields{}
	}

	routes := a.registry.route(logical)
	if len(routes) == 0 {
		a.stats.unmatched.Add(1)
		log.Warn("no handlers matched topic")
		return
	}

	for _, rt := range routes {
		log.Debug("pattern matched", slog.String("pattern", rt.pattern))
		for _, h := range rt.handlers {
			ev := Message{Topic: logical, Pattern: rt.pattern, Fields: maps.Clone(fields)}
			a.call(ctx, "event", h.spec, func(ctx context.Context) error {
				return h.fn(ctx, ev)
			})
			a.stats.dispatched.Add(1)
		}
	}
}

func (a *Agent) runIntervals(ctx context.Context) {
	now := a.clock.Now()
	for _, e := range a.registry.intervalEntries() {
		if !e.due(now) {
			continue
		}
		a.call(ctx, "interval", e.spec, e.fn)
		// Updated even after a failure so a broken handler does not fire on
		// every iteration.
		e.lastRun = now
	}
}

func (a *Agent) runLifecycle(ctx context.Context, kind lifecycle) {
	for _, h := range a.registry.lifecycleHandlers(kind) {
		a.call(ctx, kind.String(), h.spec, h.fn)
	}
}

// call runs a handler inside the fault isolation boundary. The timeout is
// only checked after the handler returned.
func (a *Agent) call(ctx context.Context, kind string, spec handlerSpec, fn func(context.Context) error) {
	log := a.log.With(slog.String("kind", kind), slogx.Handler(spec.name))
	log.Debug("calling handler")

	start := a.clock.Now()
	err := invoke(func() error { return fn(ctx) })
	if took := a.clock.Now().Sub(start); spec.exceeded(took) {
		log.Warn("handler exceeded timeout", slogx.Elapsed(took, spec.timeout))
	}
	if err != nil {
		a.stats.handlerErrors.Add(1)
		log.Error("handler failed", slogx.Error(err))
		a.handleError(ctx, err)
	}
}

func (a *Agent) connect(ctx context.Context) {
	if a.transport == nil {
		err := transport.Wrap(transport.ErrConnect, errNoTransport)
		a.log.Error("connection failed", slogx.Error(err))
		a.handleError(ctx, err)
		return
	}

	a.log.Info("connecting to broker")
	if err := a.transport.Connect(ctx); err != nil {
		err = transport.Wrap(transport.ErrConnect, err)
		a.log.Error("connection failed", slogx.Error(err))
		a.handleError(ctx, err)
		return
	}
	a.connected.Store(true)
	a.absent.Store(false)
	a.log.Info("connected successfully")

	for _, pattern := range a.registry.patterns() {
		a.subscribe(ctx, pattern)
	}
	a.runLifecycle(ctx, onConnect)
}

func (a *Agent) subscribe(ctx context.Context, pattern string) {
	wire := a.translator.ToWire(pattern)
	log := a.log.With(slogx.Topic(pattern, wire))
	if err := a.transport.Subscribe(ctx, wire); err != nil {
		err = transport.Wrap(transport.ErrSubscribe, err)
		log.Error("failed to subscribe", slogx.Error(err))
		a.handleError(ctx, err)
		return
	}
	log.Info("subscribed")
}

func (a *Agent) disconnect(ctx context.Context) {
	if !a.connected.Swap(false) {
		return
	}
	a.log.Info("disconnecting from broker")
	if err := a.transport.Disconnect(ctx); err != nil {
		err = transport.Wrap(transport.ErrDisconnect, err)
		a.log.Error("disconnect failed", slogx.Error(err))
		a.handleError(ctx, err)
		return
	}
	a.runLifecycle(ctx, onDisconnect)
}
