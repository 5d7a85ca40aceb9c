package uagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/facebookgo/clock"
	"github.com/fogfish/opts"
	"github.com/zycelium/uagent/codec"
	"github.com/zycelium/uagent/pkg/slogx"
	"github.com/zycelium/uagent/topic"
	"github.com/zycelium/uagent/transport"
)

// DefaultTickInterval is the pause between two iterations of the run loop.
const DefaultTickInterval = 100 * time.Millisecond

var (
	// ErrAlreadyRunning is returned by Run when the agent is already running.
	ErrAlreadyRunning = errors.New("uagent: agent is already running")

	errNoTransport = errors.New("no transport configured")
)

// Clock is the time source of the run loop. Tests substitute a fake one.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// State is the phase of the run loop.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateConnecting
	StateRunning
	StateStopping
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stats are counters of what the agent has processed so far.
type Stats struct {
	Received      uint64
	Dispatched    uint64
	Unmatched     uint64
	DecodeErrors  uint64
	HandlerErrors uint64
	Unhandled     uint64
	Emitted       uint64
}

type counters struct {
	received      atomic.Uint64
	dispatched    atomic.Uint64
	unmatched     atomic.Uint64
	decodeErrors  atomic.Uint64
	handlerErrors atomic.Uint64
	unhandled     atomic.Uint64
	emitted       atomic.Uint64
}

// Agent connects to a broker, dispatches inbound events to handlers and runs
// interval handlers, all from the single goroutine calling Run.
type Agent struct {
	name       string
	transport  transport.Transport
	codec      codec.Codec
	translator topic.Translator
	clock      Clock
	tick       time.Duration
	log        *slog.Logger

	registry  *registry
	running   atomic.Bool
	active    atomic.Bool
	connected atomic.Bool
	absent    atomic.Bool
	state     atomic.Int32
	stats     counters
}

var (
	// WithTransport sets the broker transport.
	WithTransport = opts.ForName[Agent, transport.Transport]("transport")
	// WithCodec sets the payload codec. Defaults to codec.JSON().
	WithCodec = opts.ForName[Agent, codec.Codec]("codec")
	// WithClock sets the time source of the run loop.
	WithClock = opts.ForName[Agent, Clock]("clock")
	// WithLogger sets the logger. Defaults to slog.Default() tagged with the
	// agent name.
	WithLogger = opts.ForName[Agent, *slog.Logger]("log")
	// TickInterval sets the pause between two run loop iterations.
	TickInterval = opts.ForName[Agent, time.Duration]("tick")
)

// TranslateTopics turns the translation between logical ('.') and wire ('/')
// topics on or off. It is on by default.
func TranslateTopics(enabled bool) opts.Option[Agent] {
	return opts.Type[Agent](func(a *Agent) error {
		a.translator.Enabled = enabled
		return nil
	})
}

// New creates an agent called name.
func New(name string, options ...opts.Option[Agent]) *Agent {
	a := &Agent{
		name:       name,
		codec:      codec.JSON(),
		translator: topic.NewTranslator(),
		clock:      clock.New(),
		tick:       DefaultTickInterval,
		log:        slog.Default().With(slogx.LoggerName(name)),
		registry:   newRegistry(),
	}
	if err := opts.Apply(a, options); err != nil {
		panic(err)
	}
	if a.tick <= 0 {
		panic(fmt.Sprintf("uagent: tick interval must be positive, got %s", a.tick))
	}
	if a.codec == nil {
		panic("uagent: nil codec")
	}
	return a
}

// Name returns the agent name.
func (a *Agent) Name() string {
	return a.name
}

// State returns the current phase of the run loop.
func (a *Agent) State() State {
	return State(a.state.Load())
}

// Connected reports whether the transport is connected.
func (a *Agent) Connected() bool {
	return a.connected.Load()
}

// Stats returns a snapshot of the agent counters.
func (a *Agent) Stats() Stats {
	return Stats{
		Received:      a.stats.received.Load(),
		Dispatched:    a.stats.dispatched.Load(),
		Unmatched:     a.stats.unmatched.Load(),
		DecodeErrors:  a.stats.decodeErrors.Load(),
		HandlerErrors: a.stats.handlerErrors.Load(),
		Unhandled:     a.stats.unhandled.Load(),
		Emitted:       a.stats.emitted.Load(),
	}
}

// Stop asks the run loop to exit. The flag is checked at the top of each
// iteration; a handler in flight is not interrupted. Safe from any goroutine.
func (a *Agent) Stop() {
	a.running.Store(false)
}

// OnStart registers a handler run before connecting.
func (a *Agent) OnStart(fn LifecycleFunc, options ...HandlerOption) LifecycleFunc {
	return a.onLifecycle(onStart, fn, options)
}

// OnStop registers a handler run after the loop exits, before disconnecting.
func (a *Agent) OnStop(fn LifecycleFunc, options ...HandlerOption) LifecycleFunc {
	return a.onLifecycle(onStop, fn, options)
}

// OnConnect registers a handler run once the transport connected and the
// registered patterns were subscribed.
func (a *Agent) OnConnect(fn LifecycleFunc, options ...HandlerOption) LifecycleFunc {
	return a.onLifecycle(onConnect, fn, options)
}

// OnDisconnect registers a handler run after a successful disconnect.
func (a *Agent) OnDisconnect(fn LifecycleFunc, options ...HandlerOption) LifecycleFunc {
	return a.onLifecycle(onDisconnect, fn, options)
}

func (a *Agent) onLifecycle(kind lifecycle, fn LifecycleFunc, options []HandlerOption) LifecycleFunc {
	spec := newSpec(fn, DefaultTimeout, options)
	a.registry.addLifecycle(kind, lifecycleEntry{spec: spec, fn: fn})
	a.log.Debug("registered handler", slog.String("kind", kind.String()), slogx.Handler(spec.name))
	return fn
}

// OnEvent registers fn for messages whose logical topic matches pattern. When
// the agent is already connected the pattern is subscribed right away, even if
// an earlier handler shares it.
func (a *Agent) OnEvent(pattern string, fn EventFunc, options ...HandlerOption) EventFunc {
	spec := newSpec(fn, DefaultTimeout, options)
	a.registry.addEvent(pattern, eventEntry{spec: spec, fn: fn})
	a.log.Debug("registered event handler", slog.String("pattern", pattern), slogx.Handler(spec.name))
	if a.connected.Load() {
		a.subscribe(context.Background(), pattern)
	}
	return fn
}

// OnInterval registers fn to run every interval. It fires on the first loop
// iteration after registration. The timeout defaults to the interval.
func (a *Agent) OnInterval(every time.Duration, fn IntervalFunc, options ...HandlerOption) IntervalFunc {
	if every <= 0 {
		panic(fmt.Sprintf("uagent: interval must be positive, got %s", every))
	}
	spec := newSpec(fn, every, options)
	a.registry.addInterval(&intervalEntry{spec: spec, fn: fn, every: every})
	a.log.Debug("registered interval handler", slog.Duration("every", every), slogx.Handler(spec.name))
	return fn
}

// OnError registers fn in the error chain. Without ErrorKind or ErrorType
// options it receives every error; ErrorMessage further restricts it.
func (a *Agent) OnError(fn ErrorFunc, options ...HandlerOption) ErrorFunc {
	spec := newSpec(fn, DefaultTimeout, options)
	a.registry.addError(errorEntry{spec: spec, fn: fn})
	a.log.Debug("registered error handler", slogx.Handler(spec.name))
	return fn
}

// Emit publishes fields on the logical topic. Failures, including emitting
// while disconnected, go to the error chain; Emit never reports them to the
// caller.
func (a *Agent) Emit(ctx context.Context, logical string, fields codec.Fields) {
	wire := a.translator.ToWire(logical)
	log := a.log.With(slogx.Topic(logical, wire))

	if !a.connected.Load() {
		err := transport.Wrap(transport.ErrPublish, transport.ErrNotConnected)
		log.Error("failed to emit event", slogx.Error(err))
		a.handleError(ctx, err)
		return
	}

	payload, err := a.codec.Encode(fields)
	if err != nil {
		log.Error("failed to encode event", slogx.Error(err))
		a.handleError(ctx, err)
		return
	}

	log.Debug("emitting event", slogx.ByteString("payload", payload))
	if err := a.transport.Publish(ctx, wire, payload); err != nil {
		err = transport.Wrap(transport.ErrPublish, err)
		log.Error("failed to emit event", slogx.Error(err))
		a.handleError(ctx, err)
		return
	}
	a.stats.emitted.Add(1)
}

func (a *Agent) setState(s State) {
	a.state.Store(int32(s))
	a.log.Debug("agent state changed", slog.String("state", s.String()))
}
