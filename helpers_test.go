package uagent

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fogfish/opts"
	"github.com/zycelium/uagent/transport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep advances the fake time instead of blocking.
func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubTransport is a scripted transport.Transport.
type stubTransport struct {
	connectErr    error
	disconnectErr error
	publishErr    error
	subscribeErr  error
	pollErr       error
	pollPanic     any

	inbox       []transport.Message
	published   []transport.Message
	subscribed  []string
	connects    int
	disconnects int
}

func (s *stubTransport) Connect(context.Context) error {
	s.connects++
	return s.connectErr
}

func (s *stubTransport) Disconnect(context.Context) error {
	s.disconnects++
	return s.disconnectErr
}

func (s *stubTransport) Publish(_ context.Context, topic string, payload []byte) error {
	if s.publishErr != nil {
		return s.publishErr
	}
	s.published = append(s.published, transport.Message{Topic: topic, Payload: payload})
	return nil
}

func (s *stubTransport) Subscribe(_ context.Context, topic string) error {
	if s.subscribeErr != nil {
		return s.subscribeErr
	}
	s.subscribed = append(s.subscribed, topic)
	return nil
}

func (s *stubTransport) Poll(context.Context) (transport.Message, bool, error) {
	if s.pollPanic != nil {
		panic(s.pollPanic)
	}
	if s.pollErr != nil {
		return transport.Message{}, false, s.pollErr
	}
	if len(s.inbox) == 0 {
		return transport.Message{}, false, nil
	}
	msg := s.inbox[0]
	s.inbox = s.inbox[1:]
	return msg, true, nil
}

// testAgent returns an agent on a fake clock ticking once per second, logging
// into the returned buffer.
func testAgent(t *testing.T, tr transport.Transport) (*Agent, *fakeClock, *bytes.Buffer) {
	t.Helper()
	clk := newFakeClock()
	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	options := []opts.Option[Agent]{WithClock(clk), WithLogger(log), TickInterval(time.Second)}
	if tr != nil {
		options = append(options, WithTransport(tr))
	}
	return New("test", options...), clk, &logs
}

// stopAfter registers an interval handler firing on every tick that stops the
// agent on the n-th tick.
func stopAfter(a *Agent, n int) *int {
	ticks := new(int)
	a.OnInterval(time.Second, func(ctx context.Context) error {
		*ticks++
		if *ticks >= n {
			a.Stop()
		}
		return nil
	}, Named("stopper"))
	return ticks
}

// recordErrors registers a catch-all error handler collecting every error.
func recordErrors(a *Agent) *[]error {
	var errs []error
	a.OnError(func(_ context.Context, err error) error {
		errs = append(errs, err)
		return nil
	}, Named("recorder"))
	return &errs
}
