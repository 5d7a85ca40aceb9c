// Package natsx implements transport.Transport on top of a NATS connection.
//
// NATS subjects are '.'-separated and use "*" and ">" as wildcards. Wire
// topics handed to this transport use the configured delimiter (default "/")
// and the engine's "*" and "**" wildcards; the transport converts between the
// two on the way in and out.
package natsx

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fogfish/opts"
	"github.com/nats-io/nats.go"
	"github.com/zycelium/uagent/pkg/slogx"
	"github.com/zycelium/uagent/topic"
	"github.com/zycelium/uagent/transport"
)

const (
	defaultInboxSize    = 256
	defaultFlushTimeout = 5 * time.Second
)

var _ transport.Transport = (*Transport)(nil)

// subscription pairs a NATS subscription with the wire pattern it was made
// for, split into segments.
type subscription struct {
	sub     *nats.Subscription
	pattern string
	filter  []string
}

// Transport is a transport.Transport backed by nats.go.
type Transport struct {
	url       string
	name      string
	delimiter string
	inboxSize int
	options   []nats.Option

	mu    sync.Mutex
	conn  *nats.Conn
	inbox chan transport.Message
	subs  []subscription
}

var (
	// URL sets the server URL. Defaults to $NATS_URL, then nats.DefaultURL.
	URL = opts.ForName[Transport, string]("url")
	// Name sets the client name reported to the server.
	Name = opts.ForName[Transport, string]("name")
	// Delimiter sets the wire delimiter of the topics passed to the transport.
	Delimiter = opts.ForName[Transport, string]("delimiter")
	// InboxSize bounds the number of buffered inbound messages.
	InboxSize = opts.ForName[Transport, int]("inboxSize")
)

// Options appends raw nats.go connection options.
func Options(options ...nats.Option) opts.Option[Transport] {
	return opts.Type[Transport](func(t *Transport) error {
		t.options = append(t.options, options...)
		return nil
	})
}

// New creates a disconnected NATS transport.
func New(options ...opts.Option[Transport]) (*Transport, error) {
	t := &Transport{
		url:       os.Getenv("NATS_URL"),
		name:      "uagent",
		delimiter: topic.WireDelimiter,
		inboxSize: defaultInboxSize,
	}
	if err := opts.Apply(t, options); err != nil {
		return nil, err
	}
	if t.url == "" {
		t.url = nats.DefaultURL
	}
	if t.inboxSize <= 0 {
		return nil, fmt.Errorf("natsx: inbox size must be positive, got %d", t.inboxSize)
	}
	return t, nil
}

func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil && !t.conn.IsClosed() {
		return nil
	}

	options := append([]nats.Option{nats.Name(t.name), nats.Compression(true)}, t.options...)
	conn, err := nats.Connect(t.url, options...)
	if err != nil {
		return transport.Wrap(transport.ErrConnect, err)
	}
	t.conn = conn
	t.inbox = make(chan transport.Message, t.inboxSize)
	t.subs = nil
	slog.Debug("connected to nats", slog.String("url", conn.ConnectedUrlRedacted()), slog.String("client", t.name))
	return nil
}

// Disconnect unsubscribes, flushes pending publishes and closes the
// connection. Without a deadline on ctx the flush is bounded by a default
// timeout.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.conn.IsClosed() {
		return transport.Wrap(transport.ErrDisconnect, transport.ErrNotConnected)
	}
	conn := t.conn
	defer func() {
		conn.Close()
		t.conn = nil
		t.subs = nil
	}()
	for _, s := range t.subs {
		if err := s.sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe", slogx.Error(err), slog.String("subject", s.sub.Subject))
		}
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultFlushTimeout)
		defer cancel()
	}
	if err := conn.FlushWithContext(ctx); err != nil {
		return transport.Wrap(transport.ErrDisconnect, err)
	}
	return nil
}

func (t *Transport) Publish(ctx context.Context, wire string, payload []byte) error {
	conn := t.connection()
	if conn == nil {
		return transport.Wrap(transport.ErrPublish, transport.ErrNotConnected)
	}
	if err := conn.Publish(t.subject(wire), payload); err != nil {
		return transport.Wrap(transport.ErrPublish, err)
	}
	return nil
}

// Subscribe adds a NATS subscription for the wire pattern. Subscribing the
// same pattern twice is a no-op. A message matching several subscriptions is
// delivered once.
func (t *Transport) Subscribe(ctx context.Context, wire string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.conn.IsClosed() {
		return transport.Wrap(transport.ErrSubscribe, transport.ErrNotConnected)
	}
	if slices.ContainsFunc(t.subs, func(s subscription) bool { return s.pattern == wire }) {
		return nil
	}

	index := len(t.subs)
	inbox := t.inbox
	sub, err := t.conn.Subscribe(t.subject(wire), func(m *nats.Msg) {
		t.receive(inbox, index, m)
	})
	if err != nil {
		return transport.Wrap(transport.ErrSubscribe, err)
	}
	t.subs = append(t.subs, subscription{sub: sub, pattern: wire, filter: strings.Split(wire, t.delimiter)})
	return nil
}

// receive runs on the nats.go dispatch goroutine of the subscription at
// index. The server sends one copy per matching subscription; only the copy
// of the earliest matching subscription is kept.
func (t *Transport) receive(inbox chan<- transport.Message, index int, m *nats.Msg) {
	wire := t.wire(m.Subject)
	segments := strings.Split(wire, t.delimiter)

	t.mu.Lock()
	subs := t.subs
	t.mu.Unlock()
	for i := 0; i < index && i < len(subs); i++ {
		if topic.MatchSegments(subs[i].filter, segments) {
			return
		}
	}

	select {
	case inbox <- transport.Message{Topic: wire, Payload: m.Data}:
	default:
		slog.Warn("nats inbox full, dropping message", slog.String("subject", m.Subject), slog.String("client", t.name))
	}
}

func (t *Transport) Poll(ctx context.Context) (transport.Message, bool, error) {
	t.mu.Lock()
	inbox := t.inbox
	t.mu.Unlock()
	if inbox == nil {
		return transport.Message{}, false, nil
	}
	select {
	case <-ctx.Done():
		return transport.Message{}, false, transport.Wrap(transport.ErrPoll, ctx.Err())
	case msg := <-inbox:
		return msg, true, nil
	default:
		return transport.Message{}, false, nil
	}
}

func (t *Transport) connection() *nats.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.conn.IsClosed() {
		return nil
	}
	return t.conn
}

// subject converts a wire topic into a NATS subject.
func (t *Transport) subject(wire string) string {
	segments := strings.Split(wire, t.delimiter)
	for i, seg := range segments {
		if seg == topic.Rest {
			segments[i] = ">"
			segments = segments[:i+1]
			break
		}
	}
	return strings.Join(segments, ".")
}

// wire converts a NATS subject into a wire topic.
func (t *Transport) wire(subject string) string {
	return strings.ReplaceAll(subject, ".", t.delimiter)
}
