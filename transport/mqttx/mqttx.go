// Package mqttx implements transport.Transport on top of an MQTT 3.1.1
// client (eclipse/paho.mqtt.golang).
//
// MQTT topics are '/'-separated and use "+" and "#" as wildcards. The engine's
// "*" and "**" wildcard segments are rewritten to those on subscribe.
package mqttx

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/fogfish/opts"
	"github.com/zycelium/uagent/pkg/slogx"
	"github.com/zycelium/uagent/pkg/uuidx"
	"github.com/zycelium/uagent/topic"
	"github.com/zycelium/uagent/transport"
)

const (
	defaultInboxSize      = 256
	defaultConnectTimeout = 10 * time.Second
	disconnectQuiesce     = 250 // milliseconds
)

var _ transport.Transport = (*Transport)(nil)

// Transport is a transport.Transport backed by a paho MQTT client.
type Transport struct {
	broker         string
	clientID       string
	username       string
	password       string
	qos            byte
	inboxSize      int
	connectTimeout time.Duration

	mu      sync.Mutex
	client  mqtt.Client
	inbox   chan transport.Message
	filters []string
}

var (
	// ClientID sets the MQTT client identifier. Defaults to a random one.
	ClientID = opts.ForName[Transport, string]("clientID")
	// QoS sets the quality of service used for publish and subscribe.
	QoS = opts.ForName[Transport, byte]("qos")
	// InboxSize bounds the number of buffered inbound messages.
	InboxSize = opts.ForName[Transport, int]("inboxSize")
	// ConnectTimeout bounds the initial connection attempt.
	ConnectTimeout = opts.ForName[Transport, time.Duration]("connectTimeout")
)

// Credentials sets the username and password sent on connect.
func Credentials(username, password string) opts.Option[Transport] {
	return opts.Type[Transport](func(t *Transport) error {
		t.username = username
		t.password = password
		return nil
	})
}

// New creates a disconnected MQTT transport for broker, given as a URL such
// as "tcp://localhost:1883".
func New(broker string, options ...opts.Option[Transport]) (*Transport, error) {
	t := &Transport{
		broker:         broker,
		inboxSize:      defaultInboxSize,
		connectTimeout: defaultConnectTimeout,
	}
	if err := opts.Apply(t, options); err != nil {
		return nil, err
	}
	if t.clientID == "" {
		t.clientID = uuidx.ClientID("uagent")
	}
	if t.qos > 2 {
		return nil, fmt.Errorf("mqttx: invalid qos %d", t.qos)
	}
	if t.inboxSize <= 0 {
		return nil, fmt.Errorf("mqttx: inbox size must be positive, got %d", t.inboxSize)
	}
	return t, nil
}

// BrokerURL formats a host and port as an MQTT broker URL.
func BrokerURL(host string, port int) string {
	if strings.Contains(host, "://") {
		return host
	}
	return fmt.Sprintf("tcp://%s:%d", host, port)
}

func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil && t.client.IsConnected() {
		return nil
	}

	inbox := make(chan transport.Message, t.inboxSize)
	o := mqtt.NewClientOptions().
		AddBroker(t.broker).
		SetClientID(t.clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(t.connectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			slog.Warn("mqtt connection lost", slogx.Error(err), slog.String("client", t.clientID))
		}).
		SetOnConnectHandler(t.resubscribe).
		SetDefaultPublishHandler(func(_ mqtt.Client, m mqtt.Message) {
			deliver(inbox, m)
		})
	if t.username != "" {
		o.SetUsername(t.username)
		o.SetPassword(t.password)
	}

	client := mqtt.NewClient(o)
	if err := wait(ctx, client.Connect()); err != nil {
		// A cancelled wait leaves paho connecting in the background.
		client.Disconnect(0)
		return transport.Wrap(transport.ErrConnect, err)
	}
	t.client = client
	t.inbox = inbox
	t.filters = nil
	slog.Debug("connected to mqtt broker", slog.String("broker", t.broker), slog.String("client", t.clientID))
	return nil
}

func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return transport.Wrap(transport.ErrDisconnect, transport.ErrNotConnected)
	}
	t.client.Disconnect(disconnectQuiesce)
	t.client = nil
	return nil
}

func (t *Transport) Publish(ctx context.Context, wire string, payload []byte) error {
	client := t.connected()
	if client == nil {
		return transport.Wrap(transport.ErrPublish, transport.ErrNotConnected)
	}
	if err := wait(ctx, client.Publish(wire, t.qos, false, payload)); err != nil {
		return transport.Wrap(transport.ErrPublish, err)
	}
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, wire string) error {
	client := t.connected()
	if client == nil {
		return transport.Wrap(transport.ErrSubscribe, transport.ErrNotConnected)
	}
	// Without a route callback every message goes through the default
	// publish handler exactly once, even for overlapping filters.
	filter := Filter(wire)
	if err := wait(ctx, client.Subscribe(filter, t.qos, nil)); err != nil {
		return transport.Wrap(transport.ErrSubscribe, fmt.Errorf("%s: %w", filter, err))
	}
	t.mu.Lock()
	if !slices.Contains(t.filters, filter) {
		t.filters = append(t.filters, filter)
	}
	t.mu.Unlock()
	return nil
}

// resubscribe restores subscriptions after an automatic reconnect; the
// session is clean so the broker forgot them.
func (t *Transport) resubscribe(client mqtt.Client) {
	t.mu.Lock()
	filters := append([]string(nil), t.filters...)
	t.mu.Unlock()
	for _, filter := range filters {
		tok := client.Subscribe(filter, t.qos, nil)
		go func(filter string) {
			if tok.WaitTimeout(t.connectTimeout) && tok.Error() != nil {
				slog.Error("failed to restore subscription", slogx.Error(tok.Error()), slog.String("filter", filter))
			}
		}(filter)
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

func (t *Transport) connected() mqtt.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil || !t.client.IsConnectionOpen() {
		return nil
	}
	return t.client
}

// Filter rewrites the wildcard segments of a wire topic into an MQTT topic
// filter. Segments after "**" are dropped since "#" must be last.
func Filter(wire string) string {
	segments := strings.Split(wire, topic.WireDelimiter)
	for i, seg := range segments {
		switch seg {
		case topic.Single:
			segments[i] = "+"
		case topic.Rest:
			segments[i] = "#"
			return strings.Join(segments[:i+1], topic.WireDelimiter)
		}
	}
	return strings.Join(segments, topic.WireDelimiter)
}

func deliver(inbox chan<- transport.Message, m mqtt.Message) {
	msg := transport.Message{Topic: m.Topic(), Payload: append([]byte(nil), m.Payload()...)}
	select {
	case inbox <- msg:
	default:
		slog.Warn("mqtt inbox full, dropping message", slog.String("topic", m.Topic()))
	}
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
