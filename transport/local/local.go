// Package local implements an in-process broker and a transport.Transport
// bound to it. Several agents sharing one Broker exchange messages without a
// network, which is what the engine tests and single-binary deployments use.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/zycelium/uagent/internal/registry"
	"github.com/zycelium/uagent/pkg/uuidx"
	"github.com/zycelium/uagent/topic"
	"github.com/zycelium/uagent/transport"
)

const defaultInboxSize = 64

var _ transport.Transport = (*Client)(nil)

// Broker routes published messages to every connected client holding a
// matching subscription.
type Broker struct {
	clients registry.Registry[*Client]
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		clients: registry.New[*Client](),
	}
}

// Client returns a new, disconnected client of the broker.
//
// delimiter is the wire delimiter the client's topics use; pass
// topic.WireDelimiter for agents translating topics and topic.Delimiter for
// agents that do not.
func (b *Broker) Client(name, delimiter string) *Client {
	return &Client{
		id:        uuidx.ClientID(name),
		broker:    b,
		delimiter: delimiter,
		inbox:     make(chan transport.Message, defaultInboxSize),
	}
}

// publish delivers payload to all matching subscribers. wire uses the
// delimiter of the publishing client.
func (b *Broker) publish(from *Client, wire string, payload []byte) {
	segments := strings.Split(wire, from.delimiter)
	b.clients.Each(func(_ string, c *Client) bool {
		if c == nil || !c.subscribed(segments) {
			return true
		}
		msg := transport.Message{
			Topic:   strings.Join(segments, c.delimiter),
			Payload: append([]byte(nil), payload...),
		}
		select {
		case c.inbox <- msg:
		default:
			slog.Warn("local broker dropped message for slow client", slog.String("client", c.id), slog.String("topic", wire))
		}
		return true
	})
}

// Client is a transport.Transport connected to an in-process Broker.
type Client struct {
	id        string
	broker    *Broker
	delimiter string
	inbox     chan transport.Message

	mu        sync.Mutex
	connected bool
	subs      [][]string
}

// ID returns the client identifier used inside the broker.
func (c *Client) ID() string {
	return c.id
}

func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return transport.Wrap(transport.ErrConnect, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}
	c.connected = true
	c.broker.clients.Add(c.id, c)
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return transport.Wrap(transport.ErrDisconnect, transport.ErrNotConnected)
	}
	c.connected = false
	c.subs = nil
	c.broker.clients.Del(c.id)
	return nil
}

func (c *Client) Publish(ctx context.Context, wire string, payload []byte) error {
	if !c.isConnected() {
		return transport.Wrap(transport.ErrPublish, transport.ErrNotConnected)
	}
	if wire == "" {
		return transport.Wrap(transport.ErrPublish, fmt.Errorf("empty topic"))
	}
	c.broker.publish(c, wire, payload)
	return nil
}

func (c *Client) Subscribe(ctx context.Context, wire string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return transport.Wrap(transport.ErrSubscribe, transport.ErrNotConnected)
	}
	segments := strings.Split(wire, c.delimiter)
	if slices.ContainsFunc(c.subs, func(s []string) bool { return slices.Equal(s, segments) }) {
		return nil
	}
	c.subs = append(c.subs, segments)
	slog.Debug("local subscription added", slog.String("client", c.id), slog.String("topic", wire))
	return nil
}

func (c *Client) Poll(ctx context.Context) (transport.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return transport.Message{}, false, transport.Wrap(transport.ErrPoll, err)
	}
	select {
	case msg := <-c.inbox:
		return msg, true, nil
	default:
		return transport.Message{}, false, nil
	}
}

// Pending returns the number of messages waiting in the client's inbox.
func (c *Client) Pending() int {
	return len(c.inbox)
}

func (c *Client) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) subscribed(segments []string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		if topic.MatchSegments(sub, segments) {
			return true
		}
	}
	return false
}
