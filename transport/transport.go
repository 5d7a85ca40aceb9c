// Package transport defines the broker connection an agent runs on.
//
// A Transport owns the network connection. Implementations may receive on
// their own goroutines, but they hand inbound messages to the agent only
// through Poll, which the agent calls from its single run loop. Topics passed
// to and returned from a Transport are in wire form.
//
// Implementations in this module:
//   - transport/local: in-process broker, used in tests and for wiring several
//     agents inside one binary
//   - transport/mqttx: MQTT 3.1.1 via eclipse/paho.mqtt.golang
//   - transport/natsx: NATS via nats-io/nats.go
package transport

import (
	"context"
	"errors"
)

var (
	// ErrConnect marks a failure to establish the broker connection.
	ErrConnect = errors.New("transport: connect failed")
	// ErrDisconnect marks a failure while closing the broker connection.
	ErrDisconnect = errors.New("transport: disconnect failed")
	// ErrPublish marks a failure to publish a message.
	ErrPublish = errors.New("transport: publish failed")
	// ErrSubscribe marks a failure to subscribe to a topic.
	ErrSubscribe = errors.New("transport: subscribe failed")
	// ErrPoll marks a failure to receive a message.
	ErrPoll = errors.New("transport: poll failed")
	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("transport: not connected")
)

// Message is an inbound message as delivered by the broker.
type Message struct {
	Topic   string
	Payload []byte
}

// Transport is the broker connection used by an agent.
type Transport interface {
	// Connect establishes the connection.
	Connect(ctx context.Context) error
	// Disconnect closes the connection. Subscriptions do not survive it.
	Disconnect(ctx context.Context) error
	// Publish sends payload to the wire topic.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers interest in a wire topic pattern. The segments "*"
	// and "**" are wildcards; implementations map them to the broker's own
	// wildcard syntax.
	Subscribe(ctx context.Context, topic string) error
	// Poll returns at most one buffered inbound message. It must not block
	// for longer than a short, bounded wait; ok is false when nothing is
	// pending.
	Poll(ctx context.Context) (msg Message, ok bool, err error)
}

// Wrap marks err with the transport error kind. It returns nil when err is nil.
func Wrap(kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// Error is a transport failure of a given kind.
type Error struct {
	Kind error
	Err  error
}

func (e *Error) Error() string {
	return e.Kind.Error() + ": " + e.Err.Error()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
