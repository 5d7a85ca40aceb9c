// Package transporttest holds the acceptance suite every transport.Transport
// implementation in this module runs against.
package transporttest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zycelium/uagent/transport"
)

// Factory returns two transports attached to the same broker, neither of them
// connected yet. Both use "/" as the wire delimiter.
type Factory func(t *testing.T) (a, b transport.Transport)

type acceptanceTest struct {
	name string
	test func(t *testing.T, factory Factory)
}

// Run runs all acceptance tests against a transport implementation.
func Run(t *testing.T, name string, factory Factory) {
	tests := []acceptanceTest{
		{"delivers published messages to subscribers", testDelivery},
		{"matches single segment wildcards", testSingleWildcard},
		{"matches trailing wildcards", testRestWildcard},
		{"does not deliver unsubscribed topics", testNoDelivery},
		{"delivers once for overlapping subscriptions", testOverlap},
		{"subscribing twice delivers once", testSubscribeTwice},
		{"poll returns nothing when idle", testIdlePoll},
		{"rejects operations when disconnected", testDisconnected},
		{"preserves publish order", testOrder},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", name, tt.name), func(t *testing.T) {
			tt.test(t, factory)
		})
	}
}

func connected(t *testing.T, factory Factory) (pub, sub transport.Transport) {
	t.Helper()
	ctx := context.Background()
	pub, sub = factory(t)
	require.NoError(t, pub.Connect(ctx))
	require.NoError(t, sub.Connect(ctx))
	t.Cleanup(func() {
		assert.NoError(t, pub.Disconnect(context.Background()))
		assert.NoError(t, sub.Disconnect(context.Background()))
	})
	return pub, sub
}

// Receive polls tr until a message arrives or the timeout elapses.
func Receive(t *testing.T, tr transport.Transport, timeout time.Duration) (transport.Message, bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		msg, ok, err := tr.Poll(context.Background())
		require.NoError(t, err)
		if ok {
			return msg, true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return transport.Message{}, false
}

func testDelivery(t *testing.T, factory Factory) {
	ctx := context.Background()
	pub, sub := connected(t, factory)
	require.NoError(t, sub.Subscribe(ctx, "x/y"))
	settle()

	require.NoError(t, pub.Publish(ctx, "x/y", []byte(`{"val":1}`)))

	msg, ok := Receive(t, sub, 2*time.Second)
	require.True(t, ok, "timeout waiting for message")
	assert.Equal(t, "x/y", msg.Topic)
	assert.JSONEq(t, `{"val":1}`, string(msg.Payload))
}

func testSingleWildcard(t *testing.T, factory Factory) {
	ctx := context.Background()
	pub, sub := connected(t, factory)
	require.NoError(t, sub.Subscribe(ctx, "a/*/c"))
	settle()

	require.NoError(t, pub.Publish(ctx, "a/b/c/d", []byte(`{}`)))
	require.NoError(t, pub.Publish(ctx, "a/b/c", []byte(`{}`)))

	msg, ok := Receive(t, sub, 2*time.Second)
	require.True(t, ok, "timeout waiting for message")
	assert.Equal(t, "a/b/c", msg.Topic)

	_, ok = Receive(t, sub, 100*time.Millisecond)
	assert.False(t, ok)
}

func testRestWildcard(t *testing.T, factory Factory) {
	ctx := context.Background()
	pub, sub := connected(t, factory)
	require.NoError(t, sub.Subscribe(ctx, "a/**"))
	settle()

	require.NoError(t, pub.Publish(ctx, "a/b/c/d", []byte(`{}`)))

	msg, ok := Receive(t, sub, 2*time.Second)
	require.True(t, ok, "timeout waiting for message")
	assert.Equal(t, "a/b/c/d", msg.Topic)
}

func testNoDelivery(t *testing.T, factory Factory) {
	ctx := context.Background()
	pub, sub := connected(t, factory)
	require.NoError(t, sub.Subscribe(ctx, "x/y"))
	settle()

	require.NoError(t, pub.Publish(ctx, "x/z", []byte(`{}`)))

	_, ok := Receive(t, sub, 100*time.Millisecond)
	assert.False(t, ok)
}

func testOverlap(t *testing.T, factory Factory) {
	ctx := context.Background()
	pub, sub := connected(t, factory)
	require.NoError(t, sub.Subscribe(ctx, "a/b"))
	require.NoError(t, sub.Subscribe(ctx, "a/*"))
	require.NoError(t, sub.Subscribe(ctx, "**"))
	settle()

	require.NoError(t, pub.Publish(ctx, "a/b", []byte(`{}`)))

	msg, ok := Receive(t, sub, 2*time.Second)
	require.True(t, ok, "timeout waiting for message")
	assert.Equal(t, "a/b", msg.Topic)

	_, ok = Receive(t, sub, 200*time.Millisecond)
	assert.False(t, ok, "message delivered more than once")
}

func testSubscribeTwice(t *testing.T, factory Factory) {
	ctx := context.Background()
	pub, sub := connected(t, factory)
	require.NoError(t, sub.Subscribe(ctx, "x/y"))
	require.NoError(t, sub.Subscribe(ctx, "x/y"))
	settle()

	require.NoError(t, pub.Publish(ctx, "x/y", []byte(`{}`)))

	_, ok := Receive(t, sub, 2*time.Second)
	require.True(t, ok, "timeout waiting for message")
	_, ok = Receive(t, sub, 200*time.Millisecond)
	assert.False(t, ok, "message delivered more than once")
}

func testIdlePoll(t *testing.T, factory Factory) {
	_, sub := connected(t, factory)

	start := time.Now()
	_, ok, err := sub.Poll(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func testDisconnected(t *testing.T, factory Factory) {
	ctx := context.Background()
	pub, _ := factory(t)

	assert.ErrorIs(t, pub.Publish(ctx, "x/y", []byte(`{}`)), transport.ErrPublish)
	assert.ErrorIs(t, pub.Subscribe(ctx, "x/y"), transport.ErrSubscribe)
	assert.ErrorIs(t, pub.Publish(ctx, "x/y", []byte(`{}`)), transport.ErrNotConnected)
}

func testOrder(t *testing.T, factory Factory) {
	ctx := context.Background()
	pub, sub := connected(t, factory)
	require.NoError(t, sub.Subscribe(ctx, "seq/**"))
	settle()

	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, pub.Publish(ctx, fmt.Sprintf("seq/%d", i), []byte(`{}`)))
	}

	for i := 0; i < n; i++ {
		msg, ok := Receive(t, sub, 2*time.Second)
		require.True(t, ok, "timeout waiting for message %d", i)
		assert.Equal(t, fmt.Sprintf("seq/%d", i), msg.Topic)
	}
}

// settle gives network brokers time to register a subscription.
func settle() {
	time.Sleep(50 * time.Millisecond)
}
