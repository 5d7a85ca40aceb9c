package natsx

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zycelium/uagent"
	"github.com/zycelium/uagent/topic"
	"github.com/zycelium/uagent/transport"
	"github.com/zycelium/uagent/transport/transporttest"
)

func TestSubjectConversion(t *testing.T) {
	tr, err := New()
	require.NoError(t, err)

	tests := []struct {
		wire    string
		subject string
	}{
		{"x/y", "x.y"},
		{"a/*/c", "a.*.c"},
		{"a/**", "a.>"},
		{"**", ">"},
		{"a/**/z", "a.>"},
	}
	for _, tt := range tests {
		t.Run(tt.wire, func(t *testing.T) {
			assert.Equal(t, tt.subject, tr.subject(tt.wire))
		})
	}

	assert.Equal(t, "x/y/z", tr.wire("x.y.z"))
}

func TestLogicalDelimiter(t *testing.T) {
	tr, err := New(Delimiter(topic.Delimiter))
	require.NoError(t, err)
	assert.Equal(t, "a.b", tr.subject("a.b"))
	assert.Equal(t, "a.b", tr.wire("a.b"))
}

func TestNewValidates(t *testing.T) {
	_, err := New(InboxSize(0))
	assert.Error(t, err)
}

func TestDefaultURL(t *testing.T) {
	t.Setenv("NATS_URL", "")
	tr, err := New()
	require.NoError(t, err)
	assert.Equal(t, nats.DefaultURL, tr.url)

	t.Setenv("NATS_URL", "nats://broker:4222")
	tr, err = New()
	require.NoError(t, err)
	assert.Equal(t, "nats://broker:4222", tr.url)
}

func TestNotConnected(t *testing.T) {
	tr, err := New()
	require.NoError(t, err)

	_, ok, err := tr.Poll(context.Background())
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, tr.Disconnect(context.Background()), transport.ErrNotConnected)
}

// runServer starts an embedded NATS server on a random port and returns its
// client URL.
func runServer(t *testing.T) string {
	t.Helper()
	srv, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: server.RANDOM_PORT, NoLog: true, NoSigs: true})
	require.NoError(t, err)
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server did not start")
	}
	t.Cleanup(srv.Shutdown)
	return srv.ClientURL()
}

func TestAcceptance(t *testing.T) {
	url := runServer(t)

	transporttest.Run(t, "NATS", func(t *testing.T) (transport.Transport, transport.Transport) {
		pub, err := New(URL(url), Name("pub"))
		require.NoError(t, err)
		sub, err := New(URL(url), Name("sub"))
		require.NoError(t, err)
		return pub, sub
	})
}

func TestDisconnectWithoutDeadline(t *testing.T) {
	tr, err := New(URL(runServer(t)))
	require.NoError(t, err)

	ctx := context.WithoutCancel(context.Background())
	require.NoError(t, tr.Connect(ctx))
	require.NoError(t, tr.Subscribe(ctx, "a/**"))
	require.NoError(t, tr.Publish(ctx, "a/b", []byte(`{}`)))

	assert.NoError(t, tr.Disconnect(ctx))
	assert.ErrorIs(t, tr.Disconnect(ctx), transport.ErrNotConnected)
}

func TestSubscribeTwice(t *testing.T) {
	tr, err := New(URL(runServer(t)))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	t.Cleanup(func() { assert.NoError(t, tr.Disconnect(ctx)) })

	require.NoError(t, tr.Subscribe(ctx, "x/y"))
	require.NoError(t, tr.Subscribe(ctx, "x/y"))
	assert.Len(t, tr.subs, 1)
}

func TestAgentOverNATS(t *testing.T) {
	tr, err := New(URL(runServer(t)), Name("agent"))
	require.NoError(t, err)
	a := uagent.New("agent", uagent.WithTransport(tr), uagent.TickInterval(time.Millisecond))

	var errs []error
	a.OnError(func(_ context.Context, err error) error {
		errs = append(errs, err)
		return nil
	})

	var calls []string
	a.OnEvent("a.b", func(context.Context, uagent.Message) error {
		calls = append(calls, "A")
		return nil
	})
	a.OnEvent("a.*", func(context.Context, uagent.Message) error {
		calls = append(calls, "B")
		return nil
	})

	disconnected := 0
	a.OnDisconnect(func(context.Context) error {
		disconnected++
		return nil
	})
	a.OnConnect(func(ctx context.Context) error {
		a.Emit(ctx, "a.b", nil)
		return nil
	})

	start := time.Now()
	a.OnInterval(time.Millisecond, func(context.Context) error {
		if time.Since(start) > 500*time.Millisecond {
			a.Stop()
		}
		return nil
	})

	require.NoError(t, a.Run(context.Background()))

	assert.Equal(t, []string{"A", "B"}, calls)
	assert.Empty(t, errs)
	assert.Equal(t, 1, disconnected)
	assert.Equal(t, uagent.StateDisconnected, a.State())
}
