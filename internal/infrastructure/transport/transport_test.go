package transport

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestPipe_OrderedDelivery(t *testing.T) {
	a, b := NewPipe(8)
	ctx := context.Background()

	for i := byte(0); i < 5; i++ {
		require.NoError(t, a.Send(ctx, []byte{i}))
	}
	for i := byte(0); i < 5; i++ {
		msg, err := b.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, []byte{i}, msg)
	}
}

func TestPipe_SendCopiesBuffer(t *testing.T) {
	a, b := NewPipe(1)
	buf := []byte{1}
	require.NoError(t, a.Send(context.Background(), buf))
	buf[0] = 9

	msg, err := b.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, msg)
}

func TestPipe_CloseDrainsThenEOF(t *testing.T) {
	a, b := NewPipe(4)
	ctx := context.Background()
	require.NoError(t, a.Send(ctx, []byte("last words")))
	require.NoError(t, a.Close())

	msg, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "last words", string(msg))

	_, err = b.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)

	assert.ErrorIs(t, b.Send(ctx, []byte("x")), ErrDisconnected)
	_, err = a.Receive(ctx)
	assert.ErrorIs(t, err, ErrDisconnected)
}

func TestPipe_SendBlocksUntilContextDone(t *testing.T) {
	a, _ := NewPipe(1)
	require.NoError(t, a.Send(context.Background(), []byte{1}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := a.Send(ctx, []byte{2})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipe_States(t *testing.T) {
	a, b := NewPipe(1)
	assert.Equal(t, Connected, <-a.States())
	assert.Equal(t, Connected, <-b.States())

	require.NoError(t, b.Close())
	assert.Equal(t, Disconnected, <-a.States())
	assert.Equal(t, Disconnected, <-b.States())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "unknown", State(7).String())
}

func linkedWebSockets(t *testing.T, ticket []byte) (*WebSocket, *WebSocket) {
	t.Helper()
	opts := Options{Logger: quietLogger(), PingInterval: 50 * time.Millisecond}

	l, err := Listen("127.0.0.1:0", ticket, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	accepted := make(chan *WebSocket, 1)
	go func() {
		ws, err := l.Accept(ctx)
		if err == nil {
			accepted <- ws
		}
		close(accepted)
	}()

	client, err := Dial(ctx, "ws://"+l.Addr().String()+"/link", DialOptions{
		Options:  opts,
		Ticket:   ticket,
		MaxTries: 3,
	})
	require.NoError(t, err)

	server, ok := <-accepted
	require.True(t, ok)
	return client, server
}

func TestWebSocket_RoundTrip(t *testing.T) {
	client, server := linkedWebSockets(t, []byte("opaque-ticket"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.Send(ctx, []byte{1, 2, 3}))
	msg, err := server.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, msg)

	require.NoError(t, server.Send(ctx, []byte("pong")))
	msg, err = client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(msg))

	// Survives several keepalive periods without traffic.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, client.Send(ctx, []byte{4}))
	msg, err = server.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{4}, msg)

	require.NoError(t, client.Close())
	_, err = server.Receive(ctx)
	assert.ErrorIs(t, err, io.EOF)
	_ = server.Close()
}

func TestWebSocket_RejectsWrongTicket(t *testing.T) {
	l, err := Listen("127.0.0.1:0", []byte("right"), Options{Logger: quietLogger()})
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = Dial(ctx, "ws://"+l.Addr().String()+"/link", DialOptions{
		Options: Options{Logger: quietLogger()},
		Ticket:  []byte("wrong"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestListener_AcceptAfterClose(t *testing.T) {
	l, err := Listen("127.0.0.1:0", nil, Options{Logger: quietLogger()})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = l.Accept(context.Background())
	assert.True(t, errors.Is(err, ErrListenerClosed))
}
