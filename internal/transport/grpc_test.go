package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func startRouter(t *testing.T) (*Router, string) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	router := NewRouter()
	srv := grpc.NewServer()
	router.Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() {
		srv.Stop()
		_ = router.Close()
	})
	return router, lis.Addr().String()
}

func TestRouterRelaysBetweenRemoteAndLocal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	router, addr := startRouter(t)

	local, err := router.Bus().Connect(ctx, "controller")
	require.NoError(t, err)

	remote, err := Dial(ctx, addr, "kernel-0", DialOptions{Attempts: 5, BaseWait: 10 * time.Millisecond})
	require.NoError(t, err)
	defer remote.Close()

	require.NoError(t, remote.Send(ctx, "controller", []byte("hello")))
	env, err := local.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "kernel-0", env.From)
	assert.Equal(t, "hello", string(env.Payload))

	require.NoError(t, local.Send(ctx, "kernel-0", []byte("welcome")))
	env, err = remote.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "controller", env.From)
	assert.Equal(t, "welcome", string(env.Payload))
}

func TestRouterRelaysBetweenRemotes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, addr := startRouter(t)

	bus := &RemoteBus{Addr: addr, Options: DialOptions{Attempts: 5, BaseWait: 10 * time.Millisecond}}
	a, err := bus.Connect(ctx, "a")
	require.NoError(t, err)
	defer a.Close()
	b, err := bus.Connect(ctx, "b")
	require.NoError(t, err)
	defer b.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, a.Send(ctx, "b", []byte{byte(i)}))
	}
	for i := 0; i < 10; i++ {
		env, err := b.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, "a", env.From)
		assert.Equal(t, byte(i), env.Payload[0])
	}
}

func TestDialGivesUpWithoutRouter(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = Dial(ctx, addr, "orphan", DialOptions{Attempts: 2, BaseWait: 5 * time.Millisecond, MaxWait: 10 * time.Millisecond})
	assert.Error(t, err)
}
