package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBusQueuesBeforeConnect(t *testing.T) {
	ctx := context.Background()
	bus := NewLocalBus()
	defer bus.Close()

	a, err := bus.Connect(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, a.Send(ctx, "b", []byte("one")))
	require.NoError(t, a.Send(ctx, "b", []byte("two")))

	b, err := bus.Connect(ctx, "b")
	require.NoError(t, err)

	for _, want := range []string{"one", "two"} {
		env, err := b.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, "a", env.From)
		assert.Equal(t, "b", env.To)
		assert.Equal(t, want, string(env.Payload))
	}
}

func TestLocalBusNameTaken(t *testing.T) {
	ctx := context.Background()
	bus := NewLocalBus()
	_, err := bus.Connect(ctx, "x")
	require.NoError(t, err)
	_, err = bus.Connect(ctx, "x")
	assert.ErrorIs(t, err, ErrNameTaken)
}

func TestLocalBusReconnectAfterClose(t *testing.T) {
	ctx := context.Background()
	bus := NewLocalBus()
	first, err := bus.Connect(ctx, "x")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	_, err = first.Recv(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	second, err := bus.Connect(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "x", second.Name())
}

func TestLocalBusRecvHonoursContext(t *testing.T) {
	bus := NewLocalBus()
	c, err := bus.Connect(context.Background(), "idle")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Recv(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestLocalBusCloseWakesReceivers(t *testing.T) {
	bus := NewLocalBus()
	c, err := bus.Connect(context.Background(), "r")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := c.Recv(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, bus.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("receiver not woken by Close")
	}
	_, err = bus.Connect(context.Background(), "late")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLocalBusConcurrentSenders(t *testing.T) {
	ctx := context.Background()
	bus := NewLocalBus()
	sink, err := bus.Connect(ctx, "sink")
	require.NoError(t, err)

	const senders, each = 8, 50
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		c, err := bus.Connect(ctx, fmt.Sprintf("s%d", i))
		require.NoError(t, err)
		wg.Add(1)
		go func(c Conn) {
			defer wg.Done()
			for j := 0; j < each; j++ {
				_ = c.Send(ctx, "sink", []byte{byte(j)})
			}
		}(c)
	}
	wg.Wait()

	counts := make(map[string]int)
	for i := 0; i < senders*each; i++ {
		env, err := sink.Recv(ctx)
		require.NoError(t, err)
		// per-sender order is preserved
		assert.Equal(t, byte(counts[env.From]), env.Payload[0])
		counts[env.From]++
	}
	assert.Len(t, counts, senders)
}
