package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/GoSim-25-26J-441/calibration-core/internal/protocol"
)

// Incoming is a decoded message and the peer that sent it
type Incoming struct {
	From    string
	Message protocol.Message
}

// Endpoint sends and receives protocol messages over a Conn. Every peer is
// treated as its own stream whose frame format is fixed by its first message.
type Endpoint struct {
	conn Conn

	mu     sync.Mutex
	guards map[string]*protocol.StreamGuard
}

// NewEndpoint wraps conn
func NewEndpoint(conn Conn) *Endpoint {
	return &Endpoint{conn: conn, guards: make(map[string]*protocol.StreamGuard)}
}

// Name returns the name of the underlying connection
func (e *Endpoint) Name() string {
	return e.conn.Name()
}

// Send encodes m and delivers it to peer
func (e *Endpoint) Send(ctx context.Context, to string, m protocol.Message) error {
	data, err := protocol.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s for %s: %w", m.FrameName(), to, err)
	}
	if err := e.conn.Send(ctx, to, data); err != nil {
		return fmt.Errorf("send %s to %s: %w", m.FrameName(), to, err)
	}
	return nil
}

// Broadcast sends m to every peer in order, stopping at the first error
func (e *Endpoint) Broadcast(ctx context.Context, to []string, m protocol.Message) error {
	data, err := protocol.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.FrameName(), err)
	}
	for _, peer := range to {
		if err := e.conn.Send(ctx, peer, data); err != nil {
			return fmt.Errorf("send %s to %s: %w", m.FrameName(), peer, err)
		}
	}
	return nil
}

// Recv blocks for the next message. A frame that fails to decode is
// returned as an error naming its sender; the endpoint stays usable.
func (e *Endpoint) Recv(ctx context.Context) (Incoming, error) {
	env, err := e.conn.Recv(ctx)
	if err != nil {
		return Incoming{}, err
	}
	m, err := protocol.UnmarshalStream(e.guard(env.From), env.Payload)
	if err != nil {
		return Incoming{From: env.From}, fmt.Errorf("message from %s: %w", env.From, err)
	}
	return Incoming{From: env.From, Message: m}, nil
}

func (e *Endpoint) guard(peer string) *protocol.StreamGuard {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.guards[peer]
	if !ok {
		g = &protocol.StreamGuard{}
		e.guards[peer] = g
	}
	return g
}

// Close closes the underlying connection
func (e *Endpoint) Close() error {
	return e.conn.Close()
}
