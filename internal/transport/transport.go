package transport

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by a connection after Close or when its bus shut down.
	ErrClosed = errors.New("connection closed")
	// ErrNameTaken is returned when a second endpoint connects under a name already in use.
	ErrNameTaken = errors.New("endpoint name already connected")
)

// Envelope is a payload received from a named peer
type Envelope struct {
	From    string
	To      string
	Payload []byte
}

// Conn is a point-to-point message endpoint identified by a name. Send never
// blocks on the receiver; messages to a peer that has not connected yet are
// queued for it.
type Conn interface {
	Name() string
	Send(ctx context.Context, to string, payload []byte) error
	Recv(ctx context.Context) (Envelope, error)
	Close() error
}

// Bus hands out connections
type Bus interface {
	Connect(ctx context.Context, name string) (Conn, error)
}
