package transport

import (
	"context"
	"fmt"
	"sync"
)

type mailbox struct {
	mu       sync.Mutex
	queue    []Envelope
	notify   chan struct{}
	attached bool
	closed   bool
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

func (m *mailbox) put(env Envelope) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("deliver to %s: %w", env.To, ErrClosed)
	}
	m.queue = append(m.queue, env)
	m.mu.Unlock()
	m.wake()
	return nil
}

func (m *mailbox) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) take(ctx context.Context) (Envelope, error) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			env := m.queue[0]
			m.queue[0] = Envelope{}
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return env, nil
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return Envelope{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		case <-m.notify:
		}
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.queue = nil
	m.mu.Unlock()
	m.wake()
}

// LocalBus connects endpoints inside one process through unbounded mailboxes.
type LocalBus struct {
	mu     sync.Mutex
	boxes  map[string]*mailbox
	closed bool
}

// NewLocalBus creates an empty bus
func NewLocalBus() *LocalBus {
	return &LocalBus{boxes: make(map[string]*mailbox)}
}

func (b *LocalBus) box(name string) (*mailbox, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	m, ok := b.boxes[name]
	if !ok {
		m = newMailbox()
		b.boxes[name] = m
	}
	return m, nil
}

// Connect attaches an endpoint to the mailbox of name, receiving anything
// already queued for it.
func (b *LocalBus) Connect(ctx context.Context, name string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("endpoint name is required")
	}
	m, err := b.box(name)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attached || m.closed {
		return nil, fmt.Errorf("%s: %w", name, ErrNameTaken)
	}
	m.attached = true
	return &localConn{bus: b, name: name, box: m}, nil
}

func (b *LocalBus) deliver(env Envelope) error {
	m, err := b.box(env.To)
	if err != nil {
		return err
	}
	return m.put(env)
}

func (b *LocalBus) detach(name string, m *mailbox) {
	b.mu.Lock()
	if b.boxes[name] == m {
		delete(b.boxes, name)
	}
	b.mu.Unlock()
	m.close()
}

// Close shuts every mailbox; blocked receivers return ErrClosed.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, m := range b.boxes {
		m.close()
	}
	return nil
}

type localConn struct {
	bus  *LocalBus
	name string
	box  *mailbox
	once sync.Once
}

func (c *localConn) Name() string {
	return c.name
}

func (c *localConn) Send(ctx context.Context, to string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.bus.deliver(Envelope{From: c.name, To: to, Payload: payload})
}

func (c *localConn) Recv(ctx context.Context) (Envelope, error) {
	return c.box.take(ctx)
}

// Close releases the name. Messages sent to it afterwards queue for the next
// endpoint that connects under it.
func (c *localConn) Close() error {
	c.once.Do(func() {
		c.bus.detach(c.name, c.box)
	})
	return nil
}
