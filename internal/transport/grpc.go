package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/GoSim-25-26J-441/calibration-core/internal/protocol"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/logger"
	"github.com/GoSim-25-26J-441/calibration-core/pkg/utils"
)

const (
	serviceName    = "calibration.v1.Router"
	exchangeMethod = "/calibration.v1.Router/Exchange"
	// WorkerHeader is the metadata key naming the endpoint behind a stream
	WorkerHeader = "x-calibration-worker"
)

// exchanger is the handler type of the router service.
type exchanger interface {
	exchange(stream grpc.ServerStream) error
}

var routerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*exchanger)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Exchange",
			Handler:       exchangeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "calibration/v1/router.proto",
}

func exchangeHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(exchanger).exchange(stream)
}

// Router relays envelopes between remote endpoints over one bidirectional
// gRPC stream each. Endpoints in the router's own process use Bus directly.
type Router struct {
	bus *LocalBus
}

// NewRouter creates a router over a fresh in-process bus
func NewRouter() *Router {
	return &Router{bus: NewLocalBus()}
}

// Bus returns the bus local endpoints connect to
func (r *Router) Bus() *LocalBus {
	return r.bus
}

// Register installs the router service on a gRPC server
func (r *Router) Register(s *grpc.Server) {
	s.RegisterService(&routerServiceDesc, r)
}

// Close shuts the underlying bus
func (r *Router) Close() error {
	return r.bus.Close()
}

func (r *Router) exchange(stream grpc.ServerStream) error {
	ctx := stream.Context()
	md, _ := metadata.FromIncomingContext(ctx)
	names := md.Get(WorkerHeader)
	if len(names) != 1 || names[0] == "" {
		return status.Error(codes.InvalidArgument, WorkerHeader+" metadata is required")
	}
	name := names[0]

	conn, err := r.bus.Connect(ctx, name)
	if err != nil {
		if errors.Is(err, ErrNameTaken) {
			return status.Error(codes.AlreadyExists, err.Error())
		}
		return status.Error(codes.Unavailable, err.Error())
	}
	defer conn.Close()
	logger.Info("endpoint attached", "endpoint", name)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pumpErr := make(chan error, 1)
	go func() {
		pumpErr <- pumpOutbound(ctx, conn, stream)
	}()

	var guard protocol.StreamGuard
	for {
		in := new(wrapperspb.BytesValue)
		if err := stream.RecvMsg(in); err != nil {
			cancel()
			if err == io.EOF {
				logger.Info("endpoint detached", "endpoint", name)
				return nil
			}
			return err
		}
		msg, err := protocol.UnmarshalStream(&guard, in.GetValue())
		if err != nil {
			cancel()
			logger.Warn("dropping endpoint after bad frame", "endpoint", name, "error", err)
			return status.Error(codes.InvalidArgument, err.Error())
		}
		env, ok := msg.(*protocol.Envelope)
		if !ok {
			cancel()
			return status.Errorf(codes.InvalidArgument, "expected envelope frame, got %s", msg.FrameName())
		}
		if err := conn.Send(ctx, env.To, env.Payload); err != nil {
			cancel()
			return status.Error(codes.Unavailable, err.Error())
		}
		select {
		case err := <-pumpErr:
			if err != nil && ctx.Err() == nil {
				return status.Error(codes.Internal, err.Error())
			}
		default:
		}
	}
}

// pumpOutbound forwards everything queued for conn to the remote stream.
func pumpOutbound(ctx context.Context, conn Conn, stream grpc.ServerStream) error {
	for {
		env, err := conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		data, err := protocol.Marshal(&protocol.Envelope{From: env.From, To: env.To, Payload: env.Payload})
		if err != nil {
			return err
		}
		if err := stream.SendMsg(wrapperspb.Bytes(data)); err != nil {
			return err
		}
	}
}

// DialOptions controls connection attempts to a router
type DialOptions struct {
	Attempts int
	BaseWait time.Duration
	MaxWait  time.Duration
}

// GRPCConn is a Conn backed by a stream to a remote Router.
type GRPCConn struct {
	name   string
	cc     *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc

	sendMu sync.Mutex
	in     chan Envelope
	done   chan struct{}
	once   sync.Once

	errMu   sync.Mutex
	readErr error
}

// Dial connects to the router at addr as name, retrying with exponential
// backoff until the router accepts the stream.
func Dial(ctx context.Context, addr, name string, opts DialOptions) (*GRPCConn, error) {
	if opts.MaxWait == 0 {
		opts.MaxWait = 5 * time.Second
	}
	if opts.BaseWait == 0 {
		opts.BaseWait = 100 * time.Millisecond
	}
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("create client for %s: %w", addr, err)
	}

	streamCtx, cancel := context.WithCancel(metadata.AppendToOutgoingContext(ctx, WorkerHeader, name))
	backoff := utils.NewExponentialBackoff(opts.BaseWait, opts.MaxWait, 2.0, utils.NewRandSource(0))

	var stream grpc.ClientStream
	err = utils.Retry(ctx, opts.Attempts, backoff, func(attempt int) error {
		s, err := cc.NewStream(streamCtx, &routerServiceDesc.Streams[0], exchangeMethod)
		if err != nil {
			logger.Debug("router not reachable yet", "addr", addr, "attempt", attempt, "error", err)
			return err
		}
		stream = s
		return nil
	})
	if err != nil {
		cancel()
		cc.Close()
		return nil, fmt.Errorf("dial router %s: %w", addr, err)
	}

	c := &GRPCConn{
		name:   name,
		cc:     cc,
		stream: stream,
		cancel: cancel,
		in:     make(chan Envelope, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *GRPCConn) readLoop() {
	defer close(c.in)
	var guard protocol.StreamGuard
	for {
		msg := new(wrapperspb.BytesValue)
		if err := c.stream.RecvMsg(msg); err != nil {
			if err == io.EOF || status.Code(err) == codes.Canceled {
				err = ErrClosed
			}
			c.setReadErr(err)
			return
		}
		decoded, err := protocol.UnmarshalStream(&guard, msg.GetValue())
		if err != nil {
			c.setReadErr(err)
			return
		}
		env, ok := decoded.(*protocol.Envelope)
		if !ok {
			c.setReadErr(fmt.Errorf("expected envelope frame, got %s: %w", decoded.FrameName(), protocol.ErrProtocolViolation))
			return
		}
		select {
		case c.in <- Envelope{From: env.From, To: env.To, Payload: env.Payload}:
		case <-c.done:
			return
		}
	}
}

func (c *GRPCConn) setReadErr(err error) {
	c.errMu.Lock()
	c.readErr = err
	c.errMu.Unlock()
}

func (c *GRPCConn) Name() string {
	return c.name
}

func (c *GRPCConn) Send(ctx context.Context, to string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := protocol.Marshal(&protocol.Envelope{From: c.name, To: to, Payload: payload})
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.stream.SendMsg(wrapperspb.Bytes(data)); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}

func (c *GRPCConn) Recv(ctx context.Context) (Envelope, error) {
	select {
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	case env, ok := <-c.in:
		if !ok {
			c.errMu.Lock()
			defer c.errMu.Unlock()
			if c.readErr != nil {
				return Envelope{}, c.readErr
			}
			return Envelope{}, ErrClosed
		}
		return env, nil
	}
}

// Close ends the stream and releases the client connection
func (c *GRPCConn) Close() error {
	var err error
	c.once.Do(func() {
		c.sendMu.Lock()
		_ = c.stream.CloseSend()
		c.sendMu.Unlock()
		close(c.done)
		c.cancel()
		err = c.cc.Close()
	})
	return err
}

// RemoteBus dials a Router for every connection it hands out
type RemoteBus struct {
	Addr    string
	Options DialOptions
}

func (b *RemoteBus) Connect(ctx context.Context, name string) (Conn, error) {
	return Dial(ctx, b.Addr, name, b.Options)
}
