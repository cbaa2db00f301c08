// ABOUTME: Resilient gRPC client for the external agentic AI "Brain" service.
// ABOUTME: Lazily connects, probes the cached channel, and reconnects with a fixed backoff until shutdown.

package brain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/blueking/gestalt/internal/protocol"
	"github.com/blueking/gestalt/internal/shutdown"
	pb "github.com/blueking/gestalt/proto/blueking"
)

// Failure taxonomy for one chat turn. All three are terminal for that call;
// the next call starts a fresh connection cycle.
var (
	// ErrTransport covers connect-level and network failures.
	ErrTransport = errors.New("brain transport error")
	// ErrRPC covers structured error statuses returned by the brain.
	ErrRPC = errors.New("brain rpc error")
	// ErrCanceled indicates shutdown preempted the operation.
	ErrCanceled = errors.New("brain call canceled")
)

// Brain is the upstream decision service. Production uses the gRPC-backed
// Client; tests substitute a double.
type Brain interface {
	// Chat forwards an in-game chat event and returns the brain's textual
	// reply. An empty reply means "no response".
	Chat(ctx context.Context, event *protocol.ChatEvent) (string, error)
}

// Client is a gRPC-backed Brain that owns its connection lifecycle. The
// cached channel is guarded by a mutex so multiple Client instances never
// interfere and reconnection is never ambient global state.
type Client struct {
	addr           string
	backoff        time.Duration
	connectTimeout time.Duration
	shutdown       *shutdown.Signal
	logger         *slog.Logger
	dialOpts       []grpc.DialOption

	mu   sync.Mutex
	conn *grpc.ClientConn
}

// Params configures a Client.
type Params struct {
	// Addr is the upstream brain endpoint.
	Addr string
	// ReconnectBackoff is the fixed wait between failed connection attempts.
	ReconnectBackoff time.Duration
	// ConnectTimeout bounds a single connection attempt.
	ConnectTimeout time.Duration
	// Shutdown preempts connection attempts and backoff waits.
	Shutdown *shutdown.Signal
	Logger   *slog.Logger
}

// NewClient creates a brain client, initially disconnected. The first Chat
// call establishes the connection.
func NewClient(p Params) *Client {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	connectTimeout := p.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	return &Client{
		addr:           p.Addr,
		backoff:        p.ReconnectBackoff,
		connectTimeout: connectTimeout,
		shutdown:       p.Shutdown,
		logger:         logger.With("component", "brain"),
	}
}

// Chat implements Brain.
func (c *Client) Chat(ctx context.Context, event *protocol.ChatEvent) (string, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return "", err
	}

	reply, err := pb.NewBrainClient(conn).Chat(ctx, &pb.ChatEvent{
		Username: event.Username,
		Message:  event.Message,
	})
	if err != nil {
		return "", c.mapCallError(conn, err)
	}
	return reply.Reply, nil
}

// ensureConn returns a ready channel, reconnecting with backoff and
// honoring shutdown. There is no retry cap: availability is favored over
// fail-fast, with shutdown as the only upper bound.
func (c *Client) ensureConn(ctx context.Context) (*grpc.ClientConn, error) {
	for {
		// Fast path: probe the cached channel and reuse it if ready.
		if conn := c.cached(); conn != nil {
			err := c.waitReady(ctx, conn)
			if err == nil {
				return conn, nil
			}
			if errors.Is(err, ErrCanceled) {
				return nil, err
			}
			c.logger.Warn("brain channel not ready, reconnecting", "error", err)
			c.invalidate(conn)
		}

		conn, err := c.connect(ctx)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			return conn, nil
		}
		if errors.Is(err, ErrCanceled) {
			return nil, err
		}

		c.logger.Warn("failed to connect to brain, retrying",
			"addr", c.addr,
			"backoff", c.backoff,
			"error", err,
		)
		select {
		case <-c.shutdown.Done():
			return nil, fmt.Errorf("%w: shutdown during backoff", ErrCanceled)
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
		case <-time.After(c.backoff):
		}
	}
}

// connect performs one dial attempt bounded by the connect timeout.
func (c *Client) connect(ctx context.Context) (*grpc.ClientConn, error) {
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(pb.CallOption()),
	}, c.dialOpts...)

	conn, err := grpc.NewClient(c.addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	if err := c.waitReady(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// waitReady drives the channel towards Ready, racing the wait against
// shutdown and the connect timeout.
func (c *Client) waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	waitCtx, cancel := c.shutdown.Context(ctx)
	defer cancel()
	waitCtx, cancelTimeout := context.WithTimeout(waitCtx, c.connectTimeout)
	defer cancelTimeout()

	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.TransientFailure, connectivity.Shutdown:
			return fmt.Errorf("%w: connection state %s", ErrTransport, state)
		}
		if !conn.WaitForStateChange(waitCtx, state) {
			if c.shutdown.Triggered() || ctx.Err() != nil {
				return fmt.Errorf("%w: shutdown during connect", ErrCanceled)
			}
			return fmt.Errorf("%w: connect timed out after %s", ErrTransport, c.connectTimeout)
		}
	}
}

func (c *Client) cached() *grpc.ClientConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// invalidate drops the cached channel if it is still the given one.
func (c *Client) invalidate(conn *grpc.ClientConn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// mapCallError translates an Invoke failure into the brain error taxonomy.
func (c *Client) mapCallError(conn *grpc.ClientConn, err error) error {
	s, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%w: %v", ErrRPC, err)
	}
	switch s.Code() {
	case codes.Unavailable:
		// The channel went bad mid-call; drop it so the next chat turn
		// reconnects.
		c.invalidate(conn)
		return fmt.Errorf("%w: %v", ErrTransport, err)
	case codes.Canceled, codes.DeadlineExceeded:
		if c.shutdown.Triggered() {
			return fmt.Errorf("%w: %v", ErrCanceled, err)
		}
		return fmt.Errorf("%w: %v", ErrRPC, err)
	default:
		return fmt.Errorf("%w: %s", ErrRPC, s.Message())
	}
}

// Close releases the cached channel, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
