// ABOUTME: Represents a single connected computer client and its outbound channel.
// ABOUTME: Handles queueing raw frames and serialized commands for the write pump.

package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/blueking/gestalt/internal/protocol"
)

// TextFrame is the WebSocket text message type. It matches
// websocket.TextMessage without importing the transport here.
const TextFrame = 1

// ErrClientClosed indicates the client's connection has been torn down.
var ErrClientClosed = errors.New("client closed")

// ErrChannelFull indicates the client's outbound buffer is full. A stalled
// reader is treated as a delivery failure rather than blocking the sender.
var ErrChannelFull = errors.New("outbound channel full")

// Message is a raw outbound WebSocket frame.
type Message struct {
	Type int
	Data []byte
}

// Client is one registered computer connection. The live connection handler
// holds the receive end of the outbound channel; everything else interacts
// with the client through Send/SendCommand.
type Client struct {
	ID           int32
	Capabilities []protocol.Capability

	outbound  chan Message
	closed    chan struct{}
	closeOnce sync.Once
}

// NewClient creates a client with an outbound buffer of the given capacity.
func NewClient(id int32, capabilities []protocol.Capability, buffer int) *Client {
	return &Client{
		ID:           id,
		Capabilities: capabilities,
		outbound:     make(chan Message, buffer),
		closed:       make(chan struct{}),
	}
}

// Send queues a raw frame for the client's write pump. It never blocks:
// a closed client or a full buffer reports an error instead.
func (c *Client) Send(msg Message) error {
	select {
	case <-c.closed:
		return ErrClientClosed
	default:
	}
	select {
	case c.outbound <- msg:
		return nil
	case <-c.closed:
		return ErrClientClosed
	default:
		return ErrChannelFull
	}
}

// SendText queues a text frame.
func (c *Client) SendText(data []byte) error {
	return c.Send(Message{Type: TextFrame, Data: data})
}

// SendCommand serializes a command and queues it as a text frame.
func (c *Client) SendCommand(cmd *protocol.Command) error {
	data, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return fmt.Errorf("serializing command: %w", err)
	}
	return c.SendText(data)
}

// Outbound returns the receive end of the client's channel. Only the
// connection's write pump should read from it.
func (c *Client) Outbound() <-chan Message {
	return c.outbound
}

// Close marks the client as torn down. Idempotent. Frames already queued are
// abandoned; subsequent sends fail with ErrClientClosed.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Closed returns a channel closed once the client has been torn down.
func (c *Client) Closed() <-chan struct{} {
	return c.closed
}
