// ABOUTME: Wire messages and service bindings for the blueking RPC API.
// ABOUTME: Covers Brain (gateway → brain chat) and Gestalt (brain → gateway control) services.

package blueking

import (
	"context"

	"google.golang.org/grpc"
)

// ChatEvent is the request of Brain.Chat: one in-game chat line.
type ChatEvent struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

// ChatReply is the response of Brain.Chat. An empty Reply means the brain
// chose not to respond.
type ChatReply struct {
	Reply string `json:"reply"`
}

// SendStatus is the tri-state delivery outcome of Gestalt.SendChatMessage.
type SendStatus string

const (
	SendStatusOK           SendStatus = "ok"
	SendStatusNoChatClient SendStatus = "no_chat_client"
	SendStatusSendFailed   SendStatus = "send_failed"
)

// SendChatMessageRequest asks the gateway to push a chat message to some
// client with the chat capability.
type SendChatMessageRequest struct {
	Payload string `json:"payload"`
}

// SendChatMessageResponse reports the delivery outcome.
type SendChatMessageResponse struct {
	Status       SendStatus `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Full method names for the blueking services.
const (
	BrainChatMethod              = "/blueking.Brain/Chat"
	GestaltSendChatMessageMethod = "/blueking.Gestalt/SendChatMessage"
)

// BrainClient calls the upstream Brain service.
type BrainClient struct {
	cc grpc.ClientConnInterface
}

// NewBrainClient wraps an established client connection.
func NewBrainClient(cc grpc.ClientConnInterface) *BrainClient {
	return &BrainClient{cc: cc}
}

// Chat forwards one chat event and returns the brain's reply.
func (c *BrainClient) Chat(ctx context.Context, in *ChatEvent, opts ...grpc.CallOption) (*ChatReply, error) {
	out := new(ChatReply)
	opts = append([]grpc.CallOption{CallOption()}, opts...)
	if err := c.cc.Invoke(ctx, BrainChatMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// BrainServer is implemented by the upstream brain. The gateway itself only
// consumes this service; the server binding exists for test doubles and the
// fake brain binary.
type BrainServer interface {
	Chat(context.Context, *ChatEvent) (*ChatReply, error)
}

// RegisterBrainServer registers a BrainServer implementation.
func RegisterBrainServer(s grpc.ServiceRegistrar, srv BrainServer) {
	s.RegisterService(&brainServiceDesc, srv)
}

func brainChatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ChatEvent)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BrainServer).Chat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: BrainChatMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(BrainServer).Chat(ctx, req.(*ChatEvent))
	}
	return interceptor(ctx, in, info, handler)
}

var brainServiceDesc = grpc.ServiceDesc{
	ServiceName: "blueking.Brain",
	HandlerType: (*BrainServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Chat", Handler: brainChatHandler},
	},
	Streams: []grpc.StreamDesc{},
}

// GestaltServer is the gateway-side control surface the Brain calls back into.
type GestaltServer interface {
	SendChatMessage(context.Context, *SendChatMessageRequest) (*SendChatMessageResponse, error)
}

// RegisterGestaltServer registers a GestaltServer implementation.
func RegisterGestaltServer(s grpc.ServiceRegistrar, srv GestaltServer) {
	s.RegisterService(&gestaltServiceDesc, srv)
}

func gestaltSendChatMessageHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SendChatMessageRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GestaltServer).SendChatMessage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GestaltSendChatMessageMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GestaltServer).SendChatMessage(ctx, req.(*SendChatMessageRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var gestaltServiceDesc = grpc.ServiceDesc{
	ServiceName: "blueking.Gestalt",
	HandlerType: (*GestaltServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SendChatMessage", Handler: gestaltSendChatMessageHandler},
	},
	Streams: []grpc.StreamDesc{},
}

// GestaltClient calls the gateway control surface. Used by the brain side
// and by end-to-end tests.
type GestaltClient struct {
	cc grpc.ClientConnInterface
}

// NewGestaltClient wraps an established client connection.
func NewGestaltClient(cc grpc.ClientConnInterface) *GestaltClient {
	return &GestaltClient{cc: cc}
}

// SendChatMessage pushes one chat payload through the gateway's dispatch path.
func (c *GestaltClient) SendChatMessage(ctx context.Context, in *SendChatMessageRequest, opts ...grpc.CallOption) (*SendChatMessageResponse, error) {
	out := new(SendChatMessageResponse)
	opts = append([]grpc.CallOption{CallOption()}, opts...)
	if err := c.cc.Invoke(ctx, GestaltSendChatMessageMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
