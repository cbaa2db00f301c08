// ABOUTME: Inbound control surface: the blueking.Gestalt gRPC service.
// ABOUTME: Maps dispatch outcomes onto the three-way send status.

package gateway

import (
	"context"
	"errors"
	"log/slog"

	"github.com/blueking/gestalt/internal/dispatch"
	"github.com/blueking/gestalt/internal/protocol"
	pb "github.com/blueking/gestalt/proto/blueking"
)

// gestaltServer lets operators push a chat message at a connected computer.
type gestaltServer struct {
	dispatch *dispatch.Dispatcher
	logger   *slog.Logger
}

func newGestaltServer(d *dispatch.Dispatcher, logger *slog.Logger) *gestaltServer {
	return &gestaltServer{
		dispatch: d,
		logger:   logger.With("component", "control"),
	}
}

// SendChatMessage forwards the payload to a chat-capable client. The call
// always succeeds at the RPC layer; delivery problems are reported in the
// response status instead.
func (s *gestaltServer) SendChatMessage(ctx context.Context, req *pb.SendChatMessageRequest) (*pb.SendChatMessageResponse, error) {
	s.logger.Info("operator chat message", "length", len(req.Payload))

	cmd := protocol.NewChatMessage(req.Payload)
	err := <-s.dispatch.Dispatch(dispatch.SendToCapability{
		Capability: protocol.CapabilityChat,
		Command:    cmd,
	})

	switch {
	case err == nil:
		return &pb.SendChatMessageResponse{Status: pb.SendStatusOK}, nil
	case errors.Is(err, dispatch.ErrNoClient):
		return &pb.SendChatMessageResponse{
			Status:       pb.SendStatusNoChatClient,
			ErrorMessage: "no chat clients connected",
		}, nil
	default:
		s.logger.Warn("chat message delivery failed", "error", err)
		return &pb.SendChatMessageResponse{
			Status:       pb.SendStatusSendFailed,
			ErrorMessage: err.Error(),
		}, nil
	}
}
