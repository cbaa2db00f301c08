// ABOUTME: Routes inbound computer events: registry bookkeeping, brain chat turns, observability.
// ABOUTME: Each event is handled on its own goroutine so a slow brain call never blocks frame intake.

package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/blueking/gestalt/internal/brain"
	"github.com/blueking/gestalt/internal/dispatch"
	"github.com/blueking/gestalt/internal/protocol"
	"github.com/blueking/gestalt/internal/registry"
)

// ErrUnknownEvent indicates an event variant the service does not route.
var ErrUnknownEvent = errors.New("unknown event")

// Service routes client events by invoking the brain and registry.
type Service struct {
	brain    brain.Brain
	registry *registry.Registry
	dispatch *dispatch.Dispatcher
	logger   *slog.Logger
}

// New creates an event service. Pass nil logger for the default.
func New(b brain.Brain, reg *registry.Registry, d *dispatch.Dispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		brain:    b,
		registry: reg,
		dispatch: d,
		logger:   logger.With("component", "events"),
	}
}

// Handle routes the event on an independent goroutine and returns a channel
// resolving with the semantic outcome. Mirroring the dispatch policy, a
// panic inside the unit of work is logged and reported as success.
func (s *Service) Handle(ctx context.Context, event protocol.Event) <-chan error {
	s.logger.Debug("processing event", "type", event.Type())

	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("event task panicked", "type", event.Type(), "panic", r)
				result <- nil
			}
		}()
		result <- s.route(ctx, event)
	}()
	return result
}

func (s *Service) route(ctx context.Context, event protocol.Event) error {
	switch ev := event.(type) {
	case *protocol.RegisterEvent:
		return s.handleRegister(ev)
	case *protocol.ChatEvent:
		return s.handleChat(ctx, ev)
	case *protocol.CommandResultEvent:
		return s.handleCommandResult(ev)
	case *protocol.DeregisterEvent:
		return s.handleDeregister(ev)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, event)
	}
}

// handleRegister refreshes capabilities for an already-registered client.
// The connection handler performs the actual registry insert; if this runs
// first the update is dropped with a warning, never retried or queued.
func (s *Service) handleRegister(ev *protocol.RegisterEvent) error {
	if err := s.registry.UpdateCapabilities(ev.ID, ev.Capabilities); err != nil {
		s.logger.Warn("capability refresh for unregistered client dropped",
			"client_id", ev.ID,
			"error", err,
		)
		return nil
	}
	s.logger.Info("client refreshed capabilities",
		"client_id", ev.ID,
		"capabilities", ev.Capabilities,
	)
	return nil
}

// handleChat forwards the chat line to the brain and dispatches any reply to
// a chat-capable client. An empty reply is a valid "no response".
func (s *Service) handleChat(ctx context.Context, ev *protocol.ChatEvent) error {
	reply, err := s.brain.Chat(ctx, ev)
	if err != nil {
		return fmt.Errorf("brain: %w", err)
	}
	if reply == "" {
		return nil
	}

	cmd := protocol.NewChatMessage(reply)
	if err := <-s.dispatch.Dispatch(dispatch.SendToCapability{
		Capability: protocol.CapabilityChat,
		Command:    cmd,
	}); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}
	return nil
}

func (s *Service) handleCommandResult(ev *protocol.CommandResultEvent) error {
	if ev.Error == "" {
		s.logger.Info("command succeeded", "command_id", ev.CommandID)
	} else {
		s.logger.Warn("command failed", "command_id", ev.CommandID, "error", ev.Error)
	}
	return nil
}

func (s *Service) handleDeregister(ev *protocol.DeregisterEvent) error {
	if ev.TimedOut {
		s.logger.Warn("client timed out and was deregistered", "client_id", ev.ID)
	} else {
		s.logger.Info("client deregistered", "client_id", ev.ID)
	}
	return nil
}
