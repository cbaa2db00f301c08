// ABOUTME: Outbound actions towards computer clients and the service dispatching them.
// ABOUTME: Each action runs on its own goroutine; execution faults are logged, not surfaced.

package dispatch

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/blueking/gestalt/internal/protocol"
	"github.com/blueking/gestalt/internal/registry"
)

// ErrNoClient indicates no connected client advertises the needed capability.
var ErrNoClient = errors.New("no client available")

// ErrSendFailed indicates the action reached a client entry but delivery
// failed (channel closed or full, or serialization failure).
var ErrSendFailed = errors.New("send failed")

// Action is a unit of work flowing from the gateway's routing logic out to
// a connection.
type Action interface {
	isAction()
}

// SendToID sends a raw frame to one specific client.
type SendToID struct {
	ID      int32
	Message registry.Message
}

func (SendToID) isAction() {}

// SendToCapability sends a command to whichever client advertises the
// capability.
type SendToCapability struct {
	Capability protocol.Capability
	Command    *protocol.Command
}

func (SendToCapability) isAction() {}

// Dispatcher performs actions against the client registry.
type Dispatcher struct {
	registry *registry.Registry
	logger   *slog.Logger
}

// New creates a dispatcher. Pass nil logger for the default.
func New(reg *registry.Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: reg,
		logger:   logger.With("component", "dispatch"),
	}
}

// Dispatch performs the action on an independent goroutine so the caller is
// never blocked on I/O to a slow or gone client. The returned channel
// resolves with the semantic outcome of the action. A panic inside the unit
// of work is an execution fault, not a delivery failure: it is logged and
// reported as success.
func (d *Dispatcher) Dispatch(action Action) <-chan error {
	result := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("dispatch task panicked", "panic", r)
				result <- nil
			}
		}()
		result <- d.perform(action)
	}()
	return result
}

func (d *Dispatcher) perform(action Action) error {
	switch a := action.(type) {
	case SendToID:
		if err := d.registry.SendTo(a.ID, a.Message); err != nil {
			return fmt.Errorf("%w: %v", ErrSendFailed, err)
		}
		return nil

	case SendToCapability:
		client := d.registry.FindByCapability(a.Capability)
		if client == nil {
			return ErrNoClient
		}
		if err := client.SendCommand(a.Command); err != nil {
			return fmt.Errorf("%w: %v", ErrSendFailed, err)
		}
		d.logger.Debug("command dispatched",
			"client_id", client.ID,
			"capability", a.Capability,
			"command_id", a.Command.ID,
		)
		return nil

	default:
		// Unreachable for the sealed Action set; treated as a fault.
		panic(fmt.Sprintf("unhandled action type %T", action))
	}
}
