// ABOUTME: JSON wire envelopes exchanged with in-game computer clients over /cc.
// ABOUTME: Inbound events are tagged by "type", outbound commands by "name".

package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Capability is a tag a client advertises declaring which categories of
// command it can handle.
type Capability string

const (
	// CapabilityChat marks a client able to display chat messages in game.
	CapabilityChat Capability = "chat"
)

// Event type tags carried in the "type" field of inbound frames.
const (
	TypeRegister      = "register"
	TypeChat          = "chat"
	TypeCommandResult = "command_result"
	TypeDeregister    = "deregister"
)

// Event is a unit of information flowing from a connection into the
// gateway's routing logic. Exactly one of the concrete event types below
// implements it per inbound frame.
type Event interface {
	// Type returns the wire tag of the event.
	Type() string
}

// RegisterEvent is the first frame a client must send: its externally
// assigned id plus the capabilities it advertises.
type RegisterEvent struct {
	ID           int32        `json:"id"`
	Capabilities []Capability `json:"capabilities"`
}

func (*RegisterEvent) Type() string { return TypeRegister }

// ChatEvent is sent by a client when an in-game chat message occurs.
type ChatEvent struct {
	Username string `json:"username"`
	Message  string `json:"message"`
}

func (*ChatEvent) Type() string { return TypeChat }

// CommandResultEvent is sent by a client after executing a command.
// Error is empty when the command succeeded.
type CommandResultEvent struct {
	CommandID string `json:"command_id"`
	Error     string `json:"error,omitempty"`
}

func (*CommandResultEvent) Type() string { return TypeCommandResult }

// DeregisterEvent records that a client disconnected; TimedOut distinguishes
// an idle-timeout eviction from a negotiated close. It is synthesized by the
// connection handler, never read off the wire by the gateway itself.
type DeregisterEvent struct {
	ID       int32 `json:"id"`
	TimedOut bool  `json:"timed_out"`
}

func (*DeregisterEvent) Type() string { return TypeDeregister }

// DecodeEvent parses one inbound text frame into its concrete event type.
// A missing capabilities field decodes as an empty list.
func DecodeEvent(data []byte) (Event, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decoding event envelope: %w", err)
	}

	var ev Event
	switch envelope.Type {
	case TypeRegister:
		ev = &RegisterEvent{}
	case TypeChat:
		ev = &ChatEvent{}
	case TypeCommandResult:
		ev = &CommandResultEvent{}
	case TypeDeregister:
		ev = &DeregisterEvent{}
	default:
		return nil, fmt.Errorf("unknown event type %q", envelope.Type)
	}

	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decoding %s event: %w", envelope.Type, err)
	}
	if reg, ok := ev.(*RegisterEvent); ok && reg.Capabilities == nil {
		reg.Capabilities = []Capability{}
	}
	return ev, nil
}

// EncodeEvent serializes an event with its "type" tag. Used by test clients;
// the gateway itself only decodes events.
func EncodeEvent(ev Event) ([]byte, error) {
	inner, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", ev.Type(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(inner, &fields); err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", ev.Type(), err)
	}
	tag, _ := json.Marshal(ev.Type())
	fields["type"] = tag
	return json.Marshal(fields)
}

// Command names carried in the "name" field of outbound frames.
const (
	CommandMessage = "message"
)

// Command is a tagged instruction sent to a client. ID is a fresh
// correlation token per command instance; clients echo it back in a
// command_result event.
type Command struct {
	Name string `json:"name"`
	ID   string `json:"id"`
	Args any    `json:"args"`
}

// MessageArgs is the payload of a chat message command.
type MessageArgs struct {
	Message string `json:"message"`
}

// NewChatMessage builds a chat message command with a fresh id.
func NewChatMessage(message string) *Command {
	return &Command{
		Name: CommandMessage,
		ID:   uuid.NewString(),
		Args: MessageArgs{Message: message},
	}
}

// EncodeCommand serializes a command for transport as a text frame.
func EncodeCommand(cmd *Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encoding %s command: %w", cmd.Name, err)
	}
	return data, nil
}
