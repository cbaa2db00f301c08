// ABOUTME: Tests for action dispatch against the client registry.
// ABOUTME: Validates capability routing, failure mapping, and the panic-as-logged policy.

package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueking/gestalt/internal/protocol"
	"github.com/blueking/gestalt/internal/registry"
)

func waitResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(time.Second):
		t.Fatal("dispatch did not resolve")
		return nil
	}
}

func TestDispatch_SendToID(t *testing.T) {
	t.Run("delivers", func(t *testing.T) {
		reg := registry.New(nil)
		client := registry.NewClient(1, nil, 8)
		reg.Register(client)
		d := New(reg, nil)

		err := waitResult(t, d.Dispatch(SendToID{ID: 1, Message: registry.Message{Type: registry.TextFrame, Data: []byte("x")}}))
		require.NoError(t, err)

		msg := <-client.Outbound()
		assert.Equal(t, []byte("x"), msg.Data)
	})

	t.Run("unknown id maps to send failure", func(t *testing.T) {
		d := New(registry.New(nil), nil)
		err := waitResult(t, d.Dispatch(SendToID{ID: 9, Message: registry.Message{Type: registry.TextFrame}}))
		assert.ErrorIs(t, err, ErrSendFailed)
	})
}

func TestDispatch_SendToCapability(t *testing.T) {
	t.Run("delivers to exactly one qualifying client", func(t *testing.T) {
		reg := registry.New(nil)
		a := registry.NewClient(1, []protocol.Capability{protocol.CapabilityChat}, 8)
		b := registry.NewClient(2, []protocol.Capability{protocol.CapabilityChat}, 8)
		reg.Register(a)
		reg.Register(b)
		d := New(reg, nil)

		cmd := protocol.NewChatMessage("hello")
		err := waitResult(t, d.Dispatch(SendToCapability{Capability: protocol.CapabilityChat, Command: cmd}))
		require.NoError(t, err)

		// Exactly one qualifying client received it; which one is
		// deliberately unspecified.
		delivered := len(a.Outbound()) + len(b.Outbound())
		assert.Equal(t, 1, delivered)
	})

	t.Run("no qualifying client", func(t *testing.T) {
		reg := registry.New(nil)
		reg.Register(registry.NewClient(1, nil, 8))
		d := New(reg, nil)

		err := waitResult(t, d.Dispatch(SendToCapability{Capability: protocol.CapabilityChat, Command: protocol.NewChatMessage("hi")}))
		assert.ErrorIs(t, err, ErrNoClient)
	})

	t.Run("closed client maps to send failure", func(t *testing.T) {
		reg := registry.New(nil)
		client := registry.NewClient(1, []protocol.Capability{protocol.CapabilityChat}, 8)
		reg.Register(client)
		client.Close()
		d := New(reg, nil)

		err := waitResult(t, d.Dispatch(SendToCapability{Capability: protocol.CapabilityChat, Command: protocol.NewChatMessage("hi")}))
		assert.ErrorIs(t, err, ErrSendFailed)
	})

	t.Run("full channel maps to send failure", func(t *testing.T) {
		reg := registry.New(nil)
		client := registry.NewClient(1, []protocol.Capability{protocol.CapabilityChat}, 1)
		reg.Register(client)
		require.NoError(t, client.SendText([]byte("filler")))
		d := New(reg, nil)

		err := waitResult(t, d.Dispatch(SendToCapability{Capability: protocol.CapabilityChat, Command: protocol.NewChatMessage("hi")}))
		assert.ErrorIs(t, err, ErrSendFailed)
	})
}

// badAction is not part of the sealed action set the dispatcher handles,
// which makes its unit of work panic.
type badAction struct{}

func (badAction) isAction() {}

func TestDispatch_PanicIsLoggedNotSurfaced(t *testing.T) {
	d := New(registry.New(nil), nil)

	err := waitResult(t, d.Dispatch(badAction{}))
	// Execution faults resolve as success; they are a logging concern.
	assert.NoError(t, err)
}

func TestDispatch_DoesNotBlockCaller(t *testing.T) {
	reg := registry.New(nil)
	// Zero-capacity channel client would block a naive synchronous send;
	// the non-blocking send policy plus the dispatch goroutine keep the
	// caller free either way.
	client := registry.NewClient(1, []protocol.Capability{protocol.CapabilityChat}, 1)
	reg.Register(client)
	d := New(reg, nil)

	start := time.Now()
	result := d.Dispatch(SendToCapability{Capability: protocol.CapabilityChat, Command: protocol.NewChatMessage("hi")})
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	waitResult(t, result)
}
