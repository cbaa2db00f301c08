// ABOUTME: Tests for the /cc WebSocket endpoint: handshake, lifecycle triggers, delivery.
// ABOUTME: Drives a real gorilla client against the gateway's HTTP handler.

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueking/gestalt/internal/config"
	"github.com/blueking/gestalt/internal/protocol"
	"github.com/blueking/gestalt/internal/registry"
	"github.com/blueking/gestalt/internal/shutdown"
)

// handledEvent is one routed event together with the context it carried.
type handledEvent struct {
	ctx   context.Context
	event protocol.Event
}

// recordingSink captures routed events so tests can assert on the stream.
type recordingSink struct {
	events chan handledEvent
}

func newRecordingSink() *recordingSink {
	return &recordingSink{events: make(chan handledEvent, 16)}
}

func (r *recordingSink) Handle(ctx context.Context, event protocol.Event) <-chan error {
	r.events <- handledEvent{ctx: ctx, event: event}
	result := make(chan error, 1)
	result <- nil
	return result
}

func (r *recordingSink) nextHandled(t *testing.T) handledEvent {
	t.Helper()
	select {
	case h := <-r.events:
		return h
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return handledEvent{}
	}
}

func (r *recordingSink) next(t *testing.T) protocol.Event {
	t.Helper()
	return r.nextHandled(t).event
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T, idleTimeout time.Duration) (*Gateway, *recordingSink, string) {
	t.Helper()

	cfg := config.Default()
	cfg.Clients.IdleTimeout = idleTimeout

	g := New(cfg, shutdown.New(), testLogger())
	sink := newRecordingSink()
	g.events = sink

	srv := httptest.NewServer(g.httpServer.Handler)
	t.Cleanup(srv.Close)

	return g, sink, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialCC(t *testing.T, baseURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(baseURL+"/cc", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func register(t *testing.T, conn *websocket.Conn, id int32, caps ...protocol.Capability) {
	t.Helper()
	sendJSON(t, conn, map[string]any{
		"type":         "register",
		"id":           id,
		"capabilities": caps,
	})
}

func TestFirstFrameMustBeRegister(t *testing.T) {
	g, sink, url := newTestGateway(t, time.Minute)
	conn := dialCC(t, url)

	sendJSON(t, conn, map[string]any{
		"type":     "chat",
		"username": "steve",
		"message":  "hello",
	})

	// The gateway drops the connection without registering anything.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	assert.Equal(t, 0, g.registry.Len())
	assert.Empty(t, sink.events)
}

func TestRegisterThenPeerClose(t *testing.T) {
	g, sink, url := newTestGateway(t, time.Minute)
	conn := dialCC(t, url)

	register(t, conn, 7, protocol.CapabilityChat)

	ev := sink.next(t)
	reg, ok := ev.(*protocol.RegisterEvent)
	require.True(t, ok, "expected register event, got %T", ev)
	assert.Equal(t, int32(7), reg.ID)
	assert.Equal(t, []protocol.Capability{protocol.CapabilityChat}, reg.Capabilities)
	assert.Equal(t, 1, g.registry.Len())

	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	require.NoError(t, err)

	ev = sink.next(t)
	dereg, ok := ev.(*protocol.DeregisterEvent)
	require.True(t, ok, "expected deregister event, got %T", ev)
	assert.Equal(t, int32(7), dereg.ID)
	assert.False(t, dereg.TimedOut)

	// Removal happens before the deregister event is routed.
	assert.Equal(t, 0, g.registry.Len())
}

func TestIdleTimeout(t *testing.T) {
	g, sink, url := newTestGateway(t, 150*time.Millisecond)
	conn := dialCC(t, url)

	register(t, conn, 3)
	sink.next(t) // register

	ev := sink.next(t)
	dereg, ok := ev.(*protocol.DeregisterEvent)
	require.True(t, ok, "expected deregister event, got %T", ev)
	assert.Equal(t, int32(3), dereg.ID)
	assert.True(t, dereg.TimedOut)
	assert.Equal(t, 0, g.registry.Len())

	// The peer sees a normal-closure close frame.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if assert.ErrorAs(t, err, &closeErr) {
		assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	}
}

func TestActivityResetsIdleTimeout(t *testing.T) {
	_, sink, url := newTestGateway(t, 300*time.Millisecond)
	conn := dialCC(t, url)

	register(t, conn, 9)
	sink.next(t) // register

	// Keep sending within the window; the connection must outlive several
	// timeout periods.
	for i := 0; i < 5; i++ {
		time.Sleep(150 * time.Millisecond)
		sendJSON(t, conn, map[string]any{"type": "command_result", "command_id": "c1"})
		ev := sink.next(t)
		_, ok := ev.(*protocol.CommandResultEvent)
		require.True(t, ok, "expected command result, got %T", ev)
	}
}

func TestOutboundDelivery(t *testing.T) {
	g, sink, url := newTestGateway(t, time.Minute)
	conn := dialCC(t, url)

	register(t, conn, 4, protocol.CapabilityChat)
	sink.next(t) // register

	err := g.registry.SendTo(4, registry.Message{Type: registry.TextFrame, Data: []byte(`{"name":"message"}`)})
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.JSONEq(t, `{"name":"message"}`, string(data))
}

func TestMalformedFramesAreDropped(t *testing.T) {
	g, sink, url := newTestGateway(t, time.Minute)
	conn := dialCC(t, url)

	register(t, conn, 2)
	sink.next(t) // register

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	sendJSON(t, conn, map[string]any{"type": "chat", "username": "alex", "message": "hi"})

	// Only the well-formed chat event comes through; the connection stays up.
	ev := sink.next(t)
	chat, ok := ev.(*protocol.ChatEvent)
	require.True(t, ok, "expected chat event, got %T", ev)
	assert.Equal(t, "alex", chat.Username)
	assert.Equal(t, 1, g.registry.Len())
}

func TestEventContextSurvivesDisconnect(t *testing.T) {
	g, sink, url := newTestGateway(t, time.Minute)
	conn := dialCC(t, url)

	register(t, conn, 6, protocol.CapabilityChat)
	reg := sink.nextHandled(t)

	require.NoError(t, conn.Close())

	dereg := sink.nextHandled(t)
	require.IsType(t, &protocol.DeregisterEvent{}, dereg.event)

	// The connection is gone, but a brain turn started from it would still
	// be running; its context must not be canceled yet.
	select {
	case <-reg.ctx.Done():
		t.Fatal("event context canceled by disconnect")
	case <-dereg.ctx.Done():
		t.Fatal("event context canceled by disconnect")
	default:
	}

	// Shutdown is what ends event processing.
	g.shutdown.Trigger()
	select {
	case <-reg.ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("event context not canceled by shutdown")
	}
}

func TestHealthEndpoints(t *testing.T) {
	g, sink, url := newTestGateway(t, time.Minute)
	httpURL := "http" + strings.TrimPrefix(url, "ws")

	resp, err := http.Get(httpURL + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	resp, err = http.Get(httpURL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	conn := dialCC(t, url)
	register(t, conn, 11, protocol.CapabilityChat)
	sink.next(t) // register
	require.Equal(t, 1, g.registry.Len())

	resp, err = http.Get(httpURL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(httpURL + "/api/clients")
	require.NoError(t, err)
	var listing []registry.ClientInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	resp.Body.Close()
	require.Len(t, listing, 1)
	assert.Equal(t, int32(11), listing[0].ID)
}
