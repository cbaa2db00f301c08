// ABOUTME: Per-connection driver for the /cc WebSocket endpoint.
// ABOUTME: Registration handshake, outbound write pump, idle-timeout read loop, exactly-once teardown.

package gateway

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blueking/gestalt/internal/protocol"
	"github.com/blueking/gestalt/internal/registry"
)

// closeGraceTimeout bounds the best-effort close frame sent on idle timeout.
const closeGraceTimeout = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// In-game computers do not send an Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleCC upgrades the request and drives the connection until it ends.
func (g *Gateway) handleCC(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	g.handleConn(conn)
}

// handleConn performs the handshake, registers the client, and runs the
// read loop. Registry removal and the deregister event happen exactly once
// per connection, whichever trigger ends it.
func (g *Gateway) handleConn(conn *websocket.Conn) {
	defer conn.Close()

	reg, ok := g.awaitRegister(conn)
	if !ok {
		// Nothing was registered, so there is nothing to clean up.
		return
	}

	client := registry.NewClient(reg.ID, reg.Capabilities, g.config.Clients.SendBuffer)
	g.registry.Register(client)

	go g.writePump(conn, client)

	// The register event also flows through the event service for
	// capability bookkeeping.
	g.routeEvent(client.ID, reg)

	timedOut := g.readLoop(conn, client.ID)

	g.registry.Remove(client.ID)
	client.Close()
	g.routeEvent(client.ID, &protocol.DeregisterEvent{ID: client.ID, TimedOut: timedOut})
}

// awaitRegister reads the handshake frame. Anything other than a well-formed
// register event aborts the connection before it ever reaches the registry.
func (g *Gateway) awaitRegister(conn *websocket.Conn) (*protocol.RegisterEvent, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(g.config.Clients.IdleTimeout))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		g.logger.Error("connection ended before registration", "error", err)
		return nil, false
	}
	if msgType != websocket.TextMessage {
		g.logger.Error("expected text register frame", "frame_type", msgType)
		return nil, false
	}

	ev, err := protocol.DecodeEvent(data)
	if err != nil {
		g.logger.Error("invalid register frame", "error", err)
		return nil, false
	}
	reg, ok := ev.(*protocol.RegisterEvent)
	if !ok {
		g.logger.Error("first frame must be a register event", "type", ev.Type())
		return nil, false
	}
	return reg, true
}

// writePump drains the client's outbound channel onto the connection until
// the client is torn down or a write fails. It is the connection's only
// data-frame writer.
func (g *Gateway) writePump(conn *websocket.Conn, client *registry.Client) {
	for {
		select {
		case msg := <-client.Outbound():
			if err := conn.WriteMessage(msg.Type, msg.Data); err != nil {
				g.logger.Warn("write to client failed", "client_id", client.ID, "error", err)
				return
			}
		case <-client.Closed():
			return
		}
	}
}

// readLoop processes inbound frames bounded by the idle timeout. It returns
// true when the connection ended because the idle timeout expired.
func (g *Gateway) readLoop(conn *websocket.Conn, clientID int32) bool {
	logger := g.logger.With("client_id", clientID)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(g.config.Clients.IdleTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			var netErr net.Error
			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				logger.Warn("client timed out (no activity)")
				// Best-effort close frame before exiting. WriteControl is
				// safe alongside the write pump.
				deadline := time.Now().Add(closeGraceTimeout)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "idle timeout"), deadline)
				return true
			case errors.As(err, &closeErr):
				logger.Info("client disconnected", "code", closeErr.Code)
				return false
			default:
				logger.Info("client stream ended", "error", err)
				return false
			}
		}

		if msgType != websocket.TextMessage {
			// Non-text frames are ignored; control frames are handled by
			// the transport.
			continue
		}

		ev, err := protocol.DecodeEvent(data)
		if err != nil {
			// Decode failures drop the frame, never the connection.
			logger.Error("invalid event frame", "error", err)
			continue
		}
		g.routeEvent(clientID, ev)
	}
}

// routeEvent hands the event to the sink and observes its outcome without
// blocking the read loop, so a slow brain call never stalls frame intake.
// Events from one connection may therefore complete out of order. Processing
// is bounded by the gateway-wide event context, not the connection, so an
// in-flight brain turn survives its client disconnecting.
func (g *Gateway) routeEvent(clientID int32, ev protocol.Event) {
	result := g.events.Handle(g.eventCtx, ev)
	go func() {
		if err := <-result; err != nil {
			g.logger.Error("failed to process event",
				"client_id", clientID,
				"type", ev.Type(),
				"error", err,
			)
		}
	}()
}
