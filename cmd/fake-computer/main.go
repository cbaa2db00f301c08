// ABOUTME: Minimal fake computer client for E2E testing — connects via WebSocket, relays chat.
// ABOUTME: Usage: fake-computer [-addr localhost:3000] [-id 1] [-user Steve]
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/blueking/gestalt/internal/protocol"
)

func main() {
	addr := flag.String("addr", "localhost:3000", "gateway WebSocket address")
	id := flag.Int("id", 1, "computer ID")
	user := flag.String("user", "Steve", "username attached to chat lines typed on stdin")
	flag.Parse()

	if err := run(*addr, int32(*id), *user); err != nil {
		log.Fatal(err)
	}
}

// sender serializes data-frame writes. The read loop's acks and the stdin
// relay share the connection, and gorilla allows only one writer at a time.
type sender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *sender) writeText(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *sender) writeEvent(ev protocol.Event) error {
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", ev.Type(), err)
	}
	return s.writeText(data)
}

func run(addr string, id int32, user string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	url := fmt.Sprintf("ws://%s/cc", addr)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	out := &sender{conn: conn}

	// Register with the chat capability so the gateway routes replies here.
	if err := out.writeEvent(&protocol.RegisterEvent{
		ID:           id,
		Capabilities: []protocol.Capability{protocol.CapabilityChat},
	}); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	fmt.Fprintf(os.Stderr, "registered as computer %d\n", id)

	// Stdin lines become chat events.
	go readStdin(ctx, out, user)

	// Close the socket when the context ends so ReadMessage unblocks.
	// Control writes are safe alongside the serialized data writes.
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return nil
			}
			return fmt.Errorf("recv error: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var cmd struct {
			Name string `json:"name"`
			ID   string `json:"id"`
			Args struct {
				Message string `json:"message"`
			} `json:"args"`
		}
		if err := json.Unmarshal(data, &cmd); err != nil {
			log.Printf("ignoring frame: %v", err)
			continue
		}

		log.Printf("received command [%s] %s: %s", cmd.ID, cmd.Name, cmd.Args.Message)

		// Acknowledge the command the way a real computer would.
		if err := out.writeEvent(&protocol.CommandResultEvent{CommandID: cmd.ID}); err != nil {
			log.Printf("send ack error: %v", err)
		}
	}
}

// readStdin relays typed lines as chat events until stdin closes or the
// context ends.
func readStdin(ctx context.Context, out *sender, user string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if line == "" {
			continue
		}

		if err := out.writeEvent(&protocol.ChatEvent{Username: user, Message: line}); err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) {
				return
			}
			log.Printf("send chat error: %v", err)
		}
	}
}
