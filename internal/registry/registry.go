// ABOUTME: Concurrency-safe table of connected computer clients keyed by id.
// ABOUTME: Supports point lookup, capability lookup, and wholesale capability refresh.

package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/blueking/gestalt/internal/protocol"
)

// ErrClientNotRegistered indicates the requested client id is unknown.
var ErrClientNotRegistered = errors.New("client not registered")

// Registry is the authoritative table of currently connected clients.
// All access goes through its lock-guarded methods; lookups clone the
// client handle and release the lock before any I/O happens on it.
type Registry struct {
	mu      sync.Mutex
	clients map[int32]*Client
	logger  *slog.Logger
}

// New creates an empty registry. Pass nil logger for the default.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clients: make(map[int32]*Client),
		logger:  logger.With("component", "registry"),
	}
}

// Register inserts the client, silently replacing any existing entry with
// the same id. The replaced entry's channel is simply dropped; its
// connection handler tears it down on its own.
func (r *Registry) Register(client *Client) {
	r.mu.Lock()
	r.clients[client.ID] = client
	capabilities := client.Capabilities
	total := len(r.clients)
	r.mu.Unlock()

	r.logger.Info("client registered",
		"client_id", client.ID,
		"capabilities", capabilities,
		"total_clients", total,
	)
}

// Remove deletes the client if present. Removing an unknown or
// already-removed id is a no-op.
func (r *Registry) Remove(id int32) {
	r.mu.Lock()
	_, existed := r.clients[id]
	delete(r.clients, id)
	total := len(r.clients)
	r.mu.Unlock()

	if existed {
		r.logger.Info("client removed",
			"client_id", id,
			"total_clients", total,
		)
	}
}

// SendTo queues a raw frame for the given client. The handle is captured
// under the lock but the send happens after release, so a slow recipient
// cannot stall other registry operations.
func (r *Registry) SendTo(id int32, msg Message) error {
	r.mu.Lock()
	client, ok := r.clients[id]
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: client %d", ErrClientNotRegistered, id)
	}
	if err := client.Send(msg); err != nil {
		return fmt.Errorf("sending to client %d: %w", id, err)
	}
	return nil
}

// UpdateCapabilities replaces the capability set for an existing client.
// Unlike Register it does not create an entry; an unknown id is an error.
func (r *Registry) UpdateCapabilities(id int32, capabilities []protocol.Capability) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, ok := r.clients[id]
	if !ok {
		return fmt.Errorf("%w: client %d", ErrClientNotRegistered, id)
	}
	client.Capabilities = capabilities
	return nil
}

// FindByCapability returns some client advertising the capability, or nil.
// When several clients qualify the choice follows map iteration order and is
// deliberately non-deterministic.
func (r *Registry) FindByCapability(capability protocol.Capability) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, client := range r.clients {
		for _, c := range client.Capabilities {
			if c == capability {
				return client
			}
		}
	}
	return nil
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// ClientInfo is a point-in-time snapshot of one registry entry.
type ClientInfo struct {
	ID           int32                 `json:"id"`
	Capabilities []protocol.Capability `json:"capabilities"`
}

// List returns a snapshot of all registered clients.
func (r *Registry) List() []ClientInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]ClientInfo, 0, len(r.clients))
	for _, client := range r.clients {
		infos = append(infos, ClientInfo{
			ID:           client.ID,
			Capabilities: client.Capabilities,
		})
	}
	return infos
}
