// ABOUTME: Gateway orchestrator that coordinates the WebSocket and control gRPC servers.
// ABOUTME: Wires registry, dispatch, events, and brain together and manages their lifecycle.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/blueking/gestalt/internal/brain"
	"github.com/blueking/gestalt/internal/config"
	"github.com/blueking/gestalt/internal/dispatch"
	"github.com/blueking/gestalt/internal/events"
	"github.com/blueking/gestalt/internal/protocol"
	"github.com/blueking/gestalt/internal/registry"
	"github.com/blueking/gestalt/internal/shutdown"
	pb "github.com/blueking/gestalt/proto/blueking"
)

// EventSink receives inbound events for routing. events.Service is the
// production implementation; tests substitute a recorder.
type EventSink interface {
	Handle(ctx context.Context, event protocol.Event) <-chan error
}

// Gateway orchestrates the gestalt server components: the HTTP server
// terminating the /cc WebSocket endpoint and the control-plane gRPC server
// the Brain calls back into.
type Gateway struct {
	config   *config.Config
	registry *registry.Registry
	dispatch *dispatch.Dispatcher
	events   EventSink
	brain    *brain.Client
	shutdown *shutdown.Signal

	grpcServer *grpc.Server
	httpServer *http.Server
	logger     *slog.Logger

	// eventCtx bounds in-flight event processing. It is tied to shutdown,
	// not to any single connection, so a chat turn started just before a
	// disconnect still completes.
	eventCtx    context.Context
	eventCancel context.CancelFunc
}

// New creates a Gateway wired per the given configuration. The brain
// connection is lazy: nothing is dialed until the first chat event.
func New(cfg *config.Config, sig *shutdown.Signal, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	reg := registry.New(logger)
	dispatcher := dispatch.New(reg, logger)
	brainClient := brain.NewClient(brain.Params{
		Addr:             cfg.Brain.Addr,
		ReconnectBackoff: cfg.Brain.ReconnectBackoff,
		ConnectTimeout:   cfg.Brain.ConnectTimeout,
		Shutdown:         sig,
		Logger:           logger,
	})
	eventService := events.New(brainClient, reg, dispatcher, logger)

	g := &Gateway{
		config:   cfg,
		registry: reg,
		dispatch: dispatcher,
		events:   eventService,
		brain:    brainClient,
		shutdown: sig,
		logger:   logger.With("component", "gateway"),
	}
	g.eventCtx, g.eventCancel = sig.Context(context.Background())

	g.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
	)
	pb.RegisterGestaltServer(g.grpcServer, newGestaltServer(dispatcher, logger))

	mux := http.NewServeMux()
	mux.HandleFunc("/cc", g.handleCC)
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	mux.HandleFunc("/api/clients", g.handleClients)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.WSAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return g
}

// setupListeners binds both server sockets. A bind failure is fatal to
// startup.
func (g *Gateway) setupListeners() (grpcLn, wsLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"ws_addr", g.config.Server.WSAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}

	wsLn, err = net.Listen("tcp", g.config.Server.WSAddr)
	if err != nil {
		_ = grpcLn.Close()
		return nil, nil, fmt.Errorf("listening on WebSocket address: %w", err)
	}

	return grpcLn, wsLn, nil
}

// startServers runs both servers on their own goroutines reporting into a
// shared error channel.
func (g *Gateway) startServers(grpcLn, wsLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("control gRPC server listening", "addr", grpcLn.Addr().String())
		if err := g.grpcServer.Serve(grpcLn); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	go func() {
		g.logger.Info("WebSocket server listening", "addr", wsLn.Addr().String())
		if err := g.httpServer.Serve(wsLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("WebSocket server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for the shutdown signal or a server error.
func (g *Gateway) waitForShutdownSignal(errCh chan error) error {
	select {
	case <-g.shutdown.Done():
		g.logger.Info("shutdown signaled, stopping servers")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run binds the listeners, serves until shutdown fires or a server fails,
// then performs a graceful stop.
func (g *Gateway) Run(ctx context.Context) error {
	g.shutdown.Bind(ctx)

	grpcListener, wsListener, err := g.setupListeners()
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcListener, wsListener)
	serverErr := g.waitForShutdownSignal(errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the run context is already
// canceled by then.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer stops the gRPC server gracefully, forcing a hard stop
// if the context deadline passes first.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// Shutdown stops both servers and releases the brain channel.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.shutdown.Trigger()
	g.eventCancel()

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("WebSocket shutdown: %w", err))
	}

	g.shutdownGRPCServer(ctx)

	if err := g.brain.Close(); err != nil {
		errs = append(errs, fmt.Errorf("brain close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once at least one client is registered.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.registry.Len()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no clients connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d clients)", n)
}

// handleClients returns the registry listing as JSON.
func (g *Gateway) handleClients(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(g.registry.List()); err != nil {
		g.logger.Error("encoding client listing", "error", err)
	}
}
