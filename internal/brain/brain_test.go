// ABOUTME: Tests for the resilient brain client using an in-process bufconn brain.
// ABOUTME: Validates chat turns, error taxonomy mapping, and reconnect-until-shutdown behavior.

package brain

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/blueking/gestalt/internal/protocol"
	"github.com/blueking/gestalt/internal/shutdown"
	pb "github.com/blueking/gestalt/proto/blueking"
)

// fakeBrain is a scriptable BrainServer.
type fakeBrain struct {
	reply string
	err   error
	calls int
}

func (f *fakeBrain) Chat(ctx context.Context, ev *pb.ChatEvent) (*pb.ChatReply, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &pb.ChatReply{Reply: f.reply}, nil
}

// startFakeBrain serves the fake over an in-memory listener and returns a
// client wired to it.
func startFakeBrain(t *testing.T, sig *shutdown.Signal, fake *fakeBrain) *Client {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer()
	pb.RegisterBrainServer(server, fake)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	client := NewClient(Params{
		Addr:             "passthrough:///bufnet",
		ReconnectBackoff: 50 * time.Millisecond,
		ConnectTimeout:   time.Second,
		Shutdown:         sig,
	})
	client.dialOpts = []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClient_Chat(t *testing.T) {
	sig := shutdown.New()
	fake := &fakeBrain{reply: "hello back"}
	client := startFakeBrain(t, sig, fake)

	reply, err := client.Chat(context.Background(), &protocol.ChatEvent{Username: "steve", Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello back", reply)
}

func TestClient_ChatReusesChannel(t *testing.T) {
	sig := shutdown.New()
	fake := &fakeBrain{reply: "ok"}
	client := startFakeBrain(t, sig, fake)

	for i := 0; i < 3; i++ {
		_, err := client.Chat(context.Background(), &protocol.ChatEvent{Username: "a", Message: "m"})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, fake.calls)
}

func TestClient_ChatEmptyReply(t *testing.T) {
	sig := shutdown.New()
	client := startFakeBrain(t, sig, &fakeBrain{reply: ""})

	reply, err := client.Chat(context.Background(), &protocol.ChatEvent{Username: "a", Message: "hi"})
	require.NoError(t, err)
	assert.Empty(t, reply)
}

func TestClient_RPCErrorMapping(t *testing.T) {
	sig := shutdown.New()
	fake := &fakeBrain{err: status.Error(codes.Internal, "brain exploded")}
	client := startFakeBrain(t, sig, fake)

	_, err := client.Chat(context.Background(), &protocol.ChatEvent{Username: "a", Message: "hi"})
	assert.ErrorIs(t, err, ErrRPC)
	assert.ErrorContains(t, err, "brain exploded")
}

func TestClient_RetriesUntilShutdown(t *testing.T) {
	sig := shutdown.New()
	client := NewClient(Params{
		// Nothing listens here; every connection attempt fails.
		Addr:             "127.0.0.1:1",
		ReconnectBackoff: 50 * time.Millisecond,
		ConnectTimeout:   200 * time.Millisecond,
		Shutdown:         sig,
	})
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		_, err := client.Chat(context.Background(), &protocol.ChatEvent{Username: "a", Message: "hi"})
		done <- err
	}()

	// Let it cycle through at least one failed attempt and backoff.
	time.Sleep(150 * time.Millisecond)
	sig.Trigger()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCanceled)
	case <-time.After(2 * time.Second):
		t.Fatal("chat did not abort after shutdown")
	}
}

func TestClient_ShutdownAlreadyTriggered(t *testing.T) {
	sig := shutdown.New()
	sig.Trigger()

	client := NewClient(Params{
		Addr:             "127.0.0.1:1",
		ReconnectBackoff: 50 * time.Millisecond,
		ConnectTimeout:   time.Second,
		Shutdown:         sig,
	})
	defer client.Close()

	_, err := client.Chat(context.Background(), &protocol.ChatEvent{Username: "a", Message: "hi"})
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestClient_ContextCancellation(t *testing.T) {
	sig := shutdown.New()
	client := NewClient(Params{
		Addr:             "127.0.0.1:1",
		ReconnectBackoff: time.Hour, // never reached within the test
		ConnectTimeout:   time.Second,
		Shutdown:         sig,
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Chat(ctx, &protocol.ChatEvent{Username: "a", Message: "hi"})
	assert.ErrorIs(t, err, ErrCanceled)
}
