// ABOUTME: Minimal fake brain for E2E testing — serves blueking.Brain, echoes chat lines.
// ABOUTME: Usage: fake-brain [-addr 127.0.0.1:50051]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"

	"google.golang.org/grpc"

	pb "github.com/blueking/gestalt/proto/blueking"
)

type echoBrain struct{}

func (echoBrain) Chat(_ context.Context, ev *pb.ChatEvent) (*pb.ChatReply, error) {
	log.Printf("chat from %s: %s", ev.Username, ev.Message)

	// Stay quiet unless addressed, so idle chatter doesn't echo forever.
	if !strings.Contains(strings.ToLower(ev.Message), "brain") {
		return &pb.ChatReply{}, nil
	}
	return &pb.ChatReply{Reply: fmt.Sprintf("%s said: %s", ev.Username, ev.Message)}, nil
}

func main() {
	addr := flag.String("addr", "127.0.0.1:50051", "listen address")
	flag.Parse()

	if err := run(*addr); err != nil {
		log.Fatal(err)
	}
}

func run(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	srv := grpc.NewServer()
	pb.RegisterBrainServer(srv, echoBrain{})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	fmt.Fprintf(os.Stderr, "fake brain listening on %s\n", addr)
	return srv.Serve(lis)
}
