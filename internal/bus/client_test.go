package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/lecturecap/internal/config"
	"github.com/loqalabs/lecturecap/internal/natsserver"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startServer(t *testing.T) config.BusConfig {
	t.Helper()
	cfg := config.BusConfig{Embedded: true, Port: -1, ConnectTimeout: 2000}
	srv, err := natsserver.Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}
	return cfg
}

func TestConnectWithoutDeadline(t *testing.T) {
	cfg := startServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := Connect(ctx, cfg, "bus-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	if !client.Healthy() {
		t.Fatal("expected healthy connection")
	}
}

func TestConnectWithDeadline(t *testing.T) {
	cfg := startServer(t)
	cfg.ConnectTimeout = 0
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Connect(ctx, cfg, "bus-test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	if client.Conn().ConnectedUrl() == "" {
		t.Fatal("expected connected url")
	}
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), config.BusConfig{}, "bus-test", newLogger()); err == nil {
		t.Fatal("expected error without servers")
	}
}

func TestCloseNilClient(t *testing.T) {
	var c *Client
	c.Close()
	if c.Healthy() {
		t.Fatal("nil client must not be healthy")
	}
}
