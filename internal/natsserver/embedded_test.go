package natsserver

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStartDisabled(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, newLogger())
	if err != nil || srv != nil {
		t.Fatalf("expected no server, got %v %v", srv, err)
	}
	srv.Shutdown()
}

func TestEmbeddedServerWithStream(t *testing.T) {
	cfg := config.BusConfig{Embedded: true, Port: 0, StoreDir: t.TempDir(), ConnectTimeout: 2000}
	srv, err := Start(cfg, newLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, "test", newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	if !client.Healthy() {
		t.Fatal("client should be connected")
	}

	if err := client.EnsureStream("TEST", []string{"test.>"}, time.Hour); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}
	// a second call updates in place
	if err := client.EnsureStream("TEST", []string{"test.>"}, 2*time.Hour); err != nil {
		t.Fatalf("update stream: %v", err)
	}
	if _, err := client.JetStream().Publish("test.one", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := client.JetStream().GetLastMsg("TEST", "test.one")
	if err != nil {
		t.Fatalf("get last: %v", err)
	}
	if string(msg.Data) != "hello" {
		t.Fatalf("unexpected data %q", msg.Data)
	}
	info, err := client.JetStream().StreamInfo("TEST")
	if err != nil || info.Config.Storage != nats.FileStorage {
		t.Fatalf("unexpected stream info %+v %v", info, err)
	}
}
