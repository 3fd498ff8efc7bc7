package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func connect(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(conn.Close)
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReporterHeartbeatAndRequest(t *testing.T) {
	conn := connect(t)
	source := func() protocol.StatusSnapshot {
		return protocol.StatusSnapshot{Node: "scribe-a", Running: true, QueueDepth: 3}
	}
	r, err := New(context.Background(), config.NodeConfig{ID: "scribe-a", HeartbeatInterval: 50}, conn, source, nil, newLogger())
	if err != nil {
		t.Fatalf("new reporter: %v", err)
	}
	t.Cleanup(r.Close)

	waitFor(t, "own heartbeat", r.Healthy)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err := Request(ctx, conn)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if snap.Node != "scribe-a" || snap.QueueDepth != 3 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestReporterTracksPeersAndExpires(t *testing.T) {
	conn := connect(t)
	source := func() protocol.StatusSnapshot { return protocol.StatusSnapshot{Node: "scribe-a"} }
	r, err := New(context.Background(), config.NodeConfig{ID: "scribe-a", HeartbeatInterval: 50}, conn, source, nil, newLogger())
	if err != nil {
		t.Fatalf("new reporter: %v", err)
	}
	t.Cleanup(r.Close)

	payload, _ := json.Marshal(protocol.StatusSnapshot{Node: "scribe-b"})
	if err := conn.Publish(protocol.SubjectStatus+".scribe-b", payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, "peer", func() bool { return len(r.Nodes()) == 2 })

	r.mu.Lock()
	r.clock = func() time.Time { return time.Now().Add(time.Minute) }
	r.mu.Unlock()
	r.evaluateHealth()
	for _, n := range r.Nodes() {
		if n.ID == "scribe-b" && n.Healthy {
			t.Fatal("silent peer should be unhealthy")
		}
	}
}

func TestReporterReload(t *testing.T) {
	conn := connect(t)
	reloaded := make(chan string, 1)
	reload := func(_ context.Context, id string) error {
		if id == "gpu9" {
			return errors.New("unknown device")
		}
		reloaded <- id
		return nil
	}
	source := func() protocol.StatusSnapshot { return protocol.StatusSnapshot{Node: "scribe-a"} }
	r, err := New(context.Background(), config.NodeConfig{ID: "scribe-a", HeartbeatInterval: 1000}, conn, source, reload, newLogger())
	if err != nil {
		t.Fatalf("new reporter: %v", err)
	}
	t.Cleanup(r.Close)

	ask := func(id string) protocol.ReloadReply {
		data, _ := json.Marshal(protocol.ReloadRequest{DeviceID: id})
		msg, err := conn.Request(protocol.SubjectReloadRequest, data, time.Second)
		if err != nil {
			t.Fatalf("reload request: %v", err)
		}
		var reply protocol.ReloadReply
		if err := json.Unmarshal(msg.Data, &reply); err != nil {
			t.Fatalf("decode reply: %v", err)
		}
		return reply
	}
	if reply := ask("gpu0"); reply.Error != "" {
		t.Fatalf("unexpected reload reply %+v", reply)
	}
	if id := <-reloaded; id != "gpu0" {
		t.Fatalf("reloaded %q", id)
	}
	if reply := ask("gpu9"); reply.Error == "" {
		t.Fatal("expected reload error")
	}
}
