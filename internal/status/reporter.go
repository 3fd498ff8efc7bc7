// Package status publishes the daemon's status snapshot on the bus, answers
// status requests and keeps a view of every scribe node it hears from.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Source produces the current local snapshot.
type Source func() protocol.StatusSnapshot

// ReloadFunc reloads a terminated device.
type ReloadFunc func(ctx context.Context, deviceID string) error

type Node struct {
	ID       string                  `json:"id"`
	Snapshot protocol.StatusSnapshot `json:"snapshot"`
	LastSeen time.Time               `json:"last_seen"`
	Healthy  bool                    `json:"healthy"`
}

type Reporter struct {
	cfg     config.NodeConfig
	log     *slog.Logger
	conn    *nats.Conn
	source  Source
	reload  ReloadFunc
	timeout time.Duration
	clock   func() time.Time

	mu    sync.RWMutex
	nodes map[string]*Node

	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
}

// New subscribes to heartbeats and control requests and starts publishing the
// local snapshot every heartbeat interval. A node is unhealthy once three
// intervals pass without a heartbeat from it.
func New(ctx context.Context, cfg config.NodeConfig, conn *nats.Conn, source Source, reload ReloadFunc, log *slog.Logger) (*Reporter, error) {
	ctx, cancel := context.WithCancel(ctx)
	interval := time.Duration(cfg.HeartbeatInterval) * time.Millisecond
	r := &Reporter{
		cfg:     cfg,
		log:     log.With(slog.String("component", "status")),
		conn:    conn,
		source:  source,
		reload:  reload,
		timeout: 3 * interval,
		clock:   time.Now,
		nodes:   make(map[string]*Node),
		cancel:  cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := r.subscribe(); err != nil {
		r.Close()
		return nil, err
	}

	r.wg.Add(1)
	go r.run(ctx, interval)

	if err := r.publish(); err != nil {
		r.log.Warn("failed to publish status", slog.String("error", err.Error()))
	}
	return r, nil
}

func (r *Reporter) Close() {
	r.cancel()
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Reporter) subscribe() error {
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectStatus + ".*", r.handleHeartbeat},
		{protocol.SubjectStatusRequest, r.handleStatusRequest},
		{protocol.SubjectReloadRequest, r.handleReloadRequest},
	}
	for _, h := range handlers {
		sub, err := r.conn.Subscribe(h.subject, h.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		r.subs = append(r.subs, sub)
	}
	return nil
}

func (r *Reporter) run(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()
	health := time.NewTicker(time.Second)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publish(); err != nil {
				r.log.Warn("failed to publish status", slog.String("error", err.Error()))
			}
		case <-health.C:
			r.evaluateHealth()
		}
	}
}

func (r *Reporter) publish() error {
	payload, err := json.Marshal(r.source())
	if err != nil {
		return err
	}
	return r.conn.Publish(protocol.SubjectStatus+"."+r.cfg.ID, payload)
}

func (r *Reporter) handleHeartbeat(msg *nats.Msg) {
	var snap protocol.StatusSnapshot
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		r.log.Warn("invalid status message", slog.String("error", err.Error()))
		return
	}
	id := snap.Node
	if id == "" {
		id = strings.TrimPrefix(msg.Subject, protocol.SubjectStatus+".")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[id]
	if !ok {
		node = &Node{ID: id}
		r.nodes[id] = node
	}
	node.Snapshot = snap
	node.LastSeen = r.clock()
	node.Healthy = true
}

func (r *Reporter) handleStatusRequest(msg *nats.Msg) {
	payload, err := json.Marshal(r.source())
	if err != nil {
		r.log.Warn("failed to encode status", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(payload); err != nil {
		r.log.Warn("failed to answer status request", slog.String("error", err.Error()))
	}
}

func (r *Reporter) handleReloadRequest(msg *nats.Msg) {
	var req protocol.ReloadRequest
	var reply protocol.ReloadReply
	switch err := json.Unmarshal(msg.Data, &req); {
	case err != nil:
		reply.Error = err.Error()
	case r.reload == nil:
		reply.Error = "reload not supported"
	default:
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		if err := r.reload(ctx, req.DeviceID); err != nil {
			reply.Error = err.Error()
		}
		cancel()
	}
	payload, _ := json.Marshal(reply)
	if err := msg.Respond(payload); err != nil {
		r.log.Warn("failed to answer reload request", slog.String("error", err.Error()))
	}
}

func (r *Reporter) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > r.timeout {
			node.Healthy = false
		}
	}
}

// Healthy reports whether this node's own heartbeat is making it through the
// bus.
func (r *Reporter) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Nodes returns every known node sorted by id.
func (r *Reporter) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, *node)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Reporter) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-scribe/status")
	gauge, err := meter.Int64ObservableGauge("scribe.nodes.healthy", metric.WithDescription("Scribe nodes with a recent heartbeat"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var healthy int64
		for _, n := range r.Nodes() {
			if n.Healthy {
				healthy++
			}
		}
		obs.ObserveInt64(gauge, healthy)
		return nil
	}, gauge)
	return err
}

// Request asks a running daemon for its snapshot.
func Request(ctx context.Context, conn *nats.Conn) (protocol.StatusSnapshot, error) {
	var snap protocol.StatusSnapshot
	msg, err := conn.RequestWithContext(ctx, protocol.SubjectStatusRequest, nil)
	if err != nil {
		return snap, fmt.Errorf("status request: %w", err)
	}
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		return snap, fmt.Errorf("decode status: %w", err)
	}
	return snap, nil
}
