// Package capability advertises what a classroom node can do and tracks the
// other recording nodes seen on the bus.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/lecturecap/internal/bus"
	"github.com/loqalabs/lecturecap/internal/clock"
	"github.com/loqalabs/lecturecap/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	AnnounceSubject        = "lecturecap.node.announce"
	HeartbeatSubjectPrefix = "lecturecap.node.heartbeat."

	// Capability names advertised by a node.
	Record     = "lecture.record"
	Transcribe = "lecture.transcribe"
)

type Capability struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeInfo is the registry's view of one node.
type NodeInfo struct {
	ID           string       `json:"id"`
	Room         string       `json:"room,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	SessionState string       `json:"session_state,omitempty"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announceMessage struct {
	NodeID       string       `json:"node_id"`
	Room         string       `json:"room,omitempty"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID       string    `json:"node_id"`
	SessionState string    `json:"session_state,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Options configures a Registry.
type Options struct {
	Node         config.NodeConfig
	Capabilities []Capability
	// SessionState reports the local session state carried in heartbeats.
	SessionState func() string
	Source       clock.Source
}

type Registry struct {
	opts   Options
	log    *slog.Logger
	bus    *bus.Client
	source clock.Source

	mu    sync.RWMutex
	nodes map[string]*NodeInfo

	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
	meter  metric.Meter
}

// NewRegistry subscribes to node traffic, announces the local node and
// starts the heartbeat and health loops.
func NewRegistry(ctx context.Context, opts Options, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	if opts.Source == nil {
		opts.Source = clock.System()
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		opts:   opts,
		log:    log.With(slog.String("component", "node-registry")),
		bus:    busClient,
		source: opts.Source,
		nodes:  make(map[string]*NodeInfo),
		meter:  otel.Meter("github.com/loqalabs/lecturecap/capability"),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	interval := time.Duration(opts.Node.HeartbeatIntervalMS) * time.Millisecond
	heartbeat := r.source.NewTicker(interval)
	health := r.source.NewTicker(interval)
	r.wg.Add(2)
	go r.runHeartbeat(ctx, heartbeat)
	go r.monitorHealth(ctx, health)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slogError(err))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.subs = nil
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(AnnounceSubject, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(HeartbeatSubjectPrefix+"*", r.handleHeartbeat)
	if err != nil {
		_ = announceSub.Unsubscribe()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) runHeartbeat(ctx context.Context, ticker clock.Ticker) {
	defer r.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slogError(err))
			}
		}
	}
}

func (r *Registry) monitorHealth(ctx context.Context, ticker clock.Ticker) {
	defer r.wg.Done()
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.opts.Node.ID,
		Room:         r.opts.Node.Room,
		Capabilities: r.opts.Capabilities,
		Timestamp:    r.source.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(AnnounceSubject, payload); err != nil {
		return err
	}
	r.mu.Lock()
	node := r.nodeLocked(msg.NodeID)
	node.Room = msg.Room
	node.Capabilities = msg.Capabilities
	r.mu.Unlock()
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:    r.opts.Node.ID,
		Timestamp: r.source.Now().UTC(),
	}
	if r.opts.SessionState != nil {
		msg.SessionState = r.opts.SessionState()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(HeartbeatSubjectPrefix+r.opts.Node.ID, payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil || announcement.NodeID == "" {
		r.log.Warn("invalid announce message", slog.String("subject", msg.Subject))
		return
	}
	r.mu.Lock()
	node := r.nodeLocked(announcement.NodeID)
	node.Room = announcement.Room
	node.Capabilities = announcement.Capabilities
	r.mu.Unlock()
	r.log.Debug("node announced", slog.String("node_id", announcement.NodeID), slog.Int("capabilities", len(announcement.Capabilities)))
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message", slog.String("subject", msg.Subject))
		return
	}
	r.mu.Lock()
	node := r.nodeLocked(hb.NodeID)
	node.SessionState = hb.SessionState
	r.mu.Unlock()
}

// nodeLocked returns the entry for id, marking it seen now. Receipt time is
// used rather than the sender's timestamp so clock skew between rooms does
// not affect health.
func (r *Registry) nodeLocked(id string) *NodeInfo {
	node, ok := r.nodes[id]
	if !ok {
		node = &NodeInfo{ID: id}
		r.nodes[id] = node
	}
	node.LastSeen = r.source.Now().UTC()
	node.Healthy = true
	return node
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.opts.Node.HeartbeatTimeoutMS) * time.Millisecond
	now := r.source.Now()
	for _, node := range r.nodes {
		if now.Sub(node.LastSeen) > timeout {
			if node.Healthy {
				r.log.Info("node heartbeat lost", slog.String("node_id", node.ID))
			}
			node.Healthy = false
		}
	}
}

// Healthy reports whether the local node's own announcements reach the bus.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.opts.Node.ID]
	if !ok {
		return false
	}
	return node.Healthy
}

// Query returns known nodes sorted by id.
func (r *Registry) Query(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	var results []NodeInfo
	for _, node := range r.nodes {
		info := *node
		info.Capabilities = append([]Capability(nil), node.Capabilities...)
		if filter == nil || filter(info) {
			results = append(results, info)
		}
	}
	r.mu.RUnlock()
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) initMetrics() error {
	nodes, err := r.meter.Int64ObservableGauge("lecturecap.nodes.known", metric.WithDescription("Number of known classroom nodes"))
	if err != nil {
		return err
	}
	recording, err := r.meter.Int64ObservableGauge("lecturecap.nodes.recording", metric.WithDescription("Healthy nodes currently recording"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		known, active := r.counts()
		obs.ObserveInt64(nodes, known)
		obs.ObserveInt64(recording, active)
		return nil
	}, nodes, recording)
	return err
}

func (r *Registry) counts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var known, recording int64
	for _, node := range r.nodes {
		known++
		if node.Healthy && node.SessionState == "recording" {
			recording++
		}
	}
	return known, recording
}

// WithCapability matches nodes advertising name.
func WithCapability(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

// WithRoom matches nodes in room.
func WithRoom(room string) func(NodeInfo) bool {
	return func(node NodeInfo) bool { return node.Room == room }
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
