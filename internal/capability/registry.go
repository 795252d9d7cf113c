// Package capability tracks which nodes on the bus can capture speech,
// recognize it or generate text. Nodes announce themselves, heartbeat, and
// say goodbye on shutdown; a node that misses heartbeats is marked unhealthy
// and eventually forgotten.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/loqalabs/loqa-coach/internal/bus"
	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	SubjectAnnounce        = "ctrl.node.announce"
	SubjectDiscover        = "ctrl.node.discover"
	SubjectLeave           = "ctrl.node.leave"
	SubjectHeartbeatPrefix = "ctrl.node.heartbeat"

	// forgetAfter is how many heartbeat timeouts an unhealthy node is kept.
	forgetAfter = 10
)

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

// nodeMessage is the payload of announce, heartbeat and leave messages.
// Heartbeats and leaves carry only the id.
type nodeMessage struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

type Registry struct {
	cfg      config.NodeConfig
	log      *slog.Logger
	bus      *bus.Client
	interval time.Duration
	timeout  time.Duration

	mu    sync.RWMutex
	nodes map[string]NodeInfo
	extra []Capability

	subs   []*nats.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:      cfg,
		log:      log.With(slog.String("component", "capability-registry"), slog.String("node_id", cfg.ID)),
		bus:      busClient,
		interval: time.Duration(cfg.HeartbeatInterval) * time.Millisecond,
		timeout:  time.Duration(cfg.HeartbeatTimeout) * time.Millisecond,
		nodes:    make(map[string]NodeInfo),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if r.interval <= 0 {
		r.interval = time.Second
	}
	if r.timeout <= 0 {
		r.timeout = 3 * r.interval
	}
	if err := r.registerMetrics(); err != nil {
		r.log.Warn("failed to register capability metrics", slog.String("error", err.Error()))
	}

	handlers := map[string]nats.MsgHandler{
		SubjectAnnounce:               r.handleAnnounce,
		SubjectDiscover:               r.handleDiscover,
		SubjectLeave:                  r.handleLeave,
		SubjectHeartbeatPrefix + ".*": r.handleHeartbeat,
	}
	for subject, handler := range handlers {
		sub, err := busClient.Conn().Subscribe(subject, handler)
		if err != nil {
			cancel()
			r.unsubscribe()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		r.subs = append(r.subs, sub)
	}

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}
	// Peers that started earlier re-announce so this node learns about them.
	if err := r.bus.PublishJSON(SubjectDiscover, nodeMessage{NodeID: cfg.ID, Timestamp: time.Now().UTC()}); err != nil {
		r.log.Warn("failed to request discovery", slog.String("error", err.Error()))
	}

	go r.loop(ctx)
	return r, nil
}

// Close tells peers this node is leaving and stops heartbeating.
func (r *Registry) Close() {
	r.cancel()
	<-r.done
	if err := r.bus.PublishJSON(SubjectLeave, nodeMessage{NodeID: r.cfg.ID, Timestamp: time.Now().UTC()}); err != nil {
		r.log.Debug("failed to publish leave", slog.String("error", err.Error()))
	}
	r.unsubscribe()
}

func (r *Registry) unsubscribe() {
	for _, sub := range r.subs {
		_ = sub.Unsubscribe()
	}
	r.subs = nil
}

func (r *Registry) loop(ctx context.Context) {
	defer close(r.done)
	heartbeat := time.NewTicker(r.interval)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-heartbeat.C:
			msg := nodeMessage{NodeID: r.cfg.ID, Timestamp: now.UTC()}
			if err := r.bus.PublishJSON(SubjectHeartbeatPrefix+"."+r.cfg.ID, msg); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
			r.sweep(now)
		}
	}
}

// Advertise adds capabilities to this node and re-announces it. Services call
// it once they are ready to serve requests.
func (r *Registry) Advertise(caps ...Capability) error {
	r.mu.Lock()
	for _, c := range caps {
		if !hasCapability(r.extra, c.Name) {
			r.extra = append(r.extra, c)
		}
	}
	r.mu.Unlock()
	return r.announce()
}

func (r *Registry) announce() error {
	r.mu.RLock()
	caps := make([]Capability, 0, len(r.cfg.Capabilities)+len(r.extra))
	for _, c := range r.cfg.Capabilities {
		caps = append(caps, Capability{Name: c.Name, Tier: c.Tier, Attributes: c.Attributes})
	}
	caps = append(caps, r.extra...)
	r.mu.RUnlock()

	msg := nodeMessage{NodeID: r.cfg.ID, Role: r.cfg.Role, Capabilities: caps, Timestamp: time.Now().UTC()}
	r.observe(msg)
	return r.bus.PublishJSON(SubjectAnnounce, msg)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	if m, ok := r.decode(msg); ok {
		r.observe(m)
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	m, ok := r.decode(msg)
	if !ok {
		return
	}
	r.mu.RLock()
	_, known := r.nodes[m.NodeID]
	r.mu.RUnlock()
	if !known {
		// A node we forgot is still alive; ask it to announce again.
		_ = r.bus.PublishJSON(SubjectDiscover, nodeMessage{NodeID: r.cfg.ID, Timestamp: time.Now().UTC()})
		return
	}
	r.observe(m)
}

func (r *Registry) handleDiscover(msg *nats.Msg) {
	m, ok := r.decode(msg)
	if !ok || m.NodeID == r.cfg.ID {
		return
	}
	if err := r.announce(); err != nil {
		r.log.Warn("failed to answer discovery", slog.String("error", err.Error()))
	}
}

func (r *Registry) handleLeave(msg *nats.Msg) {
	m, ok := r.decode(msg)
	if !ok || m.NodeID == r.cfg.ID {
		return
	}
	r.mu.Lock()
	delete(r.nodes, m.NodeID)
	r.mu.Unlock()
	r.log.Info("node left", slog.String("peer", m.NodeID))
}

func (r *Registry) decode(msg *nats.Msg) (nodeMessage, bool) {
	var m nodeMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil || m.NodeID == "" {
		r.log.Warn("invalid node message", slog.String("subject", msg.Subject))
		return m, false
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return m, true
}

func (r *Registry) observe(m nodeMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, known := r.nodes[m.NodeID]
	node.ID = m.NodeID
	if m.Role != "" {
		node.Role = m.Role
	}
	if m.Capabilities != nil {
		node.Capabilities = m.Capabilities
	}
	node.LastSeen = m.Timestamp
	node.Healthy = true
	r.nodes[m.NodeID] = node
	if !known && m.NodeID != r.cfg.ID {
		r.log.Info("node discovered", slog.String("peer", m.NodeID), slog.String("role", node.Role))
	}
}

// sweep marks silent nodes unhealthy and forgets long-silent ones. The local
// node is refreshed by its own heartbeat.
func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if self, ok := r.nodes[r.cfg.ID]; ok {
		self.LastSeen = now
		self.Healthy = true
		r.nodes[r.cfg.ID] = self
	}
	for id, node := range r.nodes {
		silent := now.Sub(node.LastSeen)
		switch {
		case silent > forgetAfter*r.timeout:
			delete(r.nodes, id)
		case silent > r.timeout && node.Healthy:
			node.Healthy = false
			r.nodes[id] = node
			r.log.Warn("node missed heartbeats", slog.String("peer", id))
		}
	}
}

func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[r.cfg.ID].Healthy
}

// Providers returns the healthy nodes advertising the named capability.
func (r *Registry) Providers(name string) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []NodeInfo
	for _, node := range r.nodes {
		if node.Healthy && hasCapability(node.Capabilities, name) {
			out = append(out, node)
		}
	}
	slices.SortFunc(out, func(a, b NodeInfo) int { return b.LastSeen.Compare(a.LastSeen) })
	return out
}

// Available reports whether any healthy node advertises the named capability.
func (r *Registry) Available(name string) bool {
	return len(r.Providers(name)) > 0
}

func (r *Registry) LocalCapabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.nodes[r.cfg.ID].Capabilities)
}

func (r *Registry) registerMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-coach/capability")
	nodes, err := meter.Int64ObservableGauge("coach.capabilities.nodes", metric.WithDescription("Healthy nodes on the bus"))
	if err != nil {
		return err
	}
	providers, err := meter.Int64ObservableGauge("coach.capabilities.providers", metric.WithDescription("Healthy nodes per capability"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		r.mu.RLock()
		defer r.mu.RUnlock()
		healthy := 0
		perCap := map[string]int64{}
		for _, node := range r.nodes {
			if !node.Healthy {
				continue
			}
			healthy++
			for _, c := range node.Capabilities {
				perCap[c.Name]++
			}
		}
		obs.ObserveInt64(nodes, int64(healthy))
		for name, n := range perCap {
			obs.ObserveInt64(providers, n, metric.WithAttributes(attribute.String("capability", name)))
		}
		return nil
	}, nodes, providers)
	return err
}

func hasCapability(caps []Capability, name string) bool {
	return slices.ContainsFunc(caps, func(c Capability) bool { return c.Name == name })
}
