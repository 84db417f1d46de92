package engine

import (
	"sync"

	"github.com/go-logr/logr"

	"github.com/share-stream/backend/internal/stream"
)

// DocKey identifies a document.
type DocKey struct {
	Collection string
	ID         string
}

// Peer is a connection served by the Engine.
type Peer struct {
	id         string
	remoteAddr string
	duplex     stream.Duplex

	// subs is only touched by the goroutine serving the peer.
	subs map[DocKey]struct{}
}

func newPeer(id, remoteAddr string, duplex stream.Duplex) *Peer {
	return &Peer{
		id:         id,
		remoteAddr: remoteAddr,
		duplex:     duplex,
		subs:       make(map[DocKey]struct{}),
	}
}

// Send writes v to the peer.
func (p *Peer) Send(v any) error {
	return p.duplex.Write(v)
}

// Hub holds the peers subscribed to one document.
type Hub struct {
	key    DocKey
	peers  map[*Peer]bool
	mu     sync.RWMutex
	logger logr.Logger
}

// NewHub creates a new Hub for the given document.
func NewHub(key DocKey, logger logr.Logger) *Hub {
	return &Hub{
		key:    key,
		peers:  make(map[*Peer]bool),
		logger: logger,
	}
}

// Register adds a peer to the hub.
func (h *Hub) Register(p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers[p] = true
}

// Unregister removes a peer and returns the number of peers left.
func (h *Hub) Unregister(p *Peer) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, p)
	return len(h.peers)
}

// Broadcast sends v to every peer except the excluded one. Peers that can no
// longer be written to are skipped; they unregister when their input ends.
func (h *Hub) Broadcast(v any, except *Peer) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for p := range h.peers {
		if p == except {
			continue
		}
		if err := p.Send(v); err != nil {
			h.logger.V(1).Info("skipping peer during broadcast",
				"collection", h.key.Collection, "doc", h.key.ID, "peer", p.id, "error", err.Error())
		}
	}
}

// PeerCount returns the number of subscribed peers.
func (h *Hub) PeerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// HubManager manages the hubs of all documents with subscribers.
type HubManager struct {
	hubs   map[DocKey]*Hub
	mu     sync.Mutex
	logger logr.Logger
}

// NewHubManager creates a new HubManager.
func NewHubManager(logger logr.Logger) *HubManager {
	return &HubManager{
		hubs:   make(map[DocKey]*Hub),
		logger: logger,
	}
}

// Subscribe registers p with the hub of key, creating it if needed.
func (m *HubManager) Subscribe(key DocKey, p *Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hub, ok := m.hubs[key]
	if !ok {
		hub = NewHub(key, m.logger)
		m.hubs[key] = hub
	}
	hub.Register(p)
}

// Unsubscribe removes p from the hub of key and drops the hub once empty.
func (m *HubManager) Unsubscribe(key DocKey, p *Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hub, ok := m.hubs[key]
	if !ok {
		return
	}
	if hub.Unregister(p) == 0 {
		delete(m.hubs, key)
	}
}

// Get returns the hub for the document, or nil if nobody is subscribed.
func (m *HubManager) Get(key DocKey) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hubs[key]
}

// Len returns the number of hubs.
func (m *HubManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hubs)
}
