package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/trackguard/trackmesh/pkg/anonymize"
)

// ErrNotActive is returned when sharing is attempted on an inactive mesh.
var ErrNotActive = errors.New("mesh network is not active")

// Network is the facade the rest of the application talks to. It checks
// consent, owns startup and shutdown, runs the liveness sweep, and exposes
// status queries. All collaborators are injected at construction; there is
// no hidden global.
type Network struct {
	cfg     Config
	host    host.Host
	consent ConsentStore
	bridge  Bridge

	registry  *PeerRegistry
	conns     *ConnectionManager
	discovery *DiscoveryService
	gossip    *GossipEngine

	mu     sync.Mutex
	active atomic.Bool
	cancel context.CancelFunc
}

// NewNetwork assembles the mesh components around an existing libp2p host
// and bridge. hints may be nil. Nothing starts until Initialize.
func NewNetwork(cfg Config, h host.Host, consent ConsentStore, bridge Bridge, hints HintStore) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mesh config: %w", err)
	}

	registry := NewPeerRegistry(cfg.MaxPeers)
	conns := NewConnectionManager(h, registry)
	n := &Network{
		cfg:       cfg,
		host:      h,
		consent:   consent,
		bridge:    bridge,
		registry:  registry,
		conns:     conns,
		discovery: NewDiscoveryService(cfg, h, bridge, registry, conns, hints),
		gossip:    NewGossipEngine(cfg, h.ID(), registry, conns),
	}

	// Late transport callbacks must not mutate state after Shutdown has
	// cleared it, so every inbound path checks the active flag first.
	// The gate also keeps inbound streams from registering peers on a
	// shut-down mesh.
	conns.SetAcceptGate(n.active.Load)
	conns.SetInboundHandler(func(from peer.ID, msg *NetworkMessage) {
		if !n.active.Load() {
			return
		}
		n.gossip.HandleMessage(context.Background(), from, msg)
	})
	bridge.SetHandler(func(msg *NetworkMessage) {
		if !n.active.Load() {
			return
		}
		if msg.Kind == KindDiscovery {
			n.discovery.HandleAnnouncement(context.Background(), msg)
		}
	})

	return n, nil
}

// Initialize reads the consent flag and, if granted, starts discovery and
// the liveness sweep. Without consent the mesh stays entirely inactive: no
// timers armed, no registry entries. Idempotent while active.
func (n *Network) Initialize(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.active.Load() {
		return nil
	}

	granted, err := n.consent.Consent()
	if err != nil {
		return fmt.Errorf("failed to read consent: %w", err)
	}
	if !granted {
		log.Infof("data sharing consent not granted; mesh stays inactive")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.active.Store(true)

	n.discovery.Start(runCtx)
	go n.sweepLoop(runCtx)
	log.Infof("mesh network active as %s", n.host.ID())
	return nil
}

// Shutdown stops both timers, disconnects every peer, and clears all
// aggregated state. Idempotent.
func (n *Network) Shutdown() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.active.Swap(false) {
		return
	}
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
	n.discovery.Stop()
	n.conns.DisconnectAll()
	n.gossip.Reset()
	log.Infof("mesh network shut down")
}

// sweepLoop periodically evicts silent peers and closes their connections.
// Eviction and teardown are separate steps so the ordering stays explicit.
func (n *Network) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range n.registry.SweepInactive(n.cfg.PeerTimeout) {
				log.Infof("evicting silent peer %s", id)
				n.conns.Disconnect(id)
			}
		}
	}
}

// Share anonymizes raw privacy data and gossips it to the mesh.
func (n *Network) Share(ctx context.Context, raw anonymize.RawReport) error {
	if !n.active.Load() {
		return ErrNotActive
	}
	return n.gossip.ShareLocalData(ctx, raw)
}

// CommunityStats returns the local community aggregate.
func (n *Network) CommunityStats() CommunityStats {
	return n.gossip.Stats()
}

// RequestStats asks a connected peer for its aggregate snapshot.
func (n *Network) RequestStats(ctx context.Context, id peer.ID) error {
	if !n.active.Load() {
		return ErrNotActive
	}
	return n.gossip.RequestStats(ctx, id)
}

// ConnectedPeerCount returns the number of registered peers.
func (n *Network) ConnectedPeerCount() int {
	return n.registry.Count()
}

// Peers returns the known peer records.
func (n *Network) Peers() []*PeerRecord {
	return n.registry.All()
}

// IsActive reports whether the mesh is initialized and has at least one
// peer.
func (n *Network) IsActive() bool {
	return n.active.Load() && n.registry.Count() > 0
}

// StatusText renders a human-readable network status.
func (n *Network) StatusText() string {
	if !n.active.Load() {
		return "disabled"
	}
	count := n.registry.Count()
	if count == 0 {
		return "searching for peers"
	}
	return fmt.Sprintf("connected to %d peer(s)", count)
}

// Connect dials a peer directly, bypassing discovery. Mainly for tooling.
func (n *Network) Connect(ctx context.Context, info peer.AddrInfo) (*PeerRecord, error) {
	if !n.active.Load() {
		return nil, ErrNotActive
	}
	return n.conns.Connect(ctx, info)
}
