package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

// DiscoveryService periodically announces the local peer on the bridge and
// reacts to announcements from others by requesting connections. Each tick
// is stateless; the service is either stopped or discovering.
type DiscoveryService struct {
	cfg      Config
	host     host.Host
	bridge   Bridge
	registry *PeerRegistry
	conns    *ConnectionManager
	hints    HintStore // optional

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewDiscoveryService creates a stopped discovery service. hints may be
// nil, in which case no proactive reconnection happens.
func NewDiscoveryService(cfg Config, h host.Host, bridge Bridge, registry *PeerRegistry, conns *ConnectionManager, hints HintStore) *DiscoveryService {
	return &DiscoveryService{
		cfg:      cfg,
		host:     h,
		bridge:   bridge,
		registry: registry,
		conns:    conns,
		hints:    hints,
	}
}

// Start broadcasts immediately, then announces on every tick. Calling
// Start on a running service is a no-op.
func (d *DiscoveryService) Start(ctx context.Context) {
	d.mu.Lock()
	if d.cancel != nil {
		d.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	go d.dialHints(runCtx)
	d.Broadcast(runCtx)
	go d.run(runCtx)
	log.Infof("discovery started, announcing every %s", d.cfg.DiscoveryInterval)
}

// Stop cancels the announcement timer. Existing peer connections are left
// alone; full teardown is the network facade's job.
func (d *DiscoveryService) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}

// Running reports whether the service is discovering.
func (d *DiscoveryService) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel != nil
}

func (d *DiscoveryService) run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Broadcast(ctx)
		}
	}
}

// Broadcast sends one announcement through the bridge. Delivery failures
// are logged and swallowed; the next tick will try again.
func (d *DiscoveryService) Broadcast(ctx context.Context) {
	var addrs []string
	for _, a := range d.host.Addrs() {
		addrs = append(addrs, a.String())
	}
	msg, err := NewMessage(KindDiscovery, d.host.ID(), Announcement{
		PeerID:  d.host.ID().String(),
		Version: ProtocolVersion,
		Addrs:   addrs,
	})
	if err != nil {
		log.Errorf("failed to build announcement: %v", err)
		return
	}
	if err := d.bridge.Broadcast(ctx, msg); err != nil {
		log.Debugf("announcement broadcast failed: %v", err)
	}
}

// HandleAnnouncement processes a discovery message from the bridge. Known
// senders are touched; unknown ones are connected to if the registry has
// room, and answered with a directed announcement so discovery converges
// within one cycle instead of two.
func (d *DiscoveryService) HandleAnnouncement(ctx context.Context, msg *NetworkMessage) {
	var ann Announcement
	if err := json.Unmarshal(msg.Payload, &ann); err != nil {
		log.Debugf("dropping undecodable announcement from %s: %v", msg.SenderID, err)
		return
	}

	sender, err := msg.Sender()
	if err != nil || sender == d.host.ID() {
		return
	}

	if d.registry.Touch(sender) {
		return
	}
	if d.registry.Count() >= d.cfg.MaxPeers {
		log.Debugf("ignoring announcement from %s: registry full", sender)
		return
	}

	info := peer.AddrInfo{ID: sender}
	for _, s := range ann.Addrs {
		addr, err := multiaddr.NewMultiaddr(s)
		if err != nil {
			continue
		}
		info.Addrs = append(info.Addrs, addr)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if _, err := d.conns.Connect(dialCtx, info); err != nil {
		if !errors.Is(err, ErrPeerExists) {
			log.Debugf("failed to connect to announced peer %s: %v", sender, err)
		}
		return
	}
	d.RecordHint(sender, info.Addrs)

	reply, err := NewMessage(KindDiscovery, d.host.ID(), Announcement{
		PeerID:  d.host.ID().String(),
		Version: ProtocolVersion,
	})
	if err == nil {
		if err := d.bridge.Respond(ctx, sender, reply); err != nil {
			log.Debugf("discovery ack to %s failed: %v", sender, err)
		}
	}
}

// dialHints proactively redials recently seen peers to shorten
// time-to-first-peer. Only fresh hints with few failed attempts are tried,
// and at most MaxHintDials of them.
func (d *DiscoveryService) dialHints(ctx context.Context) {
	if d.hints == nil {
		return
	}
	hints, err := d.hints.Get()
	if err != nil {
		log.Debugf("failed to load peer hints: %v", err)
		return
	}

	cutoff := time.Now().Add(-d.cfg.MaxHintAge)
	dialed := 0
	for i := range hints {
		if dialed >= d.cfg.MaxHintDials {
			break
		}
		h := &hints[i]
		if h.LastSeen.Before(cutoff) || h.ConnectionAttempts >= d.cfg.MaxHintAttempts {
			continue
		}
		id, err := peer.Decode(h.PeerID)
		if err != nil || id == d.host.ID() {
			continue
		}

		info := peer.AddrInfo{ID: id}
		for _, s := range h.Addrs {
			addr, err := multiaddr.NewMultiaddr(s)
			if err != nil {
				continue
			}
			info.Addrs = append(info.Addrs, addr)
		}

		dialed++
		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		_, err = d.conns.Connect(dialCtx, info)
		cancel()
		if err != nil {
			h.ConnectionAttempts++
			log.Debugf("hint redial of %s failed: %v", id, err)
			continue
		}
		h.ConnectionAttempts = 0
		h.LastSeen = time.Now()
	}

	if err := d.hints.Put(hints); err != nil {
		log.Debugf("failed to persist peer hints: %v", err)
	}
}

// RecordHint upserts a hint for a peer we successfully talked to.
func (d *DiscoveryService) RecordHint(id peer.ID, addrs []multiaddr.Multiaddr) {
	if d.hints == nil {
		return
	}
	hints, err := d.hints.Get()
	if err != nil {
		return
	}

	var strs []string
	for _, a := range addrs {
		strs = append(strs, a.String())
	}

	found := false
	for i := range hints {
		if hints[i].PeerID == id.String() {
			hints[i].LastSeen = time.Now()
			hints[i].ConnectionAttempts = 0
			if len(strs) > 0 {
				hints[i].Addrs = strs
			}
			found = true
			break
		}
	}
	if !found {
		hints = append(hints, KnownPeerHint{
			PeerID:   id.String(),
			Addrs:    strs,
			LastSeen: time.Now(),
		})
	}

	if err := d.hints.Put(hints); err != nil {
		log.Debugf("failed to persist peer hints: %v", err)
	}
}
