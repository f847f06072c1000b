package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

var (
	// ErrSelfDial is returned when asked to connect to the local peer.
	ErrSelfDial = errors.New("refusing to connect to self")
	// ErrManagerClosed is returned once the manager has shut down.
	ErrManagerClosed = errors.New("connection manager is closed")
)

// ConnectionManager opens and tears down peer connections and their data
// streams, and forwards decoded inbound messages to the gossip engine. Any
// transport failure is treated as peer departure and never retried; the
// mesh relies on rediscovery and fan-out redundancy instead of per-link
// reliability.
type ConnectionManager struct {
	host     host.Host
	registry *PeerRegistry
	closed   atomic.Bool

	mu      sync.RWMutex
	inbound func(peer.ID, *NetworkMessage)
	accept  func() bool
}

// NewConnectionManager wires the manager into the host's stream handler.
func NewConnectionManager(h host.Host, registry *PeerRegistry) *ConnectionManager {
	cm := &ConnectionManager{host: h, registry: registry}
	h.SetStreamHandler(DataProtocol, cm.handleStream)
	return cm
}

// SetInboundHandler registers the sink for decoded NetworkMessages.
func (cm *ConnectionManager) SetInboundHandler(h func(peer.ID, *NetworkMessage)) {
	cm.mu.Lock()
	cm.inbound = h
	cm.mu.Unlock()
}

func (cm *ConnectionManager) inboundHandler() func(peer.ID, *NetworkMessage) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.inbound
}

// SetAcceptGate registers a predicate consulted before an inbound stream
// may register its sender. A nil gate accepts everything.
func (cm *ConnectionManager) SetAcceptGate(g func() bool) {
	cm.mu.Lock()
	cm.accept = g
	cm.mu.Unlock()
}

func (cm *ConnectionManager) accepting() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.accept == nil || cm.accept()
}

// Connect dials a peer and opens its data stream. It refuses with a
// sentinel error when the target is the local peer, already registered, or
// the registry is at its ceiling. The registry entry is claimed before any
// dialing so a refusal never opens a connection.
func (cm *ConnectionManager) Connect(ctx context.Context, info peer.AddrInfo) (*PeerRecord, error) {
	if cm.closed.Load() {
		return nil, ErrManagerClosed
	}
	if info.ID == cm.host.ID() {
		return nil, ErrSelfDial
	}

	rec := newPeerRecord(info.ID)
	if err := cm.registry.Add(rec); err != nil {
		return nil, err
	}

	if len(info.Addrs) > 0 {
		if err := cm.host.Connect(ctx, info); err != nil {
			cm.registry.Remove(info.ID)
			rec.markClosed()
			return nil, fmt.Errorf("failed to connect to %s: %w", info.ID, err)
		}
	}

	s, err := cm.host.NewStream(ctx, info.ID, DataProtocol)
	if err != nil {
		cm.registry.Remove(info.ID)
		rec.markClosed()
		return nil, fmt.Errorf("failed to open data stream to %s: %w", info.ID, err)
	}

	return cm.finishConnect(rec, s)
}

// finishConnect opens the record once the dial has completed. Teardown may
// have raced the dial, closing the record or the whole manager; in that
// case the stream is reset and no state is left behind.
func (cm *ConnectionManager) finishConnect(rec *PeerRecord, s network.Stream) (*PeerRecord, error) {
	if cm.closed.Load() || !rec.markOpen(s) {
		cm.registry.Remove(rec.ID)
		rec.markClosed()
		_ = s.Reset()
		return nil, ErrManagerClosed
	}
	log.Infof("connected to peer %s", rec.ID)
	return rec, nil
}

// Send encodes msg onto the peer's data stream, opening one lazily for
// peers that dialed us. A send failure disconnects the peer.
func (cm *ConnectionManager) Send(ctx context.Context, rec *PeerRecord, msg *NetworkMessage) error {
	if cm.closed.Load() {
		return ErrManagerClosed
	}

	rec.mu.Lock()
	if rec.state == PeerClosed {
		rec.mu.Unlock()
		return fmt.Errorf("peer %s: channel is closed", rec.ID)
	}
	if rec.stream == nil {
		s, err := cm.host.NewStream(ctx, rec.ID, DataProtocol)
		if err != nil {
			rec.mu.Unlock()
			cm.Disconnect(rec.ID)
			return fmt.Errorf("failed to open data stream to %s: %w", rec.ID, err)
		}
		rec.stream = s
	}
	err := json.NewEncoder(rec.stream).Encode(msg)
	rec.mu.Unlock()

	if err != nil {
		cm.Disconnect(rec.ID)
		return fmt.Errorf("failed to send to %s: %w", rec.ID, err)
	}
	return nil
}

// Disconnect closes the peer's stream and connection and drops its record.
// Idempotent, and safe for ids the registry no longer holds: the liveness
// sweep removes records first and closes connections through here after.
func (cm *ConnectionManager) Disconnect(id peer.ID) {
	if rec := cm.registry.Remove(id); rec != nil {
		rec.markClosed()
	}
	if cm.host.Network().Connectedness(id) == network.Connected {
		_ = cm.host.Network().ClosePeer(id)
		log.Infof("disconnected from peer %s", id)
	}
}

// DisconnectAll tears down every known peer. Used on shutdown.
func (cm *ConnectionManager) DisconnectAll() {
	for _, rec := range cm.registry.Clear() {
		rec.markClosed()
		_ = cm.host.Network().ClosePeer(rec.ID)
	}
}

// Close stops accepting work and disconnects everything.
func (cm *ConnectionManager) Close() {
	if cm.closed.Swap(true) {
		return
	}
	cm.host.RemoveStreamHandler(DataProtocol)
	cm.DisconnectAll()
}

// handleStream reads NetworkMessages off an inbound stream. Unknown
// senders are registered on the spot so both sides end up with a record;
// at the ceiling, or while the accept gate refuses, the stream is reset.
func (cm *ConnectionManager) handleStream(s network.Stream) {
	remote := s.Conn().RemotePeer()
	if cm.closed.Load() || !cm.accepting() {
		_ = s.Reset()
		return
	}

	rec, known := cm.registry.Get(remote)
	if !known {
		rec = newPeerRecord(remote)
		if err := cm.registry.Add(rec); err != nil {
			log.Debugf("refusing inbound stream from %s: %v", remote, err)
			_ = s.Reset()
			return
		}
	}
	// An inbound stream proves the channel is up; the outbound side is
	// opened lazily on first send.
	rec.markOpen(nil)
	rec.touch()

	dec := json.NewDecoder(s)
	for {
		var msg NetworkMessage
		if err := dec.Decode(&msg); err != nil {
			if err != io.EOF {
				log.Debugf("stream from %s failed: %v", remote, err)
				cm.Disconnect(remote)
			}
			return
		}

		sender, err := msg.Sender()
		if err != nil || sender != remote {
			log.Warnf("dropping message with forged sender id from %s", remote)
			continue
		}

		cm.registry.Touch(remote)
		if handler := cm.inboundHandler(); handler != nil {
			handler(remote, &msg)
		}
	}
}
