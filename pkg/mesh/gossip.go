package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/trackguard/trackmesh/pkg/anonymize"
	"github.com/trackguard/trackmesh/pkg/crypto"
)

// GossipEngine disseminates anonymized records to a bounded random subset
// of connected peers and folds incoming records into the community
// aggregate. Messages travel exactly one hop: nothing received here is
// ever forwarded again.
type GossipEngine struct {
	cfg      Config
	self     peer.ID
	registry *PeerRegistry
	conns    *ConnectionManager
	agg      *statsAggregator

	remoteMu sync.RWMutex
	remote   map[peer.ID]CommunityStats
}

// NewGossipEngine creates an engine with an empty aggregate.
func NewGossipEngine(cfg Config, self peer.ID, registry *PeerRegistry, conns *ConnectionManager) *GossipEngine {
	return &GossipEngine{
		cfg:      cfg,
		self:     self,
		registry: registry,
		conns:    conns,
		agg:      newStatsAggregator(),
		remote:   make(map[peer.ID]CommunityStats),
	}
}

// ShareLocalData anonymizes raw and pushes the record to at most
// GossipFanout active peers, chosen uniformly at random. A no-op when no
// peers are known. The anonymized record is re-validated before sending;
// if that ever fails the record is dropped, never sent. Privacy wins over
// delivery.
func (g *GossipEngine) ShareLocalData(ctx context.Context, raw anonymize.RawReport) error {
	if g.registry.Count() == 0 {
		return nil
	}

	rec := anonymize.Anonymize(raw)
	if !anonymize.Validate(rec) {
		log.Errorf("anonymizer produced an out-of-bounds record; dropping it")
		return nil
	}

	active := g.registry.Active()
	if len(active) == 0 {
		return nil
	}

	for _, target := range sampleFanout(active, g.cfg.GossipFanout) {
		msg, err := g.buildRecordMessage(rec, target.ID)
		if err != nil {
			log.Errorf("failed to build privacy-data message: %v", err)
			continue
		}
		if err := g.conns.Send(ctx, target, msg); err != nil {
			// Send already disconnected the peer; redundancy in the
			// fan-out covers the loss.
			log.Debugf("gossip send to %s failed: %v", target.ID, err)
		}
	}
	return nil
}

func (g *GossipEngine) buildRecordMessage(rec anonymize.AnonymousPrivacyRecord, to peer.ID) (*NetworkMessage, error) {
	if !g.cfg.SealPayloads {
		return NewMessage(KindPrivacyData, g.self, rec)
	}

	plain, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.Seal(plain, crypto.KeyFromPeers(g.self, to))
	if err != nil {
		return nil, err
	}
	msg, err := NewMessage(KindPrivacyData, g.self, sealed)
	if err != nil {
		return nil, err
	}
	msg.Sealed = true
	return msg, nil
}

// HandleMessage is the inbound sink for messages arriving on peer
// channels. Unknown kinds are ignored rather than treated as errors.
func (g *GossipEngine) HandleMessage(ctx context.Context, from peer.ID, msg *NetworkMessage) {
	switch msg.Kind {
	case KindPrivacyData:
		g.handlePrivacyData(from, msg)
	case KindStatsRequest:
		g.handleStatsRequest(ctx, from)
	case KindCommunityStats:
		g.handleCommunityStats(from, msg)
	default:
		log.Debugf("ignoring message of unknown kind %q from %s", msg.Kind, from)
	}
}

func (g *GossipEngine) handlePrivacyData(from peer.ID, msg *NetworkMessage) {
	payload := msg.Payload
	if msg.Sealed {
		var sealed string
		if err := json.Unmarshal(msg.Payload, &sealed); err != nil {
			log.Debugf("dropping malformed sealed payload from %s: %v", from, err)
			return
		}
		plain, err := crypto.Open(sealed, crypto.KeyFromPeers(g.self, from))
		if err != nil {
			log.Debugf("dropping unopenable sealed payload from %s: %v", from, err)
			return
		}
		payload = plain
	}

	var rec anonymize.AnonymousPrivacyRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		log.Debugf("dropping undecodable privacy record from %s: %v", from, err)
		return
	}
	if !anonymize.Validate(rec) {
		log.Warnf("dropping out-of-bounds privacy record from %s", from)
		return
	}
	g.agg.Observe(rec)
}

// handleStatsRequest replies with the current snapshot, directed only at
// the requesting peer.
func (g *GossipEngine) handleStatsRequest(ctx context.Context, from peer.ID) {
	rec, ok := g.registry.Get(from)
	if !ok {
		return
	}
	msg, err := NewMessage(KindCommunityStats, g.self, g.Stats())
	if err != nil {
		log.Errorf("failed to build community-stats reply: %v", err)
		return
	}
	if err := g.conns.Send(ctx, rec, msg); err != nil {
		log.Debugf("community-stats reply to %s failed: %v", from, err)
	}
}

func (g *GossipEngine) handleCommunityStats(from peer.ID, msg *NetworkMessage) {
	var stats CommunityStats
	if err := json.Unmarshal(msg.Payload, &stats); err != nil {
		log.Debugf("dropping undecodable community stats from %s: %v", from, err)
		return
	}
	g.remoteMu.Lock()
	g.remote[from] = stats
	g.remoteMu.Unlock()
}

// RequestStats asks a connected peer for its community snapshot.
func (g *GossipEngine) RequestStats(ctx context.Context, id peer.ID) error {
	rec, ok := g.registry.Get(id)
	if !ok {
		return fmt.Errorf("peer %s is not connected", id)
	}
	msg, err := NewMessage(KindStatsRequest, g.self, nil)
	if err != nil {
		return err
	}
	return g.conns.Send(ctx, rec, msg)
}

// Stats returns the current community aggregate.
func (g *GossipEngine) Stats() CommunityStats {
	return g.agg.Snapshot(len(g.registry.Active()))
}

// RemoteStats returns the latest snapshot received from a specific peer.
func (g *GossipEngine) RemoteStats(id peer.ID) (CommunityStats, bool) {
	g.remoteMu.RLock()
	defer g.remoteMu.RUnlock()
	stats, ok := g.remote[id]
	return stats, ok
}

// Reset discards all aggregated state. Used on shutdown.
func (g *GossipEngine) Reset() {
	g.agg.Reset()
	g.remoteMu.Lock()
	g.remote = make(map[peer.ID]CommunityStats)
	g.remoteMu.Unlock()
}

// sampleFanout picks min(k, len(recs)) records uniformly at random without
// replacement.
func sampleFanout(recs []*PeerRecord, k int) []*PeerRecord {
	if len(recs) <= k {
		return recs
	}
	picked := make([]*PeerRecord, len(recs))
	copy(picked, recs)
	rand.Shuffle(len(picked), func(i, j int) {
		picked[i], picked[j] = picked[j], picked[i]
	})
	return picked[:k]
}
