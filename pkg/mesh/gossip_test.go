package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/trackguard/trackmesh/pkg/anonymize"
)

func TestSampleFanoutSizes(t *testing.T) {
	for _, active := range []int{0, 1, 2, 3, 5, 20} {
		recs := make([]*PeerRecord, active)
		for i := range recs {
			recs[i] = newPeerRecord(testPeerID(i))
		}
		picked := sampleFanout(recs, 3)
		want := active
		if want > 3 {
			want = 3
		}
		require.Len(t, picked, want, "active=%d", active)

		// No peer is picked twice.
		seen := make(map[peer.ID]bool)
		for _, rec := range picked {
			require.False(t, seen[rec.ID])
			seen[rec.ID] = true
		}
	}
}

func TestShareLocalDataNoPeersIsNoop(t *testing.T) {
	h := newTestHost(t)
	reg := NewPeerRegistry(10)
	cm := NewConnectionManager(h, reg)
	defer cm.Close()
	g := NewGossipEngine(testConfig(), h.ID(), reg, cm)

	require.NoError(t, g.ShareLocalData(context.Background(), anonymize.RawReport{PrivacyScore: 80}))
	require.Zero(t, g.Stats().RecordCount, "own shares are not folded into the local aggregate")
}

// gossipPair wires two hosts with connected gossip engines.
func gossipPair(t *testing.T, cfg Config) (*GossipEngine, *GossipEngine, *PeerRegistry, *PeerRegistry) {
	h1 := newTestHost(t)
	h2 := newTestHost(t)
	reg1 := NewPeerRegistry(cfg.MaxPeers)
	reg2 := NewPeerRegistry(cfg.MaxPeers)
	cm1 := NewConnectionManager(h1, reg1)
	cm2 := NewConnectionManager(h2, reg2)
	t.Cleanup(cm1.Close)
	t.Cleanup(cm2.Close)

	g1 := NewGossipEngine(cfg, h1.ID(), reg1, cm1)
	g2 := NewGossipEngine(cfg, h2.ID(), reg2, cm2)
	cm1.SetInboundHandler(func(from peer.ID, msg *NetworkMessage) {
		g1.HandleMessage(context.Background(), from, msg)
	})
	cm2.SetInboundHandler(func(from peer.ID, msg *NetworkMessage) {
		g2.HandleMessage(context.Background(), from, msg)
	})

	_, err := cm1.Connect(context.Background(), addrInfo(h2))
	require.NoError(t, err)
	return g1, g2, reg1, reg2
}

func TestShareLocalDataReachesPeer(t *testing.T) {
	g1, g2, _, _ := gossipPair(t, testConfig())

	raw := anonymize.RawReport{
		PrivacyScore: 87,
		TrackerCount: 73,
		Categories:   []string{"A", "A", "B", "B", "B", "C"},
		ObservedAt:   time.Now(),
	}
	require.NoError(t, g1.ShareLocalData(context.Background(), raw))

	require.Eventually(t, func() bool {
		return g2.Stats().RecordCount == 1
	}, 5*time.Second, 20*time.Millisecond)

	stats := g2.Stats()
	require.InDelta(t, 85.0, stats.AverageScore, 0.001, "score arrives anonymized")
	require.Equal(t, []string{"B", "A"}, stats.TopCategories)
	require.Equal(t, FreshnessLive, stats.DataFreshness)
}

func TestShareLocalDataSealed(t *testing.T) {
	cfg := testConfig()
	cfg.SealPayloads = true
	g1, g2, _, _ := gossipPair(t, cfg)

	require.NoError(t, g1.ShareLocalData(context.Background(), anonymize.RawReport{
		PrivacyScore: 60,
		ObservedAt:   time.Now(),
	}))

	require.Eventually(t, func() bool {
		return g2.Stats().RecordCount == 1
	}, 5*time.Second, 20*time.Millisecond)
	require.InDelta(t, 60.0, g2.Stats().AverageScore, 0.001)
}

func TestStatsRequestGetsDirectedReply(t *testing.T) {
	g1, g2, reg1, _ := gossipPair(t, testConfig())

	// Seed g2's aggregate so the reply is non-trivial.
	g2.agg.Observe(anonymize.Anonymize(anonymize.RawReport{PrivacyScore: 90, ObservedAt: time.Now()}))

	var remoteID peer.ID
	for _, rec := range reg1.All() {
		remoteID = rec.ID
	}
	require.NoError(t, g1.RequestStats(context.Background(), remoteID))

	require.Eventually(t, func() bool {
		_, ok := g1.RemoteStats(remoteID)
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	stats, _ := g1.RemoteStats(remoteID)
	require.Equal(t, 1, stats.RecordCount)
	require.InDelta(t, 90.0, stats.AverageScore, 0.001)
}

func TestRequestStatsUnknownPeerFails(t *testing.T) {
	h := newTestHost(t)
	reg := NewPeerRegistry(10)
	cm := NewConnectionManager(h, reg)
	defer cm.Close()
	g := NewGossipEngine(testConfig(), h.ID(), reg, cm)

	require.Error(t, g.RequestStats(context.Background(), testPeerID(1)))
}

func TestInvalidInboundRecordIsDropped(t *testing.T) {
	h := newTestHost(t)
	reg := NewPeerRegistry(10)
	cm := NewConnectionManager(h, reg)
	defer cm.Close()
	g := NewGossipEngine(testConfig(), h.ID(), reg, cm)

	bad, err := NewMessage(KindPrivacyData, testPeerID(1), anonymize.AnonymousPrivacyRecord{
		PrivacyScore: 87, // not a multiple of 5: fails validation
		Grade:        "B",
	})
	require.NoError(t, err)
	g.HandleMessage(context.Background(), testPeerID(1), bad)

	require.Zero(t, g.Stats().RecordCount)
}

func TestUnknownKindIsIgnored(t *testing.T) {
	h := newTestHost(t)
	reg := NewPeerRegistry(10)
	cm := NewConnectionManager(h, reg)
	defer cm.Close()
	g := NewGossipEngine(testConfig(), h.ID(), reg, cm)

	msg, err := NewMessage(MessageKind("future-kind"), testPeerID(1), nil)
	require.NoError(t, err)
	g.HandleMessage(context.Background(), testPeerID(1), msg) // must not panic
	require.Zero(t, g.Stats().RecordCount)
}

func TestGossipReset(t *testing.T) {
	h := newTestHost(t)
	reg := NewPeerRegistry(10)
	cm := NewConnectionManager(h, reg)
	defer cm.Close()
	g := NewGossipEngine(testConfig(), h.ID(), reg, cm)

	g.agg.Observe(anonymize.Anonymize(anonymize.RawReport{PrivacyScore: 50, ObservedAt: time.Now()}))
	require.Equal(t, 1, g.Stats().RecordCount)

	g.Reset()
	require.Zero(t, g.Stats().RecordCount)
}
