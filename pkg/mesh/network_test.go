package mesh

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/stretchr/testify/require"

	"github.com/trackguard/trackmesh/pkg/anonymize"
)

func newNetworkUnderTest(t *testing.T, bus *MemoryBus, consent ConsentStore, cfg Config) *Network {
	h := newTestHost(t)
	bridge := bus.Attach(h.ID())
	n, err := NewNetwork(cfg, h, consent, bridge, nil)
	require.NoError(t, err)
	t.Cleanup(n.Shutdown)
	return n
}

func TestInitializeWithoutConsentStaysInactive(t *testing.T) {
	bus := NewMemoryBus()
	n := newNetworkUnderTest(t, bus, StaticConsent(false), testConfig())

	require.NoError(t, n.Initialize(context.Background()))

	require.Equal(t, 0, n.ConnectedPeerCount())
	require.False(t, n.IsActive())
	require.Equal(t, "disabled", n.StatusText())
	require.False(t, n.discovery.Running(), "no timers armed without consent")

	require.ErrorIs(t, n.Share(context.Background(), anonymize.RawReport{}), ErrNotActive)
}

func TestInitializeConsentReadFailure(t *testing.T) {
	bus := NewMemoryBus()
	store := NewFileConsentStore(newTestDir(t)) // a directory, not a file: read fails
	n := newNetworkUnderTest(t, bus, store, testConfig())

	require.Error(t, n.Initialize(context.Background()))
	require.False(t, n.discovery.Running())
}

func TestInvalidConfigRejected(t *testing.T) {
	h := newTestHost(t)
	bus := NewMemoryBus()
	cfg := testConfig()
	cfg.MaxPeers = 0
	_, err := NewNetwork(cfg, h, StaticConsent(true), bus.Attach(h.ID()), nil)
	require.Error(t, err)
}

func TestTwoInstancesDiscoverEachOther(t *testing.T) {
	bus := NewMemoryBus()
	n1 := newNetworkUnderTest(t, bus, StaticConsent(true), testConfig())
	n2 := newNetworkUnderTest(t, bus, StaticConsent(true), testConfig())

	require.NoError(t, n1.Initialize(context.Background()))
	require.NoError(t, n2.Initialize(context.Background()))

	// Both sides converge within two discovery cycles.
	deadline := 2 * testConfig().DiscoveryInterval * 10
	require.Eventually(t, func() bool {
		return n1.ConnectedPeerCount() == 1 && n2.ConnectedPeerCount() == 1
	}, deadline, 10*time.Millisecond)

	require.True(t, n1.IsActive())
	require.True(t, n2.IsActive())
	require.Equal(t, "connected to 1 peer(s)", n1.StatusText())
}

func TestSharePropagatesBetweenInstances(t *testing.T) {
	bus := NewMemoryBus()
	n1 := newNetworkUnderTest(t, bus, StaticConsent(true), testConfig())
	n2 := newNetworkUnderTest(t, bus, StaticConsent(true), testConfig())

	require.NoError(t, n1.Initialize(context.Background()))
	require.NoError(t, n2.Initialize(context.Background()))
	require.Eventually(t, func() bool {
		return len(n1.registry.Active()) == 1 && len(n2.registry.Active()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, n1.Share(context.Background(), anonymize.RawReport{
		PrivacyScore: 85,
		TrackerCount: 10,
		ObservedAt:   time.Now(),
	}))

	require.Eventually(t, func() bool {
		return n2.CommunityStats().RecordCount == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.InDelta(t, 85.0, n2.CommunityStats().AverageScore, 0.001)
}

func TestSweepEvictsSilentPeers(t *testing.T) {
	bus := NewMemoryBus()
	cfg := testConfig()
	cfg.PeerTimeout = 5 * time.Minute
	n1 := newNetworkUnderTest(t, bus, StaticConsent(true), cfg)
	n2 := newNetworkUnderTest(t, bus, StaticConsent(true), cfg)

	require.NoError(t, n1.Initialize(context.Background()))
	require.NoError(t, n2.Initialize(context.Background()))
	require.Eventually(t, func() bool {
		return n1.ConnectedPeerCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Shut the remote down so it stops announcing, then make its record
	// look silent for longer than the timeout.
	n2.Shutdown()
	for _, rec := range n1.registry.All() {
		backdate(rec, 6*time.Minute)
	}

	require.Eventually(t, func() bool {
		return n1.ConnectedPeerCount() == 0
	}, 5*time.Second, 10*time.Millisecond, "sweep should evict the silent peer")
	require.Equal(t, "searching for peers", n1.StatusText())
}

func TestShutdownIsIdempotentAndClearsState(t *testing.T) {
	bus := NewMemoryBus()
	n1 := newNetworkUnderTest(t, bus, StaticConsent(true), testConfig())
	n2 := newNetworkUnderTest(t, bus, StaticConsent(true), testConfig())

	require.NoError(t, n1.Initialize(context.Background()))
	require.NoError(t, n2.Initialize(context.Background()))
	require.Eventually(t, func() bool {
		return n1.ConnectedPeerCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	n1.Shutdown()
	n1.Shutdown() // idempotent

	require.Equal(t, 0, n1.ConnectedPeerCount())
	require.False(t, n1.IsActive())
	require.Zero(t, n1.CommunityStats().RecordCount)
	require.False(t, n1.discovery.Running())
}

func TestNoRegistryMutationAfterShutdown(t *testing.T) {
	bus := NewMemoryBus()
	n1 := newNetworkUnderTest(t, bus, StaticConsent(true), testConfig())
	n2 := newNetworkUnderTest(t, bus, StaticConsent(true), testConfig())

	require.NoError(t, n1.Initialize(context.Background()))
	n1.Shutdown()

	// n2 keeps announcing; n1's pending callbacks must not write to the
	// cleared registry.
	require.NoError(t, n2.Initialize(context.Background()))
	time.Sleep(4 * testConfig().DiscoveryInterval)

	require.Equal(t, 0, n1.ConnectedPeerCount())
	require.Equal(t, "disabled", n1.StatusText())
}

func TestInboundStreamAfterShutdownIsRefused(t *testing.T) {
	bus := NewMemoryBus()
	n := newNetworkUnderTest(t, bus, StaticConsent(true), testConfig())
	require.NoError(t, n.Initialize(context.Background()))
	n.Shutdown()

	// A former peer with stale knowledge of us may still dial directly,
	// bypassing discovery.
	remote := newTestHost(t)
	remote.Peerstore().AddAddrs(n.host.ID(), n.host.Addrs(), peerstore.PermanentAddrTTL)
	s, err := remote.NewStream(context.Background(), n.host.ID(), DataProtocol)
	if err == nil {
		msg, merr := NewMessage(KindStatsRequest, remote.ID(), nil)
		require.NoError(t, merr)
		_ = json.NewEncoder(s).Encode(msg)
	}

	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 0, n.ConnectedPeerCount(), "a disabled mesh must not register peers")
	require.Equal(t, "disabled", n.StatusText())
}

func TestReinitializeAfterShutdown(t *testing.T) {
	bus := NewMemoryBus()
	n1 := newNetworkUnderTest(t, bus, StaticConsent(true), testConfig())
	n2 := newNetworkUnderTest(t, bus, StaticConsent(true), testConfig())

	require.NoError(t, n1.Initialize(context.Background()))
	require.NoError(t, n2.Initialize(context.Background()))
	require.Eventually(t, func() bool {
		return n1.ConnectedPeerCount() == 1
	}, 5*time.Second, 10*time.Millisecond)

	n1.Shutdown()
	require.NoError(t, n1.Initialize(context.Background()))

	require.Eventually(t, func() bool {
		return n1.ConnectedPeerCount() == 1
	}, 5*time.Second, 10*time.Millisecond, "discovery should reconnect after re-initialize")
}
