package mesh

import (
	"os"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"
)

// newTestDir creates a temporary directory for testing and returns its path.
func newTestDir(t *testing.T) string {
	dir, err := os.MkdirTemp("", "trackmesh-test-")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, os.RemoveAll(dir)) })
	return dir
}

// newTestHost creates a loopback-only libp2p host with a fresh identity.
func newTestHost(t *testing.T) host.Host {
	h, err := libp2p.New(
		libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"),
		libp2p.RandomIdentity,
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, h.Close()) })
	return h
}

// addrInfo returns the dialable AddrInfo of a host.
func addrInfo(h host.Host) peer.AddrInfo {
	return peer.AddrInfo{ID: h.ID(), Addrs: h.Addrs()}
}

// testConfig returns defaults tightened for fast tests.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DiscoveryInterval = 50 * time.Millisecond
	cfg.SweepInterval = 50 * time.Millisecond
	return cfg
}

// backdate rewinds a record's lastSeenAt so sweeps can be tested without
// waiting.
func backdate(rec *PeerRecord, by time.Duration) {
	rec.mu.Lock()
	rec.lastSeenAt = rec.lastSeenAt.Add(-by)
	rec.mu.Unlock()
}
