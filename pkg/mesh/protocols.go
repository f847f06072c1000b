package mesh

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DataProtocol is the stream protocol carrying NetworkMessages
	// between connected peers.
	DataProtocol = "/trackmesh/data/1.0.0"

	// DiscoveryTopic is the broadcast channel announcements travel on.
	DiscoveryTopic = "trackmesh-discovery"

	// GlobalNamespace is the DHT namespace for global discovery mode.
	GlobalNamespace = "trackmesh-global"

	// ServiceName identifies the mesh to mDNS on the local network.
	ServiceName = "trackmesh"

	// ProtocolVersion is carried in every announcement.
	ProtocolVersion = "1.0.0"
)

// Config contains runtime options for the mesh network.
type Config struct {
	// MaxPeers is the hard ceiling on concurrent registry entries.
	MaxPeers int
	// GossipFanout bounds how many peers each shared record goes to.
	GossipFanout int
	// DiscoveryInterval is how often announcements are broadcast.
	DiscoveryInterval time.Duration
	// SweepInterval is how often the liveness sweep runs.
	SweepInterval time.Duration
	// PeerTimeout is how long a peer may stay silent before eviction.
	PeerTimeout time.Duration
	// MaxHintAge is the oldest known-peer hint worth redialing.
	MaxHintAge time.Duration
	// MaxHintAttempts skips hints that already failed this many times.
	MaxHintAttempts int
	// MaxHintDials bounds proactive reconnection attempts at startup.
	MaxHintDials int
	// SealPayloads AES-GCM-seals privacy-data payloads per peer pair.
	SealPayloads bool
	// EnableGlobalDiscovery advertises and searches a DHT namespace in
	// addition to the bridge broadcast.
	EnableGlobalDiscovery bool
}

// DefaultConfig returns the production tunables.
func DefaultConfig() Config {
	return Config{
		MaxPeers:          10,
		GossipFanout:      3,
		DiscoveryInterval: 15 * time.Second,
		SweepInterval:     30 * time.Second,
		PeerTimeout:       5 * time.Minute,
		MaxHintAge:        time.Hour,
		MaxHintAttempts:   5,
		MaxHintDials:      5,
	}
}

// Validate ensures config fields follow reasonable constraints.
func (c Config) Validate() error {
	if c.MaxPeers <= 0 {
		return fmt.Errorf("max peers must be positive, got %d", c.MaxPeers)
	}
	if c.GossipFanout <= 0 {
		return fmt.Errorf("gossip fanout must be positive, got %d", c.GossipFanout)
	}
	if c.DiscoveryInterval <= 0 {
		return errors.New("discovery interval must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	if c.PeerTimeout <= 0 {
		return errors.New("peer timeout must be positive")
	}
	return nil
}
