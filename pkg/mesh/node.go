package mesh

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	routingdisc "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/util"
)

const (
	settingsFileName = "settings.json"
	hintsFileName    = "peers.json"
)

// Node bundles a libp2p host, the pubsub-backed bridge, and the mesh
// network built on top of them. The identity is random per process start;
// peer ids are never reused across instances.
type Node struct {
	host    host.Host
	ctx     context.Context
	cancel  context.CancelFunc
	dht     *dht.IpfsDHT
	pubsub  *pubsub.PubSub
	mdns    mdns.Service
	bridge  *PubSubBridge
	Network *Network
}

// getDataDir returns the node's data directory, defaulting under the user
// home when baseDir is empty.
func getDataDir(baseDir string) (string, error) {
	if baseDir != "" {
		return baseDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".trackmesh"), nil
}

// SettingsPath returns the consent settings file for a data directory,
// so tooling can flip consent without constructing a node.
func SettingsPath(baseDir string) (string, error) {
	dir, err := getDataDir(baseDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, settingsFileName), nil
}

// mdnsNotifee feeds locally found peers into the host. mDNS and the DHT
// only provide transport connectivity; mesh membership happens solely
// through bridge announcements, keeping the registry ceiling in one place.
type mdnsNotifee struct {
	node *Node
}

func (m *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == m.node.host.ID() {
		return
	}
	ctx, cancel := context.WithTimeout(m.node.ctx, 15*time.Second)
	defer cancel()
	if err := m.node.host.Connect(ctx, pi); err != nil {
		log.Debugf("mdns connect to %s failed: %v", pi.ID, err)
	}
}

// NewNode creates and wires a full mesh node listening on port (0 picks a
// random port).
func NewNode(port int, dataDir string, cfg Config) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())

	dir, err := getDataDir(dataDir)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	var idht *dht.IpfsDHT
	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(
			fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", port),
		),
		libp2p.RandomIdentity,
	}
	if cfg.EnableGlobalDiscovery {
		opts = append(opts, libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			idht, err = dht.New(ctx, h, dht.Mode(dht.ModeServer))
			return idht, err
		}))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("failed to create pubsub: %w", err)
	}

	bridge, err := NewPubSubBridge(ctx, ps, h.ID())
	if err != nil {
		cancel()
		_ = h.Close()
		return nil, fmt.Errorf("failed to create bridge: %w", err)
	}

	consent := NewFileConsentStore(filepath.Join(dir, settingsFileName))
	hints := NewFileHintStore(filepath.Join(dir, hintsFileName))

	network, err := NewNetwork(cfg, h, consent, bridge, hints)
	if err != nil {
		cancel()
		_ = bridge.Close()
		_ = h.Close()
		return nil, err
	}

	node := &Node{
		host:    h,
		ctx:     ctx,
		cancel:  cancel,
		dht:     idht,
		pubsub:  ps,
		bridge:  bridge,
		Network: network,
	}

	node.mdns = mdns.NewMdnsService(h, ServiceName, &mdnsNotifee{node: node})
	if err := node.mdns.Start(); err != nil {
		log.Warnf("mdns discovery unavailable: %v", err)
	}

	if cfg.EnableGlobalDiscovery && idht != nil {
		if err := idht.Bootstrap(ctx); err != nil {
			log.Warnf("dht bootstrap warning: %v", err)
		}
		go node.globalDiscovery()
	}

	log.Infof("node id %s", h.ID())
	for _, addr := range h.Addrs() {
		log.Infof("listening on %s/p2p/%s", addr, h.ID())
	}
	return node, nil
}

// Host exposes the underlying libp2p host.
func (n *Node) Host() host.Host {
	return n.host
}

// globalDiscovery advertises the mesh namespace in the DHT and dials
// whatever it finds there, giving pubsub a path between instances with no
// shared broadcast domain.
func (n *Node) globalDiscovery() {
	routingDiscovery := routingdisc.NewRoutingDiscovery(n.dht)
	util.Advertise(n.ctx, routingDiscovery, GlobalNamespace)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			peerChan, err := routingDiscovery.FindPeers(n.ctx, GlobalNamespace)
			if err != nil {
				continue
			}
			for pi := range peerChan {
				if pi.ID == n.host.ID() || len(pi.Addrs) == 0 {
					continue
				}
				go func(pi peer.AddrInfo) {
					ctx, cancel := context.WithTimeout(n.ctx, 15*time.Second)
					defer cancel()
					if err := n.host.Connect(ctx, pi); err == nil {
						log.Infof("reached peer via global discovery: %s", pi.ID)
					}
				}(pi)
			}
		}
	}
}

// Close shuts the node down: mesh first, then transports.
func (n *Node) Close() error {
	n.Network.Shutdown()
	if n.mdns != nil {
		_ = n.mdns.Close()
	}
	_ = n.bridge.Close()
	if n.dht != nil {
		_ = n.dht.Close()
	}
	n.cancel()
	return n.host.Close()
}
