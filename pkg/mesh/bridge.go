package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Bridge is the messaging bridge used for discovery: a broadcast channel
// reaching every other instance's execution context. Per-target delivery
// failures are swallowed by implementations; only a total failure to
// broadcast surfaces as an error.
type Bridge interface {
	// Broadcast sends msg to every reachable instance except the sender.
	Broadcast(ctx context.Context, msg *NetworkMessage) error
	// Respond delivers msg only to the instance identified by origin.
	Respond(ctx context.Context, origin peer.ID, msg *NetworkMessage) error
	// SetHandler registers the single inbound handler.
	SetHandler(h func(*NetworkMessage))
	// Close tears the bridge down.
	Close() error
}

// PubSubBridge implements Bridge on top of a GossipSub topic. Responses are
// published to the same topic with a recipient tag; other instances drop
// messages not addressed to them.
type PubSubBridge struct {
	self  peer.ID
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	done  context.CancelFunc

	mu      sync.RWMutex
	handler func(*NetworkMessage)
}

// NewPubSubBridge joins the discovery topic and starts the read loop.
func NewPubSubBridge(ctx context.Context, ps *pubsub.PubSub, self peer.ID) (*PubSubBridge, error) {
	topic, err := ps.Join(DiscoveryTopic)
	if err != nil {
		return nil, fmt.Errorf("failed to join discovery topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to discovery topic: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	b := &PubSubBridge{
		self:  self,
		topic: topic,
		sub:   sub,
		done:  cancel,
	}
	go b.readLoop(loopCtx)
	return b, nil
}

func (b *PubSubBridge) readLoop(ctx context.Context) {
	for {
		msg, err := b.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.GetFrom() == b.self {
			continue
		}

		var netMsg NetworkMessage
		if err := json.Unmarshal(msg.GetData(), &netMsg); err != nil {
			log.Debugf("dropping undecodable bridge message from %s: %v", msg.GetFrom(), err)
			continue
		}
		if netMsg.Recipient != "" && netMsg.Recipient != b.self.String() {
			continue
		}

		b.mu.RLock()
		handler := b.handler
		b.mu.RUnlock()
		if handler != nil {
			handler(&netMsg)
		}
	}
}

// Broadcast publishes msg to the discovery topic.
func (b *PubSubBridge) Broadcast(ctx context.Context, msg *NetworkMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal bridge message: %w", err)
	}
	return b.topic.Publish(ctx, data)
}

// Respond publishes msg addressed to origin only.
func (b *PubSubBridge) Respond(ctx context.Context, origin peer.ID, msg *NetworkMessage) error {
	msg.Recipient = origin.String()
	return b.Broadcast(ctx, msg)
}

// SetHandler registers the inbound handler.
func (b *PubSubBridge) SetHandler(h func(*NetworkMessage)) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

// Close cancels the read loop and leaves the topic.
func (b *PubSubBridge) Close() error {
	b.done()
	b.sub.Cancel()
	return b.topic.Close()
}

// MemoryBus connects MemoryBridges inside one process. It substitutes for
// the host environment's cross-context messaging in tests and non-browser
// embeddings.
type MemoryBus struct {
	mu      sync.Mutex
	bridges map[peer.ID]*MemoryBridge
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{bridges: make(map[peer.ID]*MemoryBridge)}
}

// Attach creates a bridge endpoint for self on the bus.
func (bus *MemoryBus) Attach(self peer.ID) *MemoryBridge {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	b := &MemoryBridge{bus: bus, self: self}
	bus.bridges[self] = b
	return b
}

func (bus *MemoryBus) targets(exclude peer.ID) []*MemoryBridge {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	var out []*MemoryBridge
	for id, b := range bus.bridges {
		if id != exclude {
			out = append(out, b)
		}
	}
	return out
}

// MemoryBridge is an in-process Bridge endpoint.
type MemoryBridge struct {
	bus  *MemoryBus
	self peer.ID

	mu      sync.RWMutex
	handler func(*NetworkMessage)
}

// Broadcast delivers msg synchronously to every other attached bridge.
// Endpoints without a handler are skipped, mirroring execution contexts
// with no companion listener.
func (b *MemoryBridge) Broadcast(_ context.Context, msg *NetworkMessage) error {
	for _, target := range b.bus.targets(b.self) {
		target.deliver(msg)
	}
	return nil
}

// Respond delivers msg only to origin's bridge, if attached.
func (b *MemoryBridge) Respond(_ context.Context, origin peer.ID, msg *NetworkMessage) error {
	b.bus.mu.Lock()
	target := b.bus.bridges[origin]
	b.bus.mu.Unlock()
	if target != nil {
		target.deliver(msg)
	}
	return nil
}

func (b *MemoryBridge) deliver(msg *NetworkMessage) {
	b.mu.RLock()
	handler := b.handler
	b.mu.RUnlock()
	if handler != nil {
		handler(msg)
	}
}

// SetHandler registers the inbound handler.
func (b *MemoryBridge) SetHandler(h func(*NetworkMessage)) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

// Close detaches the bridge from its bus.
func (b *MemoryBridge) Close() error {
	b.bus.mu.Lock()
	delete(b.bus.bridges, b.self)
	b.bus.mu.Unlock()
	return nil
}
