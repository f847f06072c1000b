package mesh

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// MessageKind discriminates NetworkMessage payloads.
type MessageKind string

const (
	KindDiscovery      MessageKind = "discovery"
	KindPrivacyData    MessageKind = "privacy-data"
	KindStatsRequest   MessageKind = "stats-request"
	KindCommunityStats MessageKind = "community-stats"
)

// NetworkMessage is the wire envelope for both the bridge and the data
// channels. SenderID is always the sender's own id; messages travel exactly
// one hop and are never relayed.
type NetworkMessage struct {
	Kind      MessageKind     `json:"kind"`
	SenderID  string          `json:"senderId"`
	Recipient string          `json:"recipient,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sealed    bool            `json:"sealed,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds an envelope with the given payload marshalled in.
func NewMessage(kind MessageKind, sender peer.ID, payload any) (*NetworkMessage, error) {
	msg := &NetworkMessage{
		Kind:      kind,
		SenderID:  sender.String(),
		Timestamp: time.Now(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// Sender decodes the envelope's sender id.
func (m *NetworkMessage) Sender() (peer.ID, error) {
	return peer.Decode(m.SenderID)
}

// Announcement is the payload of discovery messages: who the sender is and
// where it can be dialed.
type Announcement struct {
	PeerID  string   `json:"peerId"`
	Version string   `json:"version"`
	Addrs   []string `json:"addrs,omitempty"`
}
