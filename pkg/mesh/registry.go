package mesh

import (
	"errors"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

var (
	// ErrRegistryFull is returned when the peer ceiling is reached.
	ErrRegistryFull = errors.New("peer registry is full")
	// ErrPeerExists is returned when a record for the id already exists.
	ErrPeerExists = errors.New("peer already registered")
)

// PeerState tracks where a peer is in its connection lifecycle.
type PeerState int

const (
	PeerConnecting PeerState = iota
	PeerOpen
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerConnecting:
		return "connecting"
	case PeerOpen:
		return "open"
	case PeerClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PeerRecord holds everything owned on behalf of one remote peer: its
// lifecycle state, its outbound stream, and liveness bookkeeping. The
// record and its stream are discarded together.
type PeerRecord struct {
	ID peer.ID

	mu         sync.Mutex
	state      PeerState
	stream     network.Stream
	lastSeenAt time.Time
}

func newPeerRecord(id peer.ID) *PeerRecord {
	return &PeerRecord{
		ID:         id,
		state:      PeerConnecting,
		lastSeenAt: time.Now(),
	}
}

// State returns the record's lifecycle state.
func (r *PeerRecord) State() PeerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Active reports whether the peer's channel has reached the open state.
func (r *PeerRecord) Active() bool {
	return r.State() == PeerOpen
}

// LastSeen returns when the peer last sent us anything.
func (r *PeerRecord) LastSeen() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeenAt
}

func (r *PeerRecord) touch() {
	r.mu.Lock()
	r.lastSeenAt = time.Now()
	r.mu.Unlock()
}

// markOpen transitions Connecting→Open. A closed record stays closed; a
// late transport callback must not resurrect it.
func (r *PeerRecord) markOpen(s network.Stream) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == PeerClosed {
		return false
	}
	r.state = PeerOpen
	if s != nil {
		r.stream = s
	}
	return true
}

// markClosed transitions to Closed and releases the stream. Idempotent.
func (r *PeerRecord) markClosed() {
	r.mu.Lock()
	s := r.stream
	r.stream = nil
	r.state = PeerClosed
	r.mu.Unlock()
	if s != nil {
		_ = s.Reset()
	}
}

// PeerRegistry is the single mutable structure shared between the mesh
// components. All of them go through its methods, which keeps the ceiling
// invariant enforceable in one place.
type PeerRegistry struct {
	mu       sync.RWMutex
	maxPeers int
	peers    map[peer.ID]*PeerRecord
}

// NewPeerRegistry creates a registry with a hard ceiling on entries.
func NewPeerRegistry(maxPeers int) *PeerRegistry {
	return &PeerRegistry{
		maxPeers: maxPeers,
		peers:    make(map[peer.ID]*PeerRecord),
	}
}

// Add registers a record. It refuses past the ceiling, in which case the
// caller must not open (or must immediately close) the underlying
// connection.
func (pr *PeerRegistry) Add(rec *PeerRecord) error {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	if _, exists := pr.peers[rec.ID]; exists {
		return ErrPeerExists
	}
	if len(pr.peers) >= pr.maxPeers {
		return ErrRegistryFull
	}
	pr.peers[rec.ID] = rec
	return nil
}

// Remove deletes and returns the record for id, or nil if unknown.
func (pr *PeerRegistry) Remove(id peer.ID) *PeerRecord {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	rec := pr.peers[id]
	delete(pr.peers, id)
	return rec
}

// Get looks up the record for id.
func (pr *PeerRegistry) Get(id peer.ID) (*PeerRecord, bool) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	rec, ok := pr.peers[id]
	return rec, ok
}

// All returns every known record.
func (pr *PeerRegistry) All() []*PeerRecord {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	recs := make([]*PeerRecord, 0, len(pr.peers))
	for _, rec := range pr.peers {
		recs = append(recs, rec)
	}
	return recs
}

// Active returns the records whose channel is open.
func (pr *PeerRegistry) Active() []*PeerRecord {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	var recs []*PeerRecord
	for _, rec := range pr.peers {
		if rec.Active() {
			recs = append(recs, rec)
		}
	}
	return recs
}

// Count returns the number of known peers.
func (pr *PeerRegistry) Count() int {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	return len(pr.peers)
}

// Touch updates lastSeenAt for id, reporting whether the peer is known.
func (pr *PeerRegistry) Touch(id peer.ID) bool {
	pr.mu.RLock()
	rec, ok := pr.peers[id]
	pr.mu.RUnlock()
	if !ok {
		return false
	}
	rec.touch()
	return true
}

// SweepInactive removes every peer silent for longer than timeout and
// returns their ids. It does not close connections; teardown stays with
// the caller so ordering is explicit at the call site.
func (pr *PeerRegistry) SweepInactive(timeout time.Duration) []peer.ID {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	cutoff := time.Now().Add(-timeout)
	var evicted []peer.ID
	for id, rec := range pr.peers {
		if rec.LastSeen().Before(cutoff) {
			delete(pr.peers, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Clear removes everything and returns the removed records.
func (pr *PeerRegistry) Clear() []*PeerRecord {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	recs := make([]*PeerRecord, 0, len(pr.peers))
	for id, rec := range pr.peers {
		recs = append(recs, rec)
		delete(pr.peers, id)
	}
	return recs
}
