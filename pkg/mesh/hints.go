package mesh

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// MaxHintPersistAge is how long a hint is kept on disk at all.
const MaxHintPersistAge = 24 * time.Hour

// KnownPeerHint is a persisted pointer to a previously seen peer, used only
// to bias reconnection at startup. Hints are not authoritative and may be
// stale or wrong.
type KnownPeerHint struct {
	PeerID             string    `json:"peerId"`
	Addrs              []string  `json:"addrs,omitempty"`
	LastSeen           time.Time `json:"lastSeen"`
	ConnectionAttempts int       `json:"connectionAttempts"`
}

// HintStore persists known-peer hints between runs.
type HintStore interface {
	Get() ([]KnownPeerHint, error)
	Put(hints []KnownPeerHint) error
}

// FileHintStore stores hints in a JSON file.
type FileHintStore struct {
	lock     sync.Mutex
	filePath string
}

// NewFileHintStore creates a store backed by filePath.
func NewFileHintStore(filePath string) *FileHintStore {
	return &FileHintStore{filePath: filePath}
}

// Get loads all persisted hints. A missing file is an empty store.
func (hs *FileHintStore) Get() ([]KnownPeerHint, error) {
	hs.lock.Lock()
	defer hs.lock.Unlock()

	file, err := os.ReadFile(hs.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var hints []KnownPeerHint
	if err := json.Unmarshal(file, &hints); err != nil {
		return nil, err
	}
	return hints, nil
}

// Put replaces the persisted hints, dropping entries not seen within
// MaxHintPersistAge.
func (hs *FileHintStore) Put(hints []KnownPeerHint) error {
	hs.lock.Lock()
	defer hs.lock.Unlock()

	cutoff := time.Now().Add(-MaxHintPersistAge)
	kept := make([]KnownPeerHint, 0, len(hints))
	for _, h := range hints {
		if h.LastSeen.After(cutoff) {
			kept = append(kept, h)
		}
	}

	file, err := json.MarshalIndent(kept, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(hs.filePath, file, 0644)
}
