// Package crypto seals privacy-data payloads with AES-GCM before they are
// handed to the transport. The key is derived from the two peer ids, so
// sealing hides payloads from topic-level observers, not from the peers.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
)

// KeyFromPeers derives a symmetric AES-256 key from two peer IDs. The ids
// are sorted first so both sides derive the same key.
func KeyFromPeers(p1, p2 peer.ID) []byte {
	id1, _ := p1.Marshal()
	id2, _ := p2.Marshal()

	var combined []byte
	if strings.Compare(string(id1), string(id2)) < 0 {
		combined = append(id1, id2...)
	} else {
		combined = append(id2, id1...)
	}

	hash := sha256.Sum256(combined)
	return hash[:]
}

// Seal encrypts plaintext with AES-GCM under a fresh random nonce and
// returns base64 (nonce prepended to the ciphertext).
func Seal(plaintext, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a base64 AES-GCM payload produced by Seal.
func Open(sealedB64 string, key []byte) ([]byte, error) {
	sealed, err := base64.StdEncoding.DecodeString(sealedB64)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("sealed payload too short")
	}
	nonce, ct := sealed[:nonceSize], sealed[nonceSize:]
	return gcm.Open(nil, nonce, ct, nil)
}
