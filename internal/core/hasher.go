package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const genesisHashSeed = "omnilend:genesis:v1"

// StateHasher maintains the audit hash chain:
// state_hash[N] = SHA-256(prev_hash || sequence || position_digest)
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(genesisHashSeed))}
}

// ComputeHash folds the digest of the mutated position into the chain and
// advances the tip.
func (h *StateHasher) ComputeHash(sequence int64, digest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])
	hasher.Write(digest)

	var out [32]byte
	copy(out[:], hasher.Sum(nil))
	h.prevHash = out
	return out
}

// Tip returns the current chain head.
func (h *StateHasher) Tip() [32]byte {
	return h.prevHash
}

// SetTip restores the chain head during warm restart.
func (h *StateHasher) SetTip(hash [32]byte) {
	h.prevHash = hash
}
