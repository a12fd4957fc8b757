package core

import "fmt"

// SequenceGuard tracks the highest observed gateway sequence per source
// chain. Cross-chain observers replay their log from arbitrary offsets, so
// a sequence at or below the watermark marks the delivery as stale rather
// than being an error; gaps are tolerated because not every gateway
// transaction targets this ledger.
// Not thread-safe — only touched from the single-writer loop.
type SequenceGuard struct {
	highWater map[string]int64
	staleSeen map[string]int64
}

func NewSequenceGuard() *SequenceGuard {
	return &SequenceGuard{
		highWater: make(map[string]int64),
		staleSeen: make(map[string]int64),
	}
}

func chainPartition(chainID uint64) string {
	return fmt.Sprintf("chain:%d", chainID)
}

// Observe advances the watermark for the partition and reports whether the
// sequence is stale (already at or below the watermark).
func (g *SequenceGuard) Observe(partition string, seq int64) bool {
	if seq <= g.highWater[partition] {
		g.staleSeen[partition]++
		return true
	}
	g.highWater[partition] = seq
	return false
}

// Restore advances a partition watermark during warm-restart replay.
func (g *SequenceGuard) Restore(partition string, seq int64) {
	if seq > g.highWater[partition] {
		g.highWater[partition] = seq
	}
}
