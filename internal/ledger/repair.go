package ledger

import (
	"context"

	"certledger.org/internal/audit"
	"certledger.org/internal/obs"
)

// Tamper rewrites block index in memory through mutate. It exists for
// conformance checks of the integrity scan (certctl selftest and tests) and
// never reaches the BlockStore.
func (s *InMemory) Tamper(ctx context.Context, index int, mutate func(*Block)) error {
	s.mu.Lock()
	if index < 0 || index >= len(s.blocks) {
		s.mu.Unlock()
		return ErrBlockIndexOutOfRange
	}
	b := s.blocks[index].clone()
	mutate(&b)
	s.blocks[index] = b
	total := len(s.blocks)
	s.mu.Unlock()

	obs.ObserveLedger(total, false)
	_ = audit.LogEvent(ctx, "ledger.tamper", map[string]any{"index": index})
	return nil
}

// RestoreIntegrity recomputes links and hashes from block `from` to the tip
// using the data currently held, and returns the indexes it rewrote. Like
// Tamper it only touches memory.
func (s *InMemory) RestoreIntegrity(ctx context.Context, from int) ([]int, error) {
	s.mu.Lock()
	if from < 0 || from >= len(s.blocks) {
		s.mu.Unlock()
		return nil, ErrBlockIndexOutOfRange
	}
	rewritten := []int{}
	for i := from; i < len(s.blocks); i++ {
		b := s.blocks[i].clone()
		b.Index = i
		if i == 0 {
			b.PrecedingHash = GenesisPrecedingHash
		} else {
			b.PrecedingHash = s.blocks[i-1].Hash
		}
		b.Hash = ComputeHash(b)
		if b.Hash != s.blocks[i].Hash || b.PrecedingHash != s.blocks[i].PrecedingHash {
			rewritten = append(rewritten, i)
		}
		s.blocks[i] = b
	}
	total, valid := len(s.blocks), validSnapshot(s.blocks)
	s.mu.Unlock()

	obs.ObserveLedger(total, valid)
	_ = audit.LogEvent(ctx, "ledger.restore_integrity", map[string]any{
		"from":      from,
		"rewritten": rewritten,
	})
	return rewritten, nil
}
