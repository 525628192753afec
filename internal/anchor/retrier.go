package anchor

import (
	"context"
	"time"

	"certledger.org/internal/approval"
	"certledger.org/internal/obs"
)

// Retrier re-drives approvals that are approved but not yet anchored, or
// anchored without a ledger block.
type Retrier struct {
	svc *Service
}

func NewRetrier(svc *Service) *Retrier { return &Retrier{svc: svc} }

// Run polls every interval until ctx ends.
func (r *Retrier) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.RunOnce(ctx); err != nil {
				obs.Error("anchor retry pass failed", err, nil)
			} else if n > 0 {
				obs.Info("anchor retry pass", map[string]any{"anchored": n})
			}
		}
	}
}

// RunOnce anchors every pending candidate and returns how many succeeded.
// Per-record failures are logged and do not stop the pass.
func (r *Retrier) RunOnce(ctx context.Context) (int, error) {
	recs, err := r.svc.approvals.ListByStatus(ctx, approval.StatusApproved)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, rec := range recs {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if rec.BlockchainReference != nil {
			if _, ok := r.svc.ledger.FindByTxID(rec.BlockchainReference.TxID); ok {
				continue
			}
		}
		if _, err := r.svc.Anchor(ctx, rec.ID); err != nil {
			obs.Warn("anchor retry failed", map[string]any{"approval_id": rec.ID, "error": err.Error()})
			continue
		}
		done++
	}
	return done, nil
}
