// Package anchor writes fully approved certificates to the external chain,
// once, and mirrors the resulting reference into the local ledger.
package anchor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"certledger.org/internal/approval"
	"certledger.org/internal/audit"
	"certledger.org/internal/certificate"
	"certledger.org/internal/chain"
	"certledger.org/internal/ledger"
	"certledger.org/internal/obs"
	"certledger.org/internal/stream"
)

var (
	// ErrExternalChainUnavailable wraps a failed or timed out submission. The
	// approval stays approved and unanchored, and Anchor may be retried. A
	// transaction that was already broadcast is kept as the pending anchor
	// and awaited again on retry.
	ErrExternalChainUnavailable = errors.New("anchor: external chain unavailable")
	ErrNotApproved              = errors.New("anchor: approval is not approved")
)

// Approvals is the part of the approval workflow the service needs.
type Approvals interface {
	Get(ctx context.Context, id string) (approval.CertificateApproval, error)
	RecordPendingAnchor(ctx context.Context, id, txID string) (approval.CertificateApproval, error)
	ClearPendingAnchor(ctx context.Context, id, txID string) error
	RecordAnchor(ctx context.Context, id string, ref approval.BlockchainReference) (approval.CertificateApproval, error)
	ListByStatus(ctx context.Context, status approval.Status) ([]approval.CertificateApproval, error)
}

// Ledger is the part of the hash chain the service writes to.
type Ledger interface {
	Append(ctx context.Context, data certificate.Payload) (ledger.Block, error)
	FindByTxID(txID string) (ledger.Block, bool)
}

// Receipt reports where a certificate was anchored.
type Receipt struct {
	ApprovalID      string        `json:"approval_id"`
	Chain           chain.Receipt `json:"chain"`
	LedgerIndex     int           `json:"ledger_index"`
	AlreadyAnchored bool          `json:"already_anchored"`
}

// Option configures a Service.
type Option func(*Service)

// WithTimeout bounds each anchoring attempt, broadcast and confirmation
// included.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithPublisher announces successful anchors to p.
func WithPublisher(p approval.Publisher) Option {
	return func(s *Service) { s.pub = p }
}

// Service anchors approvals. Concurrent calls for the same approval share one
// submission; sequential calls after success return the stored reference.
type Service struct {
	approvals Approvals
	ledger    Ledger
	chain     chain.Client
	timeout   time.Duration
	pub       approval.Publisher
	group     singleflight.Group
}

func New(approvals Approvals, l Ledger, c chain.Client, opts ...Option) *Service {
	s := &Service{approvals: approvals, ledger: l, chain: c, timeout: 2 * time.Minute}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Anchor submits approval id to the external chain unless it already carries
// a blockchain reference. No approval lock is held during the submission.
//
// The shared attempt is detached from the caller that started it and bounded
// by the service timeout, so one impatient caller cannot fail the others.
// Each caller still stops waiting when its own ctx ends.
func (s *Service) Anchor(ctx context.Context, id string) (Receipt, error) {
	ch := s.group.DoChan(id, func() (any, error) {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.anchor(actx, id)
	})
	select {
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Receipt{}, res.Err
		}
		return res.Val.(Receipt), nil
	}
}

func (s *Service) anchor(ctx context.Context, id string) (Receipt, error) {
	rec, err := s.approvals.Get(ctx, id)
	if err != nil {
		return Receipt{}, err
	}
	if rec.BlockchainReference != nil {
		obs.CountAnchor("existing")
		return s.mirror(ctx, rec, true)
	}
	if rec.Status != approval.StatusApproved {
		return Receipt{}, fmt.Errorf("%w: status is %s", ErrNotApproved, rec.Status)
	}

	var txID string
	if rec.PendingAnchor != nil {
		txID = rec.PendingAnchor.TxID
		obs.Info("awaiting pending anchor", map[string]any{"approval_id": id, "tx_id": txID})
	} else {
		if txID, err = s.broadcast(ctx, rec); err != nil {
			return Receipt{}, err
		}
		stored, err := s.approvals.RecordPendingAnchor(ctx, id, txID)
		switch {
		case errors.Is(err, approval.ErrAnchorPending):
			obs.Warn("duplicate anchor transaction", map[string]any{
				"approval_id": id,
				"orphan_tx":   txID,
				"stored_tx":   stored.PendingAnchor.TxID,
			})
			txID = stored.PendingAnchor.TxID
		case errors.Is(err, approval.ErrAnchorAlreadyExists):
			obs.Warn("duplicate anchor transaction", map[string]any{
				"approval_id": id,
				"orphan_tx":   txID,
				"stored_tx":   stored.BlockchainReference.TxID,
			})
			return s.mirror(ctx, stored, true)
		case err != nil:
			obs.Error("pending anchor not recorded", err, map[string]any{"approval_id": id, "tx_id": txID})
			return Receipt{}, fmt.Errorf("record pending anchor: %w", err)
		}
	}

	rcpt, err := s.chain.Await(ctx, txID)
	if err != nil {
		obs.CountAnchor("failed")
		obs.Error("anchor confirmation failed", err, map[string]any{"approval_id": id, "tx_id": txID})
		if errors.Is(err, chain.ErrNotFound) {
			// Dropped or reverted: the next attempt broadcasts again.
			if cerr := s.approvals.ClearPendingAnchor(ctx, id, txID); cerr != nil {
				obs.Error("clear pending anchor", cerr, map[string]any{"approval_id": id, "tx_id": txID})
			}
		}
		return Receipt{}, fmt.Errorf("%w: %w", ErrExternalChainUnavailable, err)
	}
	if rcpt.ExplorerURL == "" {
		rcpt.ExplorerURL = s.chain.ExplorerURL(rcpt.TxID)
	}

	stored, err := s.approvals.RecordAnchor(ctx, id, approval.BlockchainReference{
		TxID:           rcpt.TxID,
		BlockNumber:    rcpt.BlockNumber,
		BlockTimestamp: rcpt.BlockTimestamp,
		ExplorerURL:    rcpt.ExplorerURL,
	})
	already := false
	switch {
	case errors.Is(err, approval.ErrAnchorAlreadyExists):
		// Another writer won; the stored reference is authoritative.
		obs.Warn("duplicate anchor transaction", map[string]any{
			"approval_id": id,
			"orphan_tx":   rcpt.TxID,
			"stored_tx":   stored.BlockchainReference.TxID,
		})
		already = true
	case err != nil:
		return Receipt{}, fmt.Errorf("record anchor: %w", err)
	default:
		obs.CountAnchor("anchored")
		_ = audit.LogEvent(ctx, "certificate.anchored", map[string]any{
			"approval_id":    id,
			"certificate_id": rec.CertificateID,
			"tx_id":          rcpt.TxID,
			"block_number":   rcpt.BlockNumber,
		})
		if s.pub != nil {
			s.pub.Publish(stream.Event{
				Type:          stream.EventAnchored,
				ApprovalID:    id,
				CertificateID: stored.CertificateID,
				EntityType:    string(stored.EntityType),
				EntityID:      stored.EntityID,
				Status:        string(stored.Status),
				Approvals:     len(stored.Approvers),
				Required:      stored.RequiredApprovals,
				TxID:          rcpt.TxID,
				Timestamp:     time.Now().UTC(),
			})
		}
	}
	return s.mirror(ctx, stored, already)
}

// broadcast sends the payload of rec without waiting for it to be mined.
func (s *Service) broadcast(ctx context.Context, rec approval.CertificateApproval) (string, error) {
	payload, err := chain.EncodePayload(PayloadFor(rec))
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	txID, err := s.chain.Broadcast(ctx, payload)
	if err != nil {
		obs.CountAnchor("failed")
		obs.Error("anchor submission failed", err, map[string]any{"approval_id": rec.ID})
		return "", fmt.Errorf("%w: %w", ErrExternalChainUnavailable, err)
	}
	return txID, nil
}

// mirror makes sure the ledger holds a block for the stored reference. It is
// safe to repeat after a partial failure.
func (s *Service) mirror(ctx context.Context, rec approval.CertificateApproval, already bool) (Receipt, error) {
	ref := rec.BlockchainReference
	out := Receipt{
		ApprovalID: rec.ID,
		Chain: chain.Receipt{
			TxID:           ref.TxID,
			BlockNumber:    ref.BlockNumber,
			BlockTimestamp: ref.BlockTimestamp,
			ExplorerURL:    ref.ExplorerURL,
		},
		AlreadyAnchored: already,
	}
	if b, ok := s.ledger.FindByTxID(ref.TxID); ok {
		out.LedgerIndex = b.Index
		return out, nil
	}
	b, err := s.ledger.Append(ctx, rec.Payload(&certificate.AnchorRef{
		TxID:           ref.TxID,
		BlockNumber:    ref.BlockNumber,
		BlockTimestamp: ref.BlockTimestamp,
	}))
	if err != nil {
		return out, fmt.Errorf("append ledger block: %w", err)
	}
	out.LedgerIndex = b.Index
	return out, nil
}

// PayloadFor builds the on-chain payload for an approved record.
func PayloadFor(rec approval.CertificateApproval) chain.AnchorPayload {
	stamps := make([]chain.ApproverStamp, 0, len(rec.Approvers))
	for _, a := range rec.Approvers {
		stamps = append(stamps, chain.ApproverStamp{Wallet: a.ApproverWallet, Name: a.ApproverName, Date: a.ApprovedAt})
	}
	p := chain.AnchorPayload{
		CertificateID:     rec.CertificateID,
		EntityType:        string(rec.EntityType),
		EntityID:          rec.EntityID,
		EntityName:        rec.EntityName,
		ContentHash:       rec.ContentHash,
		SubmissionVersion: rec.SubmissionVersion,
		Approvers:         stamps,
		Timestamp:         rec.UpdatedAt,
	}
	if rec.Product != nil || rec.Company != nil {
		p.Entity = &chain.EntityDetails{Product: rec.Product, Company: rec.Company}
	}
	return p
}
