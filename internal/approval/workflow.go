package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"certledger.org/internal/audit"
	"certledger.org/internal/auth"
	"certledger.org/internal/certificate"
	"certledger.org/internal/ids"
	"certledger.org/internal/obs"
	"certledger.org/internal/signature"
	"certledger.org/internal/stream"
)

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(stream.Event)
}

// VerifyFunc checks a signature over message against a wallet address.
type VerifyFunc func(message, signatureHex, wallet string) bool

// Option configures a Workflow.
type Option func(*Workflow)

// WithPublisher sends lifecycle events to p.
func WithPublisher(p Publisher) Option {
	return func(w *Workflow) { w.pub = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) {
		if now != nil {
			w.now = now
		}
	}
}

// WithVerifier replaces the signature check.
func WithVerifier(v VerifyFunc) Option {
	return func(w *Workflow) {
		if v != nil {
			w.verify = v
		}
	}
}

// Workflow drives CertificateApproval records through their lifecycle.
// Each write happens under a per-record lock, so the append-approver and
// threshold check form one critical section.
type Workflow struct {
	repo   Repository
	dir    auth.Directory
	pub    Publisher
	verify VerifyFunc
	now    func() time.Time
	locks  *keyedMutex
}

func New(repo Repository, dir auth.Directory, opts ...Option) *Workflow {
	w := &Workflow{
		repo:   repo,
		dir:    dir,
		verify: signature.Verify,
		now:    time.Now,
		locks:  newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Workflow) timestamp() time.Time {
	return w.now().UTC().Truncate(time.Microsecond)
}

func approvalKey(id string) string { return "approval:" + id }

func entityKey(t certificate.EntityType, id string) string {
	return "entity:" + string(t) + ":" + id
}

func validateRequest(req SubmitRequest) (SubmitRequest, error) {
	req.CertificateID = strings.TrimSpace(req.CertificateID)
	req.EntityID = strings.TrimSpace(req.EntityID)
	req.EntityName = strings.TrimSpace(req.EntityName)
	req.ArtifactLocation = strings.TrimSpace(req.ArtifactLocation)
	req.ContentHash = certificate.NormalizeHash(req.ContentHash)
	switch {
	case req.CertificateID == "":
		return req, fmt.Errorf("%w: certificate_id is required", ErrInvalidPayload)
	case !req.EntityType.Valid():
		return req, fmt.Errorf("%w: unknown entity type %q", ErrInvalidPayload, req.EntityType)
	case req.EntityID == "":
		return req, fmt.Errorf("%w: entity_id is required", ErrInvalidPayload)
	case req.EntityName == "":
		return req, fmt.Errorf("%w: entity_name is required", ErrInvalidPayload)
	}
	if err := certificate.ValidateHash(req.ContentHash); err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if req.Product != nil {
		d := req.Product.Trim()
		req.Product = &d
	}
	if req.Company != nil {
		d := req.Company.Trim()
		req.Company = &d
	}
	if err := certificate.ValidateDetails(req.EntityType, req.Product, req.Company); err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return req, nil
}

// Threshold computes the approvals a submission by submitterID needs: every
// eligible approver except the submitter, and at least one.
func (w *Workflow) Threshold(ctx context.Context, submitterID string) (Threshold, error) {
	n, err := w.dir.CountEligibleApprovers(ctx)
	if err != nil {
		return Threshold{}, fmt.Errorf("count approvers: %w", err)
	}
	required := n
	if submitterID != "" {
		eligible, err := w.dir.IsEligibleApprover(ctx, submitterID)
		if err != nil {
			return Threshold{}, fmt.Errorf("check submitter: %w", err)
		}
		if eligible {
			required--
		}
	}
	return Threshold{EligibleApprovers: n, RequiredApprovals: max(required, 1)}, nil
}

func (w *Workflow) memberName(ctx context.Context, userID string) string {
	m, err := w.dir.Member(ctx, userID)
	if err != nil || m.Name == "" {
		return userID
	}
	return m.Name
}

// openForEntity returns ErrAlreadySubmitted when the entity has a pending or
// approved record. Callers hold the entity lock.
func (w *Workflow) openForEntity(ctx context.Context, t certificate.EntityType, entityID string) error {
	recs, err := w.repo.List(ctx, Filter{EntityType: t, EntityID: entityID})
	if err != nil {
		return err
	}
	for _, r := range recs {
		if r.Status == StatusPending || r.Status == StatusApproved {
			return fmt.Errorf("%w: %s", ErrAlreadySubmitted, r.ID)
		}
	}
	return nil
}

func (w *Workflow) newRecord(ctx context.Context, submitterID string) (CertificateApproval, error) {
	th, err := w.Threshold(ctx, submitterID)
	if err != nil {
		return CertificateApproval{}, err
	}
	seq, err := w.repo.NextSequence(ctx)
	if err != nil {
		return CertificateApproval{}, fmt.Errorf("next sequence: %w", err)
	}
	now := w.timestamp()
	return CertificateApproval{
		ID:                ids.NewAt(now),
		Sequence:          seq,
		Status:            StatusPending,
		SubmittedBy:       submitterID,
		SubmitterName:     w.memberName(ctx, submitterID),
		Approvers:         []Approver{},
		RequiredApprovals: th.RequiredApprovals,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// Submit opens a pending record for req.
func (w *Workflow) Submit(ctx context.Context, req SubmitRequest, submitterID string) (CertificateApproval, error) {
	submitterID = strings.TrimSpace(submitterID)
	if submitterID == "" {
		return CertificateApproval{}, fmt.Errorf("%w: submitter is required", ErrInvalidPayload)
	}
	req, err := validateRequest(req)
	if err != nil {
		return CertificateApproval{}, err
	}

	unlock := w.locks.Lock(entityKey(req.EntityType, req.EntityID))
	defer unlock()

	if err := w.openForEntity(ctx, req.EntityType, req.EntityID); err != nil {
		return CertificateApproval{}, err
	}
	rec, err := w.newRecord(ctx, submitterID)
	if err != nil {
		return CertificateApproval{}, err
	}
	rec.CertificateID = req.CertificateID
	rec.EntityType = req.EntityType
	rec.EntityID = req.EntityID
	rec.EntityName = req.EntityName
	rec.ContentHash = req.ContentHash
	rec.ArtifactLocation = req.ArtifactLocation
	rec.Product = req.Product
	rec.Company = req.Company

	if err := w.repo.Create(ctx, rec); err != nil {
		return CertificateApproval{}, fmt.Errorf("create approval: %w", err)
	}
	w.emit(ctx, stream.EventSubmitted, rec, submitterID)
	return rec, nil
}

// Get loads one record.
func (w *Workflow) Get(ctx context.Context, id string) (CertificateApproval, error) {
	return w.repo.Get(ctx, id)
}

// ApprovalMessage returns the text approvers must sign for record id.
func (w *Workflow) ApprovalMessage(ctx context.Context, id string) (string, error) {
	rec, err := w.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return ApprovalMessageFor(rec), nil
}

// RejectionMessage returns the text a rejector must sign for record id and reason.
func (w *Workflow) RejectionMessage(ctx context.Context, id, reason string) (string, error) {
	if strings.TrimSpace(reason) == "" {
		return "", fmt.Errorf("%w: reason is required", ErrInvalidPayload)
	}
	rec, err := w.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return RejectionMessageFor(rec, reason), nil
}

// signer resolves an eligible approver and checks that wallet is theirs.
func (w *Workflow) signer(ctx context.Context, userID, wallet string) (auth.Member, error) {
	eligible, err := w.dir.IsEligibleApprover(ctx, userID)
	if err != nil {
		return auth.Member{}, fmt.Errorf("check approver: %w", err)
	}
	if !eligible {
		return auth.Member{}, ErrNotEligible
	}
	m, err := w.dir.Member(ctx, userID)
	if err != nil {
		if errors.Is(err, auth.ErrMemberNotFound) {
			return auth.Member{}, ErrNotEligible
		}
		return auth.Member{}, fmt.Errorf("load approver: %w", err)
	}
	if m.Wallet == "" {
		return auth.Member{}, ErrWalletMismatch
	}
	if wallet != "" && !strings.EqualFold(strings.TrimSpace(wallet), m.Wallet) {
		return auth.Member{}, ErrWalletMismatch
	}
	return m, nil
}

// Approve records approverID's signature on record id. Every check runs
// before the record is written; a failed call leaves it untouched.
func (w *Workflow) Approve(ctx context.Context, id, approverID, wallet, sig string) (ApprovalResult, error) {
	unlock := w.locks.Lock(approvalKey(id))
	defer unlock()

	rec, err := w.repo.Get(ctx, id)
	if err != nil {
		return ApprovalResult{}, err
	}
	if rec.Status != StatusPending {
		return ApprovalResult{}, fmt.Errorf("%w: status is %s", ErrNotPending, rec.Status)
	}
	if approverID == rec.SubmittedBy {
		return ApprovalResult{}, ErrSelfApproval
	}
	if rec.HasApprover(approverID) {
		return ApprovalResult{}, ErrDuplicateApproval
	}
	m, err := w.signer(ctx, approverID, wallet)
	if err != nil {
		return ApprovalResult{}, err
	}
	if !w.verify(ApprovalMessageFor(rec), sig, m.Wallet) {
		return ApprovalResult{}, ErrBadSignature
	}

	now := w.timestamp()
	rec.Approvers = append(rec.Approvers, Approver{
		ApproverID:     approverID,
		ApproverName:   m.Name,
		ApproverWallet: m.Wallet,
		ApprovedAt:     now,
		Signature:      sig,
	})
	rec.UpdatedAt = now
	full := len(rec.Approvers) >= rec.RequiredApprovals
	if full {
		rec.Status = StatusApproved
	}
	if err := w.repo.Update(ctx, rec); err != nil {
		return ApprovalResult{}, fmt.Errorf("update approval: %w", err)
	}

	w.emit(ctx, stream.EventApprovedSignature, rec, approverID)
	if full {
		w.emit(ctx, stream.EventFullyApproved, rec, approverID)
	}
	return ApprovalResult{Approval: rec, FullyApproved: full}, nil
}

// Reject freezes record id as rejected. The signature must cover the
// rejection message for this reason and come from the rejector's wallet.
func (w *Workflow) Reject(ctx context.Context, id, rejectorID, reason, sig string) (CertificateApproval, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return CertificateApproval{}, fmt.Errorf("%w: reason is required", ErrInvalidPayload)
	}
	unlock := w.locks.Lock(approvalKey(id))
	defer unlock()

	rec, err := w.repo.Get(ctx, id)
	if err != nil {
		return CertificateApproval{}, err
	}
	if rec.Status != StatusPending {
		return CertificateApproval{}, fmt.Errorf("%w: status is %s", ErrNotPending, rec.Status)
	}
	m, err := w.signer(ctx, rejectorID, "")
	if err != nil {
		return CertificateApproval{}, err
	}
	if !w.verify(RejectionMessageFor(rec, reason), sig, m.Wallet) {
		return CertificateApproval{}, ErrBadSignature
	}

	now := w.timestamp()
	rec.Status = StatusRejected
	rec.Rejection = &Rejection{
		RejectedBy:   rejectorID,
		RejectorName: m.Name,
		Reason:       reason,
		RejectedAt:   now,
		Signature:    sig,
	}
	rec.UpdatedAt = now
	if err := w.repo.Update(ctx, rec); err != nil {
		return CertificateApproval{}, fmt.Errorf("update approval: %w", err)
	}
	w.emit(ctx, stream.EventRejected, rec, rejectorID)
	return rec, nil
}

// Resubmit opens a new pending record replacing the rejected record id.
func (w *Workflow) Resubmit(ctx context.Context, id, submitterID string, upd Updates) (CertificateApproval, error) {
	unlock := w.locks.Lock(approvalKey(id))
	defer unlock()

	prev, err := w.repo.Get(ctx, id)
	if err != nil {
		return CertificateApproval{}, err
	}
	if prev.Status != StatusRejected {
		return CertificateApproval{}, ErrNotRejected
	}
	if prev.SubmittedBy != submitterID {
		return CertificateApproval{}, ErrNotSubmitter
	}

	req := SubmitRequest{
		CertificateID:    prev.CertificateID,
		EntityType:       prev.EntityType,
		EntityID:         prev.EntityID,
		EntityName:       prev.EntityName,
		ContentHash:      prev.ContentHash,
		ArtifactLocation: prev.ArtifactLocation,
		Product:          prev.Product,
		Company:          prev.Company,
	}
	if upd.ContentHash != "" {
		req.ContentHash = upd.ContentHash
	}
	if upd.ArtifactLocation != "" {
		req.ArtifactLocation = upd.ArtifactLocation
	}
	if req, err = validateRequest(req); err != nil {
		return CertificateApproval{}, err
	}

	unlockEntity := w.locks.Lock(entityKey(prev.EntityType, prev.EntityID))
	defer unlockEntity()

	superseded, err := w.repo.List(ctx, Filter{PreviousApprovalID: prev.ID})
	if err != nil {
		return CertificateApproval{}, err
	}
	if len(superseded) > 0 {
		return CertificateApproval{}, fmt.Errorf("%w: already resubmitted as %s", ErrAlreadySubmitted, superseded[0].ID)
	}
	if err := w.openForEntity(ctx, prev.EntityType, prev.EntityID); err != nil {
		return CertificateApproval{}, err
	}

	rec, err := w.newRecord(ctx, submitterID)
	if err != nil {
		return CertificateApproval{}, err
	}
	rec.CertificateID = req.CertificateID
	rec.EntityType = req.EntityType
	rec.EntityID = req.EntityID
	rec.EntityName = req.EntityName
	rec.ContentHash = req.ContentHash
	rec.ArtifactLocation = req.ArtifactLocation
	rec.Product = req.Product
	rec.Company = req.Company
	rec.SubmitterName = prev.SubmitterName
	rec.SubmissionVersion = prev.SubmissionVersion + 1
	rec.PreviousApprovalID = prev.ID

	if err := w.repo.Create(ctx, rec); err != nil {
		return CertificateApproval{}, fmt.Errorf("create approval: %w", err)
	}
	w.emit(ctx, stream.EventResubmitted, rec, submitterID)
	return rec, nil
}

// RecordAnchor is the single write of the blockchain reference on an
// approved record. A second call returns the stored record together with
// ErrAnchorAlreadyExists.
func (w *Workflow) RecordAnchor(ctx context.Context, id string, ref BlockchainReference) (CertificateApproval, error) {
	if strings.TrimSpace(ref.TxID) == "" {
		return CertificateApproval{}, fmt.Errorf("%w: tx id is required", ErrInvalidPayload)
	}
	unlock := w.locks.Lock(approvalKey(id))
	defer unlock()

	rec, err := w.repo.Get(ctx, id)
	if err != nil {
		return CertificateApproval{}, err
	}
	if rec.BlockchainReference != nil {
		return rec, ErrAnchorAlreadyExists
	}
	if rec.Status != StatusApproved {
		return CertificateApproval{}, ErrNotApproved
	}
	ref.BlockTimestamp = ref.BlockTimestamp.UTC().Truncate(time.Microsecond)
	now := w.timestamp()
	if err := w.repo.SaveAnchor(ctx, id, ref, now); err != nil {
		if errors.Is(err, ErrAnchorAlreadyExists) {
			stored, gerr := w.repo.Get(ctx, id)
			if gerr != nil {
				return CertificateApproval{}, gerr
			}
			return stored, ErrAnchorAlreadyExists
		}
		return CertificateApproval{}, fmt.Errorf("save anchor: %w", err)
	}
	rec.BlockchainReference = &ref
	rec.PendingAnchor = nil
	rec.UpdatedAt = now
	w.emit(ctx, stream.EventAnchored, rec, "")
	return rec, nil
}

// RecordPendingAnchor stores txID as the broadcast, unconfirmed anchor of an
// approved record. When a different transaction is already pending, the
// stored record is returned together with ErrAnchorPending and the caller
// should wait for that one instead.
func (w *Workflow) RecordPendingAnchor(ctx context.Context, id, txID string) (CertificateApproval, error) {
	if strings.TrimSpace(txID) == "" {
		return CertificateApproval{}, fmt.Errorf("%w: tx id is required", ErrInvalidPayload)
	}
	unlock := w.locks.Lock(approvalKey(id))
	defer unlock()

	rec, err := w.repo.Get(ctx, id)
	if err != nil {
		return CertificateApproval{}, err
	}
	switch {
	case rec.BlockchainReference != nil:
		return rec, ErrAnchorAlreadyExists
	case rec.Status != StatusApproved:
		return CertificateApproval{}, ErrNotApproved
	case rec.PendingAnchor != nil && rec.PendingAnchor.TxID == txID:
		return rec, nil
	case rec.PendingAnchor != nil:
		return rec, ErrAnchorPending
	}
	now := w.timestamp()
	pending := &PendingAnchor{TxID: txID, BroadcastAt: now}
	if err := w.repo.SavePendingAnchor(ctx, id, pending, now); err != nil {
		return CertificateApproval{}, fmt.Errorf("save pending anchor: %w", err)
	}
	rec.PendingAnchor = pending
	rec.UpdatedAt = now
	return rec, nil
}

// ClearPendingAnchor forgets txID once the chain reports it will never
// confirm, so the next attempt broadcasts afresh. Other pending transactions
// are left alone.
func (w *Workflow) ClearPendingAnchor(ctx context.Context, id, txID string) error {
	unlock := w.locks.Lock(approvalKey(id))
	defer unlock()

	rec, err := w.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.PendingAnchor == nil || rec.PendingAnchor.TxID != txID || rec.BlockchainReference != nil {
		return nil
	}
	return w.repo.SavePendingAnchor(ctx, id, nil, w.timestamp())
}

// ListPending returns pending records excluding those userID submitted or
// already signed. An empty userID returns every pending record.
func (w *Workflow) ListPending(ctx context.Context, userID string) ([]CertificateApproval, error) {
	recs, err := w.repo.List(ctx, Filter{Status: StatusPending})
	if err != nil {
		return nil, err
	}
	if userID == "" {
		return recs, nil
	}
	out := recs[:0]
	for _, r := range recs {
		if r.SubmittedBy == userID || r.HasApprover(userID) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (w *Workflow) ListByStatus(ctx context.Context, status Status) ([]CertificateApproval, error) {
	return w.repo.List(ctx, Filter{Status: status})
}

func (w *Workflow) ListByCertificate(ctx context.Context, certificateID string) ([]CertificateApproval, error) {
	return w.repo.List(ctx, Filter{CertificateID: certificateID})
}

// History returns records userID approved or rejected.
func (w *Workflow) History(ctx context.Context, userID string) ([]CertificateApproval, error) {
	return w.repo.List(ctx, Filter{ActedBy: userID})
}

func (w *Workflow) ListSubmittedBy(ctx context.Context, userID string) ([]CertificateApproval, error) {
	return w.repo.List(ctx, Filter{SubmittedBy: userID})
}

// ReadyForAnchoring returns approved records without a blockchain reference.
func (w *Workflow) ReadyForAnchoring(ctx context.Context) ([]CertificateApproval, error) {
	return w.repo.List(ctx, Filter{Status: StatusApproved, Unanchored: true})
}

// LatestForEntity returns the newest record for the entity.
func (w *Workflow) LatestForEntity(ctx context.Context, t certificate.EntityType, entityID string) (CertificateApproval, error) {
	recs, err := w.repo.List(ctx, Filter{EntityType: t, EntityID: entityID})
	if err != nil {
		return CertificateApproval{}, err
	}
	if len(recs) == 0 {
		return CertificateApproval{}, ErrNotFound
	}
	return recs[0], nil
}

func (w *Workflow) emit(ctx context.Context, kind string, rec CertificateApproval, actor string) {
	obs.CountTransition(kind)
	fields := map[string]any{
		"approval_id":    rec.ID,
		"certificate_id": rec.CertificateID,
		"status":         string(rec.Status),
		"approvals":      len(rec.Approvers),
		"required":       rec.RequiredApprovals,
	}
	if actor != "" {
		fields["actor"] = actor
	}
	_ = audit.LogEvent(ctx, "approval."+kind, fields)
	if w.pub == nil {
		return
	}
	evt := stream.Event{
		Type:          kind,
		ApprovalID:    rec.ID,
		CertificateID: rec.CertificateID,
		EntityType:    string(rec.EntityType),
		EntityID:      rec.EntityID,
		Status:        string(rec.Status),
		Actor:         actor,
		Approvals:     len(rec.Approvers),
		Required:      rec.RequiredApprovals,
		Timestamp:     rec.UpdatedAt,
	}
	if rec.BlockchainReference != nil {
		evt.TxID = rec.BlockchainReference.TxID
	}
	w.pub.Publish(evt)
}
