// Package approval implements the N-of-M signature workflow that gates a
// certificate before it is anchored on the external chain.
//
// A record moves pending -> approved once RequiredApprovals distinct eligible
// approvers have signed its approval message, or pending -> rejected on the
// first signed rejection. Terminal records are never mutated again, except for
// the single write of BlockchainReference on an approved record. A rejected
// record may be resubmitted, which creates a new pending record.
package approval

import (
	"errors"
	"time"

	"certledger.org/internal/certificate"
)

// Status is the lifecycle state of a CertificateApproval.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// ParseStatus accepts one of the three known statuses.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusApproved, StatusRejected:
		return st, nil
	}
	return "", ErrInvalidPayload
}

var (
	ErrNotFound            = errors.New("approval: not found")
	ErrInvalidPayload      = errors.New("approval: invalid payload")
	ErrAlreadySubmitted    = errors.New("approval: entity already has an open or approved submission")
	ErrNotPending          = errors.New("approval: record is not pending")
	ErrSelfApproval        = errors.New("approval: submitter cannot approve own submission")
	ErrDuplicateApproval   = errors.New("approval: approver already signed")
	ErrBadSignature        = errors.New("approval: signature does not match wallet")
	ErrNotEligible         = errors.New("approval: user is not an eligible approver")
	ErrWalletMismatch      = errors.New("approval: wallet is not the approver's registered wallet")
	ErrNotRejected         = errors.New("approval: only rejected records can be resubmitted")
	ErrNotSubmitter        = errors.New("approval: only the original submitter can resubmit")
	ErrNotApproved         = errors.New("approval: record is not approved")
	ErrAnchorAlreadyExists = errors.New("approval: blockchain reference already recorded")
	ErrAnchorPending       = errors.New("approval: another anchor transaction is awaiting confirmation")
)

// Approver is one collected signature.
type Approver struct {
	ApproverID     string    `json:"approver_id"`
	ApproverName   string    `json:"approver_name"`
	ApproverWallet string    `json:"approver_wallet"`
	ApprovedAt     time.Time `json:"approved_at"`
	Signature      string    `json:"signature"`
}

// Rejection freezes a record in the rejected state.
type Rejection struct {
	RejectedBy   string    `json:"rejected_by"`
	RejectorName string    `json:"rejector_name"`
	Reason       string    `json:"reason"`
	RejectedAt   time.Time `json:"rejected_at"`
	Signature    string    `json:"signature"`
}

// BlockchainReference locates the anchor transaction on the external chain.
type BlockchainReference struct {
	TxID           string    `json:"tx_id"`
	BlockNumber    uint64    `json:"block_number"`
	BlockTimestamp time.Time `json:"block_timestamp"`
	ExplorerURL    string    `json:"explorer_url,omitempty"`
}

// PendingAnchor is a broadcast anchor transaction not yet confirmed.
type PendingAnchor struct {
	TxID        string    `json:"tx_id"`
	BroadcastAt time.Time `json:"broadcast_at"`
}

// CertificateApproval is one submission round of a certificate.
type CertificateApproval struct {
	ID                  string                      `json:"id"`
	Sequence            uint64                      `json:"sequence"`
	CertificateID       string                      `json:"certificate_id"`
	EntityType          certificate.EntityType      `json:"entity_type"`
	EntityID            string                      `json:"entity_id"`
	EntityName          string                      `json:"entity_name"`
	ContentHash         string                      `json:"content_hash"`
	ArtifactLocation    string                      `json:"artifact_location,omitempty"`
	Product             *certificate.ProductDetails `json:"product,omitempty"`
	Company             *certificate.CompanyDetails `json:"company,omitempty"`
	Status              Status                      `json:"status"`
	SubmittedBy         string                      `json:"submitted_by"`
	SubmitterName       string                      `json:"submitter_name"`
	Approvers           []Approver                  `json:"approvers"`
	RequiredApprovals   int                         `json:"required_approvals"`
	Rejection           *Rejection                  `json:"rejection,omitempty"`
	SubmissionVersion   int                         `json:"submission_version"`
	PreviousApprovalID  string                      `json:"previous_approval_id,omitempty"`
	PendingAnchor       *PendingAnchor              `json:"pending_anchor,omitempty"`
	BlockchainReference *BlockchainReference        `json:"blockchain_reference,omitempty"`
	CreatedAt           time.Time                   `json:"created_at"`
	UpdatedAt           time.Time                   `json:"updated_at"`
}

// Clone returns a deep copy.
func (a CertificateApproval) Clone() CertificateApproval {
	out := a
	if a.Approvers != nil {
		out.Approvers = append([]Approver(nil), a.Approvers...)
	}
	if a.Rejection != nil {
		r := *a.Rejection
		out.Rejection = &r
	}
	if a.Product != nil {
		p := *a.Product
		out.Product = &p
	}
	if a.Company != nil {
		c := *a.Company
		out.Company = &c
	}
	if a.PendingAnchor != nil {
		pa := *a.PendingAnchor
		out.PendingAnchor = &pa
	}
	if a.BlockchainReference != nil {
		ref := *a.BlockchainReference
		out.BlockchainReference = &ref
	}
	return out
}

// HasApprover reports whether userID already signed a.
func (a CertificateApproval) HasApprover(userID string) bool {
	for _, ap := range a.Approvers {
		if ap.ApproverID == userID {
			return true
		}
	}
	return false
}

// Payload converts a into the ledger payload for the given anchor.
func (a CertificateApproval) Payload(ref *certificate.AnchorRef) certificate.Payload {
	p := certificate.Payload{
		CertificateID: a.CertificateID,
		EntityType:    a.EntityType,
		EntityID:      a.EntityID,
		EntityName:    a.EntityName,
		ContentHash:   a.ContentHash,
		IssuedAt:      a.UpdatedAt,
	}
	if a.Product != nil {
		d := *a.Product
		p.Product = &d
	}
	if a.Company != nil {
		d := *a.Company
		p.Company = &d
	}
	if ref != nil {
		p = p.WithAnchor(*ref)
	}
	return p
}

// SubmitRequest carries the certificate fields of a new submission.
type SubmitRequest struct {
	CertificateID    string                      `json:"certificate_id"`
	EntityType       certificate.EntityType      `json:"entity_type"`
	EntityID         string                      `json:"entity_id"`
	EntityName       string                      `json:"entity_name"`
	ContentHash      string                      `json:"content_hash"`
	ArtifactLocation string                      `json:"artifact_location,omitempty"`
	Product          *certificate.ProductDetails `json:"product,omitempty"`
	Company          *certificate.CompanyDetails `json:"company,omitempty"`
}

// Updates are the fields a resubmission may replace. Empty fields keep the
// rejected record's value.
type Updates struct {
	ContentHash      string `json:"content_hash,omitempty"`
	ArtifactLocation string `json:"artifact_location,omitempty"`
}

// ApprovalResult is returned by Approve. FullyApproved is true for exactly one
// caller per record: the one whose signature reached the threshold.
type ApprovalResult struct {
	Approval      CertificateApproval `json:"approval"`
	FullyApproved bool                `json:"fully_approved"`
}

// Threshold describes how many approvals a submission by a given user needs.
type Threshold struct {
	EligibleApprovers int `json:"eligible_approvers"`
	RequiredApprovals int `json:"required_approvals"`
}
