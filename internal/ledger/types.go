package ledger

import (
	"errors"
	"fmt"
	"time"

	"certledger.org/internal/certificate"
)

// GenesisPrecedingHash is the sentinel stored as the predecessor of block 0.
const GenesisPrecedingHash = "0"

// Block is one hash-linked record in the certificate ledger.
type Block struct {
	Index         int                 `json:"index"`
	Timestamp     time.Time           `json:"timestamp"`
	PrecedingHash string              `json:"preceding_hash"`
	Hash          string              `json:"hash"`
	Data          certificate.Payload `json:"data"`
}

// clone copies b including the pointer fields of its payload, so a caller
// mutating the copy never reaches stored state.
func (b Block) clone() Block {
	out := b
	if b.Data.Product != nil {
		p := *b.Data.Product
		out.Data.Product = &p
	}
	if b.Data.Company != nil {
		c := *b.Data.Company
		out.Data.Company = &c
	}
	if b.Data.Anchor != nil {
		a := *b.Data.Anchor
		out.Data.Anchor = &a
	}
	return out
}

var (
	ErrLedgerUninitialized  = errors.New("ledger: no genesis block")
	ErrAlreadyInitialized   = errors.New("ledger: already initialized")
	ErrBlockIndexOutOfRange = errors.New("ledger: block index out of range")
	ErrIntegrityViolation   = errors.New("ledger: integrity violation")
	ErrNotFound             = errors.New("ledger: not found")
)

// Violation fields.
const (
	FieldHash          = "hash"
	FieldPrecedingHash = "preceding_hash"
)

// IntegrityError names the block and field that failed validation.
type IntegrityError struct {
	Index int
	Field string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger: integrity violation at block %d (%s)", e.Index, e.Field)
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrityViolation }

// Violation is one failed check found by Verify.
type Violation struct {
	Index int    `json:"index"`
	Field string `json:"field"`
}

// Err converts v into an *IntegrityError.
func (v Violation) Err() error { return &IntegrityError{Index: v.Index, Field: v.Field} }

// IntegrityReport summarises a full chain scan.
type IntegrityReport struct {
	Valid       bool        `json:"valid"`
	TotalBlocks int         `json:"total_blocks"`
	Corrupted   []int       `json:"corrupted"`
	Violations  []Violation `json:"violations"`
	CheckedAt   time.Time   `json:"checked_at"`
}

// BlockValidation is the per-check outcome for a single block.
type BlockValidation struct {
	Index              int    `json:"index"`
	Valid              bool   `json:"valid"`
	HashValid          bool   `json:"hash_valid"`
	PrecedingHashValid bool   `json:"preceding_hash_valid"`
	StoredHash         string `json:"stored_hash"`
	ComputedHash       string `json:"computed_hash"`
}

// Stats aggregates ledger contents. Genesis is not counted as a certificate.
type Stats struct {
	TotalBlocks          int                  `json:"total_blocks"`
	TotalCertificates    int                  `json:"total_certificates"`
	ProductCertificates  int                  `json:"product_certificates"`
	CompanyCertificates  int                  `json:"company_certificates"`
	AnchoredCertificates int                  `json:"anchored_certificates"`
	Valid                bool                 `json:"valid"`
	LatestCertificate    *certificate.Payload `json:"latest_certificate,omitempty"`
}

// Page is a slice of certificate blocks.
type Page struct {
	Items      []Block `json:"items"`
	Total      int     `json:"total"`
	Page       int     `json:"page"`
	Limit      int     `json:"limit"`
	TotalPages int     `json:"total_pages"`
}

// VerificationStatus is the outcome of checking an artifact hash against the ledger.
type VerificationStatus string

const (
	StatusAuthentic VerificationStatus = "authentic"
	StatusTampered  VerificationStatus = "tampered"
	StatusCorrupted VerificationStatus = "corrupted"
	StatusNotFound  VerificationStatus = "not_found"
)

// Verification reports whether an artifact matches its ledger record.
type Verification struct {
	Status  VerificationStatus `json:"status"`
	Valid   bool               `json:"valid"`
	Message string             `json:"message"`
	Block   *Block             `json:"block,omitempty"`
}
