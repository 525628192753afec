// Package certificate defines the payload carried by ledger blocks and approval
// records. A Payload is either a product or a company certificate; the variant
// details are checked once, in New, so readers never re-validate.
package certificate

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EntityType identifies what a certificate certifies.
type EntityType string

const (
	EntityProduct EntityType = "product"
	EntityCompany EntityType = "company"
)

// ParseEntityType accepts "product" or "company" (case-insensitive).
func ParseEntityType(s string) (EntityType, error) {
	switch EntityType(strings.ToLower(strings.TrimSpace(s))) {
	case EntityProduct:
		return EntityProduct, nil
	case EntityCompany:
		return EntityCompany, nil
	}
	return "", fmt.Errorf("%w: unknown entity type %q", ErrInvalid, s)
}

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool { return t == EntityProduct || t == EntityCompany }

// ErrInvalid marks a malformed payload.
var ErrInvalid = errors.New("certificate: invalid payload")

// ProductDetails holds registration numbers specific to product certificates.
type ProductDetails struct {
	LTONumber  string `json:"lto_number"`
	CFPRNumber string `json:"cfpr_number"`
	LotNumber  string `json:"lot_number"`
	BrandName  string `json:"brand_name"`
}

// CompanyDetails holds registration numbers specific to company certificates.
type CompanyDetails struct {
	LicenseNumber string `json:"license_number"`
}

// AnchorRef points at the external chain transaction holding the certificate.
type AnchorRef struct {
	TxID           string    `json:"tx_id"`
	BlockNumber    uint64    `json:"block_number"`
	BlockTimestamp time.Time `json:"block_timestamp"`
}

// Payload is the certificate record stored in ledger blocks.
type Payload struct {
	CertificateID string          `json:"certificate_id"`
	EntityType    EntityType      `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	EntityName    string          `json:"entity_name"`
	ContentHash   string          `json:"content_hash"`
	IssuedAt      time.Time       `json:"issued_at"`
	Product       *ProductDetails `json:"product"`
	Company       *CompanyDetails `json:"company"`
	Anchor        *AnchorRef      `json:"anchor"`
}

// New normalises and validates p. The returned payload is safe to hash.
func New(p Payload) (Payload, error) {
	p.CertificateID = strings.TrimSpace(p.CertificateID)
	p.EntityID = strings.TrimSpace(p.EntityID)
	p.EntityName = strings.TrimSpace(p.EntityName)
	p.ContentHash = NormalizeHash(p.ContentHash)
	p.IssuedAt = p.IssuedAt.UTC().Truncate(time.Microsecond)
	if p.Anchor != nil {
		ref := *p.Anchor
		ref.BlockTimestamp = ref.BlockTimestamp.UTC().Truncate(time.Microsecond)
		p.Anchor = &ref
	}
	if err := p.Validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// Validate checks required fields and the product/company variant.
func (p Payload) Validate() error {
	switch {
	case p.CertificateID == "":
		return fmt.Errorf("%w: certificate_id is required", ErrInvalid)
	case !p.EntityType.Valid():
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalid, p.EntityType)
	case p.EntityID == "":
		return fmt.Errorf("%w: entity_id is required", ErrInvalid)
	case p.EntityName == "":
		return fmt.Errorf("%w: entity_name is required", ErrInvalid)
	case p.IssuedAt.IsZero():
		return fmt.Errorf("%w: issued_at is required", ErrInvalid)
	}
	if err := ValidateHash(p.ContentHash); err != nil {
		return err
	}
	if err := ValidateDetails(p.EntityType, p.Product, p.Company); err != nil {
		return err
	}
	if p.Anchor != nil && strings.TrimSpace(p.Anchor.TxID) == "" {
		return fmt.Errorf("%w: anchor without tx id", ErrInvalid)
	}
	return nil
}

// ValidateDetails rejects details that do not belong to entity type t.
func ValidateDetails(t EntityType, product *ProductDetails, company *CompanyDetails) error {
	if t == EntityProduct && company != nil {
		return fmt.Errorf("%w: company details on a product certificate", ErrInvalid)
	}
	if t == EntityCompany && product != nil {
		return fmt.Errorf("%w: product details on a company certificate", ErrInvalid)
	}
	return nil
}

// Trim returns a copy of d with surrounding whitespace removed.
func (d ProductDetails) Trim() ProductDetails {
	return ProductDetails{
		LTONumber:  strings.TrimSpace(d.LTONumber),
		CFPRNumber: strings.TrimSpace(d.CFPRNumber),
		LotNumber:  strings.TrimSpace(d.LotNumber),
		BrandName:  strings.TrimSpace(d.BrandName),
	}
}

// Trim returns a copy of d with surrounding whitespace removed.
func (d CompanyDetails) Trim() CompanyDetails {
	return CompanyDetails{LicenseNumber: strings.TrimSpace(d.LicenseNumber)}
}

// WithAnchor returns a copy of p carrying ref.
func (p Payload) WithAnchor(ref AnchorRef) Payload {
	ref.BlockTimestamp = ref.BlockTimestamp.UTC().Truncate(time.Microsecond)
	p.Anchor = &ref
	return p
}

// NormalizeHash lower-cases a hex digest and strips an optional 0x prefix.
func NormalizeHash(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.TrimPrefix(h, "0x")
}

// ValidateHash requires a 32-byte hex digest (SHA-256).
func ValidateHash(h string) error {
	if len(h) != 64 {
		return fmt.Errorf("%w: content_hash must be 64 hex characters", ErrInvalid)
	}
	if _, err := hex.DecodeString(h); err != nil {
		return fmt.Errorf("%w: content_hash is not hex", ErrInvalid)
	}
	return nil
}
