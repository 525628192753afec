package chain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"certledger.org/internal/certificate"
)

const (
	PayloadType       = "CERTIFICATE_ANCHOR"
	LegacyPayloadType = "RCV_CERTIFICATE"
	VersionCurrent    = "2.0"
	VersionLegacy     = "1.0"
)

// ApproverStamp records one approver on the anchored payload.
type ApproverStamp struct {
	Wallet string    `json:"wallet"`
	Name   string    `json:"name,omitempty"`
	Date   time.Time `json:"date"`
}

// EntityDetails carries the registration numbers of the certified entity.
// At most one side is set, matching the entity type.
type EntityDetails struct {
	Product *certificate.ProductDetails `json:"product,omitempty"`
	Company *certificate.CompanyDetails `json:"company,omitempty"`
}

// AnchorPayload is the certificate data written to the chain.
type AnchorPayload struct {
	Type              string          `json:"type"`
	Version           string          `json:"version"`
	CertificateID     string          `json:"certificate_id"`
	EntityType        string          `json:"entity_type"`
	EntityID          string          `json:"entity_id"`
	EntityName        string          `json:"entity_name"`
	ContentHash       string          `json:"content_hash"`
	SubmissionVersion int             `json:"submission_version"`
	Entity            *EntityDetails  `json:"entity,omitempty"`
	Approvers         []ApproverStamp `json:"approvers"`
	Timestamp         time.Time       `json:"timestamp"`
}

// legacyPayload is the RCV_CERTIFICATE layout with camelCase keys. Version
// 1.0 writers omit entity and approvers; 2.0 writers add them.
type legacyPayload struct {
	Type          string           `json:"type"`
	Version       string           `json:"version"`
	CertificateID string           `json:"certificateId"`
	EntityType    string           `json:"entityType"`
	EntityName    string           `json:"entityName"`
	PDFHash       string           `json:"pdfHash"`
	Timestamp     time.Time        `json:"timestamp"`
	Entity        *legacyEntity    `json:"entity"`
	Approvers     []legacyApprover `json:"approvers"`
}

type legacyEntity struct {
	LTONumber     string `json:"LTONumber"`
	CFPRNumber    string `json:"CFPRNumber"`
	LotNumber     string `json:"lotNumber"`
	BrandName     string `json:"brandName"`
	LicenseNumber string `json:"licenseNumber"`
}

// details keeps only the side that matches entityType.
func (e *legacyEntity) details(entityType string) *EntityDetails {
	if e == nil {
		return nil
	}
	switch certificate.EntityType(entityType) {
	case certificate.EntityProduct:
		d := certificate.ProductDetails{LTONumber: e.LTONumber, CFPRNumber: e.CFPRNumber, LotNumber: e.LotNumber, BrandName: e.BrandName}.Trim()
		if d == (certificate.ProductDetails{}) {
			return nil
		}
		return &EntityDetails{Product: &d}
	case certificate.EntityCompany:
		d := certificate.CompanyDetails{LicenseNumber: e.LicenseNumber}.Trim()
		if d == (certificate.CompanyDetails{}) {
			return nil
		}
		return &EntityDetails{Company: &d}
	}
	return nil
}

// legacyApprover keeps the date as text; old writers sometimes left it empty.
type legacyApprover struct {
	Wallet string `json:"wallet"`
	Name   string `json:"name"`
	Date   string `json:"date"`
}

func (l legacyPayload) anchorPayload() AnchorPayload {
	version := l.Version
	if version == "" {
		version = VersionLegacy
	}
	p := AnchorPayload{
		Type:          l.Type,
		Version:       version,
		CertificateID: l.CertificateID,
		EntityType:    l.EntityType,
		EntityName:    l.EntityName,
		ContentHash:   l.PDFHash,
		Entity:        l.Entity.details(l.EntityType),
		Timestamp:     l.Timestamp,
	}
	for _, a := range l.Approvers {
		stamp := ApproverStamp{Wallet: strings.TrimSpace(a.Wallet), Name: strings.TrimSpace(a.Name)}
		if at, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(a.Date)); err == nil {
			stamp.Date = at.UTC()
		}
		p.Approvers = append(p.Approvers, stamp)
	}
	return p
}

// EncodePayload renders p as compact JSON with the current type and version.
func EncodePayload(p AnchorPayload) ([]byte, error) {
	p.Type = PayloadType
	p.Version = VersionCurrent
	p.ContentHash = strings.ToLower(p.ContentHash)
	p.Timestamp = p.Timestamp.UTC()
	if p.Approvers == nil {
		p.Approvers = []ApproverStamp{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// DecodePayload parses a payload written by EncodePayload, or any
// RCV_CERTIFICATE payload. Anything else fails with ErrPayloadDecode.
func DecodePayload(raw []byte) (AnchorPayload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return AnchorPayload{}, fmt.Errorf("%w: empty payload", ErrPayloadDecode)
	}
	var head struct {
		Type    string `json:"type"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return AnchorPayload{}, fmt.Errorf("%w: %v", ErrPayloadDecode, err)
	}

	var p AnchorPayload
	switch {
	case head.Type == PayloadType && head.Version == VersionCurrent:
		if err := json.Unmarshal(raw, &p); err != nil {
			return AnchorPayload{}, fmt.Errorf("%w: %v", ErrPayloadDecode, err)
		}
	case head.Type == LegacyPayloadType,
		head.Type == PayloadType && (head.Version == VersionLegacy || head.Version == ""):
		var l legacyPayload
		if err := json.Unmarshal(raw, &l); err != nil {
			return AnchorPayload{}, fmt.Errorf("%w: %v", ErrPayloadDecode, err)
		}
		p = l.anchorPayload()
	default:
		return AnchorPayload{}, fmt.Errorf("%w: unsupported type %q version %q", ErrPayloadDecode, head.Type, head.Version)
	}

	p.ContentHash = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(p.ContentHash), "0x"))
	if p.CertificateID == "" || p.ContentHash == "" {
		return AnchorPayload{}, fmt.Errorf("%w: certificate id or content hash missing", ErrPayloadDecode)
	}
	return p, nil
}
